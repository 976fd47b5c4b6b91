package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/docsmith/docsmith/pkg/ops"
	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

var (
	opsWorkspace string
	opsDocID     string
	opsApply     bool
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Enqueue and inspect operator requests",
	Long: `Ops requests are the only way to change worker behavior: they are
appended to a persistent queue and projected into worker-visible state
by a single applier, so a stop can never be undone by a race.

By default commands only enqueue; pass --apply to also run one applier
pass in-process.`,
}

func init() {
	opsCmd.PersistentFlags().StringVarP(&opsWorkspace, "workspace", "w", "", "Scope the request to a workspace")
	opsCmd.PersistentFlags().StringVar(&opsDocID, "doc-id", "", "Scope the request to a document")
	opsCmd.PersistentFlags().BoolVar(&opsApply, "apply", false, "Run one applier pass after enqueueing")

	opsCmd.AddCommand(opsStopCmd)
	opsCmd.AddCommand(opsPauseCmd)
	opsCmd.AddCommand(opsResumeCmd)
	opsCmd.AddCommand(opsReleaseLeaseCmd)
	opsCmd.AddCommand(opsResetStatusCmd)
	opsCmd.AddCommand(opsResetStagesCmd)
	opsCmd.AddCommand(opsRequestsCmd)
	opsCmd.AddCommand(opsExecutionsCmd)
}

// requestScope derives the request scope from the shared flags
func requestScope() (types.OpsScope, string) {
	switch {
	case opsDocID != "":
		return types.ScopeDocument, opsDocID
	case opsWorkspace != "":
		return types.ScopeWorkspace, opsWorkspace
	default:
		return types.ScopeGlobal, ""
	}
}

func requestedBy() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "cli"
	}
	return user
}

// enqueueAndMaybeApply is the shared body of the enqueueing subcommands
func enqueueAndMaybeApply(reqType types.OpsRequestType, payload map[string]string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	repo, err := openStore()
	if err != nil {
		return err
	}
	defer repo.Close()

	scope, scopeID := requestScope()
	req, err := ops.Enqueue(repo, reqType, scope, scopeID, requestedBy(), payload)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	fmt.Printf("Enqueued %s (%s", req.RequestType, req.ScopeType)
	if req.ScopeID != "" {
		fmt.Printf(" %s", req.ScopeID)
	}
	fmt.Printf("): %s\n", req.ID)

	if opsApply {
		return applyOnce(repo)
	}
	return nil
}

func applyOnce(repo storage.Store) error {
	applier := ops.NewApplier(repo, time.Second)
	if err := applier.ApplyPending(); err != nil {
		return errTransient(err)
	}
	fmt.Println("Applier pass complete")
	return nil
}

var opsStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop dispatch (globally, or for a workspace or document)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueAndMaybeApply(types.OpsStop, nil)
	},
}

var opsPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause dispatch for planned maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueAndMaybeApply(types.OpsPause, nil)
	},
}

var opsResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear a stop or pause",
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueAndMaybeApply(types.OpsResume, nil)
	},
}

var opsReleaseLeaseCmd = &cobra.Command{
	Use:   "release-lease",
	Short: "Force-release a stuck lease and requeue the document(s)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if opsDocID == "" && opsWorkspace == "" {
			return fmt.Errorf("release-lease requires --doc-id or --workspace")
		}
		return enqueueAndMaybeApply(types.OpsReleaseLease, nil)
	},
}

var opsResetStatusCmd = &cobra.Command{
	Use:   "reset-status",
	Short: "Requeue a settled document or workspace (history is kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case opsDocID != "":
			return enqueueAndMaybeApply(types.OpsResetDoc, nil)
		case opsWorkspace != "":
			return enqueueAndMaybeApply(types.OpsResetWorkspace, nil)
		default:
			return fmt.Errorf("reset-status requires --doc-id or --workspace")
		}
	},
}

var opsResetStagesCmd = &cobra.Command{
	Use:   "reset-stages",
	Short: "Clear cached stage outputs (executions and chunks are kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if opsDocID == "" && opsWorkspace == "" {
			return fmt.Errorf("reset-stages requires --doc-id or --workspace")
		}
		return enqueueAndMaybeApply(types.OpsClearStages, nil)
	},
}

var opsRequestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List queued ops requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		repo, err := openStore()
		if err != nil {
			return err
		}
		defer repo.Close()

		queued, err := repo.FetchQueuedOpsRequests()
		if err != nil {
			return errTransient(err)
		}
		if len(queued) == 0 {
			fmt.Println("No queued requests")
		}
		for _, req := range queued {
			fmt.Printf("%s  %-16s %-10s %-20s by %s at %s\n",
				req.ID, req.RequestType, req.ScopeType, req.ScopeID,
				req.RequestedBy, req.CreatedAt.Format(time.RFC3339))
		}

		if opsApply {
			return applyOnce(repo)
		}
		return nil
	},
}

var opsExecutionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "List RUN batch evidence, or a document's execution history with --doc-id",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		repo, err := openStore()
		if err != nil {
			return err
		}
		defer repo.Close()

		if opsDocID != "" {
			return printHistory(repo, opsDocID)
		}

		runs, err := repo.ListRunExecutions()
		if err != nil {
			return errTransient(err)
		}
		if len(runs) == 0 {
			fmt.Println("No recorded runs")
		}
		for _, run := range runs {
			scope := "all"
			if run.Workspace != "" {
				scope = "workspace " + run.Workspace
			}
			if run.DocID != "" {
				scope = "doc " + run.DocID
			}
			fmt.Printf("%s  request=%s max_items=%d %s started=%s\n",
				run.ID, run.RequestID, run.MaxItems, scope,
				run.StartedAt.Format(time.RFC3339))
		}
		return nil
	},
}

// printHistory lists a document's execution rows, most recent first
func printHistory(repo storage.Store, docID string) error {
	execs, err := repo.ListExecutionsByDocument(docID)
	if err != nil {
		return errTransient(err)
	}
	if len(execs) == 0 {
		fmt.Println("No executions recorded")
		return nil
	}
	for _, exec := range execs {
		line := fmt.Sprintf("%s  %-10s model=%s created=%s",
			exec.ID, exec.Status, exec.ModelVersion, exec.CreatedAt.Format(time.RFC3339))
		if exec.RetryOfExecutionID != "" {
			line += " retry_of=" + exec.RetryOfExecutionID
		}
		if exec.ErrorCode != types.ErrCodeNone {
			line += fmt.Sprintf(" error=%s %q", exec.ErrorCode, exec.ErrorMessage)
		}
		fmt.Println(line)
	}
	return nil
}
