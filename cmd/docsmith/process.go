package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docsmith/docsmith/pkg/events"
	"github.com/docsmith/docsmith/pkg/execstore"
	"github.com/docsmith/docsmith/pkg/lease"
	"github.com/docsmith/docsmith/pkg/log"
	"github.com/docsmith/docsmith/pkg/metrics"
	"github.com/docsmith/docsmith/pkg/model"
	"github.com/docsmith/docsmith/pkg/ops"
	"github.com/docsmith/docsmith/pkg/orchestrator"
	"github.com/docsmith/docsmith/pkg/pool"
	"github.com/docsmith/docsmith/pkg/progress"
	"github.com/docsmith/docsmith/pkg/stage"
)

var (
	processLimit     int
	processWorkspace string
	processDocID     string
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one bounded processing batch",
	Long: `Process fetches up to --limit pending documents (optionally scoped
to a workspace or a single document) and drives each through the full
pipeline. The command exits when the batch drains or a STOP closes the
dispatch gate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if processLimit <= 0 && processDocID == "" {
			return fmt.Errorf("--limit must be positive (or use --doc-id)")
		}
		if processDocID != "" {
			processLimit = 1
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		repo, err := openStore()
		if err != nil {
			return err
		}
		defer repo.Close()

		metrics.Register()
		if metricsAddr != "" {
			go func() {
				if err := metrics.Serve(metricsAddr); err != nil {
					log.WithComponent("metrics").Error().Err(err).Msg("Metrics endpoint failed")
				}
			}()
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		pub := progress.NewPublisher(repo, broker, cfg.Progress.WriteInterval.Std(), cfg.Progress.RingSize)
		pub.Start()
		defer pub.Stop()

		// Recover anything a crashed run left behind before dispatching.
		janitor := lease.NewJanitor(repo, broker, cfg.Lease.JanitorInterval.Std())
		if err := janitor.Sweep(); err != nil {
			return errTransient(fmt.Errorf("startup recovery sweep failed: %w", err))
		}
		janitor.Start()
		defer janitor.Stop()

		// Honor queued operator requests before reading the gate.
		applier := ops.NewApplier(repo, time.Second)
		if err := applier.ApplyPending(); err != nil {
			return errTransient(err)
		}
		applier.Start()
		defer applier.Stop()

		workers := pool.New(cfg.Pool.MaxParallel, cfg.Pool.HardCap, cfg.Pool.ScaleFloor)
		governor := pool.NewGovernor(workers, pool.NewSystemSampler(), broker, cfg.Pool)
		governor.Start()
		defer governor.Stop()

		client := model.NewEcho(cfg.Pipeline.EmbeddingDim)
		engine := stage.NewEngine(cfg, client, repo, execstore.New(repo), broker, Version)
		leases := lease.NewManager(repo, cfg.Lease.TTL.Std(), cfg.HeartbeatInterval())

		workerID, _ := os.Hostname()
		if workerID == "" {
			workerID = "docsmith"
		}
		workerID = fmt.Sprintf("%s-%d", workerID, os.Getpid())

		orch := orchestrator.New(cfg, repo, engine, workers, leases, pub, orchestrator.NewFileLoader(), workerID)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := orch.RunBatch(ctx, orchestrator.RunOptions{
			Limit:     processLimit,
			Workspace: processWorkspace,
			DocID:     processDocID,
		})
		if err != nil {
			return errTransient(fmt.Errorf("run failed: %w", err))
		}

		// Applied RUN requests each trigger one more bounded batch.
	drain:
		for !summary.GateClosed {
			select {
			case sig := <-applier.RunSignals():
				opts := orchestrator.RunOptions{
					Limit:     sig.MaxItems,
					Workspace: sig.Workspace,
					DocID:     sig.DocID,
				}
				if opts.Limit <= 0 {
					opts.Limit = processLimit
				}
				extra, err := orch.RunBatch(ctx, opts)
				if err != nil {
					return errTransient(fmt.Errorf("run failed: %w", err))
				}
				summary.Fetched += extra.Fetched
				summary.Dispatched += extra.Dispatched
				summary.Succeeded += extra.Succeeded
				summary.Failed += extra.Failed
				summary.Skipped += extra.Skipped
				summary.GateClosed = extra.GateClosed
			default:
				break drain
			}
		}

		if summary.GateClosed {
			fmt.Println("Dispatch gate closed (stop requested)")
		}
		fmt.Printf("Batch complete: %d fetched, %d dispatched, %d succeeded, %d failed, %d skipped\n",
			summary.Fetched, summary.Dispatched, summary.Succeeded, summary.Failed, summary.Skipped)
		return nil
	},
}

func init() {
	processCmd.Flags().IntVarP(&processLimit, "limit", "n", 10, "Maximum documents to process in this run")
	processCmd.Flags().StringVarP(&processWorkspace, "workspace", "w", "", "Restrict the batch to one workspace")
	processCmd.Flags().StringVar(&processDocID, "doc-id", "", "Process a single document")
}
