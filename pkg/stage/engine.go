package stage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/docsmith/docsmith/pkg/config"
	"github.com/docsmith/docsmith/pkg/events"
	"github.com/docsmith/docsmith/pkg/execstore"
	"github.com/docsmith/docsmith/pkg/log"
	"github.com/docsmith/docsmith/pkg/metrics"
	"github.com/docsmith/docsmith/pkg/model"
	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

// DefaultEnrichDocTypes lists doc types that carry visual structure worth a
// model enrichment pass
var DefaultEnrichDocTypes = []string{"pdf", "image", "scan"}

// Engine drives a document through the stage pipeline: strictly sequential
// stages, per-stage timeout and retry, classified failures, and a full
// execution record whatever the outcome.
type Engine struct {
	cfg          *config.Config
	stages       []Stage
	resolver     *Resolver
	repo         storage.Store
	execs        *execstore.Store
	broker       *events.Broker
	modelVersion string
}

// NewEngine wires the built-in pipeline (E through K) over the given model
// client. modelVersion is stamped on every execution for provenance.
func NewEngine(cfg *config.Config, client model.Client, repo storage.Store, execs *execstore.Store, broker *events.Broker, modelVersion string) *Engine {
	return &Engine{
		cfg: cfg,
		stages: []Stage{
			NewExtract(),
			NewEnrich(client, DefaultEnrichDocTypes),
			NewFormat(client),
			NewStructure(client),
			NewSynthesize(client),
			NewChunker(cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap),
			NewEmbedder(client, cfg.Pipeline.EmbeddingDim),
		},
		resolver:     NewResolver(cfg.Routing),
		repo:         repo,
		execs:        execs,
		broker:       broker,
		modelVersion: modelVersion,
	}
}

// Process runs one full pipeline attempt for the document. It always returns
// the execution record it produced (reused, succeeded, failed, or canceled);
// the error is non-nil for every non-success.
func (e *Engine) Process(ctx context.Context, doc *types.Document, content []byte) (*types.Execution, error) {
	meta := map[string]string{
		"workspace": doc.Workspace,
		"doc_type":  doc.DocType,
	}
	inputHash := execstore.InputHash(content, meta)
	logger := log.WithDocID(doc.ID)

	if e.cfg.Pipeline.ReuseEnabled {
		prior, err := e.execs.FindPriorSuccess(doc.ID, inputHash)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			logger.Info().Str("prior_execution", prior.ID).Msg("Input unchanged, reusing prior result")
			exec, err := e.execs.RecordReuse(doc.ID, prior)
			if err != nil {
				return nil, err
			}
			e.publish(events.EventExecutionReused, doc.ID, "", "", "reused prior execution "+prior.ID)
			return exec, nil
		}
	}

	exec, err := e.execs.CreateRun(execstore.RunSpec{
		DocID:        doc.ID,
		InputBytes:   content,
		Meta:         meta,
		ModelVersion: e.modelVersion,
		PromptHash:   e.resolver.PromptHash(doc.Workspace, doc.DocType),
	})
	if err != nil {
		return nil, err
	}
	if err := e.execs.StartRun(exec.ID); err != nil {
		return nil, err
	}
	e.publish(events.EventExecutionStarted, doc.ID, "", "", "pipeline started")

	started := time.Now()
	view := DocView{Doc: doc, Content: content}
	outputs := Outputs{}
	var chunks []*types.Chunk

	sinkCtx := WithSink(ctx, func(subStep, message string) {
		e.publish(events.EventStageCompleted, doc.ID, "", subStep, message)
	})

	for _, st := range e.stages {
		// Cancellation is honored at every stage boundary.
		if err := ctx.Err(); err != nil {
			return e.finishFailed(exec, doc, NewError(st.ID(), err), started)
		}

		if cond, ok := st.(Conditional); ok && !cond.Applies(view) {
			logger.Debug().Str("stage", string(st.ID())).Msg("Stage not applicable, skipping")
			continue
		}

		out, err := e.runStage(sinkCtx, st, view, outputs)
		if err != nil {
			return e.finishFailed(exec, doc, NewError(st.ID(), err), started)
		}

		if err := e.persistOutputs(doc.ID, st.ID(), out); err != nil {
			return e.finishFailed(exec, doc, NewError(st.ID(), err), started)
		}
		outputs[st.ID()] = out
		if len(out.Chunks) > 0 {
			chunks = out.Chunks
		}

		e.publishStage(events.EventStageCompleted, doc.ID, st.ID(), "stage completed")
	}

	result := ""
	if i := outputs[types.StageSynthesize]; i != nil {
		result = i.Primary
	}
	err = e.execs.FinishRun(exec.ID, execstore.Outcome{
		Status:     types.ExecStatusSucceeded,
		Result:     result,
		DurationMs: time.Since(started).Milliseconds(),
		Chunks:     chunks,
	})
	if err != nil {
		return nil, err
	}
	metrics.ExecutionsTotal.WithLabelValues(string(types.ExecStatusSucceeded)).Inc()
	e.publish(events.EventExecutionSucceeded, doc.ID, "", "", "pipeline succeeded")

	return e.repo.GetExecution(exec.ID)
}

// finishFailed records a failed or canceled outcome and reports the stage error
func (e *Engine) finishFailed(exec *types.Execution, doc *types.Document, serr *Error, started time.Time) (*types.Execution, error) {
	status := types.ExecStatusFailed
	event := events.EventExecutionFailed
	if serr.Kind == KindCanceled {
		status = types.ExecStatusCanceled
		event = events.EventExecutionCanceled
	}

	log.WithDocID(doc.ID).Error().
		Err(serr).
		Str("stage", string(serr.Stage)).
		Str("error_code", string(serr.Code())).
		Msg("Pipeline run did not succeed")

	err := e.execs.FinishRun(exec.ID, execstore.Outcome{
		Status:       status,
		ErrorCode:    serr.Code(),
		ErrorMessage: serr.Error(),
		DurationMs:   time.Since(started).Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	metrics.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	e.publishStage(event, doc.ID, serr.Stage, serr.Error())

	final, err := e.repo.GetExecution(exec.ID)
	if err != nil {
		return nil, err
	}
	return final, serr
}

// runStage executes one stage with its timeout, transient backoff, and the
// single re-prompt allowance for malformed model output.
func (e *Engine) runStage(ctx context.Context, st Stage, view DocView, prior Outputs) (*Output, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.Pipeline.RetryBase.Std()
	bo.Multiplier = e.cfg.Pipeline.RetryFactor
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()

	reprompted := false
	for attempt := 1; ; attempt++ {
		out, err := e.attempt(ctx, st, view, prior)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, NewError(st.ID(), ctx.Err())
		}

		serr := NewError(st.ID(), err)

		if serr.Kind == KindModel && errors.Is(serr, model.ErrMalformedOutput) &&
			e.cfg.Pipeline.ModelReprompt && !reprompted {
			reprompted = true
			log.WithStage(string(st.ID())).Warn().Err(serr).Msg("Malformed model output, re-prompting once")
			metrics.StageRetriesTotal.WithLabelValues(string(st.ID())).Inc()
			e.publishStage(events.EventStageRetried, view.Doc.ID, st.ID(), "re-prompting after malformed output")
			continue
		}

		if !serr.Retryable() || attempt >= e.cfg.Pipeline.RetryMaxAttempts {
			return nil, serr
		}

		wait := bo.NextBackOff()
		log.WithStage(string(st.ID())).Warn().
			Err(serr).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Transient stage failure, retrying")
		metrics.StageRetriesTotal.WithLabelValues(string(st.ID())).Inc()
		e.publishStage(events.EventStageRetried, view.Doc.ID, st.ID(), serr.Error())

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, NewError(st.ID(), ctx.Err())
		}
	}
}

// attempt runs a single bounded stage invocation
func (e *Engine) attempt(ctx context.Context, st Stage, view DocView, prior Outputs) (*Output, error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout(st.ID()))
	defer cancel()

	timer := metrics.NewTimer()
	out, err := st.Run(sctx, view, prior, e.resolver)
	timer.ObserveDuration(metrics.StageDuration.WithLabelValues(string(st.ID())))
	return out, err
}

// persistOutputs writes the stage's artifacts to the document's stage-output
// columns. Extraction variants E1-E4 are persisted only when configured; the
// consolidated E5 artifact is the stage's primary and always lands.
func (e *Engine) persistOutputs(docID string, id types.StageID, out *Output) error {
	if out.Primary != "" {
		if err := e.repo.SetStageOutput(docID, id, out.Primary); err != nil {
			return err
		}
	}
	for key, value := range out.Extras {
		if !e.cfg.Pipeline.PersistVariants && isExtractVariant(key) {
			continue
		}
		if err := e.repo.SetStageOutput(docID, types.StageID(key), value); err != nil {
			return err
		}
	}
	return nil
}

func isExtractVariant(key string) bool {
	switch key {
	case "E1", "E2", "E3", "E4":
		return true
	}
	return false
}

func (e *Engine) publishStage(t events.EventType, docID string, stageID types.StageID, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      t,
		DocID:     docID,
		Stage:     stageID,
		Timestamp: time.Now(),
		Message:   message,
	})
}

func (e *Engine) publish(t events.EventType, docID, stageID, subStep, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      t,
		DocID:     docID,
		Stage:     types.StageID(stageID),
		SubStep:   subStep,
		Timestamp: time.Now(),
		Message:   message,
	})
}
