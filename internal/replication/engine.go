package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/progress"
	"github.com/njoerd114/bookrelay/internal/storage"
)

const (
	otelScope       = "bookrelay/replication"
	spanRun         = "replication.run"
	spanDelete      = "replication.delete"
	metricProcessed = "bookrelay.replication.contexts.processed"
	metricFailed    = "bookrelay.replication.contexts.failed"
	metricSkipped   = "bookrelay.replication.contexts.skipped"
	metricCancelled = "bookrelay.replication.runs.cancelled"
)

// Request names the two backends of one run and the books to replicate.
type Request struct {
	Source model.StorageKind
	Target model.StorageKind
	// Contexts are the books to replicate. Nil means every book the source
	// lists.
	Contexts []model.Context
	Options  RunOptions
}

// AutoSchedule configures scheduled replication between the local library
// and one remote backend.
type AutoSchedule struct {
	Mode   model.AutoReplication
	Remote model.StorageKind
	// Spec is a cron expression or descriptor such as "@every 30m".
	Spec    string
	Options RunOptions
}

// Engine resolves backends, runs the replicator and records traces and
// metrics for each run. Create one with [NewEngine].
type Engine struct {
	backends   Resolver
	replicator *Replicator
	log        *slog.Logger

	// running guards against overlapping scheduled passes.
	running sync.Mutex

	// OTel instruments, no-op when telemetry is disabled.
	tracer       trace.Tracer
	cntProcessed metric.Int64Counter
	cntFailed    metric.Int64Counter
	cntSkipped   metric.Int64Counter
	cntCancelled metric.Int64Counter
}

// NewEngine returns an Engine reporting progress to reporter, which may be nil.
func NewEngine(backends Resolver, reporter *progress.Reporter, logger *slog.Logger) *Engine {
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		backends:   backends,
		replicator: NewReplicator(reporter, logger),
		log:        logger,

		tracer:       otel.Tracer(otelScope),
		cntProcessed: mustCounter(metricProcessed, "Number of books processed by replication"),
		cntFailed:    mustCounter(metricFailed, "Number of books that failed to replicate"),
		cntSkipped:   mustCounter(metricSkipped, "Number of data kinds skipped as up to date"),
		cntCancelled: mustCounter(metricCancelled, "Number of replication runs cancelled"),
	}
}

// Run performs one replication run.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	runID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, spanRun, trace.WithAttributes(
		attribute.String("replication.run_id", runID),
		attribute.String("replication.source", string(req.Source)),
		attribute.String("replication.target", string(req.Target)),
	))
	defer span.End()
	log := e.log.With("run_id", runID, "source", req.Source, "target", req.Target)

	if req.Source == req.Target {
		return Result{}, e.fail(span, &storage.InvariantError{Message: fmt.Sprintf("source and target are both %s", req.Source)})
	}
	source, err := e.backends.Get(ctx, req.Source)
	if err != nil {
		return Result{}, e.fail(span, err)
	}
	target, err := e.backends.Get(ctx, req.Target)
	if err != nil {
		return Result{}, e.fail(span, err)
	}

	contexts := req.Contexts
	if contexts == nil {
		l, ok := source.(storage.Lister)
		if !ok {
			return Result{}, e.fail(span, &storage.InvariantError{Message: fmt.Sprintf("backend %s cannot list books", req.Source)})
		}
		if contexts, err = l.ListContexts(ctx); err != nil {
			return Result{}, e.fail(span, fmt.Errorf("listing %s: %w", req.Source, err))
		}
	}

	log.Info("replication started", "books", len(contexts))
	res, err := e.replicator.Replicate(ctx, source, target, contexts, req.Options)
	e.record(ctx, span, res, len(contexts))
	if err != nil {
		log.Warn("replication stopped", "processed", res.Processed, "error", err)
		return res, e.fail(span, err)
	}
	log.Info("replication finished",
		"processed", res.Processed, "changed", res.Changed, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// Delete removes the given books from the backend of kind.
func (e *Engine) Delete(ctx context.Context, kind model.StorageKind, titles []string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, spanDelete, trace.WithAttributes(
		attribute.String("replication.target", string(kind)),
		attribute.Int("replication.contexts", len(titles)),
	))
	defer span.End()

	target, err := e.backends.Get(ctx, kind)
	if err != nil {
		return Result{}, e.fail(span, err)
	}
	res, err := e.replicator.Delete(ctx, target, titles)
	e.record(ctx, span, res, len(titles))
	if err != nil {
		return res, e.fail(span, err)
	}
	return res, nil
}

func (e *Engine) record(ctx context.Context, span trace.Span, res Result, contexts int) {
	if res.Processed > 0 {
		e.cntProcessed.Add(ctx, int64(res.Processed))
	}
	if res.Failed > 0 {
		e.cntFailed.Add(ctx, int64(res.Failed))
	}
	if res.Skipped > 0 {
		e.cntSkipped.Add(ctx, int64(res.Skipped))
	}
	span.SetAttributes(
		attribute.Int("replication.contexts", contexts),
		attribute.Int("replication.processed", res.Processed),
		attribute.Int("replication.failed", res.Failed),
	)
}

func (e *Engine) fail(span trace.Span, err error) error {
	if storage.IsCancelled(err) {
		// Cancellation is not a failure of the run.
		e.cntCancelled.Add(context.Background(), 1)
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Schedule runs auto replication on the given schedule until ctx is
// cancelled. A first pass runs immediately. A pass that is still running when
// the next one is due causes the next one to be skipped.
func (e *Engine) Schedule(ctx context.Context, s AutoSchedule) error {
	if s.Mode == model.AutoOff {
		return &storage.InvariantError{Message: "auto replication is off"}
	}
	logger := cronLogger{e.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.Spec, func() { e.autoPass(ctx, s) }); err != nil {
		return fmt.Errorf("parsing schedule %q: %w", s.Spec, err)
	}

	e.autoPass(ctx, s)
	c.Start()
	e.log.Info("auto replication scheduled", "mode", s.Mode, "remote", s.Remote, "schedule", s.Spec)

	<-ctx.Done()
	e.log.Info("auto replication shutting down")
	<-c.Stop().Done()
	return ctx.Err()
}

// autoPass runs one scheduled pass in the configured direction.
func (e *Engine) autoPass(ctx context.Context, s AutoSchedule) {
	if !e.running.TryLock() {
		e.log.Info("auto replication still running, skipping pass")
		return
	}
	defer e.running.Unlock()

	var pairs [][2]model.StorageKind
	switch s.Mode {
	case model.AutoUp:
		pairs = [][2]model.StorageKind{{model.StorageLocal, s.Remote}}
	case model.AutoDown:
		pairs = [][2]model.StorageKind{{s.Remote, model.StorageLocal}}
	case model.AutoAll:
		pairs = [][2]model.StorageKind{{model.StorageLocal, s.Remote}, {s.Remote, model.StorageLocal}}
	}
	for _, p := range pairs {
		if ctx.Err() != nil {
			return
		}
		res, err := e.Run(ctx, Request{Source: p[0], Target: p[1], Options: s.Options})
		if err != nil && !storage.IsCancelled(err) {
			e.log.Error("auto replication failed", "source", p[0], "target", p[1], "error", err)
			continue
		}
		if res.Failed > 0 {
			e.log.Warn("auto replication finished with errors", "source", p[0], "target", p[1], "failed", res.Failed)
		}
	}
}

// cronLogger adapts slog to the cron scheduler's logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
