package replication

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/njoerd114/bookrelay/internal/merge"
	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/naming"
	"github.com/njoerd114/bookrelay/internal/progress"
	"github.com/njoerd114/bookrelay/internal/storage"
)

const (
	// unitsPerKind covers cancel check, freshness check, fetch and store.
	unitsPerKind = 4
	// coverUnits covers the cover fetch and store shared by all kinds.
	coverUnits = 2
)

// RunOptions selects what one run replicates and how.
type RunOptions struct {
	// DataTypes are replicated per book in canonical order.
	DataTypes []model.DataType
	// ReadingGoals adds the library-wide reading goals after the books.
	ReadingGoals bool

	SaveBehavior          model.SaveBehavior
	StatisticsMergeMode   model.MergeMode
	ReadingGoalsMergeMode model.MergeMode
	CacheListing          bool

	// Concurrency is the number of books replicated at once. Values above 1
	// take effect only when both backends can fork per-book views.
	Concurrency int
}

// DefaultRunOptions replicates everything with new-only writes and merging.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		DataTypes:             []model.DataType{model.DataBook, model.DataProgress, model.DataStatistics},
		ReadingGoals:          true,
		SaveBehavior:          model.SaveNewOnly,
		StatisticsMergeMode:   model.MergeModeMerge,
		ReadingGoalsMergeMode: model.MergeModeMerge,
		CacheListing:          true,
		Concurrency:           1,
	}
}

// Result summarises a finished run.
type Result struct {
	// Processed counts contexts that ran to completion or failed.
	Processed int
	// Failed counts contexts whose pipeline hit an error.
	Failed int
	// Changed counts contexts where the target received data.
	Changed int
	// Skipped counts data kinds the target already held up to date.
	Skipped int
	// Errors holds one "Error Processing {title}: {message}" line per failed
	// context.
	Errors []string
}

// Message returns the user-facing summary of failures, or "" when none.
func (r Result) Message() string {
	return strings.Join(r.Errors, "\n")
}

// Replicator copies data between two adapters.
type Replicator struct {
	reporter *progress.Reporter
	log      *slog.Logger
}

// NewReplicator returns a Replicator reporting to reporter, which may be nil.
func NewReplicator(reporter *progress.Reporter, logger *slog.Logger) *Replicator {
	return &Replicator{reporter: reporter, log: logger}
}

// kindPrefixes maps data types to their naming prefix.
var kindPrefixes = map[model.DataType]string{
	model.DataBook:       naming.PrefixBook,
	model.DataProgress:   naming.PrefixProgress,
	model.DataStatistics: naming.PrefixStatistics,
}

// TotalUnits returns the progress maximum of a run over contexts books.
func TotalUnits(kinds, contexts int, readingGoals bool) float64 {
	total := (kinds*unitsPerKind + coverUnits) * contexts
	if readingGoals {
		total += unitsPerKind
	}
	return float64(total)
}

// run is the state of one Replicate call.
type run struct {
	*Replicator
	source, target storage.Adapter
	opts           RunOptions
	kinds          []model.DataType

	mu     sync.Mutex
	result Result
}

// Replicate copies the requested data of every context from source to
// target. Failures of single books are collected in the result and do not
// stop the run; cancellation and invariant violations do and are returned as
// the error. A target implementing [storage.Finalizer] is finalized at the
// end and asked to discard its output when the run was cancelled or nothing
// was processed.
func (r *Replicator) Replicate(ctx context.Context, source, target storage.Adapter, contexts []model.Context, opts RunOptions) (Result, error) {
	kinds := canonicalKinds(opts.DataTypes)
	settings := storage.Settings{SaveBehavior: opts.SaveBehavior, CacheListing: opts.CacheListing}
	for _, a := range []storage.Adapter{source, target} {
		a.Configure(settings)
		if a.IsCacheDisabled() {
			a.ClearData(false)
		}
	}

	ru := &run{Replicator: r, source: source, target: target, opts: opts, kinds: kinds}
	r.reporter.Start(TotalUnits(len(kinds), len(contexts), opts.ReadingGoals))

	limiter := NewLimiter(1)
	_, srcFork := source.(storage.Forker)
	_, tgtFork := target.(storage.Forker)
	if srcFork && tgtFork {
		limiter = NewLimiter(opts.Concurrency)
	}

	err := limiter.Run(ctx, len(contexts), func(ctx context.Context, i int) error {
		src, tgt := source, target
		if limiter.Width() > 1 {
			src, tgt = source.(storage.Forker).Fork(), target.(storage.Forker).Fork()
		}
		return ru.replicate(ctx, src, tgt, contexts[i], kinds, true)
	})
	if err == nil && opts.ReadingGoals {
		goals := model.Context{Title: model.GoalsContextTitle}
		err = ru.replicate(ctx, source, target, goals, nil, false)
	}

	res := ru.snapshot()
	if f, ok := target.(storage.Finalizer); ok {
		discard := storage.IsCancelled(err) || res.Processed == 0
		// Finalize runs even after cancellation to release the target.
		if ferr := f.Finalize(context.WithoutCancel(ctx), discard); ferr != nil && err == nil {
			err = fmt.Errorf("finalizing %s: %w", target.Kind(), ferr)
		}
	}
	return res, err
}

func canonicalKinds(types []model.DataType) []model.DataType {
	var out []model.DataType
	for _, t := range []model.DataType{model.DataBook, model.DataProgress, model.DataStatistics} {
		if slices.Contains(types, t) {
			out = append(out, t)
		}
	}
	return out
}

func (ru *run) snapshot() Result {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	res := ru.result
	res.Errors = slices.Clone(ru.result.Errors)
	return res
}

func (ru *run) record(fn func(*Result)) {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	fn(&ru.result)
}

// pipeline tracks the progress units one context has emitted.
type pipeline struct {
	reporter *progress.Reporter
	expected int
	emitted  int
}

func (p *pipeline) add(n int, ev progress.Event) {
	ev.ProgressToAdd = float64(n)
	p.reporter.Report(ev)
	p.emitted += n
}

// replicate runs the pipeline of one context. Only errors that must stop the
// whole run are returned.
func (ru *run) replicate(ctx context.Context, source, target storage.Adapter, c model.Context, kinds []model.DataType, withCover bool) error {
	p := &pipeline{reporter: ru.reporter, expected: unitsPerKind}
	if withCover {
		p.expected = len(kinds)*unitsPerKind + coverUnits
	}

	changed, skipped, err := ru.transfer(ctx, source, target, c, kinds, withCover, p)
	if err != nil && !storage.IsRecoverable(err) {
		return err
	}

	ru.record(func(r *Result) {
		r.Processed++
		r.Skipped += skipped
		if changed {
			r.Changed++
		}
		if err != nil {
			r.Failed++
			r.Errors = append(r.Errors, fmt.Sprintf("Error Processing %s: %v", c.Title, err))
		}
	})
	if err != nil {
		if rest := p.expected - p.emitted; rest > 0 {
			p.add(rest, progress.Event{})
		}
		ru.log.Error("replication failed", "title", c.Title, "source", source.Kind(), "target", target.Kind(), "error", err)
	}
	if changed {
		ru.reporter.DataListChanged(target.Kind())
	}
	return nil
}

func (ru *run) transfer(ctx context.Context, source, target storage.Adapter, c model.Context, kinds []model.DataType, withCover bool, p *pipeline) (changed bool, skipped int, err error) {
	if err := storage.CheckCancelled(ctx); err != nil {
		return false, 0, err
	}
	if err := source.StartContext(ctx, c); err != nil {
		return false, 0, err
	}
	if err := target.StartContext(ctx, c); err != nil {
		return false, 0, err
	}

	if !withCover {
		wrote, upToDate, err := ru.kind(ctx, source, target, naming.PrefixReadingGoals, p)
		return wrote, boolInt(upToDate), err
	}

	for _, k := range kinds {
		wrote, upToDate, err := ru.kind(ctx, source, target, kindPrefixes[k], p)
		if err != nil {
			return changed, skipped, err
		}
		changed = changed || wrote
		skipped += boolInt(upToDate)
	}

	if !changed {
		p.add(coverUnits, progress.Event{SkipStep: true})
		return false, skipped, nil
	}
	cover := c.Cover
	if cover == nil {
		if cover, err = source.GetCover(ctx); err != nil {
			return changed, skipped, err
		}
	}
	p.add(1, progress.Event{})
	if len(cover) > 0 {
		if err := target.SaveCover(ctx, cover); err != nil {
			return changed, skipped, err
		}
	}
	p.add(1, progress.Event{})
	return changed, skipped, nil
}

// kind replicates one data kind of the current context. It reports whether
// the target was written and whether it was already up to date.
func (ru *run) kind(ctx context.Context, source, target storage.Adapter, prefix string, p *pipeline) (wrote, upToDate bool, err error) {
	if err := storage.CheckCancelled(ctx); err != nil {
		return false, false, err
	}
	p.add(1, progress.Event{})

	// Overwrite compares nothing: every record is transferred.
	ref := ""
	if ru.opts.SaveBehavior != model.SaveOverwrite {
		if ref, err = source.RecentToken(ctx, prefix); err != nil {
			return false, false, err
		}
	}
	current := false
	if ref != "" {
		if current, err = target.IsCurrent(ctx, prefix, ref); err != nil {
			return false, false, err
		}
	}
	p.add(1, progress.Event{})
	if current {
		p.add(2, progress.Event{SkipStep: true})
		return false, true, nil
	}

	switch prefix {
	case naming.PrefixBook:
		wrote, err = ru.book(ctx, source, target, p)
	case naming.PrefixProgress:
		wrote, err = ru.progress(ctx, source, target, p)
	case naming.PrefixStatistics:
		wrote, err = ru.statistics(ctx, source, target, p)
	case naming.PrefixReadingGoals:
		wrote, err = ru.readingGoals(ctx, source, target, p)
	default:
		err = &storage.InvariantError{Message: fmt.Sprintf("no data kind with prefix %q", prefix)}
	}
	return wrote, false, err
}

func (ru *run) book(ctx context.Context, source, target storage.Adapter, p *pipeline) (bool, error) {
	b, err := source.GetBook(ctx)
	if err != nil {
		return false, err
	}
	p.add(1, progress.Event{})
	if b == nil {
		p.add(1, progress.Event{})
		return false, nil
	}
	if _, err := target.SaveBook(ctx, b); err != nil {
		return false, err
	}
	p.add(1, progress.Event{CompleteStep: true})
	return true, nil
}

func (ru *run) progress(ctx context.Context, source, target storage.Adapter, p *pipeline) (bool, error) {
	bm, err := source.GetProgress(ctx)
	if err != nil {
		return false, err
	}
	p.add(1, progress.Event{})
	if bm == nil {
		p.add(1, progress.Event{})
		return false, nil
	}
	if err := target.SaveProgress(ctx, bm); err != nil {
		return false, err
	}
	p.add(1, progress.Event{CompleteStep: true})
	return true, nil
}

func (ru *run) statistics(ctx context.Context, source, target storage.Adapter, p *pipeline) (bool, error) {
	incoming, watermark, err := source.GetStatistics(ctx)
	if err != nil {
		return false, err
	}
	p.add(1, progress.Event{})
	if len(incoming) == 0 {
		p.add(1, progress.Event{})
		return false, nil
	}

	merged := incoming
	if ru.opts.StatisticsMergeMode != model.MergeModeReplace {
		existing, _, err := target.GetStatistics(ctx)
		if err != nil {
			return false, err
		}
		merged = merge.Statistics(incoming, existing, ru.opts.SaveBehavior != model.SaveOverwrite)
	}
	final, watermark := merge.FinalizeStatistics(merged, watermark)
	if err := target.SaveStatistics(ctx, final, watermark); err != nil {
		return false, err
	}
	p.add(1, progress.Event{CompleteStep: true})
	return true, nil
}

func (ru *run) readingGoals(ctx context.Context, source, target storage.Adapter, p *pipeline) (bool, error) {
	incoming, watermark, err := source.GetReadingGoals(ctx)
	if err != nil {
		return false, err
	}
	p.add(1, progress.Event{})
	if len(incoming) == 0 {
		p.add(1, progress.Event{})
		return false, nil
	}

	var goals []model.ReadingGoal
	if ru.opts.ReadingGoalsMergeMode != model.MergeModeReplace {
		existing, _, err := target.GetReadingGoals(ctx)
		if err != nil {
			return false, err
		}
		goals, watermark = merge.ReadingGoals(incoming, existing, ru.opts.SaveBehavior != model.SaveOverwrite, watermark)
	} else {
		goals = slices.Clone(incoming)
		merge.SortReadingGoals(goals)
		if w := merge.ReadingGoalsWatermark(goals); w > 0 {
			watermark = w
		}
	}
	if err := target.SaveReadingGoals(ctx, goals, watermark); err != nil {
		return false, err
	}
	p.add(1, progress.Event{CompleteStep: true})
	return true, nil
}

// Delete removes every record of titles from target, one title at a time.
// Failures of single titles are collected; cancellation stops the run.
func (r *Replicator) Delete(ctx context.Context, target storage.Adapter, titles []string) (Result, error) {
	d, ok := target.(storage.Deleter)
	if !ok {
		return Result{}, &storage.InvariantError{Message: fmt.Sprintf("backend %s cannot delete books", target.Kind())}
	}
	r.reporter.Start(float64(len(titles)))

	var res Result
	err := NewLimiter(1).Run(ctx, len(titles), func(ctx context.Context, i int) error {
		if err := storage.CheckCancelled(ctx); err != nil {
			return err
		}
		err := d.DeleteBook(ctx, titles[i])
		if err != nil && !storage.IsRecoverable(err) {
			return err
		}
		res.Processed++
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("Error Processing %s: %v", titles[i], err))
			r.log.Error("delete failed", "title", titles[i], "backend", target.Kind(), "error", err)
		} else {
			res.Changed++
		}
		r.reporter.Report(progress.Event{ProgressToAdd: 1, CompleteStep: err == nil})
		return nil
	})
	if res.Changed > 0 {
		r.reporter.DataListChanged(target.Kind())
	}
	return res, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
