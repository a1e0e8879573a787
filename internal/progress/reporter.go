// Package progress broadcasts replication progress to any number of
// subscribers. A [Reporter] is shared by every component taking part in a run;
// the replication engine resets it with the run's maximum and adds fixed
// increments as it works through each step.
package progress

import (
	"sync"

	"github.com/njoerd114/bookrelay/internal/model"
)

// subscriberBuffer is the channel depth per subscriber. Slow subscribers drop
// intermediate updates, never the reporter.
const subscriberBuffer = 64

// Event is one progress signal. Zero fields are ignored.
type Event struct {
	// ProgressToAdd advances the accumulated counter.
	ProgressToAdd float64 `json:"progressToAdd,omitempty"`
	// ProgressBase is the starting value when MaxProgress starts a new run.
	ProgressBase float64 `json:"progressBase,omitempty"`
	// MaxProgress starts a new run with the given maximum.
	MaxProgress float64 `json:"maxProgress,omitempty"`
	// SkipStep marks a step that was found up to date.
	SkipStep bool `json:"skipStep,omitempty"`
	// CompleteStep marks a step that transferred data.
	CompleteStep bool `json:"completeStep,omitempty"`
}

// Update is the accumulated state sent to subscribers after each Event.
type Update struct {
	Progress  float64 `json:"progress"`
	Max       float64 `json:"max"`
	Percent   float64 `json:"percent"`
	Completed int     `json:"completed"`
	Skipped   int     `json:"skipped"`
}

// Reporter is a process-wide multi-subscriber progress channel. It also
// carries "data list changed" notifications for list views.
type Reporter struct {
	mu      sync.Mutex
	last    Update
	hasLast bool
	nextID  int
	subs    map[int]chan Update
	changes map[int]chan model.StorageKind
}

// NewReporter returns a Reporter with no subscribers.
func NewReporter() *Reporter {
	return &Reporter{
		subs:    make(map[int]chan Update),
		changes: make(map[int]chan model.StorageKind),
	}
}

// Report applies ev and broadcasts the resulting Update. A nil Reporter
// discards events.
func (r *Reporter) Report(ev Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.last
	if ev.MaxProgress > 0 {
		u = Update{Progress: ev.ProgressBase, Max: ev.MaxProgress}
	}
	u.Progress += ev.ProgressToAdd
	if u.Max > 0 && u.Progress > u.Max {
		u.Progress = u.Max
	}
	if ev.CompleteStep {
		u.Completed++
	}
	if ev.SkipStep {
		u.Skipped++
	}
	u.Percent = 0
	if u.Max > 0 {
		u.Percent = u.Progress / u.Max * 100
	}

	r.last = u
	r.hasLast = true
	for _, ch := range r.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Add advances the counter by n.
func (r *Reporter) Add(n float64) { r.Report(Event{ProgressToAdd: n}) }

// Start begins a new run with the given maximum.
func (r *Reporter) Start(maxProgress float64) { r.Report(Event{MaxProgress: maxProgress}) }

// Last returns the most recent Update and whether any was reported.
func (r *Reporter) Last() (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.hasLast
}

// Subscribe registers a listener. The last update, if any, is delivered first.
// The returned function unsubscribes and closes the channel.
func (r *Reporter) Subscribe() (<-chan Update, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Update, subscriberBuffer)
	if r.hasLast {
		ch <- r.last
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// DataListChanged notifies list subscribers that the book list of the given
// backend changed.
func (r *Reporter) DataListChanged(kind model.StorageKind) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.changes {
		select {
		case ch <- kind:
		default:
		}
	}
}

// SubscribeDataList registers a listener for DataListChanged notifications.
func (r *Reporter) SubscribeDataList() (<-chan model.StorageKind, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan model.StorageKind, subscriberBuffer)
	id := r.nextID
	r.nextID++
	r.changes[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.changes, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}
