package quantize

import (
	"fmt"
	"sync"
	"time"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
)

// liveTask is the registry's record for one submitted job.
type liveTask struct {
	task    quantize.Task
	channel quantize.Channel

	// settled is closed once the task is terminal and no artifact fetch is
	// outstanding.
	settled     chan struct{}
	settledDone bool

	// version counts accepted transitions. published is the newest version
	// handed to the update bus and is guarded by pubMu, not the registry lock.
	version   uint64
	pubMu     sync.Mutex
	published uint64
}

// applied is the result of running one event through the reducer.
type applied struct {
	task    quantize.Task
	outcome quantize.Outcome
	// channel is detached from the task when it turned terminal; the caller
	// closes it after releasing the lock.
	channel quantize.Channel
}

// registry serialises every mutation of the live tasks. The reducer always
// runs against the status stored here, so whichever of channel event,
// timeout or cancel confirmation arrives first wins.
type registry struct {
	mu    sync.Mutex
	now   func() time.Time
	tasks map[string]*liveTask
	order []string
}

func newRegistry(now func() time.Time) *registry {
	return &registry{now: now, tasks: make(map[string]*liveTask)}
}

// add stores a freshly submitted task. registered runs under the lock once
// the task is stored, before any event can reach it.
func (r *registry) add(t quantize.Task, registered func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID()]; ok {
		return fmt.Errorf("task %s already registered", t.ID())
	}
	lt := &liveTask{task: t, settled: make(chan struct{}), version: 1}
	lt.settle()
	r.tasks[t.ID()] = lt
	r.order = append(r.order, t.ID())
	if registered != nil {
		registered()
	}
	return nil
}

// attach hands the status channel to an active task. It returns false when
// the task is gone or already terminal; the caller then owns ch.
func (r *registry) attach(id string, ch quantize.Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	lt, ok := r.tasks[id]
	if !ok || !lt.task.Status().IsActive() {
		return false
	}
	lt.channel = ch
	return true
}

// apply reduces ev into the task stored under id.
func (r *registry) apply(id string, ev quantize.Event) (applied, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lt, ok := r.tasks[id]
	if !ok {
		return applied{}, fmt.Errorf("applying %s to task %s: %w", ev.EventType(), id, quantize.ErrTaskNotFound)
	}

	next, out := quantize.Reduce(lt.task, ev, r.now())
	res := applied{task: next, outcome: out}
	if !out.Changed {
		return res, nil
	}

	lt.task = next
	lt.version++
	if out.Terminal {
		res.channel = lt.channel
		lt.channel = nil
	}
	lt.settle()
	return res, nil
}

// settle releases waiters once nothing can change the task anymore.
func (lt *liveTask) settle() {
	if lt.settledDone || !lt.task.Status().IsTerminal() || lt.task.ArtifactPending() {
		return
	}
	close(lt.settled)
	lt.settledDone = true
}

// publishLatest calls fn with the current state of id unless that state was
// already handed to fn. Calls for one task are serialised, so fn never sees
// an older state after a newer one.
func (r *registry) publishLatest(id string, fn func(quantize.Task)) {
	r.mu.Lock()
	lt, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	lt.pubMu.Lock()
	defer lt.pubMu.Unlock()

	r.mu.Lock()
	task, version := lt.task, lt.version
	r.mu.Unlock()

	if version <= lt.published {
		return
	}
	lt.published = version
	fn(task)
}

func (r *registry) get(id string) (quantize.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lt, ok := r.tasks[id]
	if !ok {
		return quantize.Task{}, false
	}
	return lt.task, true
}

// settledCh returns the channel closed when id settles.
func (r *registry) settledCh(id string) (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lt, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return lt.settled, true
}

// list returns every task in submission order.
func (r *registry) list() []quantize.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]quantize.Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].task)
	}
	return out
}

// remove forgets id and returns any channel still attached to it.
func (r *registry) remove(id string) (quantize.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lt, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	delete(r.tasks, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return lt.channel, true
}

// detachAll strips every channel from the registry for teardown.
func (r *registry) detachAll() []quantize.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	var chans []quantize.Channel
	for _, lt := range r.tasks {
		if lt.channel != nil {
			chans = append(chans, lt.channel)
			lt.channel = nil
		}
	}
	return chans
}
