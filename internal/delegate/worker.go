// Package delegate implements the long-lived worker process: one delegate
// owns a single mailbox, executes coalesced invocations against its
// node's local targets in list order, and serves the distributed monitor
// protocol by multiplexing many local observers onto one native liveness
// subscription per watched target.
package delegate

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/meshfanout/internal/operation"
	"github.com/dreamware/meshfanout/internal/outcome"
)

// OperationApplier resolves and runs an operation against a target.
// operation.Registry satisfies this directly.
type OperationApplier interface {
	Apply(ctx context.Context, op operation.Operation, target outcome.Target) (any, error)
}

// WatchFunc returns a channel that closes when target terminates. Used by
// the worker to obtain the native liveness subscription for a watched
// target on its own node.
type WatchFunc func(target outcome.Target) (<-chan struct{}, error)

// NotifyFunc delivers a down notification for watched to observer, local
// or remote.
type NotifyFunc func(observer, watched outcome.Target, info string)

// Worker is a single delegate: one mailbox, one goroutine, owning its
// monitor table exclusively. No field is touched from outside the run
// loop, so no lock is needed on worker state.
type Worker struct {
	node     string
	name     string
	registry OperationApplier
	watch    WatchFunc
	notify   NotifyFunc

	inbox  chan job
	stopCh chan struct{}

	monitors map[outcome.Target]*subscription
}

type subscription struct {
	observers map[outcome.Target]struct{}
	cancel    chan struct{}
}

// NewWorker starts a delegate named name on node, backed by registry for
// operation execution. SetWatch/SetNotify must be configured before the
// worker is wired into a pool that serves monitor traffic; a worker built
// without them still serves plain invoke traffic.
func NewWorker(node, name string, registry OperationApplier) *Worker {
	w := &Worker{
		node:     node,
		name:     name,
		registry: registry,
		inbox:    make(chan job, 64),
		stopCh:   make(chan struct{}),
		monitors: make(map[outcome.Target]*subscription),
	}
	go w.run()
	return w
}

// Name returns this delegate's registered name (prefix + index).
func (w *Worker) Name() string { return w.name }

// Node returns this delegate's home node identifier.
func (w *Worker) Node() string { return w.node }

// SetWatch configures the native liveness lookup used when a monitor
// request names a target local to this delegate's node.
func (w *Worker) SetWatch(fn WatchFunc) { w.watch = fn }

// SetNotify configures how down notifications reach observers.
func (w *Worker) SetNotify(fn NotifyFunc) { w.notify = fn }

// Stop shuts the worker's goroutine down. Pending mailbox entries are
// dropped.
func (w *Worker) Stop() { close(w.stopCh) }

// Invoke applies op to every target in groups[w.Node()] in list order and
// returns their outcomes once all have completed. This is the
// request/reply message kind.
func (w *Worker) Invoke(ctx context.Context, groups map[string][]outcome.Target, op operation.Operation) ([]outcome.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := make(chan []outcome.Outcome, 1)
	j := invokeJob{groups: groups, op: op, reply: reply}
	select {
	case w.inbox <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvokeCast applies op to every target in groups[w.Node()] without
// waiting for completion or reporting errors — the one-way cast message
// kind.
func (w *Worker) InvokeCast(groups map[string][]outcome.Target, op operation.Operation) {
	select {
	case w.inbox <- invokeJob{groups: groups, op: op}:
	default:
		log.WithField("delegate", w.name).Warn("delegate: mailbox full, dropping cast")
	}
}

// Monitor registers observer's interest in watched's liveness, creating a
// native subscription on first observer and reusing it for subsequent
// ones.
func (w *Worker) Monitor(observer, watched outcome.Target) {
	w.inbox <- monitorJob{observer: observer, watched: watched}
}

// Demonitor removes observer's interest in watched, cancelling the native
// subscription once no observer remains.
func (w *Worker) Demonitor(observer, watched outcome.Target) {
	w.inbox <- demonitorJob{observer: observer, watched: watched}
}

// Observers returns a snapshot of who currently watches target through
// this delegate, for tests and diagnostics.
func (w *Worker) Observers(target outcome.Target) []outcome.Target {
	done := make(chan []outcome.Target, 1)
	w.inbox <- snapshotJob{target: target, reply: done}
	return <-done
}

func (w *Worker) run() {
	for {
		select {
		case j := <-w.inbox:
			j.handle(w)
		case <-w.stopCh:
			return
		}
	}
}

// applyOne runs op against a single target, recovering any panic into a
// structured failure outcome: a delegate never crashes because a user
// operation misbehaves.
func (w *Worker) applyOne(ctx context.Context, op operation.Operation, target outcome.Target) outcome.Outcome {
	return outcome.Safely(target, func() (any, error) {
		return w.registry.Apply(ctx, op, target)
	})
}

type job interface{ handle(w *Worker) }

type invokeJob struct {
	groups map[string][]outcome.Target
	op     operation.Operation
	reply  chan []outcome.Outcome
}

func (j invokeJob) handle(w *Worker) {
	targets := j.groups[w.node]
	out := make([]outcome.Outcome, 0, len(targets))
	ctx := context.Background()
	for _, t := range targets {
		out = append(out, w.applyOne(ctx, j.op, t))
	}
	if j.reply != nil {
		j.reply <- out
	}
}

type monitorJob struct{ observer, watched outcome.Target }

func (j monitorJob) handle(w *Worker) {
	sub, ok := w.monitors[j.watched]
	if !ok {
		if w.watch == nil {
			log.WithField("delegate", w.name).Warn("delegate: monitor request with no watch function configured")
			return
		}
		ch, err := w.watch(j.watched)
		if err != nil {
			log.WithError(err).WithField("watched", j.watched).Warn("delegate: cannot monitor unknown target")
			if w.notify != nil {
				w.notify(j.observer, j.watched, "noproc")
			}
			return
		}
		sub = &subscription{observers: make(map[outcome.Target]struct{}), cancel: make(chan struct{})}
		w.monitors[j.watched] = sub
		go w.watchLoop(j.watched, ch, sub)
	}
	sub.observers[j.observer] = struct{}{}
}

func (j demonitorJob) handle(w *Worker) {
	sub, ok := w.monitors[j.watched]
	if !ok {
		return
	}
	delete(sub.observers, j.observer)
	if len(sub.observers) == 0 {
		close(sub.cancel)
		delete(w.monitors, j.watched)
	}
}

type demonitorJob struct{ observer, watched outcome.Target }

type watchFiredJob struct{ watched outcome.Target }

func (j watchFiredJob) handle(w *Worker) {
	sub, ok := w.monitors[j.watched]
	if !ok {
		return
	}
	delete(w.monitors, j.watched)
	for observer := range sub.observers {
		if w.notify != nil {
			w.notify(observer, j.watched, "noproc")
		}
	}
}

type snapshotJob struct {
	target outcome.Target
	reply  chan []outcome.Target
}

func (j snapshotJob) handle(w *Worker) {
	sub, ok := w.monitors[j.target]
	if !ok {
		j.reply <- nil
		return
	}
	observers := make([]outcome.Target, 0, len(sub.observers))
	for o := range sub.observers {
		observers = append(observers, o)
	}
	j.reply <- observers
}

// watchLoop waits for the native liveness channel to close or the
// subscription to be cancelled (last observer gone), feeding the result
// back through the worker's own mailbox so monitor-table mutations stay
// confined to the single run-loop goroutine.
func (w *Worker) watchLoop(watched outcome.Target, ch <-chan struct{}, sub *subscription) {
	select {
	case <-ch:
		select {
		case w.inbox <- watchFiredJob{watched: watched}:
		case <-w.stopCh:
		}
	case <-sub.cancel:
	}
}
