// Package monitor is the caller-side half of the distributed monitor
// registry: a local observer asks to be told when a remote process dies,
// paying one cross-node liveness subscription per watched process rather
// than one per (observer, watched) pair. The
// collapsing happens because every observer of the same watched target
// routes, via internal/routing, to the same delegate.
package monitor

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dreamware/meshfanout/internal/localproc"
	"github.com/dreamware/meshfanout/internal/outcome"
	"github.com/dreamware/meshfanout/internal/routing"
	"github.com/dreamware/meshfanout/internal/transport"
)

// Handle is the discriminated subscription-handle union: a native handle
// for local targets, or a composite (delegate, watched) handle for remote
// ones. Demonitor dispatches on the concrete type.
type Handle interface{ isHandle() }

type nativeHandle struct{ watched outcome.Target }

func (nativeHandle) isHandle() {}

type remoteHandle struct {
	delegate string
	watched  outcome.Target
	observer outcome.Target
}

func (remoteHandle) isHandle() {}

// DownNotification is delivered exactly once per successful Monitor call,
// when the watched target terminates.
type DownNotification struct {
	Watched outcome.Target
	Info    string
}

// wireRequest is the JSON payload carried by monitor/demonitor cast
// messages.
type wireRequest struct {
	Observer outcome.Target `json:"observer"`
	Watched  outcome.Target `json:"watched"`
}

type mailboxKey struct {
	observer outcome.Target
	watched  outcome.Target
}

// Registry is the per-node client for Monitor/Demonitor.
type Registry struct {
	prefix    string
	router    *routing.Router
	transport transport.Facade
	local     *localproc.Table

	mu        sync.Mutex
	mailboxes map[mailboxKey]chan DownNotification
}

// New builds a monitor registry that routes remote subscriptions through
// router/transport using delegates registered under prefix, and resolves
// local targets through local.
func New(prefix string, router *routing.Router, facade transport.Facade, local *localproc.Table) *Registry {
	return &Registry{
		prefix:    prefix,
		router:    router,
		transport: facade,
		local:     local,
		mailboxes: make(map[mailboxKey]chan DownNotification),
	}
}

// Monitor subscribes observer to watched's liveness. If watched is local
// to this node, it falls through directly to the native subscription;
// otherwise it dispatches the remote protocol, keyed on watched's
// identity so every observer of the same watched target collapses onto
// the same delegate.
func (r *Registry) Monitor(observer, watched outcome.Target) (Handle, <-chan DownNotification, error) {
	if r.local.IsLocal(watched) {
		done, err := r.local.Watch(watched)
		if err != nil {
			return nil, nil, err
		}
		out := make(chan DownNotification, 1)
		go func() {
			<-done
			out <- DownNotification{Watched: watched, Info: "noproc"}
			close(out)
		}()
		return nativeHandle{watched: watched}, out, nil
	}

	delegateName := r.router.DelegateFor(routing.CallerID(watched.String()), r.prefix, []string{watched.Node})

	key := mailboxKey{observer: observer, watched: watched}
	out := make(chan DownNotification, 1)
	r.mu.Lock()
	r.mailboxes[key] = out
	r.mu.Unlock()

	payload, err := json.Marshal(wireRequest{Observer: observer, Watched: watched})
	if err != nil {
		r.forget(key)
		return nil, nil, err
	}
	if err := r.transport.Cast(watched.Node, delegateName, transport.KindMonitor, payload); err != nil {
		r.forget(key)
		return nil, nil, err
	}
	return remoteHandle{delegate: delegateName, watched: watched, observer: observer}, out, nil
}

// Demonitor tears down a subscription obtained from Monitor.
func (r *Registry) Demonitor(observer outcome.Target, handle Handle) error {
	switch h := handle.(type) {
	case nativeHandle:
		// Nothing to cancel server-side: the local table exposes one
		// shared liveness channel per target, not per-watcher state.
		// The observer simply stops listening on its DownNotification
		// channel.
		return nil
	case remoteHandle:
		payload, err := json.Marshal(wireRequest{Observer: observer, Watched: h.watched})
		if err != nil {
			return err
		}
		err = r.transport.Cast(h.watched.Node, h.delegate, transport.KindDemonitor, payload)
		r.forget(mailboxKey{observer: observer, watched: h.watched})
		return err
	default:
		return fmt.Errorf("monitor: unknown handle type %T", handle)
	}
}

// DeliverNotify routes an inbound monitor.notify message to the local
// observer's mailbox. Called by the node's transport dispatcher; returns
// false if no matching subscription is pending (already demonitored, or
// duplicate delivery).
func (r *Registry) DeliverNotify(observer, watched outcome.Target, info string) bool {
	key := mailboxKey{observer: observer, watched: watched}
	r.mu.Lock()
	ch, ok := r.mailboxes[key]
	if ok {
		delete(r.mailboxes, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- DownNotification{Watched: watched, Info: info}
	close(ch)
	return true
}

func (r *Registry) forget(key mailboxKey) {
	r.mu.Lock()
	delete(r.mailboxes, key)
	r.mu.Unlock()
}

// DecodeRequest parses the payload of an inbound monitor/demonitor cast
// message, used by internal/station to dispatch it to the right delegate.
func DecodeRequest(payload []byte) (observer, watched outcome.Target, err error) {
	var req wireRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return outcome.Target{}, outcome.Target{}, err
	}
	return req.Observer, req.Watched, nil
}

// notifyWire is the payload of a monitor.notify cast message, sent by the
// delegate whose watch fired back to the node that holds the observer's
// mailbox.
type notifyWire struct {
	Observer outcome.Target `json:"observer"`
	Watched  outcome.Target `json:"watched"`
	Info     string         `json:"info"`
}

// EncodeNotify builds the payload for a monitor.notify cast message.
func EncodeNotify(observer, watched outcome.Target, info string) ([]byte, error) {
	return json.Marshal(notifyWire{Observer: observer, Watched: watched, Info: info})
}

// DecodeNotify parses the payload of an inbound monitor.notify message.
func DecodeNotify(payload []byte) (observer, watched outcome.Target, info string, err error) {
	var w notifyWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return outcome.Target{}, outcome.Target{}, "", err
	}
	return w.Observer, w.Watched, w.Info, nil
}

// Endpoint is the well-known inbound address name delegates send
// monitor.notify messages to — it does not
// identify a delegate, only a fixed mailbox routed straight to
// DeliverNotify by internal/station.
const Endpoint = "monitor"
