// Package fanout is the caller-side library that splits a target list into
// local and per-node remote groups, dispatches exactly one coalesced
// message per remote node, merges local results, remote replies and
// synthesized node-down failures, and re-raises on the single-target
// shape. Three fast paths (empty, single local, single remote) are
// implemented as distinct branches rather than folded into the general
// case, both for latency and to avoid allocating a grouping map on the
// hot path.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/meshfanout/internal/operation"
	"github.com/dreamware/meshfanout/internal/outcome"
	"github.com/dreamware/meshfanout/internal/routing"
	"github.com/dreamware/meshfanout/internal/transport"
)

// ErrNotSerializable is returned when a captured, non-symbolic operation
// is routed at a remote target — captured Go closures cannot cross a node
// boundary.
var ErrNotSerializable = errors.New("fanout: captured operation cannot be routed to a remote target")

// Symbolic operation names backing the Call/Cast convenience wrappers:
// "send sync message" and "send async message" registered identically on
// every node.
const (
	SendModule = "mesh"
	SendSync   = "send_sync"
	SendAsync  = "send_async"
)

// Core is the fan-out entry point for one node.
type Core struct {
	node      string
	prefix    string
	router    *routing.Router
	transport transport.Facade
	registry  *operation.Registry
}

// New builds a Core for node, routing remote invocations through router
// and facade to delegates registered under prefix, resolving symbolic
// operations with registry.
func New(node, prefix string, router *routing.Router, facade transport.Facade, registry *operation.Registry) *Core {
	return &Core{node: node, prefix: prefix, router: router, transport: facade, registry: registry}
}

// Invoke applies op to every target, synchronously, and returns
// per-target successes and failures. Every target appears in exactly one
// of the two returned slices.
func (c *Core) Invoke(ctx context.Context, caller routing.CallerID, targets []outcome.Target, op operation.Operation) (successes, failures []outcome.Outcome, err error) {
	switch len(targets) {
	case 0:
		return nil, nil, nil
	case 1:
		target := targets[0]
		if target.Node == c.node {
			o := c.applyLocal(ctx, op, target)
			successes, failures = outcome.Split([]outcome.Outcome{o})
			return successes, failures, nil
		}
		outs, err := c.dispatchRemote(ctx, caller, map[string][]outcome.Target{target.Node: {target}}, op)
		if err != nil {
			return nil, nil, err
		}
		successes, failures = outcome.Split(outs)
		return successes, failures, nil
	}

	local, groups := partition(c.node, targets)
	all := make([]outcome.Outcome, 0, len(targets))
	for _, t := range local {
		all = append(all, c.applyLocal(ctx, op, t))
	}
	if len(groups) > 0 {
		remote, err := c.dispatchRemote(ctx, caller, groups, op)
		if err != nil {
			return nil, nil, err
		}
		all = append(all, remote...)
	}
	successes, failures = outcome.Split(all)
	return successes, failures, nil
}

// InvokeOne is the single-target shape: on failure it re-raises the
// captured failure as a plain Go error instead of returning it in a list
// — the only shape in which a failure propagates as an error rather than
// a tagged outcome.
func (c *Core) InvokeOne(ctx context.Context, caller routing.CallerID, target outcome.Target, op operation.Operation) (any, error) {
	successes, failures, err := c.Invoke(ctx, caller, []outcome.Target{target}, op)
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		return nil, failures[0].Failure
	}
	if len(successes) == 0 {
		return nil, fmt.Errorf("fanout: no outcome produced for %s", target)
	}
	return successes[0].Value, nil
}

// InvokeNoResult is the fire-and-forget variant: local targets still run
// synchronously in the caller, remote groups are dispatched via
// best-effort broadcast with no reply collected, and every error —
// including node-down — is suppressed.
func (c *Core) InvokeNoResult(ctx context.Context, caller routing.CallerID, targets []outcome.Target, op operation.Operation) {
	if len(targets) == 0 {
		return
	}
	local, groups := partition(c.node, targets)
	for _, t := range local {
		c.applyLocal(ctx, op, t)
	}
	if len(groups) == 0 {
		return
	}
	wireOp, err := op.ToWire()
	if err != nil {
		log.WithError(err).Warn("fanout: dropping cast with non-serializable operation against remote targets")
		return
	}
	nodes := nodeList(groups)
	delegateName := c.router.DelegateFor(caller, c.prefix, nodes)
	payload, err := json.Marshal(invokeWire{Groups: groups, Op: wireOp})
	if err != nil {
		log.WithError(err).Warn("fanout: dropping cast, failed to encode payload")
		return
	}
	c.transport.BroadcastCast(nodes, delegateName, transport.KindInvokeCast, payload)
}

// Call is invoke with "send sync message" as the operation.
func (c *Core) Call(ctx context.Context, caller routing.CallerID, targets []outcome.Target, message any) (successes, failures []outcome.Outcome, err error) {
	return c.Invoke(ctx, caller, targets, operation.Symbolic(SendModule, SendSync, message))
}

// CallOne is InvokeOne with "send sync message" as the operation.
func (c *Core) CallOne(ctx context.Context, caller routing.CallerID, target outcome.Target, message any) (any, error) {
	return c.InvokeOne(ctx, caller, target, operation.Symbolic(SendModule, SendSync, message))
}

// Cast is invoke-no-result with "send async message" as the operation.
func (c *Core) Cast(ctx context.Context, caller routing.CallerID, targets []outcome.Target, message any) {
	c.InvokeNoResult(ctx, caller, targets, operation.Symbolic(SendModule, SendAsync, message))
}

func (c *Core) applyLocal(ctx context.Context, op operation.Operation, target outcome.Target) outcome.Outcome {
	return outcome.Safely(target, func() (any, error) {
		return c.registry.Apply(ctx, op, target)
	})
}

// dispatchRemote resolves one delegate name for nodes and sends it a
// single coalesced invoke request carrying every remote group — exactly
// one message per remote node, never one per target.
func (c *Core) dispatchRemote(ctx context.Context, caller routing.CallerID, groups map[string][]outcome.Target, op operation.Operation) ([]outcome.Outcome, error) {
	if op.IsLocalOnly() {
		return nil, ErrNotSerializable
	}
	wireOp, err := op.ToWire()
	if err != nil {
		return nil, err
	}
	nodes := nodeList(groups)
	delegateName := c.router.DelegateFor(caller, c.prefix, nodes)
	payload, err := json.Marshal(invokeWire{Groups: groups, Op: wireOp})
	if err != nil {
		return nil, fmt.Errorf("fanout: encode invoke request: %w", err)
	}

	replies, unreachable := c.transport.MultiCall(ctx, nodes, delegateName, transport.KindInvokeCall, payload)

	out := make([]outcome.Outcome, 0, len(groups))
	for _, node := range unreachable {
		for _, t := range groups[node] {
			out = append(out, outcome.NodeDown(t, node))
		}
	}
	for node, data := range replies {
		var wireOuts []outcomeWire
		if err := json.Unmarshal(data, &wireOuts); err != nil {
			for _, t := range groups[node] {
				out = append(out, outcome.Fail(t, "error", "malformed reply from "+node, ""))
			}
			continue
		}
		for _, w := range wireOuts {
			out = append(out, w.toOutcome())
		}
	}
	return out, nil
}

// partition splits targets into those local to node and a map of the rest
// grouped by home node. Order within each group follows discovery order;
// cross-target order within one coalesced invocation is unspecified, so
// this does not try to reproduce any particular ordering.
func partition(node string, targets []outcome.Target) (local []outcome.Target, groups map[string][]outcome.Target) {
	groups = make(map[string][]outcome.Target)
	for _, t := range targets {
		if t.Node == node {
			local = append(local, t)
		} else {
			groups[t.Node] = append(groups[t.Node], t)
		}
	}
	return local, groups
}

func nodeList(groups map[string][]outcome.Target) []string {
	nodes := make([]string, 0, len(groups))
	for node := range groups {
		nodes = append(nodes, node)
	}
	return nodes
}

// invokeWire is the payload of an "invoke.call"/"invoke.cast" message: the
// full per-node target grouping plus the symbolic operation to apply.
// Every remote delegate receives the same payload and picks out only its
// own node's entry.
type invokeWire struct {
	Groups map[string][]outcome.Target `json:"groups"`
	Op     operation.Wire              `json:"op"`
}

// outcomeWire is the JSON shape of one outcome.Outcome crossing the wire.
type outcomeWire struct {
	Target  outcome.Target   `json:"target"`
	OK      bool             `json:"ok"`
	Value   any              `json:"value,omitempty"`
	Failure *outcome.Failure `json:"failure,omitempty"`
}

func newOutcomeWire(o outcome.Outcome) outcomeWire {
	return outcomeWire{Target: o.Target, OK: o.OK(), Value: o.Value, Failure: o.Failure}
}

func (w outcomeWire) toOutcome() outcome.Outcome {
	if w.OK {
		return outcome.Success(w.Target, w.Value)
	}
	f := w.Failure
	if f == nil {
		f = &outcome.Failure{Class: "error", Reason: "unknown remote failure"}
	}
	return outcome.Fail(w.Target, f.Class, f.Reason, f.Stack)
}

// EncodeOutcomes is used by internal/station to turn a delegate's
// []outcome.Outcome reply into wire bytes; dispatchRemote decodes those
// bytes back. Kept here so the wire shape stays colocated with the type
// that defines it.
func EncodeOutcomes(outcomes []outcome.Outcome) ([]byte, error) {
	wires := make([]outcomeWire, 0, len(outcomes))
	for _, o := range outcomes {
		wires = append(wires, newOutcomeWire(o))
	}
	return json.Marshal(wires)
}

// DecodeInvokeRequest parses the payload of an inbound invoke.call/cast
// message back into per-node groups and the operation to apply.
func DecodeInvokeRequest(payload []byte) (map[string][]outcome.Target, operation.Operation, error) {
	var wire invokeWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, operation.Operation{}, err
	}
	return wire.Groups, operation.FromWire(wire.Op), nil
}
