// Package station wires one node's fan-out core, delegate pools, routing
// table, operation registry, local process table and monitor registry
// together, and is the transport.Dispatcher for every inbound message
// that node receives.
package station

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/meshfanout/internal/delegate"
	"github.com/dreamware/meshfanout/internal/fanout"
	"github.com/dreamware/meshfanout/internal/localproc"
	"github.com/dreamware/meshfanout/internal/monitor"
	"github.com/dreamware/meshfanout/internal/operation"
	"github.com/dreamware/meshfanout/internal/outcome"
	"github.com/dreamware/meshfanout/internal/pool"
	"github.com/dreamware/meshfanout/internal/routing"
	"github.com/dreamware/meshfanout/internal/transport"
)

// Station owns every piece of per-node state the fan-out system needs and
// answers inbound transport traffic on their behalf.
type Station struct {
	node      string
	local     *localproc.Table
	registry  *operation.Registry
	sizer     *pool.Sizer
	router    *routing.Router
	transport transport.Facade
	monitors  *monitor.Registry
	core      *fanout.Core

	mu      sync.RWMutex
	pools   map[string]*pool.Pool
	workers map[string]*delegate.Worker
}

// New builds a station for node, using facade for all cross-node traffic.
// Pool size is assumed cluster-uniform, so the router's pool-size lookup
// always answers from this node's own pools regardless of which peer node
// is asked about.
func New(node string, facade transport.Facade) *Station {
	s := &Station{
		node:      node,
		local:     localproc.New(node),
		registry:  operation.NewRegistry(),
		sizer:     pool.NewSizer(),
		transport: facade,
		pools:     make(map[string]*pool.Pool),
		workers:   make(map[string]*delegate.Worker),
	}
	s.router = routing.New(func(_, prefix string) (int, bool) { return s.sizer.PoolSize(prefix) })
	s.monitors = monitor.New(defaultPrefix, s.router, facade, s.local)
	s.core = fanout.New(node, defaultPrefix, s.router, facade, s.registry)
	facade.SetDispatcher(s.dispatch)
	return s
}

// defaultPrefix names the one delegate pool a station runs. Supporting
// several named pools per node is possible (each gets its own prefix and
// its own router memo key) but one is enough for every operation this
// fan-out system defines.
const defaultPrefix = "delegate-"

// RegisterOperation exposes the underlying operation registry so callers
// can install symbolic module.name handlers before the pool starts
// serving traffic.
func (s *Station) RegisterOperation(module, name string, fn operation.Func) {
	s.registry.Register(module, name, fn)
}

// StartPool creates size delegate workers under this station's default
// prefix, wires their native-watch and notify callbacks, and makes the
// pool visible to routing.
func (s *Station) StartPool(size int) error {
	p, err := pool.New(s.node, defaultPrefix, size, s.registry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pools[defaultPrefix] = p
	s.mu.Unlock()
	s.sizer.Add(p)

	for i := 0; i < size; i++ {
		name := fmt.Sprintf("%s%d", defaultPrefix, i)
		w, ok := p.Worker(name)
		if !ok {
			return fmt.Errorf("station: pool did not create worker %q", name)
		}
		w.SetWatch(s.local.Watch)
		w.SetNotify(s.deliverNotify)
		s.mu.Lock()
		s.workers[name] = w
		s.mu.Unlock()
	}
	return nil
}

// Stop shuts down every delegate worker this station started.
func (s *Station) Stop() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pools {
		p.Stop()
	}
}

// Core returns the fan-out entry point for this node.
func (s *Station) Core() *fanout.Core { return s.core }

// Local returns this node's local process table.
func (s *Station) Local() *localproc.Table { return s.local }

// Monitors returns this node's monitor registry client.
func (s *Station) Monitors() *monitor.Registry { return s.monitors }

// Router returns the delegate-name router shared by the fan-out core and
// the monitor registry.
func (s *Station) Router() *routing.Router { return s.router }

func (s *Station) deliverNotify(observer, watched outcome.Target, info string) {
	if observer.Node == s.node {
		s.monitors.DeliverNotify(observer, watched, info)
		return
	}
	payload, err := monitor.EncodeNotify(observer, watched, info)
	if err != nil {
		log.WithError(err).Warn("station: failed to encode down notification")
		return
	}
	if err := s.transport.Cast(observer.Node, monitor.Endpoint, transport.KindNotify, payload); err != nil {
		log.WithError(err).WithField("observer", observer).Warn("station: failed to deliver down notification")
	}
}

func (s *Station) workerFor(name string) (*delegate.Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	return w, ok
}

// dispatch is the transport.Dispatcher for this node: it routes each
// inbound message kind to the delegate or mailbox it names.
func (s *Station) dispatch(msg transport.Message) ([]byte, error) {
	switch msg.Kind {
	case transport.KindInvokeCall:
		groups, op, err := fanout.DecodeInvokeRequest(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("station: decode invoke request: %w", err)
		}
		w, ok := s.workerFor(msg.To)
		if !ok {
			return nil, fmt.Errorf("station: unknown delegate %q", msg.To)
		}
		outs, err := w.Invoke(context.Background(), groups, op)
		if err != nil {
			return nil, err
		}
		return fanout.EncodeOutcomes(outs)

	case transport.KindInvokeCast:
		groups, op, err := fanout.DecodeInvokeRequest(msg.Payload)
		if err != nil {
			log.WithError(err).Warn("station: dropping malformed cast")
			return nil, nil
		}
		w, ok := s.workerFor(msg.To)
		if !ok {
			log.WithField("delegate", msg.To).Warn("station: cast for unknown delegate")
			return nil, nil
		}
		w.InvokeCast(groups, op)
		return nil, nil

	case transport.KindMonitor:
		observer, watched, err := monitor.DecodeRequest(msg.Payload)
		if err != nil {
			log.WithError(err).Warn("station: dropping malformed monitor request")
			return nil, nil
		}
		w, ok := s.workerFor(msg.To)
		if !ok {
			log.WithField("delegate", msg.To).Warn("station: monitor request for unknown delegate")
			return nil, nil
		}
		w.Monitor(observer, watched)
		return nil, nil

	case transport.KindDemonitor:
		observer, watched, err := monitor.DecodeRequest(msg.Payload)
		if err != nil {
			log.WithError(err).Warn("station: dropping malformed demonitor request")
			return nil, nil
		}
		w, ok := s.workerFor(msg.To)
		if !ok {
			return nil, nil
		}
		w.Demonitor(observer, watched)
		return nil, nil

	case transport.KindNotify:
		observer, watched, info, err := monitor.DecodeNotify(msg.Payload)
		if err != nil {
			log.WithError(err).Warn("station: dropping malformed down notification")
			return nil, nil
		}
		s.monitors.DeliverNotify(observer, watched, info)
		return nil, nil

	default:
		return nil, fmt.Errorf("station: unknown message kind %q", msg.Kind)
	}
}
