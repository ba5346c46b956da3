package membership

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// nodeHealth tracks one node's recent health-check history.
type nodeHealth struct {
	status           string
	consecutiveFails int
	lastCheck        time.Time
}

// HealthMonitor periodically polls every node in a Directory's /health
// endpoint and marks nodes unhealthy once they fail too many checks in a
// row, reporting each such node through the OnUnhealthy callback. The
// monitor does not remove nodes itself; the coordinator's callback evicts
// them from the Directory.
type HealthMonitor struct {
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	httpClient  *http.Client
	onUnhealthy func(nodeID string)

	mu     sync.Mutex
	status map[string]*nodeHealth

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor builds a monitor that checks every known node every
// interval, marking a node unhealthy after 3 consecutive failures.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		status:      make(map[string]*nodeHealth),
	}
}

// SetOnUnhealthy installs the callback fired the moment a node crosses the
// failure threshold. Called at most once per unhealthy transition.
func (m *HealthMonitor) SetOnUnhealthy(fn func(nodeID string)) { m.onUnhealthy = fn }

// Start begins polling the nodes reported by dir in the background. Stop
// must be called to release the goroutine.
func (m *HealthMonitor) Start(dir *Directory) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.checkAll(dir)
		for {
			select {
			case <-ticker.C:
				m.checkAll(dir)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts polling and waits for the background goroutine to exit.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *HealthMonitor) checkAll(dir *Directory) {
	nodes := dir.All()
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		seen[n.ID] = true
		m.check(dir, n)
	}
	m.mu.Lock()
	for id := range m.status {
		if !seen[id] {
			delete(m.status, id)
		}
	}
	m.mu.Unlock()
}

func (m *HealthMonitor) check(dir *Directory, n NodeInfo) {
	err := m.ping(n.ControlURL)

	m.mu.Lock()
	h, ok := m.status[n.ID]
	if !ok {
		h = &nodeHealth{status: "unknown"}
		m.status[n.ID] = h
	}
	h.lastCheck = time.Now()

	if err != nil {
		h.consecutiveFails++
		becameUnhealthy := h.consecutiveFails >= m.maxFailures && h.status != "unhealthy"
		if h.consecutiveFails >= m.maxFailures {
			h.status = "unhealthy"
		}
		m.mu.Unlock()

		log.WithError(err).WithField("node", n.ID).Warn("membership: health check failed")
		if becameUnhealthy {
			dir.SetStatus(n.ID, "unhealthy")
			if m.onUnhealthy != nil {
				m.onUnhealthy(n.ID)
			}
		}
		return
	}

	h.status = "healthy"
	h.consecutiveFails = 0
	m.mu.Unlock()
	dir.SetStatus(n.ID, "healthy")
}

func (m *HealthMonitor) ping(controlURL string) error {
	url := strings.TrimRight(controlURL, "/") + "/health"
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
