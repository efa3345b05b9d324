package health

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/fleet/internal/batch"
	"github.com/dreamware/fleet/internal/config"
	"github.com/dreamware/fleet/internal/registry"
	"github.com/dreamware/fleet/internal/supervisor"
)

// Status values of a NodeHealth record.
const (
	StatusUnknown   = "unknown"   // Not checked yet, or its state files are unreadable
	StatusStopped   = "stopped"   // No PID record; intentionally stopped
	StatusStarting  = "starting"  // Alive, inside the start grace period
	StatusHealthy   = "healthy"   // Alive and the health endpoint answered
	StatusFailing   = "failing"   // Probe failed, below the restart threshold
	StatusUnhealthy = "unhealthy" // Probe failed at the threshold; restarted
	StatusCrashed   = "crashed"   // PID record but no live process; relaunched
)

// Reason says why the monitor acted on a node.
type Reason string

const (
	ReasonCrashed      Reason = "crashed"
	ReasonUnresponsive Reason = "unresponsive"
)

// NodeHealth tracks what the monitor last saw of a node.
// Thread-safe: Protected by Monitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy,omitempty"`
	LastAction       time.Time `json:"last_action,omitempty"`
	Status           string    `json:"status"`
	LastReason       Reason    `json:"last_reason,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	NodeID           int       `json:"node_id"`
	PID              int       `json:"pid,omitempty"`
	Port             int       `json:"port,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	Restarts         int       `json:"restarts"`
}

// Event is the outcome of one node's check in one tick. Reason is empty
// when the monitor took no action.
type Event struct {
	Err    error
	Reason Reason
	NodeID int
	OldPID int
	NewPID int
}

// Processes is the part of the supervisor the monitor needs.
type Processes interface {
	IsRecordAlive(rec registry.PIDRecord) bool
	Launch(ctx context.Context, id int) (int, error)
	Terminate(ctx context.Context, id int) error
}

// RecoverFunc brings a failed node back and returns its new PID.
type RecoverFunc func(ctx context.Context, id int, reason Reason) (int, error)

// Monitor periodically checks every provisioned node and relaunches the
// ones that crashed or stopped answering. It never stops on a node's
// failure; it runs until its context ends.
// Thread-safe: All methods are safe for concurrent access.
type Monitor struct {
	reg       registry.Registry
	procs     Processes
	cfg       *config.Store
	log       *zap.Logger
	runner    *batch.Runner
	checkFunc CheckFunc
	recoverFn RecoverFunc
	now       func() time.Time
	nodes     map[int]*NodeHealth
	mu        sync.RWMutex
}

// NewMonitor creates a monitor over the nodes of reg.
//
// Parameters:
//   - reg: Registry listing the nodes and their PID records
//   - procs: Process control, normally a *supervisor.Supervisor
//   - cfg: Configuration store; interval, timeout, grace, threshold and
//     batch size are read on every tick
//   - log: Logger, nil discards
//
// Example:
//
//	mon := health.NewMonitor(reg, sup, store, log)
//	mon.SetRecoverFunction(mgr.Recover)
//	go mon.Run(ctx)
func NewMonitor(reg registry.Registry, procs Processes, cfg *config.Store, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		reg:    reg,
		procs:  procs,
		cfg:    cfg,
		log:    log,
		runner: batch.New(log),
		now:    time.Now,
		nodes:  make(map[int]*NodeHealth),
	}
	m.recoverFn = m.defaultRecover
	return m
}

// SetCheckFunction overrides the HTTP health probe. Useful for tests and
// nodes with a non-HTTP liveness check.
func (m *Monitor) SetCheckFunction(fn CheckFunc) {
	m.mu.Lock()
	m.checkFunc = fn
	m.mu.Unlock()
}

// SetRecoverFunction overrides how a failed node is brought back. The
// default terminates an unresponsive node and relaunches it on the same
// port.
func (m *Monitor) SetRecoverFunction(fn RecoverFunc) {
	m.mu.Lock()
	m.recoverFn = fn
	m.mu.Unlock()
}

// Run checks all nodes immediately, then again one interval after each
// check completes, until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	cfg := m.cfg.Current()
	m.log.Info("health monitor started", zap.Duration("interval", cfg.HealthInterval))
	if cfg.HealthTimeout >= cfg.HealthInterval {
		m.log.Warn("health_timeout is not shorter than health_interval; ticks may run back to back",
			zap.Duration("timeout", cfg.HealthTimeout))
	}

	m.Tick(ctx)
	timer := time.NewTimer(m.cfg.Current().HealthInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("health monitor stopping")
			return
		case <-timer.C:
			m.Tick(ctx)
			timer.Reset(m.cfg.Current().HealthInterval)
		}
	}
}

// Tick runs one pass over every provisioned node, at most BatchSize nodes
// at a time, and returns what it found. It returns after every check and
// recovery of the pass has finished.
func (m *Monitor) Tick(ctx context.Context) []Event {
	cfg := m.cfg.Current()
	log := m.log.With(zap.String("tick", uuid.NewString()))

	ids, err := m.reg.List()
	if err != nil {
		log.Error("cannot list nodes", zap.Error(err))
		return nil
	}
	m.forget(ids)

	events := make([]Event, len(ids))
	index := make(map[int]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	var mu sync.Mutex

	m.runner.Run(ctx, "health", ids, cfg.BatchSize, func(ctx context.Context, id int) (string, error) {
		ev := m.checkNode(ctx, cfg, log, id)
		mu.Lock()
		events[index[id]] = ev
		mu.Unlock()
		return string(ev.Reason), ev.Err
	})
	return events
}

// checkNode applies the per-node state machine.
//
// Implementation:
//  1. No PID record: stopped, nothing to do
//  2. Record but no live process: crashed, relaunch
//  3. Inside the start grace period: starting, do not probe yet
//  4. Probe fails UnhealthyThreshold times in a row: terminate and relaunch
//  5. Otherwise healthy
func (m *Monitor) checkNode(ctx context.Context, cfg *config.Config, log *zap.Logger, id int) Event {
	log = log.With(zap.Int("node_id", id))
	ev := Event{NodeID: id}
	now := m.now()

	rec, ok, err := m.reg.PID(id)
	if err != nil {
		ev.Err = err
		m.update(id, func(h *NodeHealth) {
			h.Status = StatusUnknown
			h.LastError = err.Error()
		})
		log.Warn("cannot read pid record", zap.Error(err))
		return ev
	}
	if !ok {
		m.update(id, func(h *NodeHealth) {
			h.Status = StatusStopped
			h.PID = 0
			h.ConsecutiveFails = 0
			h.LastError = ""
		})
		return ev
	}
	ev.OldPID = rec.PID

	if !m.procs.IsRecordAlive(rec) {
		log.Warn("node process not alive, relaunching", zap.Int("pid", rec.PID))
		return m.act(ctx, log, ev, ReasonCrashed, StatusCrashed)
	}

	port, hasPort, err := m.reg.Port(id)
	if err != nil || !hasPort {
		if err == nil {
			err = fmt.Errorf("node %d has no port", id)
		}
		ev.Err = err
		m.update(id, func(h *NodeHealth) {
			h.Status = StatusUnknown
			h.PID = rec.PID
			h.LastError = err.Error()
		})
		return ev
	}

	if !rec.RecordedAt.IsZero() && now.Sub(rec.RecordedAt) < cfg.StartGrace {
		m.update(id, func(h *NodeHealth) {
			h.Status = StatusStarting
			h.PID = rec.PID
			h.Port = port
		})
		return ev
	}

	probeErr := m.probe(ctx, cfg.HealthTimeout, port)
	if probeErr == nil {
		m.update(id, func(h *NodeHealth) {
			if h.Status == StatusFailing || h.Status == StatusUnhealthy {
				log.Info("node recovered and is now healthy")
			}
			h.Status = StatusHealthy
			h.PID = rec.PID
			h.Port = port
			h.ConsecutiveFails = 0
			h.LastError = ""
			h.LastHealthy = now
		})
		return ev
	}

	var fails int
	m.update(id, func(h *NodeHealth) {
		h.ConsecutiveFails++
		fails = h.ConsecutiveFails
		h.Status = StatusFailing
		h.PID = rec.PID
		h.Port = port
		h.LastError = probeErr.Error()
	})
	log.Warn("health check failed",
		zap.Int("port", port),
		zap.Int("attempt", fails),
		zap.Int("threshold", cfg.UnhealthyThreshold),
		zap.Error(probeErr))
	if fails < cfg.UnhealthyThreshold {
		return ev
	}

	log.Warn("node unresponsive, restarting", zap.Int("pid", rec.PID))
	return m.act(ctx, log, ev, ReasonUnresponsive, StatusUnhealthy)
}

// act runs the recovery for reason and records the outcome.
func (m *Monitor) act(ctx context.Context, log *zap.Logger, ev Event, reason Reason, status string) Event {
	m.mu.RLock()
	recoverFn := m.recoverFn
	m.mu.RUnlock()

	ev.Reason = reason
	ev.NewPID, ev.Err = recoverFn(ctx, ev.NodeID, reason)
	now := m.now()

	m.update(ev.NodeID, func(h *NodeHealth) {
		h.Status = status
		h.LastReason = reason
		h.LastAction = now
		h.Restarts++
		h.ConsecutiveFails = 0
		if ev.Err != nil {
			h.LastError = ev.Err.Error()
		} else {
			h.PID = ev.NewPID
			h.LastError = ""
		}
	})
	if ev.Err != nil {
		log.Error("recovery failed", zap.String("reason", string(reason)), zap.Error(ev.Err))
	} else {
		log.Info("node relaunched",
			zap.String("reason", string(reason)),
			zap.Int("old_pid", ev.OldPID),
			zap.Int("pid", ev.NewPID))
	}
	return ev
}

func (m *Monitor) probe(ctx context.Context, timeout time.Duration, port int) error {
	m.mu.RLock()
	check := m.checkFunc
	m.mu.RUnlock()
	if check == nil {
		check = NewHTTPProber(timeout).Check
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- check(pctx, port) }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, ErrProbeTimeout) && errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrProbeTimeout, err)
		}
		return err
	case <-pctx.Done():
		// A check that ignores its context must not stall the tick.
		return fmt.Errorf("%w: port %d after %v", ErrProbeTimeout, port, timeout)
	}
}

// defaultRecover terminates and relaunches the node. For a crashed node the
// terminate only reaps children left in its process group. A terminate that
// finds the process already gone is not an error; one that leaves it alive
// is.
func (m *Monitor) defaultRecover(ctx context.Context, id int, _ Reason) (int, error) {
	if err := StopForRestart(ctx, m.reg, m.procs, id); err != nil {
		return 0, err
	}
	return m.procs.Launch(ctx, id)
}

// StopForRestart terminates the node's process ahead of a relaunch. It
// tolerates a missing record and a process that is already gone, and fails
// only if the recorded process is still alive afterwards.
func StopForRestart(ctx context.Context, reg registry.Registry, procs Processes, id int) error {
	err := procs.Terminate(ctx, id)
	if err == nil || errors.Is(err, supervisor.ErrNotRunning) {
		return nil
	}
	rec, ok, rerr := reg.PID(id)
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	if ok && procs.IsRecordAlive(rec) {
		return err
	}
	return nil
}

// update applies fn to the node's record under the lock, creating it first.
func (m *Monitor) update(id int, fn func(h *NodeHealth)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.nodes[id]
	if !ok {
		h = &NodeHealth{NodeID: id, Status: StatusUnknown}
		m.nodes[id] = h
	}
	h.LastCheck = m.now()
	fn(h)
}

// forget drops records of nodes that are no longer provisioned.
func (m *Monitor) forget(ids []int) {
	current := make(map[int]bool, len(ids))
	for _, id := range ids {
		current[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.nodes {
		if !current[id] {
			delete(m.nodes, id)
			m.log.Info("removed node from health monitoring", zap.Int("node_id", id))
		}
	}
}

// GetNodeHealth returns a copy of the node's record, or nil if the node has
// not been checked.
func (m *Monitor) GetNodeHealth(id int) *NodeHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.nodes[id]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// GetAllNodeHealth returns copies of every record, keyed by node ID.
func (m *Monitor) GetAllNodeHealth() map[int]*NodeHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]*NodeHealth, len(m.nodes))
	for id, h := range m.nodes {
		cp := *h
		out[id] = &cp
	}
	return out
}

// String formats an event for CLI output.
func (e Event) String() string {
	if e.Reason == "" {
		if e.Err != nil {
			return "node " + strconv.Itoa(e.NodeID) + ": " + e.Err.Error()
		}
		return "node " + strconv.Itoa(e.NodeID) + ": ok"
	}
	if e.Err != nil {
		return fmt.Sprintf("node %d: %s, recovery failed: %v", e.NodeID, e.Reason, e.Err)
	}
	return fmt.Sprintf("node %d: %s, relaunched pid %d -> %d", e.NodeID, e.Reason, e.OldPID, e.NewPID)
}
