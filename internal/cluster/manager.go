package cluster

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/fleet/internal/batch"
	"github.com/dreamware/fleet/internal/config"
	"github.com/dreamware/fleet/internal/health"
	"github.com/dreamware/fleet/internal/payload"
	"github.com/dreamware/fleet/internal/registry"
	"github.com/dreamware/fleet/internal/supervisor"
)

// ErrCapacity is returned when an install request would exceed MaxNodes.
// The nodes that fit are still installed.
var ErrCapacity = errors.New("cluster at capacity")

// ErrFixedSetting is returned when a configuration change touches a key
// that cannot change in the current state.
var ErrFixedSetting = errors.New("setting cannot change")

// PortAllocator is the slice of ports.Allocator the manager uses.
type PortAllocator interface {
	Allocate(start, count int, excluded map[int]bool) (int, error)
	Available(port int) bool
}

// Manager composes the registry, supervisor, port allocator and payload
// provider into the fleet lifecycle operations. Every operation reads the
// configuration once, when it starts.
type Manager struct {
	reg     registry.Registry
	procs   health.Processes
	ports   PortAllocator
	payload payload.Provider
	cfg     *config.Store
	log     *zap.Logger
	runner  *batch.Runner
	check   health.CheckFunc
	sleep   func(ctx context.Context, d time.Duration) error

	// portMu serializes port reassignment between launches.
	portMu sync.Mutex
}

// NewManager creates a Manager.
//
// Parameters:
//   - reg: Node registry, the source of truth for which nodes exist
//   - procs: Process control, normally a *supervisor.Supervisor
//   - ports: Port allocator, normally a *ports.Allocator
//   - prov: Payload provider; payload.Noop{} when nodes need no payload
//   - cfg: Configuration store shared with the other components
//   - log: Logger, nil discards
//
// Example:
//
//	mgr := cluster.NewManager(reg, sup, ports.NewAllocator(), payload.New(src, ref), store, log)
//	rep, err := mgr.Install(ctx, 3)
func NewManager(reg registry.Registry, procs health.Processes, ports PortAllocator, prov payload.Provider, cfg *config.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if prov == nil {
		prov = payload.Noop{}
	}
	return &Manager{
		reg:     reg,
		procs:   procs,
		ports:   ports,
		payload: prov,
		cfg:     cfg,
		log:     log,
		runner:  batch.New(log),
		sleep:   sleepCtx,
	}
}

// SetCheckFunction overrides the health probe used by Status.
func (m *Manager) SetCheckFunction(fn health.CheckFunc) {
	m.check = fn
}

// Config returns the configuration in effect.
func (m *Manager) Config() *config.Config {
	return m.cfg.Current()
}

// Install provisions count new nodes and launches them.
//
// Ports are assigned up front, one node after another, so concurrent
// install workers never race each other for the same port. Each node then
// gets its directory, environment, payload and process in a batch.
//
// Returns:
//   - batch.Report: One result per node that fit under MaxNodes
//   - error: ErrCapacity (wrapped) if the request was truncated or nothing
//     fits; per-node failures are only in the report
func (m *Manager) Install(ctx context.Context, count int) (batch.Report, error) {
	cfg := m.cfg.Current()
	if count <= 0 {
		return batch.Report{}, fmt.Errorf("install count must be positive, got %d", count)
	}

	existing, err := m.reg.List()
	if err != nil {
		return batch.Report{}, err
	}
	free := cfg.MaxNodes - len(existing)
	var capErr error
	if free <= 0 {
		return batch.Report{}, fmt.Errorf("%w: %d of %d nodes installed", ErrCapacity, len(existing), cfg.MaxNodes)
	}
	if count > free {
		capErr = fmt.Errorf("%w: requested %d, installing %d (max_nodes %d)", ErrCapacity, count, free, cfg.MaxNodes)
		m.log.Warn("install request truncated", zap.Int("requested", count), zap.Int("installing", free))
		count = free
	}

	first, err := m.reg.NextFreeID()
	if err != nil {
		return batch.Report{}, err
	}
	held, err := registry.Ports(m.reg)
	if err != nil {
		return batch.Report{}, err
	}
	excluded := make(map[int]bool, len(held)+count)
	for _, port := range held {
		excluded[port] = true
	}

	start, span := cfg.PortRange()
	ids := make([]int, count)
	planned := make(map[int]int, count)
	planErr := make(map[int]error)
	for i := range ids {
		id := first + i
		ids[i] = id
		port, err := m.ports.Allocate(start, span, excluded)
		if err != nil {
			planErr[id] = err
			continue
		}
		excluded[port] = true
		planned[id] = port
	}

	rep := m.runner.Run(ctx, "install", ids, cfg.BatchSize, func(ctx context.Context, id int) (string, error) {
		if err := planErr[id]; err != nil {
			return "", err
		}
		return m.installNode(ctx, cfg, id, planned[id])
	})
	return rep, capErr
}

func (m *Manager) installNode(ctx context.Context, cfg *config.Config, id, port int) (string, error) {
	dir, err := m.reg.Create(id)
	if err != nil {
		return "", err
	}
	// Until the process launches, a failure leaves no half-provisioned node
	// holding a port.
	undo := func(cause error) (string, error) {
		if rerr := m.reg.Remove(id); rerr != nil {
			return "", errors.Join(cause, rerr)
		}
		return "", cause
	}

	env := nodeEnv(cfg, port)
	if err := m.reg.WriteEnv(id, env); err != nil {
		return undo(err)
	}
	if err := m.payload.Fetch(ctx, dir); err != nil {
		return undo(err)
	}

	pid, err := m.procs.Launch(ctx, id)
	if err != nil {
		return "port " + strconv.Itoa(port), err
	}
	return fmt.Sprintf("port %d pid %d", port, pid), nil
}

// nodeEnv builds the environment blob of a node: the cluster template with
// the port key set to port.
func nodeEnv(cfg *config.Config, port int) map[string]string {
	env := maps.Clone(cfg.EnvTemplate)
	if env == nil {
		env = make(map[string]string, 1)
	}
	env[cfg.PortKey] = strconv.Itoa(port)
	return env
}

// StartAll launches every provisioned node that is not already running.
// A stale PID record (process gone) does not block the launch.
func (m *Manager) StartAll(ctx context.Context) (batch.Report, error) {
	cfg := m.cfg.Current()
	ids, err := m.reg.List()
	if err != nil {
		return batch.Report{}, err
	}
	return m.runner.Run(ctx, "start", ids, cfg.BatchSize, func(ctx context.Context, id int) (string, error) {
		return m.startNode(ctx, cfg, id)
	}), nil
}

func (m *Manager) startNode(ctx context.Context, cfg *config.Config, id int) (string, error) {
	rec, ok, err := m.reg.PID(id)
	if err != nil {
		return "", err
	}
	if ok && m.procs.IsRecordAlive(rec) {
		return fmt.Sprintf("already running pid %d", rec.PID), nil
	}
	pid, err := m.launchChecked(ctx, cfg, id)
	if err != nil {
		return "", err
	}
	return "pid " + strconv.Itoa(pid), nil
}

// StopAll terminates every node with a PID record. Nodes already stopped
// succeed with detail "not running".
//
// A record whose process is gone is reported as a failure and left in
// place, unless force is set, in which case it is cleared. A live process
// is never forgotten, forced or not.
func (m *Manager) StopAll(ctx context.Context, force bool) (batch.Report, error) {
	cfg := m.cfg.Current()
	ids, err := m.reg.List()
	if err != nil {
		return batch.Report{}, err
	}
	return m.runner.Run(ctx, "stop", ids, cfg.BatchSize, func(ctx context.Context, id int) (string, error) {
		return m.stopNode(ctx, id, force)
	}), nil
}

func (m *Manager) stopNode(ctx context.Context, id int, force bool) (string, error) {
	err := m.procs.Terminate(ctx, id)
	switch {
	case err == nil:
		return "stopped", nil
	case errors.Is(err, supervisor.ErrNotRunning):
		return "not running", nil
	case !force || !errors.Is(err, supervisor.ErrSignalFailed):
		return "", err
	}

	rec, ok, rerr := m.reg.PID(id)
	if rerr != nil {
		return "", errors.Join(err, rerr)
	}
	if ok && m.procs.IsRecordAlive(rec) {
		return "", err
	}
	if cerr := m.reg.ClearPID(id); cerr != nil {
		return "", errors.Join(err, cerr)
	}
	m.log.Warn("cleared stale pid record", zap.Int("node_id", id), zap.Int("pid", rec.PID))
	return fmt.Sprintf("cleared stale pid %d", rec.PID), nil
}

// RestartAll stops every node, waits for the whole stop batch, then starts
// every node.
func (m *Manager) RestartAll(ctx context.Context) (stop, start batch.Report, err error) {
	// Stale records must not block the restart of their node.
	stop, err = m.StopAll(ctx, true)
	if err != nil {
		return stop, start, err
	}
	start, err = m.StartAll(ctx)
	return stop, start, err
}

// Status returns one row per provisioned node, in ID order. A node whose
// state files cannot be read is reported as StateUnknown rather than
// failing the listing; only a failure to enumerate nodes is an error.
func (m *Manager) Status(ctx context.Context) ([]Node, error) {
	cfg := m.cfg.Current()
	ids, err := m.reg.List()
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, len(ids))
	m.runner.Run(ctx, "status", ids, cfg.BatchSize, func(ctx context.Context, id int) (string, error) {
		i, _ := slices.BinarySearch(ids, id)
		nodes[i] = m.nodeStatus(ctx, cfg, id)
		return string(nodes[i].State), nil
	})
	return nodes, nil
}

// NodeStatus returns the status row of one node; StateUnprovisioned if it
// does not exist.
func (m *Manager) NodeStatus(ctx context.Context, id int) (Node, error) {
	ok, err := m.reg.Exists(id)
	if err != nil {
		return Node{}, err
	}
	if !ok {
		return Node{ID: id, State: StateUnprovisioned}, nil
	}
	return m.nodeStatus(ctx, m.cfg.Current(), id), nil
}

func (m *Manager) nodeStatus(ctx context.Context, cfg *config.Config, id int) Node {
	n := Node{ID: id, Dir: m.reg.Dir(id)}
	unknown := func(err error) Node {
		n.State = StateUnknown
		n.Error = err.Error()
		return n
	}

	port, _, err := m.reg.Port(id)
	if err != nil {
		return unknown(err)
	}
	n.Port = port

	rec, ok, err := m.reg.PID(id)
	if err != nil {
		return unknown(err)
	}
	if !ok {
		n.State = StateStopped
		return n
	}
	n.PID = rec.PID
	if !m.procs.IsRecordAlive(rec) {
		n.State = StateZombie
		return n
	}
	if port == 0 {
		return unknown(fmt.Errorf("node %d has no port", id))
	}

	if err := m.probe(ctx, cfg, port); err != nil {
		n.State = StateUnresponsive
		n.Error = err.Error()
		return n
	}
	n.State = StateRunning
	return n
}

func (m *Manager) probe(ctx context.Context, cfg *config.Config, port int) error {
	check := m.check
	if check == nil {
		check = health.NewHTTPProber(cfg.HealthTimeout).Check
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.HealthTimeout)
	defer cancel()
	return check(ctx, port)
}

// UpdateAll refreshes the payload of every node in place. Running
// processes are not restarted.
func (m *Manager) UpdateAll(ctx context.Context) (batch.Report, error) {
	cfg := m.cfg.Current()
	ids, err := m.reg.List()
	if err != nil {
		return batch.Report{}, err
	}
	return m.runner.Run(ctx, "update", ids, cfg.BatchSize, func(ctx context.Context, id int) (string, error) {
		if err := m.payload.Update(ctx, m.reg.Dir(id)); err != nil {
			return "", err
		}
		return "updated", nil
	}), nil
}

// Cleanup terminates every node, best effort, and with removeState also
// deletes the node directories and logs. A node whose process could not be
// confirmed dead keeps its state.
//
// Cleanup runs to completion even if ctx is already canceled, so it can
// serve as the interrupt handler of other operations.
func (m *Manager) Cleanup(ctx context.Context, removeState bool) (batch.Report, error) {
	ids, err := m.reg.List()
	if err != nil {
		return batch.Report{}, err
	}
	return m.removeNodes(context.WithoutCancel(ctx), "cleanup", ids, removeState), nil
}

// Remove uninstalls the given nodes: terminate first, then delete their
// directory and log. Unknown IDs fail with registry.ErrNotProvisioned.
func (m *Manager) Remove(ctx context.Context, ids []int) batch.Report {
	return m.removeNodes(ctx, "remove", ids, true)
}

func (m *Manager) removeNodes(ctx context.Context, name string, ids []int, removeState bool) batch.Report {
	cfg := m.cfg.Current()
	return m.runner.Run(ctx, name, ids, cfg.BatchSize, func(ctx context.Context, id int) (string, error) {
		ok, err := m.reg.Exists(id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("node %d: %w", id, registry.ErrNotProvisioned)
		}
		detail, err := m.stopNode(ctx, id, true)
		if err != nil {
			return "", err
		}
		if !removeState {
			return detail, nil
		}
		if err := m.reg.Remove(id); err != nil {
			return "", err
		}
		return detail + ", removed", nil
	})
}

// Restart stops one node and launches it again, with the same port check
// as crash recovery.
func (m *Manager) Restart(ctx context.Context, id int) (int, error) {
	ok, err := m.reg.Exists(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("node %d: %w", id, registry.ErrNotProvisioned)
	}
	return m.Recover(ctx, id, health.ReasonUnresponsive)
}

// Recover implements health.RecoverFunc: terminate whatever is left of the
// node's process group, then relaunch it on a port that is actually free.
func (m *Manager) Recover(ctx context.Context, id int, _ health.Reason) (int, error) {
	cfg := m.cfg.Current()
	// Also for crashes: the leader may be gone while children it forked
	// still hold the port.
	if err := health.StopForRestart(ctx, m.reg, m.procs, id); err != nil {
		return 0, err
	}
	return m.launchChecked(ctx, cfg, id)
}

// launchChecked launches a stopped node after making sure its port is
// free. An occupied port gets one more chance after HealthTimeout (the
// previous process may still be releasing it); if it is still taken, the
// node moves to the lowest free port in range not held by a sibling.
func (m *Manager) launchChecked(ctx context.Context, cfg *config.Config, id int) (int, error) {
	spawnErr := func(err error) error {
		return &supervisor.ProcessError{Kind: supervisor.ErrSpawnFailed, NodeID: id, Err: err}
	}
	log := m.log.With(zap.Int("node_id", id))

	env, _, err := m.reg.Env(id)
	if err != nil {
		return 0, spawnErr(err)
	}
	port, _ := strconv.Atoi(env[cfg.PortKey])

	if port > 0 && !m.ports.Available(port) {
		log.Warn("node port busy, waiting", zap.Int("port", port), zap.Duration("wait", cfg.HealthTimeout))
		if err := m.sleep(ctx, cfg.HealthTimeout); err != nil {
			return 0, spawnErr(err)
		}
	}
	if port == 0 || !m.ports.Available(port) {
		if err := m.reassignPort(cfg, id, env, port); err != nil {
			return 0, spawnErr(err)
		}
	}

	return m.procs.Launch(ctx, id)
}

// reassignPort moves the node to the lowest free port in range that no
// sibling holds. Concurrent launches in one batch serialize here, so each
// sees the ports the others have just written.
func (m *Manager) reassignPort(cfg *config.Config, id int, env map[string]string, old int) error {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	held, err := registry.Ports(m.reg)
	if err != nil {
		return err
	}
	excluded := make(map[int]bool, len(held)+1)
	for other, p := range held {
		if other != id {
			excluded[p] = true
		}
	}
	excluded[old] = true

	start, span := cfg.PortRange()
	next, err := m.ports.Allocate(start, span, excluded)
	if err != nil {
		return err
	}
	if env == nil {
		env = map[string]string{}
	}
	env[cfg.PortKey] = strconv.Itoa(next)
	if err := m.reg.WriteEnv(id, env); err != nil {
		return err
	}
	m.log.Warn("node port reassigned", zap.Int("node_id", id), zap.Int("old_port", old), zap.Int("port", next))
	return nil
}

// Reconfigure validates cfg and makes it the configuration of every
// component sharing the store. It refuses a MaxNodes below the number of
// installed nodes, and any change to config.LayoutKeys while nodes are
// installed.
func (m *Manager) Reconfigure(cfg *config.Config) error {
	ids, err := m.reg.List()
	if err != nil {
		return err
	}
	if cfg.MaxNodes < len(ids) {
		return fmt.Errorf("%w: max_nodes %d is below the %d installed nodes", ErrCapacity, cfg.MaxNodes, len(ids))
	}
	if len(ids) > 0 {
		if keys := config.Changed(m.cfg.Current(), cfg, config.LayoutKeys); len(keys) > 0 {
			return fmt.Errorf("%w: %s while %d nodes are installed", ErrFixedSetting, strings.Join(keys, ", "), len(ids))
		}
	}
	if err := m.cfg.Replace(cfg); err != nil {
		return err
	}

	held, err := registry.Ports(m.reg)
	if err != nil {
		m.log.Warn("reading node ports", zap.Error(err))
	}
	start, span := cfg.PortRange()
	for id, port := range held {
		if port < start || port >= start+span {
			m.log.Warn("node port outside new range", zap.Int("node_id", id), zap.Int("port", port))
		}
	}
	m.log.Info("configuration replaced")
	return nil
}

// Reload is Reconfigure for a running supervisor. It also refuses changes
// to config.StartupKeys, which the running components were built from.
func (m *Manager) Reload(cfg *config.Config) error {
	if keys := config.Changed(m.cfg.Current(), cfg, config.StartupKeys); len(keys) > 0 {
		return fmt.Errorf("%w: %s needs a restart of the supervisor", ErrFixedSetting, strings.Join(keys, ", "))
	}
	return m.Reconfigure(cfg)
}

// CheckStartup verifies what must hold before any node is touched: the
// launch command can be found and the payload source answers.
func (m *Manager) CheckStartup(ctx context.Context) error {
	if err := checkLaunchCommand(m.cfg.Current().LaunchCommand); err != nil {
		return err
	}
	return m.payload.Check(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
