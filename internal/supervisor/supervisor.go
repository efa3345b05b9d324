// Package supervisor starts, stops and checks the OS processes of nodes.
//
// Launches are fire-and-forget: the node's launch command runs detached in
// its own process group with output appended to the node log, and only its
// PID is recorded. Liveness is polled through the process table, never
// pushed, so a supervisor restarted later can still manage nodes launched
// by an earlier one.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/fleet/internal/config"
	"github.com/dreamware/fleet/internal/registry"
)

var (
	// ErrSpawnFailed is returned when the launch command could not be started
	// or its PID could not be recorded.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrNotRunning is returned by Terminate when no PID record exists.
	// It is an idempotent no-op signal rather than a failure.
	ErrNotRunning = errors.New("not running")

	// ErrSignalFailed is returned when the recorded process could not be
	// signaled. The PID record is left in place for diagnosis.
	ErrSignalFailed = errors.New("signal failed")
)

// ProcessError carries the node and PID involved in a failed process
// operation. It matches both its Kind sentinel and the underlying cause
// with errors.Is.
type ProcessError struct {
	Kind   error // ErrSpawnFailed or ErrSignalFailed
	Err    error // Underlying cause
	NodeID int
	PID    int
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("node %d: %v", e.NodeID, e.Kind)
	if e.PID > 0 {
		msg = fmt.Sprintf("node %d (pid %d): %v", e.NodeID, e.PID, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the cause.
func (e *ProcessError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Supervisor controls node processes through the registry's PID records.
// Nodes are independent: concurrent calls for different node IDs are safe.
type Supervisor struct {
	reg   registry.Registry
	cfg   *config.Store
	log   *zap.Logger
	procs processTable
}

// New creates a Supervisor.
//
// Parameters:
//   - reg: Registry holding node directories and PID records
//   - cfg: Configuration store; LaunchCommand and StopTimeout are read per call
//   - log: Logger, nil discards
func New(reg registry.Registry, cfg *config.Store, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		reg:   reg,
		cfg:   cfg,
		log:   log,
		procs: osProcessTable{},
	}
}

// Launch starts the node's launch command in the node directory and records
// its PID, overwriting any previous record. It does not wait for the node
// to become healthy.
//
// The child gets the supervisor's environment plus the node's environment
// blob, so the launch command sees its port even if it never reads the
// env file.
func (s *Supervisor) Launch(ctx context.Context, id int) (int, error) {
	cfg := s.cfg.Current()
	spawnErr := func(err error) error {
		return &ProcessError{Kind: ErrSpawnFailed, NodeID: id, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return 0, spawnErr(err)
	}

	ok, err := s.reg.Exists(id)
	if err != nil {
		return 0, spawnErr(err)
	}
	if !ok {
		return 0, spawnErr(registry.ErrNotProvisioned)
	}
	env, _, err := s.reg.Env(id)
	if err != nil {
		return 0, spawnErr(err)
	}

	logPath := s.reg.LogPath(id)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, spawnErr(err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, spawnErr(err)
	}
	// The child holds its own descriptor after Start.
	defer logFile.Close()
	fmt.Fprintf(logFile, "--- launch %s: %v\n", time.Now().Format(time.RFC3339), cfg.LaunchCommand)

	// Not CommandContext: the node must outlive the request that launched it.
	cmd := exec.Command(cfg.LaunchCommand[0], cfg.LaunchCommand[1:]...)
	cmd.Dir = s.reg.Dir(id)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = detachedAttr()

	if err := cmd.Start(); err != nil {
		return 0, spawnErr(err)
	}
	pid := cmd.Process.Pid

	if err := s.reg.WritePID(id, pid); err != nil {
		// Untracked processes are worse than a failed launch.
		_ = s.procs.kill(pid)
		_ = cmd.Wait()
		return 0, &ProcessError{Kind: ErrSpawnFailed, NodeID: id, PID: pid, Err: err}
	}

	// Reap the child while this supervisor lives so it never lingers as a zombie.
	go func() {
		err := cmd.Wait()
		s.log.Debug("node process exited", zap.Int("node_id", id), zap.Int("pid", pid), zap.Error(err))
	}()

	s.log.Info("node launched", zap.Int("node_id", id), zap.Int("pid", pid), zap.String("dir", cmd.Dir))
	return pid, nil
}

// Terminate stops the node's recorded process.
//
// Returns:
//   - nil: The process was signaled (and is gone); the PID record is removed
//   - ErrNotRunning: No PID record exists; nothing was done
//   - *ProcessError wrapping ErrSignalFailed: The recorded process and its
//     group are gone, the PID was reused by an unrelated process, or the
//     signal was refused; the PID record is kept
//
// The process group receives SIGTERM first. If any of it is still alive
// after StopTimeout (or ctx ends), it receives SIGKILL. A group whose leader
// already exited is stopped the same way, so children forked by the launch
// command are never orphaned.
func (s *Supervisor) Terminate(ctx context.Context, id int) error {
	rec, ok, err := s.reg.PID(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRunning
	}
	log := s.log.With(zap.Int("node_id", id), zap.Int("pid", rec.PID))

	if !s.IsRecordAlive(rec) {
		if s.procs.alive(rec.PID) || !s.procs.groupAlive(rec.PID) {
			return &ProcessError{Kind: ErrSignalFailed, NodeID: id, PID: rec.PID, Err: errProcessGone}
		}
		log.Warn("node process exited but its group is still running, stopping the group")
	}
	if err := s.procs.terminate(rec.PID); err != nil && !s.gone(rec.PID) {
		return &ProcessError{Kind: ErrSignalFailed, NodeID: id, PID: rec.PID, Err: err}
	}

	if !s.waitExit(ctx, rec.PID, s.cfg.Current().StopTimeout) {
		log.Warn("node ignored SIGTERM, killing")
		if err := s.procs.kill(rec.PID); err != nil && !s.gone(rec.PID) {
			return &ProcessError{Kind: ErrSignalFailed, NodeID: id, PID: rec.PID, Err: err}
		}
	}

	if err := s.reg.ClearPID(id); err != nil {
		return err
	}
	log.Info("node stopped")
	return nil
}

// IsAlive reports whether pid names a live, non-zombie process.
// It cannot tell a node's process from an unrelated one that reused the
// PID; IsRecordAlive can.
func (s *Supervisor) IsAlive(pid int) bool {
	return s.procs.alive(pid)
}

// IsRecordAlive reports whether the process of a PID record is still the
// one that was launched: alive, and not started after the record was
// written. Where process start times are unavailable it falls back to
// IsAlive.
func (s *Supervisor) IsRecordAlive(rec registry.PIDRecord) bool {
	if !s.procs.alive(rec.PID) {
		return false
	}
	started, ok := s.procs.startTime(rec.PID)
	if !ok || rec.RecordedAt.IsZero() {
		return true
	}
	return !started.After(rec.RecordedAt.Add(startTimeSlack))
}

// gone reports whether neither pid nor anything in its process group is left.
func (s *Supervisor) gone(pid int) bool {
	return !s.procs.alive(pid) && !s.procs.groupAlive(pid)
}

// waitExit polls until pid and its group are gone, timeout elapses or ctx ends.
func (s *Supervisor) waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(exitPollInterval)
	defer tick.Stop()

	for {
		if s.gone(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return s.gone(pid)
		case <-deadline.C:
			return s.gone(pid)
		case <-tick.C:
		}
	}
}
