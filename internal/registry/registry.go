// Package registry records which nodes exist and what the supervisor knows
// about them: directory, assigned port (inside the node's environment file)
// and the last launched PID.
//
// The filesystem is the source of truth. A node is provisioned exactly when
// its directory exists under the base directory; it is believed stopped
// exactly when its PID record is absent. Every scan is a snapshot: another
// worker may create or remove nodes right after List returns.
package registry

import (
	"errors"
	"time"
)

var (
	// ErrIO wraps filesystem failures. Missing optional state (no env file,
	// no PID record) is reported through ok=false, never through ErrIO.
	ErrIO = errors.New("registry i/o error")

	// ErrInvalidRecord is returned when a state file exists but cannot be parsed.
	ErrInvalidRecord = errors.New("invalid node record")

	// ErrNotProvisioned is returned by operations that need the node directory.
	ErrNotProvisioned = errors.New("node not provisioned")
)

// PIDRecord is the persisted launch record of a node.
type PIDRecord struct {
	RecordedAt time.Time // When the record was written
	PID        int       // OS process identifier of the launched command
}

// Registry is the authoritative view of the provisioned fleet.
// Implementations must be safe for concurrent use by batch workers that
// touch disjoint node IDs.
type Registry interface {
	// List returns the IDs of all provisioned nodes in ascending order.
	List() ([]int, error)

	// NextFreeID returns one more than the largest provisioned ID, or 0.
	// Gaps left by removed nodes are never reused.
	NextFreeID() (int, error)

	// Exists reports whether the node is provisioned.
	Exists(id int) (bool, error)

	// Create provisions the node directory and returns its path.
	Create(id int) (string, error)

	// Remove deletes the node directory, its records and its log file.
	Remove(id int) error

	// Dir returns the node's working directory whether or not it exists.
	Dir(id int) string

	// LogPath returns the node's append-only log file path.
	LogPath(id int) string

	// Env returns the node's environment blob; ok is false when none was written.
	Env(id int) (env map[string]string, ok bool, err error)

	// WriteEnv replaces the node's environment blob.
	WriteEnv(id int, env map[string]string) error

	// Port returns the port stored in the node's environment blob.
	Port(id int) (port int, ok bool, err error)

	// PID returns the node's launch record; ok is false when the node is
	// believed stopped.
	PID(id int) (rec PIDRecord, ok bool, err error)

	// WritePID durably records a launch, overwriting any previous record.
	WritePID(id int, pid int) error

	// ClearPID removes the launch record. Clearing a missing record is not an error.
	ClearPID(id int) error
}

// Ports returns the assigned port of every provisioned node, skipping nodes
// whose port cannot be read. The result is a snapshot.
func Ports(r Registry) (map[int]int, error) {
	ids, err := r.List()
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, len(ids))
	for _, id := range ids {
		port, ok, err := r.Port(id)
		if err != nil || !ok {
			continue
		}
		out[id] = port
	}
	return out, nil
}
