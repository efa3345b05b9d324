// Package cluster is the lifecycle facade of fleet: it installs, starts,
// stops, restarts, updates, inspects and removes the local fleet of nodes.
//
// # Overview
//
// A node is a worker process bound to a unique port, living in its own
// directory under the base directory. The Manager composes the lower
// layers and never keeps node state of its own:
//
//	             ┌───────────────┐
//	             │  cmd/fleet    │
//	             └───────┬───────┘
//	                     │
//	             ┌───────▼───────┐       ┌────────────────┐
//	             │ cluster.      │◄──────┤ health.Monitor │
//	             │ Manager       │Recover└───────┬────────┘
//	             └───────┬───────┘               │
//	                     │ batch.Runner          │
//	   ┌─────────────┬───┴─────────┬─────────────┤
//	   │             │             │             │
//	┌──▼───┐   ┌─────▼─────┐  ┌────▼────┐   ┌────▼─────┐
//	│ports │   │ registry  │  │payload  │   │supervisor│
//	└──────┘   └───────────┘  └─────────┘   └──────────┘
//
// # Node States
//
// State is derived on every Status call:
//
//	no directory                         → unprovisioned
//	directory, no PID record             → stopped
//	PID record, process not alive        → zombie
//	process alive, health probe fails    → unresponsive
//	process alive, health probe succeeds → running
//
// A node whose env file or PID record cannot be read is reported as
// unknown; the rest of the listing is still returned.
//
// # Batches
//
// Every fleet-wide operation runs through batch.Runner with BatchSize as
// the concurrency bound. A failing node never aborts its siblings; the
// returned batch.Report carries one result per node. RestartAll runs the
// full stop batch before the start batch begins.
//
// Install assigns ports sequentially before the batch starts, so two
// install workers can never pick the same port. It refuses to go past
// MaxNodes: a request for more nodes than fit installs the nodes that fit
// and returns ErrCapacity.
//
// # Relaunch and Ports
//
// Recovering a node (crash, unresponsiveness, explicit restart) relaunches
// it on its recorded port when that port is free. If something else holds
// the port, the manager waits one HealthTimeout and checks again; if the
// port is still taken the node moves to the lowest free port in range and
// its env file is rewritten. With no free port the relaunch fails with
// supervisor.ErrSpawnFailed wrapping ports.ErrNoPortAvailable.
//
// # Cleanup
//
// Cleanup and Remove always terminate before deleting. A node whose
// process is still alive after a failed termination keeps its directory,
// so no process is ever orphaned from its record. Cleanup ignores the
// cancellation of its context, because it is the interrupt handler of the
// CLI.
//
// # Remote Status
//
// RemoteStatus and RemoteRestart talk to the API served by `fleet
// monitor` (see internal/api) with the PostJSON/GetJSON helpers.
package cluster
