package registry

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// memoryNode is the in-memory counterpart of a node directory.
type memoryNode struct {
	env map[string]string
	pid *PIDRecord
}

// MemoryRegistry implements Registry with an in-memory index.
// Paths are still derived from baseDir and logDir so callers that spawn
// processes get the same layout, but nothing is read from disk.
// Uses sync.RWMutex for thread-safe concurrent access.
type MemoryRegistry struct {
	mu      sync.RWMutex        // Protects nodes
	nodes   map[int]*memoryNode // Provisioned nodes by ID
	now     func() time.Time    // Clock for PID record timestamps
	baseDir string
	logDir  string
	portKey string
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(baseDir, logDir, portKey string) *MemoryRegistry {
	return &MemoryRegistry{
		nodes:   make(map[int]*memoryNode),
		now:     time.Now,
		baseDir: baseDir,
		logDir:  logDir,
		portKey: portKey,
	}
}

func (m *MemoryRegistry) List() ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *MemoryRegistry) NextFreeID() (int, error) {
	ids, _ := m.List()
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[len(ids)-1] + 1, nil
}

func (m *MemoryRegistry) Exists(id int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[id]
	return ok, nil
}

func (m *MemoryRegistry) Create(id int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		m.nodes[id] = &memoryNode{}
	}
	return m.Dir(id), nil
}

// Remove is idempotent, like os.RemoveAll.
func (m *MemoryRegistry) Remove(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	return nil
}

func (m *MemoryRegistry) Dir(id int) string {
	return filepath.Join(m.baseDir, DirName(id))
}

func (m *MemoryRegistry) LogPath(id int) string {
	return filepath.Join(m.logDir, DirName(id)+".log")
}

// Env returns a copy to prevent external modification.
func (m *MemoryRegistry) Env(id int) (map[string]string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok || n.env == nil {
		return nil, false, nil
	}
	out := make(map[string]string, len(n.env))
	for k, v := range n.env {
		out[k] = v
	}
	return out, true, nil
}

func (m *MemoryRegistry) WriteEnv(id int, env map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("write env of node %d: %w", id, ErrNotProvisioned)
	}
	n.env = make(map[string]string, len(env))
	for k, v := range env {
		n.env[k] = v
	}
	return nil
}

func (m *MemoryRegistry) Port(id int) (int, bool, error) {
	env, ok, _ := m.Env(id)
	if !ok {
		return 0, false, nil
	}
	return parsePort(id, env, m.portKey)
}

func (m *MemoryRegistry) PID(id int) (PIDRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok || n.pid == nil {
		return PIDRecord{}, false, nil
	}
	return *n.pid, true, nil
}

func (m *MemoryRegistry) WritePID(id int, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("write pid of node %d: %w: %w", id, ErrIO, ErrNotProvisioned)
	}
	n.pid = &PIDRecord{PID: pid, RecordedAt: m.now()}
	return nil
}

func (m *MemoryRegistry) ClearPID(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[id]; ok {
		n.pid = nil
	}
	return nil
}
