package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/exp/slices"
)

const (
	// EnvFileName is the node's environment blob, in dotenv format.
	EnvFileName = ".env"
	// PIDFileName holds a single decimal PID while the node is believed running.
	PIDFileName = "node.pid"
)

var nodeDirPattern = regexp.MustCompile(`^node-(\d+)$`)

// FSRegistry keeps node state in a directory tree:
//
//	<base>/node-<id>/          payload, .env, node.pid
//	<logs>/node-<id>.log       append-only stdout/stderr of the node
//
// FSRegistry itself holds no mutable state, so it is safe for concurrent use.
type FSRegistry struct {
	baseDir string
	logDir  string
	portKey string
}

// NewFSRegistry creates a registry rooted at baseDir.
//
// Parameters:
//   - baseDir: Directory holding one sub-directory per node
//   - logDir: Directory holding one log file per node
//   - portKey: Environment key under which each node's port is stored
func NewFSRegistry(baseDir, logDir, portKey string) *FSRegistry {
	return &FSRegistry{baseDir: baseDir, logDir: logDir, portKey: portKey}
}

// DirName returns the directory name used for a node ID.
func DirName(id int) string {
	return fmt.Sprintf("node-%d", id)
}

// List scans the base directory for node-shaped entries.
// A missing base directory means an empty fleet.
func (r *FSRegistry) List() ([]int, error) {
	entries, err := os.ReadDir(r.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w: %w", r.baseDir, ErrIO, err)
	}

	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := nodeDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// NextFreeID returns max(existing)+1, or 0 for an empty fleet.
func (r *FSRegistry) NextFreeID() (int, error) {
	ids, err := r.List()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[len(ids)-1] + 1, nil
}

func (r *FSRegistry) Exists(id int) (bool, error) {
	info, err := os.Stat(r.Dir(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat node %d: %w: %w", id, ErrIO, err)
	}
	return info.IsDir(), nil
}

func (r *FSRegistry) Create(id int) (string, error) {
	dir := r.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create node %d: %w: %w", id, ErrIO, err)
	}
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w: %w", ErrIO, err)
	}
	return dir, nil
}

func (r *FSRegistry) Remove(id int) error {
	if err := os.RemoveAll(r.Dir(id)); err != nil {
		return fmt.Errorf("remove node %d: %w: %w", id, ErrIO, err)
	}
	if err := os.Remove(r.LogPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove node %d log: %w: %w", id, ErrIO, err)
	}
	return nil
}

func (r *FSRegistry) Dir(id int) string {
	return filepath.Join(r.baseDir, DirName(id))
}

func (r *FSRegistry) LogPath(id int) string {
	return filepath.Join(r.logDir, DirName(id)+".log")
}

func (r *FSRegistry) Env(id int) (map[string]string, bool, error) {
	path := filepath.Join(r.Dir(id), EnvFileName)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("stat env of node %d: %w: %w", id, ErrIO, err)
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, false, fmt.Errorf("read env of node %d: %w: %w", id, ErrInvalidRecord, err)
	}
	return env, true, nil
}

func (r *FSRegistry) WriteEnv(id int, env map[string]string) error {
	ok, err := r.Exists(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("write env of node %d: %w", id, ErrNotProvisioned)
	}
	if err := godotenv.Write(env, filepath.Join(r.Dir(id), EnvFileName)); err != nil {
		return fmt.Errorf("write env of node %d: %w: %w", id, ErrIO, err)
	}
	return nil
}

func (r *FSRegistry) Port(id int) (int, bool, error) {
	env, ok, err := r.Env(id)
	if err != nil || !ok {
		return 0, false, err
	}
	return parsePort(id, env, r.portKey)
}

func (r *FSRegistry) PID(id int) (PIDRecord, bool, error) {
	path := filepath.Join(r.Dir(id), PIDFileName)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return PIDRecord{}, false, nil
	}
	if err != nil {
		return PIDRecord{}, false, fmt.Errorf("stat pid of node %d: %w: %w", id, ErrIO, err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Removed between stat and read by a concurrent stop.
		return PIDRecord{}, false, nil
	}
	if err != nil {
		return PIDRecord{}, false, fmt.Errorf("read pid of node %d: %w: %w", id, ErrIO, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return PIDRecord{}, false, fmt.Errorf("pid of node %d %q: %w", id, strings.TrimSpace(string(data)), ErrInvalidRecord)
	}
	return PIDRecord{PID: pid, RecordedAt: info.ModTime()}, true, nil
}

// WritePID writes the record through a temp file and rename so a reader
// never sees a half-written PID.
func (r *FSRegistry) WritePID(id int, pid int) error {
	dir := r.Dir(id)
	tmp, err := os.CreateTemp(dir, ".pid-*")
	if err != nil {
		return fmt.Errorf("write pid of node %d: %w: %w", id, ErrIO, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		tmp.Close()
		return fmt.Errorf("write pid of node %d: %w: %w", id, ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync pid of node %d: %w: %w", id, ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close pid of node %d: %w: %w", id, ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, PIDFileName)); err != nil {
		return fmt.Errorf("commit pid of node %d: %w: %w", id, ErrIO, err)
	}
	return nil
}

func (r *FSRegistry) ClearPID(id int) error {
	err := os.Remove(filepath.Join(r.Dir(id), PIDFileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear pid of node %d: %w: %w", id, ErrIO, err)
	}
	return nil
}

func parsePort(id int, env map[string]string, key string) (int, bool, error) {
	raw, ok := env[key]
	if !ok || raw == "" {
		return 0, false, nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port < 1 || port > 65535 {
		return 0, false, fmt.Errorf("port of node %d %q: %w", id, raw, ErrInvalidRecord)
	}
	return port, true, nil
}
