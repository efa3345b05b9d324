package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fleet/internal/config"
	"github.com/dreamware/fleet/internal/registry"
	"github.com/dreamware/fleet/internal/supervisor"
)

// fakeProcs is an in-memory process table. Launch records a fresh PID in
// the registry the way the real supervisor does.
type fakeProcs struct {
	mu         sync.Mutex
	reg        registry.Registry
	alive      map[int]bool
	nextPID    int
	launches   []int
	terminates []int
}

func newFakeProcs(reg registry.Registry) *fakeProcs {
	return &fakeProcs{reg: reg, alive: map[int]bool{}, nextPID: 1000}
}

func (f *fakeProcs) IsRecordAlive(rec registry.PIDRecord) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[rec.PID]
}

func (f *fakeProcs) Launch(_ context.Context, id int) (int, error) {
	f.mu.Lock()
	f.nextPID++
	pid := f.nextPID
	f.alive[pid] = true
	f.launches = append(f.launches, id)
	f.mu.Unlock()
	return pid, f.reg.WritePID(id, pid)
}

func (f *fakeProcs) Terminate(_ context.Context, id int) error {
	rec, ok, err := f.reg.PID(id)
	if err != nil {
		return err
	}
	if !ok {
		return supervisor.ErrNotRunning
	}
	f.mu.Lock()
	f.alive[rec.PID] = false
	f.terminates = append(f.terminates, id)
	f.mu.Unlock()
	return f.reg.ClearPID(id)
}

func (f *fakeProcs) kill(pid int) {
	f.mu.Lock()
	f.alive[pid] = false
	f.mu.Unlock()
}

func (f *fakeProcs) counts() (launches, terminates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches), len(f.terminates)
}

func testStore(t *testing.T, edit func(c *config.Config)) *config.Store {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.LogDir = t.TempDir()
	cfg.StartGrace = 0
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.HealthTimeout = 100 * time.Millisecond
	if edit != nil {
		edit(cfg)
	}
	require.NoError(t, cfg.Validate())
	return config.NewStore(cfg)
}

// provision creates n running nodes on consecutive ports from 8070.
func provision(t *testing.T, reg registry.Registry, procs *fakeProcs, n int) {
	t.Helper()
	for id := 0; id < n; id++ {
		_, err := reg.Create(id)
		require.NoError(t, err)
		require.NoError(t, reg.WriteEnv(id, map[string]string{"PORT": strconv.Itoa(8070 + id)}))
		_, err = procs.Launch(context.Background(), id)
		require.NoError(t, err)
	}
	procs.mu.Lock()
	procs.launches = nil
	procs.mu.Unlock()
}

// probes records which ports were checked and fails those listed.
type probes struct {
	mu      sync.Mutex
	checked []int
	failing map[int]bool
}

func (p *probes) check(_ context.Context, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checked = append(p.checked, port)
	if p.failing[port] {
		return errors.New("connection refused")
	}
	return nil
}

// TestTickHealthyNodesNoAction verifies healthy nodes are probed and left alone.
func TestTickHealthyNodesNoAction(t *testing.T) {
	reg := registry.NewMemoryRegistry("", "", "PORT")
	procs := newFakeProcs(reg)
	provision(t, reg, procs, 3)

	mon := NewMonitor(reg, procs, testStore(t, nil), nil)
	p := &probes{}
	mon.SetCheckFunction(p.check)

	events := mon.Tick(context.Background())
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Empty(t, ev.Reason)
		assert.NoError(t, ev.Err)
	}
	launches, terminates := procs.counts()
	assert.Zero(t, launches)
	assert.Zero(t, terminates)
	assert.ElementsMatch(t, []int{8070, 8071, 8072}, p.checked)
	for id := 0; id < 3; id++ {
		h := mon.GetNodeHealth(id)
		require.NotNil(t, h)
		assert.Equal(t, StatusHealthy, h.Status)
	}
}

// TestTickRelaunchesKilledNode is the three-node scenario: node 1 is killed
// externally and the next tick relaunches it on the same port.
func TestTickRelaunchesKilledNode(t *testing.T) {
	reg := registry.NewMemoryRegistry("", "", "PORT")
	procs := newFakeProcs(reg)
	provision(t, reg, procs, 3)

	mon := NewMonitor(reg, procs, testStore(t, nil), nil)
	p := &probes{}
	mon.SetCheckFunction(p.check)

	old, _, err := reg.PID(1)
	require.NoError(t, err)
	procs.kill(old.PID)

	events := mon.Tick(context.Background())
	require.Len(t, events, 3)

	assert.Equal(t, ReasonCrashed, events[1].Reason)
	assert.NoError(t, events[1].Err)
	assert.Equal(t, old.PID, events[1].OldPID)
	assert.NotEqual(t, old.PID, events[1].NewPID)
	assert.Empty(t, events[0].Reason)
	assert.Empty(t, events[2].Reason)

	launches, terminates := procs.counts()
	assert.Equal(t, 1, launches, "exactly one relaunch")
	assert.Equal(t, 1, terminates, "leftovers of a crashed node are stopped before the relaunch")

	rec, _, _ := reg.PID(1)
	assert.Equal(t, events[1].NewPID, rec.PID)
	port, _, _ := reg.Port(1)
	assert.Equal(t, 8071, port)
	assert.NotContains(t, p.checked, 8071, "a crashed node is not probed")

	h := mon.GetNodeHealth(1)
	require.NotNil(t, h)
	assert.Equal(t, StatusCrashed, h.Status)
	assert.Equal(t, 1, h.Restarts)
	assert.Equal(t, rec.PID, h.PID)
}

// TestTickRestartsUnresponsiveNode checks the terminate-then-relaunch path.
func TestTickRestartsUnresponsiveNode(t *testing.T) {
	reg := registry.NewMemoryRegistry("", "", "PORT")
	procs := newFakeProcs(reg)
	provision(t, reg, procs, 3)

	mon := NewMonitor(reg, procs, testStore(t, nil), nil)
	mon.SetCheckFunction((&probes{failing: map[int]bool{8072: true}}).check)

	events := mon.Tick(context.Background())
	assert.Equal(t, ReasonUnresponsive, events[2].Reason)
	assert.NoError(t, events[2].Err)

	launches, terminates := procs.counts()
	assert.Equal(t, 1, launches)
	assert.Equal(t, 1, terminates)
	assert.Equal(t, StatusUnhealthy, mon.GetNodeHealth(2).Status)
	assert.Equal(t, 1, mon.GetNodeHealth(2).Restarts)
}

// TestTickThreshold restarts only after consecutive failures reach the threshold.
func TestTickThreshold(t *testing.T) {
	reg := registry.NewMemoryRegistry("", "", "PORT")
	procs := newFakeProcs(reg)
	provision(t, reg, procs, 1)

	mon := NewMonitor(reg, procs, testStore(t, func(c *config.Config) { c.UnhealthyThreshold = 3 }), nil)
	mon.SetCheckFunction((&probes{failing: map[int]bool{8070: true}}).check)

	for i := 1; i <= 2; i++ {
		events := mon.Tick(context.Background())
		assert.Empty(t, events[0].Reason, "tick %d", i)
		assert.Equal(t, StatusFailing, mon.GetNodeHealth(0).Status)
		assert.Equal(t, i, mon.GetNodeHealth(0).ConsecutiveFails)
	}
	events := mon.Tick(context.Background())
	assert.Equal(t, ReasonUnresponsive, events[0].Reason)
	assert.Zero(t, mon.GetNodeHealth(0).ConsecutiveFails)
}

// TestTickSkipsStoppedAndStartingNodes covers nodes that must not be probed.
func TestTickSkipsStoppedAndStartingNodes(t *testing.T) {
	reg := registry.NewMemoryRegistry("", "", "PORT")
	procs := newFakeProcs(reg)
	provision(t, reg, procs, 2)
	require.NoError(t, procs.Terminate(context.Background(), 0))

	mon := NewMonitor(reg, procs, testStore(t, func(c *config.Config) { c.StartGrace = time.Hour }), nil)
	p := &probes{}
	mon.SetCheckFunction(p.check)

	events := mon.Tick(context.Background())
	for _, ev := range events {
		assert.Empty(t, ev.Reason)
	}
	assert.Empty(t, p.checked)
	assert.Equal(t, StatusStopped, mon.GetNodeHealth(0).Status)
	assert.Equal(t, StatusStarting, mon.GetNodeHealth(1).Status)
}

// TestTickRecoveryFailureIsReported keeps going when a relaunch fails.
func TestTickRecoveryFailureIsReported(t *testing.T) {
	reg := registry.NewMemoryRegistry("", "", "PORT")
	procs := newFakeProcs(reg)
	provision(t, reg, procs, 2)
	rec0, _, _ := reg.PID(0)
	rec1, _, _ := reg.PID(1)
	procs.kill(rec0.PID)
	procs.kill(rec1.PID)

	mon := NewMonitor(reg, procs, testStore(t, nil), nil)
	spawnErr := errors.New("exec format error")
	var calls int
	var mu sync.Mutex
	mon.SetRecoverFunction(func(_ context.Context, id int, reason Reason) (int, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		if id == 0 {
			return 0, spawnErr
		}
		return 4242, nil
	})

	events := mon.Tick(context.Background())
	assert.ErrorIs(t, events[0].Err, spawnErr)
	assert.NoError(t, events[1].Err)
	assert.Equal(t, 4242, events[1].NewPID)
	assert.Equal(t, 2, calls)
	assert.Contains(t, mon.GetNodeHealth(0).LastError, "exec format error")
}

// TestProbeTimeout verifies a check that ignores its context cannot stall a tick.
func TestProbeTimeout(t *testing.T) {
	reg := registry.NewMemoryRegistry("", "", "PORT")
	procs := newFakeProcs(reg)
	provision(t, reg, procs, 1)

	mon := NewMonitor(reg, procs, testStore(t, func(c *config.Config) { c.HealthTimeout = 50 * time.Millisecond }), nil)
	release := make(chan struct{})
	defer close(release)
	mon.SetCheckFunction(func(context.Context, int) error {
		<-release
		return nil
	})
	mon.SetRecoverFunction(func(context.Context, int, Reason) (int, error) { return 1, nil })

	start := time.Now()
	events := mon.Tick(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, ReasonUnresponsive, events[0].Reason)
	assert.Equal(t, StatusUnhealthy, mon.GetNodeHealth(0).Status)
}

func TestForgetsRemovedNodes(t *testing.T) {
	reg := registry.NewMemoryRegistry("", "", "PORT")
	procs := newFakeProcs(reg)
	provision(t, reg, procs, 2)

	mon := NewMonitor(reg, procs, testStore(t, nil), nil)
	mon.SetCheckFunction((&probes{}).check)
	mon.Tick(context.Background())
	require.Len(t, mon.GetAllNodeHealth(), 2)

	require.NoError(t, reg.Remove(1))
	mon.Tick(context.Background())
	all := mon.GetAllNodeHealth()
	assert.Len(t, all, 1)
	assert.Contains(t, all, 0)
	assert.Nil(t, mon.GetNodeHealth(1))
}

// TestRunTicksUntilCanceled checks the loop starts with an immediate tick
// and keeps ticking until its context ends.
func TestRunTicksUntilCanceled(t *testing.T) {
	reg := registry.NewMemoryRegistry("", "", "PORT")
	procs := newFakeProcs(reg)
	provision(t, reg, procs, 1)

	mon := NewMonitor(reg, procs, testStore(t, nil), nil)
	p := &probes{}
	mon.SetCheckFunction(p.check)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.checked) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}

func TestStopForRestart(t *testing.T) {
	reg := registry.NewMemoryRegistry("", "", "PORT")
	procs := newFakeProcs(reg)
	provision(t, reg, procs, 1)

	require.NoError(t, StopForRestart(context.Background(), reg, procs, 0))
	// Second call: no record, still fine.
	require.NoError(t, StopForRestart(context.Background(), reg, procs, 0))
}

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

// TestHTTPProber exercises the default probe against real servers.
func TestHTTPProber(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
		ok      bool
	}{
		{
			name:    "healthy",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
			ok:      true,
		},
		{
			name:    "no content is success",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) },
			ok:      true,
		},
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
		},
		{
			name: "slow",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			wantErr: ErrProbeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					http.NotFound(w, r)
					return
				}
				tt.handler(w, r)
			}))
			defer srv.Close()

			prober := NewHTTPProber(100 * time.Millisecond)
			prober.Host = "127.0.0.1"
			err := prober.Check(context.Background(), portOf(t, srv))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestHTTPProberConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	prober := NewHTTPProber(time.Second)
	prober.Host = "127.0.0.1"
	err = prober.Check(context.Background(), port)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrProbeTimeout)
}
