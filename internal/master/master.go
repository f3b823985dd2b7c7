// Package master implements the accept loop and worker pool described
// in spec.md §4.H: listen on TCP, accept connections, round-robin them
// across a pool of workers skipping unhealthy ones, and restart any
// worker that fails.
//
// Per SPEC_FULL.md §0 this is a goroutine pool, not a forked process
// pool: each worker (internal/worker.Worker) runs its own epoll loop in
// a goroutine, and handoff is a channel send (internal/worker.Assign)
// standing in for sendmsg(SCM_RIGHTS). The round-robin-skip-unhealthy
// algorithm and the worker-restart-on-failure policy of §4.H are kept
// unchanged.
package master

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/elsid-go/smtpd/internal/config"
	"github.com/elsid-go/smtpd/internal/metrics"
	"github.com/elsid-go/smtpd/internal/worker"
)

// slot is the master's worker record (spec.md §3 "Worker record"):
// {pid, control_sock, status} becomes {index, *worker.Worker,
// Status()} in the goroutine model — there is no separate pid/control
// socket to track.
type slot struct {
	w *worker.Worker
}

// Master owns the listener, the worker pool, and the round-robin
// cursor.
type Master struct {
	settings *config.Config
	log      *slog.Logger

	listener net.Listener

	mu      sync.Mutex
	slots   []*slot
	cursor  int
	stopped bool

	wg sync.WaitGroup
}

// New constructs a Master; it does not yet listen or spawn workers.
func New(settings *config.Config, log *slog.Logger) *Master {
	return &Master{settings: settings, log: log}
}

// Start binds the listen socket and pre-forks (here: pre-spawns) the
// configured number of workers. The listen backlog is the Go runtime's
// default; Server.BacklogSize is not applied to the socket.
func (m *Master) Start(ctx context.Context) error {
	addr := m.listenAddr()
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("master: listen on %s: %w", addr, err)
	}
	m.listener = ln
	m.log.Info("listening", "address", addr)

	if err := m.spawnWorkers(); err != nil {
		ln.Close()
		return err
	}

	m.wg.Add(1)
	go m.acceptLoop(ctx)

	return nil
}

func (m *Master) listenAddr() string {
	// spec.md §3/§9: an empty/absent address means "bind all
	// interfaces".
	return fmt.Sprintf("%s:%d", m.settings.Server.Address, m.settings.Server.Port)
}

func (m *Master) spawnWorkers() error {
	m.slots = make([]*slot, m.settings.Workers.Count)
	for i := range m.slots {
		w, err := worker.New(i, m.settings, m.log)
		if err != nil {
			return fmt.Errorf("master: spawn worker %d: %w", i, err)
		}
		m.slots[i] = &slot{w: w}
		m.wg.Add(1)
		go func(w *worker.Worker) {
			defer m.wg.Done()
			w.Run()
		}(w)
	}
	return nil
}

// acceptLoop is the master's accept loop (spec.md §4.H "Accept loop").
func (m *Master) acceptLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.isStopped() {
				return
			}
			m.log.Error("accept failed", "error", err)
			continue
		}

		if err := m.dispatch(conn); err != nil {
			m.log.Warn("failed to dispatch accepted connection to any worker", "error", err)
			metrics.ConnectionsRejected.Inc()
			conn.Close()
			continue
		}
		metrics.ConnectionsAccepted.Inc()
	}
}

// dispatch selects a worker by round-robin, skipping workers whose
// status is not Running, and assigns the connection to it; on failure
// it tries the next worker until one succeeds (spec.md §4.H steps 3-4).
func (m *Master) dispatch(conn net.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.slots)
	for i := 0; i < n; i++ {
		idx := (m.cursor + i) % n
		s := m.slots[idx]
		if s.w.Status() != worker.StatusRunning {
			continue
		}
		if err := s.w.Assign(conn); err != nil {
			m.log.Warn("worker rejected assignment, trying next", "worker", idx, "error", err)
			m.markFailed(idx)
			continue
		}
		m.cursor = (idx + 1) % n
		return nil
	}
	return fmt.Errorf("master: no running worker could accept the connection")
}

// markFailed tears down and respawns the worker at idx (spec.md §4.H
// step 6, §3 "Marked Error when send-FD fails; master tears it down and
// forks a replacement").
func (m *Master) markFailed(idx int) {
	old := m.slots[idx]
	old.w.Stop()
	metrics.WorkerRestarts.Inc()

	w, err := worker.New(idx, m.settings, m.log)
	if err != nil {
		m.log.Error("failed to respawn worker", "worker", idx, "error", err)
		return
	}
	m.slots[idx] = &slot{w: w}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.Run()
	}()
}

func (m *Master) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Stop implements graceful shutdown (spec.md §4.H "Termination" / §5):
// stop accepting, then tear down every worker (each drains existing
// clients before exiting).
func (m *Master) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	slots := append([]*slot(nil), m.slots...)
	m.mu.Unlock()

	if m.listener != nil {
		m.listener.Close()
	}

	for _, s := range slots {
		s.w.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
