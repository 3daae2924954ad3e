package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/ratelimit"
	"golang.org/x/sync/errgroup"
)

// Thread is the handle the registry keeps for a running session loop.
type Thread interface {
	// Close starts the close protocol. It must not block on I/O.
	Close(reason string)
	// Wait blocks until the session reached CLOSED or ctx expires.
	Wait(ctx context.Context) error
}

// Config holds registry settings.
type Config struct {
	MinPort     int
	MaxPort     int
	IdleTimeout time.Duration // zero disables idle sweeping
	Clock       clock.Clock
	Admission   *ratelimit.Admission
}

// Registry is the process wide table of active sessions, their threads and the port pool.
// No lock is held while calling into a Thread.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*ActiveSession
	threads  map[string]Thread
	closing  bool

	pool      *PortPool
	clock     clock.Clock
	idle      time.Duration
	admission *ratelimit.Admission
}

// New initializes the registry and its port pool.
func New(cfg Config) (*Registry, error) {
	pool, err := NewPortPool(cfg.MinPort, cfg.MaxPort)
	if err != nil {
		return nil, err
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	obs.Info("registry.init", obs.Fields{"ports": pool.Size(), "idle_timeout": cfg.IdleTimeout.String()})
	return &Registry{
		sessions:  make(map[string]*ActiveSession),
		threads:   make(map[string]Thread),
		pool:      pool,
		clock:     c,
		idle:      cfg.IdleTimeout,
		admission: cfg.Admission,
	}, nil
}

func (r *Registry) Pool() *PortPool     { return r.pool }
func (r *Registry) Clock() clock.Clock { return r.clock }

// Admit applies session admission limits for a peer.
func (r *Registry) Admit(peerPublicKey string) bool {
	if r.isClosing() {
		return false
	}
	return r.admission.Allow(peerPublicKey)
}

// Add registers a session. Session ids are unique while registered.
func (r *Registry) Add(s *ActiveSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return fmt.Errorf("registry is shutting down")
	}
	if _, dup := r.sessions[s.SessionID]; dup {
		return fmt.Errorf("session already registered: %s", s.SessionID)
	}
	r.sessions[s.SessionID] = s
	obs.ActiveSessions.Set(float64(len(r.sessions)))
	return nil
}

func (r *Registry) Get(id string) (*ActiveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a session and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	obs.ActiveSessions.Set(float64(len(r.sessions)))
	return true
}

// Sessions returns a snapshot of the active session table.
func (r *Registry) Sessions() []*ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ActiveSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) SetThread(id string, t Thread) {
	r.mu.Lock()
	r.threads[id] = t
	r.mu.Unlock()
}

func (r *Registry) Thread(id string) (Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[id]
	return t, ok
}

// RemoveThread drops a thread table entry and reports whether it was present.
func (r *Registry) RemoveThread(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[id]; !ok {
		return false
	}
	delete(r.threads, id)
	return true
}

func (r *Registry) Threads() int { r.mu.Lock(); defer r.mu.Unlock(); return len(r.threads) }

func (r *Registry) isClosing() bool { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }

// Closing reports whether Shutdown has started.
func (r *Registry) Closing() bool { return r.isClosing() }

// SweepIdle closes sessions idle longer than the configured bound and returns how many it
// asked to close.
func (r *Registry) SweepIdle() int {
	if r.idle <= 0 {
		return 0
	}
	cutoff := r.clock.Now().Add(-r.idle)
	var stale []Thread
	var ids []string
	active := make(map[string]bool)
	r.mu.Lock()
	for id, s := range r.sessions {
		active[s.PeerPublicKey] = true
		if s.State() >= Closing || !s.LastInteraction().Before(cutoff) {
			continue
		}
		if t, ok := r.threads[id]; ok {
			stale = append(stale, t)
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	r.admission.Prune(active)
	for i, t := range stale {
		obs.Info("registry.idle_close", obs.Fields{"session": ids[i]})
		t.Close("idle timeout")
	}
	return len(stale)
}

// RunSweeper sweeps idle sessions every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if r.idle <= 0 || interval <= 0 {
		return
	}
	t := r.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.SweepIdle()
		}
	}
}

// Shutdown refuses new sessions, closes every registered thread and waits for them in
// parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	threads := make(map[string]Thread, len(r.threads))
	for id, t := range r.threads {
		threads[id] = t
	}
	r.mu.Unlock()

	obs.Info("registry.shutdown", obs.Fields{"threads": len(threads)})
	g, gctx := errgroup.WithContext(ctx)
	for id, t := range threads {
		g.Go(func() error {
			t.Close("shutdown")
			if err := t.Wait(gctx); err != nil {
				return fmt.Errorf("session %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
