package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pragmahq/mktreplay/pkg/catalogue"
	"github.com/pragmahq/mktreplay/pkg/metrics"
)

// RegistryConfig defines registry parameters. zero values fall back to
// defaults; Catalogue is required.
type RegistryConfig struct {
	Catalogue *catalogue.Catalogue
	Clock     clockwork.Clock // nil for the real clock
	Tick      time.Duration   // publication tick, default 1ms
	Capacity  int             // outbound channel capacity, default 1024
	TTL       time.Duration   // idle time before eviction, default 1h
}

// Registry owns replay sessions: it creates them against a shared catalogue,
// looks them up by id and evicts the idle ones. safe for concurrent use.
type Registry struct {
	cat      *catalogue.Catalogue
	clock    clockwork.Clock
	tick     time.Duration
	capacity int
	ttl      time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry for the given catalogue.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Millisecond
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Registry{
		cat:      cfg.Catalogue,
		clock:    cfg.Clock,
		tick:     cfg.Tick,
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		sessions: make(map[string]*Session),
	}
}

// Create makes a new session in CREATED state and returns it.
func (r *Registry) Create() *Session {
	s := newSession(uuid.NewString(), r.cat, r.clock, r.tick, r.capacity)

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	metrics.SessionCreated()
	log.Printf("[INFO] session %s created", s.id)
	return s
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	return s, nil
}

// All returns snapshots of every registered session, oldest first.
func (r *Registry) All() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].Created.Equal(infos[j].Created) {
			return infos[i].Created.Before(infos[j].Created)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle removes every session idle longer than the TTL and returns how
// many were evicted. victims are torn down outside the registry lock so a
// slow worker shutdown never blocks lookups.
func (r *Registry) EvictIdle() int {
	cutoff := r.clock.Now().Add(-r.ttl)

	r.mu.Lock()
	var victims []*Session
	for id, s := range r.sessions {
		if s.lastAccessTime().Before(cutoff) {
			victims = append(victims, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range victims {
		idle := r.clock.Now().Sub(s.lastAccessTime())
		s.evict()
		metrics.SessionEvicted()
		metrics.SessionRemoved()
		log.Printf("[INFO] session %s evicted after %v idle", s.id, idle.Round(time.Second))
	}
	return len(victims)
}

// Sweep runs TTL eviction every interval until the context is canceled.
func (r *Registry) Sweep(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := r.clock.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if n := r.EvictIdle(); n > 0 {
				log.Printf("[DEBUG] eviction sweep removed %d sessions", n)
			}
		}
	}
}

// Close tears down all sessions, stopping their workers and closing their
// streams. the registry is unusable afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	victims := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		victims = append(victims, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range victims {
		s.evict()
		metrics.SessionRemoved()
	}
	if len(victims) > 0 {
		log.Printf("[INFO] registry closed, %d sessions torn down", len(victims))
	}
}
