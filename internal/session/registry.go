package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/webshell/internal/channel"
	"github.com/gluk-w/webshell/internal/logging"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultTimeout is how long a session may sit idle before it is swept.
const DefaultTimeout = 30 * time.Minute

// DefaultSweepSchedule runs the sweeper every five minutes.
const DefaultSweepSchedule = "@every 5m"

// Spawner opens the channel backing a new session.
type Spawner func(ctx context.Context) (channel.Channel, error)

// EvictReason says why a session left the registry.
type EvictReason string

const (
	ReasonClosed   EvictReason = "closed"
	ReasonExpired  EvictReason = "expired"
	ReasonDead     EvictReason = "dead"
	ReasonShutdown EvictReason = "shutdown"
)

// Registry maps session ids to sessions and evicts idle or dead ones.
// A session is always removed from the map before its channel is closed, so
// a lookup never returns a half torn-down session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	spawn   Spawner
	timeout time.Duration
	opts    Options
	nowFn   func() time.Time // injectable clock for testing
	onEvict func(s *Session, reason EvictReason)

	cron   *cron.Cron
	logger zerolog.Logger
}

// NewRegistry creates an empty registry. A zero timeout selects
// DefaultTimeout.
func NewRegistry(spawn Spawner, timeout time.Duration, opts Options) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		sessions: make(map[string]*Session),
		spawn:    spawn,
		timeout:  timeout,
		opts:     opts,
		nowFn:    time.Now,
		logger:   logging.Component("registry"),
	}
}

// SetNowFunc sets the clock used for timestamps and expiry. Call it before
// creating sessions.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.nowFn = fn
}

// OnEvict registers a hook called after a session is removed and closed.
func (r *Registry) OnEvict(fn func(s *Session, reason EvictReason)) {
	r.onEvict = fn
}

// Timeout returns the idle timeout.
func (r *Registry) Timeout() time.Duration { return r.timeout }

func (r *Registry) now() time.Time { return r.nowFn() }

// Create spawns a channel and registers a session for it under a fresh id.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	if r.spawn == nil {
		return nil, &SpawnError{Err: fmt.Errorf("no spawner configured")}
	}
	ch, err := r.spawn(ctx)
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	s := New(uuid.NewString(), ch, r.opts, r.now)
	r.Put(s)
	r.logger.Info().Str("session_id", s.ID).Str("kind", ch.Kind().String()).Msg("session created")
	return s, nil
}

// Put registers s under s.ID, replacing any previous entry.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Lookup is Get for callers about to use the session: an expired session is
// evicted on the spot and reported as ErrSessionExpired.
func (r *Registry) Lookup(id string) (*Session, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if s.IsExpired(r.now(), r.timeout) {
		if removed, rerr := r.Remove(id); rerr == nil {
			r.evict(removed, ReasonExpired)
		}
		return nil, ErrSessionExpired
	}
	return s, nil
}

// Remove deletes the session from the registry without closing it.
func (r *Registry) Remove(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close removes and closes a session. Closing an unknown or already closed
// id returns ErrSessionNotFound.
func (r *Registry) Close(id string) error {
	s, err := r.Remove(id)
	if err != nil {
		return err
	}
	r.evict(s, ReasonClosed)
	return nil
}

// Execute runs a command on the session with the given id.
func (r *Registry) Execute(ctx context.Context, id, command string, wait bool, timeout time.Duration) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", ErrEmptyCommand
	}
	s, err := r.Lookup(id)
	if err != nil {
		return "", err
	}
	return s.ExecuteSync(ctx, command, wait, timeout)
}

// Sweep removes every session that is expired at now or whose channel died,
// closing each exactly once. It returns the evicted ids.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) []string {
	type victim struct {
		s      *Session
		reason EvictReason
	}
	var victims []victim

	r.mu.Lock()
	for id, s := range r.sessions {
		switch {
		case !s.Alive():
			victims = append(victims, victim{s, ReasonDead})
		case s.IsExpired(now, timeout):
			victims = append(victims, victim{s, ReasonExpired})
		default:
			continue
		}
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(victims))
	for _, v := range victims {
		r.evict(v.s, v.reason)
		ids = append(ids, v.s.ID)
	}
	if len(ids) > 0 {
		r.logger.Info().Int("count", len(ids)).Msg("swept sessions")
	}
	return ids
}

// evict closes a session that was already removed from the map. Failures
// are logged so one bad session cannot abort a sweep.
func (r *Registry) evict(s *Session, reason EvictReason) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("session_id", s.ID).Interface("panic", rec).Msg("session close panicked")
		}
	}()
	if err := s.Close(); err != nil {
		r.logger.Warn().Err(err).Str("session_id", s.ID).Msg("session close failed")
	}
	r.logger.Info().Str("session_id", s.ID).Str("reason", string(reason)).Msg("session removed")
	if r.onEvict != nil {
		r.onEvict(s, reason)
	}
}

// List sweeps expired and dead sessions, then returns the rest ordered by
// creation time.
func (r *Registry) List() []Info {
	now := r.now()
	r.Sweep(now, r.timeout)

	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info(now, r.timeout))
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedTime != infos[j].CreatedTime {
			return infos[i].CreatedTime < infos[j].CreatedTime
		}
		return infos[i].SessionID < infos[j].SessionID
	})
	return infos
}

// Status returns the state of one session without evicting it.
func (r *Registry) Status(id string) (Info, error) {
	s, err := r.Get(id)
	if err != nil {
		return Info{}, err
	}
	return s.Info(r.now(), r.timeout), nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Start schedules periodic sweeps. An empty schedule uses
// DefaultSweepSchedule.
func (r *Registry) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	c := cron.New(cron.WithChain(cron.Recover(logging.CronLogger("registry"))))
	if _, err := c.AddFunc(schedule, func() {
		r.Sweep(r.now(), r.timeout)
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()
	r.logger.Info().Str("schedule", schedule).Dur("timeout", r.timeout).Msg("session sweeper started")
	return nil
}

// Shutdown stops the sweeper and closes every session.
func (r *Registry) Shutdown() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}

	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.evict(s, ReasonShutdown)
	}
}
