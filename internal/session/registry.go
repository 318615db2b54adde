package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/lg"
	"github.com/andrej220/winbatch/pkg/payload"
	"github.com/andrej220/winbatch/pkg/transport"
)

const probeToken = "winbatch-probe"

// Config tunes registry behavior.
type Config struct {
	ProbeTimeout time.Duration
	IdleTimeout  time.Duration
	AgentPath    string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = 5 * time.Second
	}
	if out.AgentPath == "" {
		out.AgentPath = "winbatch-agent"
	}
	return out
}

// Registry is the session registry keyed by host identity. It is the
// only cross-host shared structure and the mutex guards only the map;
// dialing happens outside the lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	dialer transport.Dialer
	cfg    Config
	log    lg.Logger
}

func NewRegistry(dialer transport.Dialer, cfg Config, log lg.Logger) *Registry {
	if log == nil {
		log = lg.Discard
	}
	return &Registry{
		sessions: make(map[string]*Session),
		dialer:   dialer,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// Acquire returns a Ready session for host, reusing the existing one
// when its liveness probe passes and dialing a fresh connection
// otherwise. The returned session is marked Busy; callers must Release
// or Invalidate it.
func (r *Registry) Acquire(ctx context.Context, host string, creds transport.Credentials) (*Session, error) {
	r.closeIdle()

	if s := r.lookup(host); s != nil {
		switch s.State() {
		case StateBusy:
			return nil, fmt.Errorf("session for %s already carries an in-flight batch", host)
		case StateReady:
			if r.probe(ctx, s) {
				s.setState(StateBusy)
				s.touch()
				return s, nil
			}
			r.log.Warn("liveness probe failed, reconnecting", lg.String("host", host))
			s.setState(StateDegraded)
			r.Invalidate(s)
		default:
			r.Invalidate(s)
		}
	}

	ch, err := r.dialer.Dial(ctx, host, creds)
	if err != nil {
		return nil, err
	}
	s := newSession(host, ch)

	if err := r.setup(ctx, s); err != nil {
		_ = ch.Close()
		s.setState(StateClosed)
		return nil, err
	}
	s.setState(StateBusy)
	s.touch()

	r.mu.Lock()
	if old, ok := r.sessions[host]; ok && old != s {
		_ = old.Channel.Close()
		old.setState(StateClosed)
	}
	r.sessions[host] = s
	r.mu.Unlock()

	r.log.Info("session established",
		lg.String("host", host),
		lg.String("session_id", s.ID),
		lg.Int("protocol_generation", int(s.Caps.Generation)))
	return s, nil
}

// Release marks a borrowed session available for reuse.
func (r *Registry) Release(s *Session) {
	if s == nil {
		return
	}
	if s.State() == StateBusy {
		s.setState(StateReady)
	}
	s.touch()
}

// Invalidate forcibly tears a session down on detected corruption.
func (r *Registry) Invalidate(s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	if cur, ok := r.sessions[s.Host]; ok && cur == s {
		delete(r.sessions, s.Host)
	}
	r.mu.Unlock()
	_ = s.Channel.Close()
	s.setState(StateClosed)
	r.log.Info("session invalidated", lg.String("host", s.Host), lg.String("session_id", s.ID))
}

// Close tears down every session. Called at orchestration-run end.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, s := range sessions {
		r.Cleanup(ctx, s)
		_ = s.Channel.Close()
		s.setState(StateClosed)
	}
}

func (r *Registry) lookup(host string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[host]
}

// probe runs a trivial remote echo with a short timeout.
func (r *Registry) probe(ctx context.Context, s *Session) bool {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	res, err := s.Channel.Exec(probeCtx, "echo "+probeToken)
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return strings.Contains(string(res.Stdout), probeToken)
}

// setup prepares the per-session remote workdir and negotiates the
// protocol generation once. The result is a fixed dispatch table for
// the whole session lifetime.
func (r *Registry) setup(ctx context.Context, s *Session) error {
	setupCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	res, err := s.Channel.Exec(setupCtx, fmt.Sprintf("mkdir -p '%s'", s.Workdir()))
	if err != nil {
		return fmt.Errorf("prepare workdir: %w", err)
	}
	if res.ExitCode != 0 {
		return batch.TransportErr("prepare workdir", fmt.Errorf("exit %d: %s", res.ExitCode, res.Stderr))
	}

	s.Caps = r.negotiate(setupCtx, s)
	return nil
}

func (r *Registry) negotiate(ctx context.Context, s *Session) Capabilities {
	caps := Capabilities{Generation: payload.GenArg, AgentPath: r.cfg.AgentPath}

	res, err := s.Channel.Exec(ctx, r.cfg.AgentPath+" version")
	if err != nil || res.ExitCode != 0 {
		r.log.Warn("agent version probe failed, assuming argument-passing wrapper",
			lg.String("host", s.Host))
		return caps
	}
	gen, err := strconv.Atoi(strings.TrimSpace(string(res.Stdout)))
	if err == nil && gen >= int(payload.GenStdin) {
		caps.Generation = payload.GenStdin
	}
	return caps
}

// closeIdle retires Ready sessions idle past the configured timeout.
func (r *Registry) closeIdle() {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var stale []*Session
	for host, s := range r.sessions {
		if s.State() == StateReady && s.LastActive().Before(cutoff) {
			stale = append(stale, s)
			delete(r.sessions, host)
		}
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, s := range stale {
		r.Cleanup(ctx, s)
		_ = s.Channel.Close()
		s.setState(StateClosed)
		r.log.Info("idle session closed", lg.String("host", s.Host), lg.String("session_id", s.ID))
	}
}

// Cleanup removes the session's remote workdir. Best effort, invoked
// before the registry shuts a host down for good.
func (r *Registry) Cleanup(ctx context.Context, s *Session) {
	_, err := s.Channel.Exec(ctx, fmt.Sprintf("rm -rf '%s'", s.Workdir()))
	if err != nil {
		r.log.Debug("workdir cleanup failed", lg.String("host", s.Host), lg.Err(err))
	}
}
