// Package session owns the lifecycle of persistent transport
// connections: one session per remote host, reused across batches,
// health-checked before reuse and torn down on corruption or idleness.
package session

import (
	"path"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/winbatch/pkg/payload"
	"github.com/andrej220/winbatch/pkg/transport"
)

// State is the lifecycle state of one session.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateBusy
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Capabilities is the fixed dispatch contract negotiated once at
// session setup. It is never re-probed per call.
type Capabilities struct {
	Generation payload.Generation
	AgentPath  string
}

// Session is one persistent transport connection bound to a host.
// The registry owns it; batch code only borrows it for the duration
// of a batch and refers to it by host key.
type Session struct {
	ID        string
	Host      string
	Channel   transport.Channel
	Caps      Capabilities
	CreatedAt time.Time

	state      atomic.Int32
	lastActive atomic.Int64 // unix nanos
}

func newSession(host string, ch transport.Channel) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Host:      host,
		Channel:   ch,
		CreatedAt: time.Now(),
	}
	s.state.Store(int32(StateConnecting))
	s.touch()
	return s
}

func (s *Session) State() State       { return State(s.state.Load()) }
func (s *Session) setState(st State)  { s.state.Store(int32(st)) }
func (s *Session) touch()             { s.lastActive.Store(time.Now().UnixNano()) }
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Workdir is the per-session remote working directory holding batch
// artifacts. Relative, so it resolves under the login home over SSH.
func (s *Session) Workdir() string {
	return path.Join(".winbatch", s.ID)
}

// BatchDir is the artifact directory for one batch of this session.
func (s *Session) BatchDir(batchID string) string {
	return path.Join(s.Workdir(), batchID)
}
