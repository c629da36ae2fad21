package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"github.com/taskwatch/project/internal/contracts"
	"github.com/taskwatch/project/internal/platform/auth"
	"github.com/taskwatch/project/internal/platform/metrics"
)

var ErrCredentialExpired = errors.New("credential expired")

const sessionBuffer = 64

// Session is one live authenticated connection. Notices arrive on Ch;
// Done is cancelled when the session is force-closed.
type Session struct {
	ID              string
	UserID          string
	AuthenticatedAt time.Time
	ExpiresAt       time.Time
	Ch              <-chan contracts.TaskChange

	ch          chan contracts.TaskChange
	cancel      context.CancelFunc
	expiryTimer *time.Timer
}

// Registry is the single writer of live session membership. A user may
// hold multiple concurrent sessions (multi-device); all of them receive
// each notice. Sessions are force-closed when their admitted credential
// expires.
type Registry struct {
	Now   func() time.Time
	NewID func() string

	mu     sync.Mutex
	byUser map[string]map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  nuid.Next,
		byUser: map[string]map[string]*Session{},
	}
}

// Admit registers a session for the authenticated user. cancel is invoked
// on forced close so the caller's connection handler unwinds. The
// credential's expiry is the session's hard deadline.
func (r *Registry) Admit(claims auth.Claims, cancel context.CancelFunc) (*Session, error) {
	now := r.Now()
	expiresAt := claims.ExpiresAt()
	if !expiresAt.After(now) {
		return nil, ErrCredentialExpired
	}

	ch := make(chan contracts.TaskChange, sessionBuffer)
	session := &Session{
		ID:              r.NewID(),
		UserID:          claims.Subject,
		AuthenticatedAt: now,
		ExpiresAt:       expiresAt,
		Ch:              ch,
		ch:              ch,
		cancel:          cancel,
	}

	// The timer is armed under the registry mutex so any Close that can
	// reach this session observes a non-nil expiryTimer; a timer firing
	// immediately blocks on the mutex until admission completes.
	r.mu.Lock()
	sessions, ok := r.byUser[claims.Subject]
	if !ok {
		sessions = map[string]*Session{}
		r.byUser[claims.Subject] = sessions
	}
	sessions[session.ID] = session
	session.expiryTimer = time.AfterFunc(expiresAt.Sub(now), func() {
		r.Close(session.UserID, session.ID)
	})
	r.mu.Unlock()

	liveSessions.Inc()
	return session, nil
}

// Release removes a session without cancelling it. Called by the
// connection handler on normal disconnect.
func (r *Registry) Release(userID, sessionID string) {
	if session := r.remove(userID, sessionID); session != nil {
		if session.expiryTimer != nil {
			session.expiryTimer.Stop()
		}
		liveSessions.Dec()
	}
}

// Close removes a session and cancels its connection. After Close returns
// no subsequent notice is delivered to the session.
func (r *Registry) Close(userID, sessionID string) {
	session := r.remove(userID, sessionID)
	if session == nil {
		return
	}
	if session.expiryTimer != nil {
		session.expiryTimer.Stop()
	}
	liveSessions.Dec()
	if session.cancel != nil {
		session.cancel()
	}
}

// CloseUser force-closes every live session of one user.
func (r *Registry) CloseUser(userID string) {
	r.mu.Lock()
	sessions := r.byUser[userID]
	delete(r.byUser, userID)
	r.mu.Unlock()

	for _, session := range sessions {
		if session.expiryTimer != nil {
			session.expiryTimer.Stop()
		}
		liveSessions.Dec()
		if session.cancel != nil {
			session.cancel()
		}
	}
}

func (r *Registry) remove(userID, sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	session, ok := sessions[sessionID]
	if !ok {
		return nil
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.byUser, userID)
	}
	return session
}

// SessionCount reports the number of live sessions for one user.
func (r *Registry) SessionCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// Dispatch pushes a change notice to every live session of the owning
// user and reports how many sessions received it. No session is
// privileged; a full session buffer drops the notice for that session
// only. Zero sessions means the notice is dropped, by design.
func (r *Registry) Dispatch(change contracts.TaskChange) int {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.byUser[change.OwnerUserID]))
	for _, session := range r.byUser[change.OwnerUserID] {
		targets = append(targets, session)
	}
	r.mu.Unlock()

	delivered := 0
	for _, session := range targets {
		select {
		case session.ch <- change:
			delivered++
			notices.WithLabelValues("delivered").Inc()
		default:
			notices.WithLabelValues("buffer_full").Inc()
		}
	}
	if len(targets) == 0 {
		notices.WithLabelValues("no_session").Inc()
	}
	return delivered
}

var liveSessions = metrics.NewGauge(metrics.Opts{
	Name: "live_sessions",
	Help: "Currently registered live notification sessions.",
})

var notices = metrics.NewCounterVec(metrics.Opts{
	Name: "notices_total",
	Help: "Change notice dispatch outcomes.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(liveSessions, notices)
}
