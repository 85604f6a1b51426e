package uat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"omb-test-runner/internal/config"
	"omb-test-runner/internal/environ"
	"omb-test-runner/internal/monitor"
)

// Session states.
const (
	StatusInitializing = "initializing"
	StatusActive       = "active"
	StatusExpired      = "expired"
	StatusStopped      = "stopped"
)

var (
	ErrSessionNotFound = errors.New("uat session not found")
	ErrSessionInactive = errors.New("uat session is not active")
)

// Session is one acceptance environment with its expiry clock.
type Session struct {
	ID           string    `json:"session_id"`
	ProjectID    string    `json:"project_id"`
	UserID       string    `json:"user_id,omitempty"`
	ModuleName   string    `json:"module_name"`
	Status       string    `json:"status"`
	TunnelURL    string    `json:"tunnel_url,omitempty"`
	OdooVersion  int       `json:"odoo_version"`
	StartedAt    time.Time `json:"started_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`

	env        *environ.Environment
	stopTunnel func()
	cancel     context.CancelFunc
	done       chan struct{}
	released   bool
}

// TimeRemaining never reports negative.
func (s *Session) TimeRemaining(now time.Time) time.Duration {
	if remaining := s.ExpiresAt.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

type provisioner interface {
	Provision(ctx context.Context, req environ.ProvisionRequest) (*environ.Environment, error)
	Release(env *environ.Environment)
}

type installer interface {
	Install(ctx context.Context, env *environ.Environment, moduleName string) environ.InstallResult
}

// CreateRequest starts one acceptance session.
type CreateRequest struct {
	SessionID   string
	ProjectID   string
	UserID      string
	ModuleName  string
	OdooVersion int
	ArtifactURL string
}

// Manager owns the acceptance session lifecycle. Create registers the
// session as initializing and brings the environment up in the
// background; the session reads as active only once the tunnel is up,
// and teardown removes it from the map entirely.
type Manager struct {
	cfg     config.UATConfig
	prov    provisioner
	inst    installer
	tunnel  Tunnel
	metrics *monitor.Metrics
	client  *http.Client
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(cfg config.UATConfig, prov provisioner, inst installer, tunnel Tunnel, metrics *monitor.Metrics) *Manager {
	return &Manager{
		cfg:      cfg,
		prov:     prov,
		inst:     inst,
		tunnel:   tunnel,
		metrics:  metrics,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create registers an initializing session and returns immediately;
// provisioning, install, and the tunnel happen in a background
// goroutine whose lifetime is not bound to the caller's context.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[req.SessionID]; exists {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("uat session %s already exists", req.SessionID)
	}

	setupCtx, cancel := context.WithCancel(context.Background())
	now := m.now()
	sess := &Session{
		ID:           req.SessionID,
		ProjectID:    req.ProjectID,
		UserID:       req.UserID,
		ModuleName:   req.ModuleName,
		Status:       StatusInitializing,
		OdooVersion:  req.OdooVersion,
		StartedAt:    now,
		LastActivity: now,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	m.sessions[sess.ID] = sess
	snap := snapshot(sess)
	m.mu.Unlock()

	go m.setup(setupCtx, sess, req)
	return snap, nil
}

// setup brings one session from initializing to active. Any failure
// tears down whatever was acquired and removes the session.
func (m *Manager) setup(ctx context.Context, sess *Session, req CreateRequest) {
	logger := log.With().Str("session_id", sess.ID).Str("module", req.ModuleName).Logger()

	env, err := m.prov.Provision(ctx, environ.ProvisionRequest{
		SessionID:   req.SessionID,
		OdooVersion: req.OdooVersion,
		ArtifactURL: req.ArtifactURL,
	})
	if err != nil {
		m.setupFailed(sess, nil, err)
		return
	}

	install := m.inst.Install(ctx, env, req.ModuleName)
	if !install.Success {
		m.setupFailed(sess, env, fmt.Errorf("uat install of %s failed: %s", req.ModuleName, install.ErrorMessage))
		return
	}

	tunnelURL, stopTunnel, err := m.tunnel.Open(ctx, env.BaseURL)
	if err != nil {
		m.setupFailed(sess, env, err)
		return
	}

	m.mu.Lock()
	if sess.Status != StatusInitializing {
		// stopped while provisioning; the resources acquired here were
		// never recorded on the session, release them directly
		m.mu.Unlock()
		stopTunnel()
		m.prov.Release(env)
		return
	}
	now := m.now()
	sess.Status = StatusActive
	sess.TunnelURL = tunnelURL
	sess.OdooVersion = env.Release.Version
	sess.ExpiresAt = now.Add(m.cfg.SessionDuration)
	sess.LastActivity = now
	sess.env = env
	sess.stopTunnel = stopTunnel
	expiresAt := sess.ExpiresAt
	m.mu.Unlock()

	go m.watchExpiry(sess)
	if m.cfg.HealthCheckInterval > 0 {
		go m.watchHealth(sess)
	}

	logger.Info().Str("tunnel_url", tunnelURL).Time("expires_at", expiresAt).Msg("uat session active")
}

// setupFailed removes the session and releases a half-built
// environment. A session stopped during setup already had its
// teardown; only the locally held environment remains to release.
func (m *Manager) setupFailed(sess *Session, env *environ.Environment, err error) {
	if env != nil {
		m.prov.Release(env)
	}

	m.mu.Lock()
	stopped := sess.Status == StatusStopped
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	if stopped {
		return
	}

	log.Error().Err(err).Str("session_id", sess.ID).Msg("uat session setup failed")
	if m.metrics != nil {
		if errors.Is(err, ErrTunnel) {
			m.metrics.TunnelFailures.Inc()
		}
		m.metrics.RecordSession("uat", "failed")
	}
}

// Get returns a copy of an active session and refreshes its activity
// clock. Missing, initializing, and expired sessions read as absent.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok || sess.Status != StatusActive {
		return Session{}, false
	}
	if !m.now().Before(sess.ExpiresAt) {
		return Session{}, false
	}
	sess.LastActivity = m.now()
	return snapshot(sess), true
}

// Extend pushes the expiry forward. Zero duration applies the
// configured default extension.
func (m *Manager) Extend(id string, extension time.Duration) (Session, error) {
	if extension <= 0 {
		extension = m.cfg.DefaultExtension
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if sess.Status != StatusActive {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionInactive, sess.Status)
	}

	sess.ExpiresAt = sess.ExpiresAt.Add(extension)
	sess.LastActivity = m.now()
	log.Info().Str("session_id", id).Time("expires_at", sess.ExpiresAt).Msg("uat session extended")
	return snapshot(sess), nil
}

// Stop tears the session down now, cancelling setup if it is still in
// flight. A session already torn down reads as not found.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.Status = StatusStopped
	m.mu.Unlock()

	if sess.cancel != nil {
		sess.cancel()
	}
	m.release(sess)
	return nil
}

// List returns the sessions currently usable for review.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.Status == StatusActive && m.now().Before(sess.ExpiresAt) {
			out = append(out, snapshot(sess))
		}
	}
	return out
}

// ActiveSessionIDs reports ids whose containers must survive the
// orphan reaper: live sessions and those still provisioning.
func (m *Manager) ActiveSessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, sess := range m.sessions {
		if sess.Status == StatusActive || sess.Status == StatusInitializing {
			ids = append(ids, id)
		}
	}
	return ids
}

// Shutdown stops every session. Used on server exit.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Stop(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Warn().Err(err).Str("session_id", id).Msg("uat shutdown stop failed")
		}
	}
}

// watchExpiry sleeps until the recorded expiry, then re-checks: an
// extension may have moved the deadline while it slept.
func (m *Manager) watchExpiry(sess *Session) {
	for {
		m.mu.RLock()
		status := sess.Status
		expiresAt := sess.ExpiresAt
		m.mu.RUnlock()

		if status != StatusActive {
			return
		}
		remaining := expiresAt.Sub(m.now())
		if remaining <= 0 {
			m.expire(sess)
			return
		}

		select {
		case <-time.After(remaining):
		case <-sess.done:
			return
		}
	}
}

func (m *Manager) expire(sess *Session) {
	m.mu.Lock()
	if sess.Status != StatusActive {
		m.mu.Unlock()
		return
	}
	sess.Status = StatusExpired
	m.mu.Unlock()

	log.Info().Str("session_id", sess.ID).Msg("uat session expired")
	m.release(sess)
}

// release tears down tunnel and environment exactly once and removes
// the session from the map.
func (m *Manager) release(sess *Session) {
	m.mu.Lock()
	if sess.released {
		m.mu.Unlock()
		return
	}
	sess.released = true
	status := sess.Status
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	close(sess.done)
	if sess.stopTunnel != nil {
		sess.stopTunnel()
	}
	if sess.env != nil {
		m.prov.Release(sess.env)
	}
	if m.metrics != nil {
		m.metrics.RecordSession("uat", status)
	}
	log.Info().Str("session_id", sess.ID).Str("status", status).Msg("uat session released")
}

// watchHealth probes the tunnel URL while the session lives. Failures
// are logged, never acted on; a flaky tunnel should not kill a
// customer's review session.
func (m *Manager) watchHealth(sess *Session) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			m.mu.RLock()
			url := sess.TunnelURL
			active := sess.Status == StatusActive
			m.mu.RUnlock()
			if !active {
				return
			}
			resp, err := m.client.Get(url)
			if err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("uat health probe failed")
				continue
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				log.Warn().Int("status", resp.StatusCode).Str("session_id", sess.ID).Msg("uat health probe unhealthy")
			}
		}
	}
}

// snapshot copies the exported view of a session. Callers must hold
// at least a read lock.
func snapshot(sess *Session) Session {
	return Session{
		ID:           sess.ID,
		ProjectID:    sess.ProjectID,
		UserID:       sess.UserID,
		ModuleName:   sess.ModuleName,
		Status:       sess.Status,
		TunnelURL:    sess.TunnelURL,
		OdooVersion:  sess.OdooVersion,
		StartedAt:    sess.StartedAt,
		ExpiresAt:    sess.ExpiresAt,
		LastActivity: sess.LastActivity,
	}
}
