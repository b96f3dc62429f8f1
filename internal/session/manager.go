package session

import (
	"context"
	"time"

	"tci/internal/dispatch"
	"tci/internal/events"
	"tci/internal/execution"
	"tci/internal/pool"
	"tci/internal/security"
	"tci/internal/store"
	appErr "tci/pkg/errors"
	"tci/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// BusyPolicyQueue queues a second execution until the first finishes.
	BusyPolicyQueue = "queue"

	// BusyPolicyReject fails a second execution with SessionBusy.
	BusyPolicyReject = "reject"
)

// Config controls session lifecycle behavior.
type Config struct {
	IdleTimeout      time.Duration `yaml:"idleTimeout"`
	SweepSchedule    string        `yaml:"sweepSchedule"`
	BusyPolicy       string        `yaml:"busyPolicy"`
	ExecWaitTimeout  time.Duration `yaml:"execWaitTimeout"`
	CloseWaitTimeout time.Duration `yaml:"closeWaitTimeout"`
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Language string                `json:"language"`
	Profile  string                `json:"profile,omitempty"`
	Egress   []security.EgressRule `json:"egress,omitempty"`
	Labels   map[string]string     `json:"labels,omitempty"`
}

// Dispatcher runs one execution against a leased instance. Forget releases
// any per-session accounting the dispatcher holds once a session ends.
type Dispatcher interface {
	Dispatch(ctx context.Context, inst *pool.Instance, profileName string, req execution.Request) (*execution.Record, dispatch.Flags, error)
	Forget(sessionID string)
}

// Manager owns all live sessions in this process.
type Manager struct {
	cfg        Config
	pool       *pool.Pool
	gate       *security.Gate
	dispatcher Dispatcher
	store      store.Client
	events     events.Publisher
	cron       *cron.Cron

	sessions syncSessionMap
}

// NewManager builds a session manager.
func NewManager(cfg Config, p *pool.Pool, gate *security.Gate, d Dispatcher, st store.Client, publisher events.Publisher) (*Manager, error) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 1m"
	}
	if cfg.BusyPolicy == "" {
		cfg.BusyPolicy = BusyPolicyQueue
	}
	if cfg.BusyPolicy != BusyPolicyQueue && cfg.BusyPolicy != BusyPolicyReject {
		return nil, appErr.Newf(appErr.InvalidParams, "unknown busy policy %q", cfg.BusyPolicy)
	}
	if cfg.ExecWaitTimeout <= 0 {
		cfg.ExecWaitTimeout = 60 * time.Second
	}
	if cfg.CloseWaitTimeout <= 0 {
		cfg.CloseWaitTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Manager{
		cfg:        cfg,
		pool:       p,
		gate:       gate,
		dispatcher: d,
		store:      st,
		events:     publisher,
		cron:       cron.New(),
	}, nil
}

// Start launches the idle eviction sweep.
func (m *Manager) Start() error {
	_, err := m.cron.AddFunc(m.cfg.SweepSchedule, m.sweepIdle)
	if err != nil {
		return appErr.Wrap(err, appErr.InternalServerError)
	}
	m.cron.Start()
	return nil
}

// Stop halts the sweep and closes every live session.
func (m *Manager) Stop(ctx context.Context) {
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	for _, id := range m.sessions.ids() {
		if err := m.Close(ctx, id); err != nil {
			logger.Warn(ctx, "session close during shutdown failed",
				zap.String("session_id", id), zap.Error(err))
		}
	}
}

// Create provisions a sandbox and registers a new idle session.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Metadata, error) {
	if req.Language == "" {
		return nil, appErr.New(appErr.RequiredFieldEmpty).WithDetail("field", "language")
	}
	id := "sess-" + uuid.NewString()
	ctx = context.WithValue(ctx, "session_id", id)

	policy, err := m.gate.PolicyFor(req.Egress)
	if err != nil {
		return nil, err
	}
	inst, err := m.pool.Acquire(ctx, id, req.Language, policy)
	if err != nil {
		return nil, err
	}

	s := newSession(id, req.Language, req.Profile, inst, policy)
	if err := s.transition(StateIdle); err != nil {
		_ = m.pool.Release(ctx, inst, pool.Outcome{})
		return nil, err
	}

	meta := m.metadataFor(s, req)
	if err := m.store.PutSession(ctx, meta); err != nil {
		s.forceState(StateFailed)
		_ = m.pool.Release(ctx, inst, pool.Outcome{})
		return nil, err
	}
	m.sessions.put(s)

	m.events.Emit(ctx, events.Event{
		Type:      events.TypeSessionCreated,
		SessionID: id,
		Payload:   map[string]interface{}{"language": req.Language, "profile": req.Profile},
	})
	logger.Info(ctx, "session created",
		zap.String("session_id", id),
		zap.String("language", req.Language),
		zap.String("instance_id", inst.ID))
	return meta, nil
}

// Get returns persisted metadata, refreshed with live state when the
// session is owned by this process.
func (m *Manager) Get(ctx context.Context, sessionID string) (*store.Metadata, error) {
	meta, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s, ok := m.sessions.get(sessionID); ok {
		meta.State = string(s.State())
		meta.LastActiveAt = s.idleSince()
	}
	return meta, nil
}

// Execute runs code inside the session. Executions within one session are
// strictly serialized; concurrent callers queue or fail per the busy policy.
func (m *Manager) Execute(ctx context.Context, sessionID string, req execution.Request) (*execution.Record, error) {
	ctx = context.WithValue(ctx, "session_id", sessionID)
	s, ok := m.sessions.get(sessionID)
	if !ok {
		return nil, m.missingSessionError(ctx, sessionID)
	}

	if err := m.acquireExecToken(ctx, s); err != nil {
		return nil, err
	}
	defer func() { <-s.execLock }()

	if state := s.State(); state.Terminal() || state == StateClosing {
		return nil, terminalStateError(state, sessionID)
	}
	if err := s.transition(StateRunning); err != nil {
		return nil, err
	}

	req.SessionID = sessionID
	req.Language = s.Language
	rec, flags, err := m.dispatcher.Dispatch(ctx, s.inst, s.Profile, req)

	s.markTaint(pool.Outcome{
		SecurityViolation: flags.SecurityViolation,
		ResourceBreached:  flags.ResourceBreached,
	})
	s.touch()
	if terr := s.transition(StateIdle); terr != nil {
		logger.Warn(ctx, "session did not return to idle", zap.Error(terr))
	}
	if err != nil {
		return nil, err
	}

	if perr := m.store.PutExecution(ctx, rec); perr != nil {
		logger.Warn(ctx, "execution record persistence failed",
			zap.String("execution_id", rec.ID), zap.Error(perr))
	}
	m.persistState(ctx, s)
	return rec, nil
}

// Close tears a session down. Closing an already closed session is a no-op.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	ctx = context.WithValue(ctx, "session_id", sessionID)
	s, ok := m.sessions.get(sessionID)
	if !ok {
		return m.closeAbsent(ctx, sessionID)
	}
	return m.teardown(ctx, s, StateClosed, events.TypeSessionClosed)
}

// Workspace returns the live workspace directory of a session.
func (m *Manager) Workspace(sessionID string) (string, error) {
	s, ok := m.sessions.get(sessionID)
	if !ok {
		return "", appErr.New(appErr.SessionNotFound).WithDetail("session_id", sessionID)
	}
	if s.State().Terminal() {
		return "", appErr.New(appErr.SessionClosed).WithDetail("session_id", sessionID)
	}
	return s.inst.WorkDir, nil
}

// Touch resets the idle clock, for file operations that count as activity.
func (m *Manager) Touch(sessionID string) {
	if s, ok := m.sessions.get(sessionID); ok {
		s.touch()
	}
}

// List returns the ids of sessions owned by this process.
func (m *Manager) List() []string {
	return m.sessions.ids()
}

// PoolStats exposes pool occupancy for the status endpoint.
func (m *Manager) PoolStats() pool.Stats {
	return m.pool.Stats()
}

func (m *Manager) acquireExecToken(ctx context.Context, s *Session) error {
	if m.cfg.BusyPolicy == BusyPolicyReject {
		select {
		case s.execLock <- struct{}{}:
			return nil
		default:
			return appErr.New(appErr.SessionBusy).WithDetail("session_id", s.ID)
		}
	}
	timer := time.NewTimer(m.cfg.ExecWaitTimeout)
	defer timer.Stop()
	select {
	case s.execLock <- struct{}{}:
		return nil
	case <-timer.C:
		return appErr.New(appErr.SessionBusy).
			WithMessagef("session %s still busy after %s", s.ID, m.cfg.ExecWaitTimeout)
	case <-ctx.Done():
		return appErr.Wrap(ctx.Err(), appErr.Timeout)
	}
}

// teardown is shared by Close, eviction and shutdown.
func (m *Manager) teardown(ctx context.Context, s *Session, final State, eventType string) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	closing := s.state == StateClosing
	if !closing {
		s.state = StateClosing
	}
	s.mu.Unlock()
	if closing {
		// another goroutine is already tearing this session down
		return nil
	}

	// wait for an in-flight execution, bounded
	timer := time.NewTimer(m.cfg.CloseWaitTimeout)
	defer timer.Stop()
	select {
	case s.execLock <- struct{}{}:
		<-s.execLock
	case <-timer.C:
		logger.Warn(ctx, "closing session with execution still in flight",
			zap.String("session_id", s.ID))
	case <-ctx.Done():
	}

	s.forceState(final)
	if err := m.pool.Release(ctx, s.inst, s.leaseOutcome()); err != nil {
		logger.Warn(ctx, "instance release failed",
			zap.String("session_id", s.ID),
			zap.String("instance_id", s.inst.ID),
			zap.Error(err))
	}
	m.sessions.remove(s.ID)

	meta, err := m.store.GetSession(ctx, s.ID)
	if err == nil {
		meta.State = string(final)
		meta.InstanceID = ""
		meta.ClosedAt = time.Now()
		if perr := m.store.PutSession(ctx, meta); perr != nil {
			logger.Warn(ctx, "final metadata persistence failed",
				zap.String("session_id", s.ID), zap.Error(perr))
		}
	}

	// the virtual filesystem dies with the session
	if derr := m.store.DeleteAll(ctx, s.ID); derr != nil {
		logger.Warn(ctx, "virtual filesystem cleanup failed",
			zap.String("session_id", s.ID), zap.Error(derr))
	}
	m.dispatcher.Forget(s.ID)

	m.events.Emit(ctx, events.Event{Type: eventType, SessionID: s.ID})
	logger.Info(ctx, "session ended",
		zap.String("session_id", s.ID),
		zap.String("final_state", string(final)))
	return nil
}

// sweepIdle evicts sessions idle past the timeout.
func (m *Manager) sweepIdle() {
	ctx := context.Background()
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	for _, id := range m.sessions.ids() {
		s, ok := m.sessions.get(id)
		if !ok {
			continue
		}
		if s.State() != StateIdle || s.idleSince().After(cutoff) {
			continue
		}
		logger.Info(ctx, "evicting idle session",
			zap.String("session_id", id),
			zap.Time("last_active", s.idleSince()))
		if err := m.teardown(ctx, s, StateEvicted, events.TypeSessionEvicted); err != nil {
			logger.Warn(ctx, "idle eviction failed",
				zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (m *Manager) metadataFor(s *Session, req CreateRequest) *store.Metadata {
	return &store.Metadata{
		ID:           s.ID,
		State:        string(s.State()),
		Language:     s.Language,
		Profile:      s.Profile,
		InstanceID:   s.inst.ID,
		Labels:       req.Labels,
		CreatedAt:    s.createdAt,
		LastActiveAt: s.idleSince(),
	}
}

func (m *Manager) persistState(ctx context.Context, s *Session) {
	meta, err := m.store.GetSession(ctx, s.ID)
	if err != nil {
		logger.Warn(ctx, "metadata refresh failed", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	meta.State = string(s.State())
	meta.LastActiveAt = s.idleSince()
	if err := m.store.PutSession(ctx, meta); err != nil {
		logger.Warn(ctx, "metadata persistence failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// missingSessionError distinguishes unknown sessions from ended ones.
func (m *Manager) missingSessionError(ctx context.Context, sessionID string) error {
	meta, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return terminalStateError(State(meta.State), sessionID)
}

func terminalStateError(state State, sessionID string) error {
	switch state {
	case StateEvicted:
		return appErr.New(appErr.SessionEvicted).WithDetail("session_id", sessionID)
	default:
		return appErr.New(appErr.SessionClosed).
			WithDetail("session_id", sessionID).
			WithDetail("state", string(state))
	}
}
