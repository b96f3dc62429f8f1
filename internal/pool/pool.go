// Package pool manages the bounded set of warm sandbox instances and their
// leases. Capacity is enforced with a channel semaphore; a slot is held for
// the whole lease, not per execution.
package pool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tci/internal/runtime"
	"tci/internal/security"
	appErr "tci/pkg/errors"
	"tci/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// BackpressureBlock queues acquirers up to the acquire timeout.
	BackpressureBlock = "block"

	// BackpressureFail rejects immediately when the pool is full.
	BackpressureFail = "fail"
)

// Config controls pool sizing and acquisition behavior.
type Config struct {
	Capacity        int            `yaml:"capacity"`
	WarmPerLanguage map[string]int `yaml:"warmPerLanguage"`
	AcquireTimeout  time.Duration  `yaml:"acquireTimeout"`
	Backpressure    string         `yaml:"backpressure"`
	WorkspaceRoot   string         `yaml:"workspaceRoot"`
}

// Outcome reports how a lease ended; it decides reuse versus destruction.
type Outcome struct {
	SecurityViolation bool
	ResourceBreached  bool
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Capacity int `json:"capacity"`
	Leased   int `json:"leased"`
	Idle     int `json:"idle"`
	Dead     int `json:"dead"`
}

// Pool owns instance provisioning, leasing and teardown.
type Pool struct {
	cfg      Config
	registry *runtime.Registry
	sem      chan struct{}

	mu        sync.Mutex
	instances map[string]*Instance
	idle      map[string][]*Instance
	deadCount int
	closed    bool

	replenish sync.WaitGroup
}

// New creates a pool. WarmUp must be called before serving leases.
func New(cfg Config, registry *runtime.Registry) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("pool capacity must be positive")
	}
	if cfg.WorkspaceRoot == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("workspace root is required")
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	if cfg.Backpressure == "" {
		cfg.Backpressure = BackpressureBlock
	}
	if cfg.Backpressure != BackpressureBlock && cfg.Backpressure != BackpressureFail {
		return nil, appErr.Newf(appErr.InvalidParams, "unknown backpressure policy %q", cfg.Backpressure)
	}
	warmTotal := 0
	for _, n := range cfg.WarmPerLanguage {
		warmTotal += n
	}
	if warmTotal > cfg.Capacity {
		return nil, appErr.Newf(appErr.InvalidParams, "warm set (%d) exceeds capacity (%d)", warmTotal, cfg.Capacity)
	}
	return &Pool{
		cfg:       cfg,
		registry:  registry,
		sem:       make(chan struct{}, cfg.Capacity),
		instances: make(map[string]*Instance),
		idle:      make(map[string][]*Instance),
	}, nil
}

// WarmUp provisions the configured warm set concurrently.
func (p *Pool) WarmUp(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for language, count := range p.cfg.WarmPerLanguage {
		for i := 0; i < count; i++ {
			lang := language
			g.Go(func() error {
				inst, err := p.provision(gctx, lang)
				if err != nil {
					return err
				}
				p.addIdle(inst)
				return nil
			})
		}
	}
	return g.Wait()
}

// Acquire leases an instance for a session. Under the block policy the
// caller waits up to the acquire timeout for a free slot; under fail it
// gets PoolExhausted immediately.
func (p *Pool) Acquire(ctx context.Context, sessionID, language string, policy security.RuntimePolicy) (*Instance, error) {
	if _, err := p.registry.Get(language); err != nil {
		return nil, err
	}

	switch p.cfg.Backpressure {
	case BackpressureFail:
		select {
		case p.sem <- struct{}{}:
		default:
			return nil, appErr.New(appErr.PoolExhausted).WithDetail("capacity", p.cfg.Capacity)
		}
	default:
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		select {
		case p.sem <- struct{}{}:
		case <-timer.C:
			return nil, appErr.New(appErr.PoolExhausted).
				WithDetail("capacity", p.cfg.Capacity).
				WithDetail("waited_ms", p.cfg.AcquireTimeout.Milliseconds())
		case <-ctx.Done():
			return nil, appErr.Wrap(ctx.Err(), appErr.Timeout)
		}
	}

	inst, err := p.takeIdleOrProvision(ctx, language)
	if err != nil {
		<-p.sem
		return nil, err
	}
	if err := inst.lease(sessionID, policy); err != nil {
		<-p.sem
		return nil, err
	}

	logger.Debug(ctx, "instance leased",
		zap.String("instance_id", inst.ID),
		zap.String("session_id", sessionID),
		zap.String("language", language))
	return inst, nil
}

// Release ends a lease. A clean outcome resets the workspace and returns
// the instance to the idle set; a violation or resource breach destroys it
// and provisions a replacement in the background.
func (p *Pool) Release(ctx context.Context, inst *Instance, outcome Outcome) error {
	if inst == nil {
		return appErr.New(appErr.InstanceMissing)
	}
	if inst.Status() == StatusDead {
		return appErr.New(appErr.InstanceDead).WithDetail("instance_id", inst.ID)
	}

	defer func() { <-p.sem }()

	if outcome.SecurityViolation || outcome.ResourceBreached {
		p.destroy(ctx, inst)
		p.replenishAsync(inst.Language)
		return nil
	}

	if err := p.resetWorkspace(ctx, inst); err != nil {
		logger.Warn(ctx, "workspace reset failed, destroying instance",
			zap.String("instance_id", inst.ID), zap.Error(err))
		p.destroy(ctx, inst)
		p.replenishAsync(inst.Language)
		return nil
	}
	if err := inst.reset(); err != nil {
		return err
	}
	p.addIdle(inst)
	return nil
}

// Get returns a tracked instance by id.
func (p *Pool) Get(instanceID string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[instanceID]
	if !ok {
		return nil, appErr.New(appErr.InstanceMissing).WithDetail("instance_id", instanceID)
	}
	return inst, nil
}

// Stats snapshots current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, list := range p.idle {
		idle += len(list)
	}
	return Stats{
		Capacity: p.cfg.Capacity,
		Leased:   len(p.sem),
		Idle:     idle,
		Dead:     p.deadCount,
	}
}

// Close destroys all instances and waits for background replenishment.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	all := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		all = append(all, inst)
	}
	p.mu.Unlock()

	for _, inst := range all {
		p.destroy(ctx, inst)
	}
	p.replenish.Wait()
	return nil
}

func (p *Pool) takeIdleOrProvision(ctx context.Context, language string) (*Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("pool is shutting down")
	}
	list := p.idle[language]
	if len(list) > 0 {
		inst := list[len(list)-1]
		p.idle[language] = list[:len(list)-1]
		p.mu.Unlock()
		return inst, nil
	}
	p.mu.Unlock()
	return p.provision(ctx, language)
}

func (p *Pool) provision(ctx context.Context, language string) (*Instance, error) {
	rt, err := p.registry.Get(language)
	if err != nil {
		return nil, err
	}
	id := "sbx-" + uuid.NewString()
	workDir := filepath.Join(p.cfg.WorkspaceRoot, id)
	if err := os.MkdirAll(workDir, 0750); err != nil {
		return nil, appErr.Wrap(err, appErr.ProvisioningFailed)
	}
	if err := rt.Prepare(ctx, workDir); err != nil {
		_ = os.RemoveAll(workDir)
		return nil, appErr.Wrap(err, appErr.ProvisioningFailed)
	}

	inst := &Instance{
		ID:        id,
		Language:  language,
		WorkDir:   workDir,
		status:    StatusReady,
		createdAt: time.Now(),
	}
	p.mu.Lock()
	p.instances[id] = inst
	p.mu.Unlock()

	logger.Debug(ctx, "instance provisioned",
		zap.String("instance_id", id), zap.String("language", language))
	return inst, nil
}

func (p *Pool) destroy(ctx context.Context, inst *Instance) {
	inst.markDead()
	if err := os.RemoveAll(inst.WorkDir); err != nil {
		logger.Warn(ctx, "workspace removal failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}
	p.mu.Lock()
	if _, tracked := p.instances[inst.ID]; tracked {
		delete(p.instances, inst.ID)
		p.deadCount++
	}
	p.mu.Unlock()
}

func (p *Pool) resetWorkspace(ctx context.Context, inst *Instance) error {
	entries, err := os.ReadDir(inst.WorkDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(inst.WorkDir, entry.Name())); err != nil {
			return err
		}
	}
	rt, err := p.registry.Get(inst.Language)
	if err != nil {
		return err
	}
	return rt.Prepare(ctx, inst.WorkDir)
}

func (p *Pool) replenishAsync(language string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.replenish.Add(1)
	go func() {
		defer p.replenish.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		inst, err := p.provision(ctx, language)
		if err != nil {
			logger.Warn(ctx, "warm replacement failed",
				zap.String("language", language), zap.Error(err))
			return
		}
		p.addIdle(inst)
	}()
}

func (p *Pool) addIdle(inst *Instance) {
	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.idle[inst.Language] = append(p.idle[inst.Language], inst)
	}
	p.mu.Unlock()
	if closed {
		p.destroy(context.Background(), inst)
	}
}
