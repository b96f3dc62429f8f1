package pool

import (
	"sync"
	"time"

	"tci/internal/sandbox/spec"
	"tci/internal/security"
	appErr "tci/pkg/errors"
)

// Status is the lifecycle state of a pool instance.
type Status string

const (
	// StatusWarming marks an instance still being provisioned.
	StatusWarming Status = "warming"

	// StatusReady marks an idle instance available for lease.
	StatusReady Status = "ready"

	// StatusBusy marks an instance leased to a session.
	StatusBusy Status = "busy"

	// StatusDead marks a destroyed instance. Dead is terminal.
	StatusDead Status = "dead"
)

// Instance is one provisioned sandbox workspace. Instances are leased to
// exactly one session at a time and reset between leases.
type Instance struct {
	ID       string
	Language string
	WorkDir  string

	mu         sync.Mutex
	status     Status
	policy     security.RuntimePolicy
	limits     spec.ResourceLimit
	leaseOwner string
	createdAt  time.Time
	leasedAt   time.Time
}

// Status returns the current lifecycle state.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Policy returns the runtime policy attached to the current lease.
func (i *Instance) Policy() security.RuntimePolicy {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.policy.Clone()
}

// LeaseOwner returns the session holding the lease, empty when idle.
func (i *Instance) LeaseOwner() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.leaseOwner
}

// lease marks the instance busy for a session with a fresh policy.
func (i *Instance) lease(sessionID string, policy security.RuntimePolicy) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.status {
	case StatusDead:
		return appErr.New(appErr.InstanceDead).WithDetail("instance_id", i.ID)
	case StatusBusy:
		return appErr.New(appErr.LeaseConflict).
			WithDetail("instance_id", i.ID).
			WithDetail("lease_owner", i.leaseOwner)
	case StatusWarming:
		return appErr.Newf(appErr.ProvisioningFailed, "instance %s is still warming", i.ID)
	}
	i.status = StatusBusy
	i.leaseOwner = sessionID
	i.policy = policy.Clone()
	i.leasedAt = time.Now()
	return nil
}

// reset returns the instance to the idle state with policy cleared.
func (i *Instance) reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status == StatusDead {
		return appErr.New(appErr.InstanceDead).WithDetail("instance_id", i.ID)
	}
	i.status = StatusReady
	i.leaseOwner = ""
	i.policy = security.RuntimePolicy{}
	return nil
}

// markDead transitions the instance to its terminal state.
func (i *Instance) markDead() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = StatusDead
	i.leaseOwner = ""
}
