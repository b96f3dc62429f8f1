package engine

import (
	"tci/internal/sandbox/spec"
	"tci/internal/security"
)

// initRequest is the JSON document fed to sandbox-init on stdin.
type initRequest struct {
	RunSpec       spec.RunSpec
	Policy        security.RuntimePolicy
	EnableSeccomp bool
	EnableNs      bool
}
