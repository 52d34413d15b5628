package cli

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/hangar/pkg/manager"
	"github.com/platinummonkey/hangar/pkg/plugins"
)

// Process exit codes
const (
	ExitOK         = 0
	ExitError      = 1
	ExitValidation = 2
	ExitDependency = 3
	ExitNotFound   = 4
	ExitRuntime    = 5
)

// errPluginFailed marks a command whose plugin ended up Failed
var errPluginFailed = errors.New("plugin failed")

// failure converts a failed outcome into an error
func failure(out *manager.Outcome) error {
	if out == nil || !out.Failed {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", errPluginFailed, out.Plugin, out.Message())
}

// ExitCode maps an error to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		manifestErr   *plugins.ManifestError
		validationErr *plugins.ValidationError
		conflictErr   *plugins.DependencyConflictError
		cycleErr      *plugins.CircularDependencyError
		inUseErr      *plugins.DependencyInUseError
		securityErr   *plugins.SecurityError
	)
	switch {
	case errors.As(err, &manifestErr), errors.As(err, &validationErr):
		return ExitValidation
	case errors.As(err, &conflictErr), errors.As(err, &cycleErr), errors.As(err, &inUseErr),
		errors.Is(err, plugins.ErrInstallConflict):
		return ExitDependency
	case errors.Is(err, plugins.ErrPluginNotFound):
		return ExitNotFound
	case errors.As(err, &securityErr), errors.Is(err, plugins.ErrLimitExceeded), errors.Is(err, errPluginFailed):
		return ExitRuntime
	default:
		return ExitError
	}
}
