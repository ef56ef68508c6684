package launcher

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// The launch failure taxonomy. Every failure is environmental (occupied port,
// absent credential, broken build) and is never retried; each maps to a
// distinct non-zero exit code at the CLI.
var (
	// ErrPortInUseByOther: the port is bound by something that is not the
	// expected service. The launcher refuses to take it over.
	ErrPortInUseByOther = errors.New("port in use by another process")

	// ErrBuildFailed: artifact construction failed; no launch was attempted.
	ErrBuildFailed = errors.New("artifact build failed")

	// ErrLaunchFailed: the start command or runtime call itself failed.
	ErrLaunchFailed = errors.New("launch failed")

	// ErrFailedToStart: the service launched but never became ready within
	// the settle window.
	ErrFailedToStart = errors.New("service failed to start")

	// ErrMissingCredential: a required token is absent from every source.
	ErrMissingCredential = errors.New("missing credential")
)

// FailedToStartError carries the tail of the service's log output so the
// operator sees why it never came up.
type FailedToStartError struct {
	Name    string
	LogTail []string
}

func (e *FailedToStartError) Error() string {
	msg := fmt.Sprintf("service %q did not become ready", e.Name)
	if len(e.LogTail) > 0 {
		msg += ":\n  " + strings.Join(e.LogTail, "\n  ")
	}
	return msg
}

func (e *FailedToStartError) Unwrap() error { return ErrFailedToStart }
