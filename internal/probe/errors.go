package probe

import (
	"errors"
	"fmt"
)

// ErrNoClients is returned when a router is built without any transport.
var ErrNoClients = errors.New("probe router requires at least one transport client")

// UnknownProbeError is returned when a call targets a probe id or hostname
// that was never registered.
type UnknownProbeError struct {
	Target string
}

func (e *UnknownProbeError) Error() string {
	return fmt.Sprintf("unknown probe %q", e.Target)
}

// DuplicateProbeError is returned when registering an id that is already taken.
type DuplicateProbeError struct {
	ID string
}

func (e *DuplicateProbeError) Error() string {
	return fmt.Sprintf("probe %q already registered", e.ID)
}

// InvalidProbeError is returned when a probe definition cannot be registered
// as given.
type InvalidProbeError struct {
	ID     string
	Reason string
}

func (e *InvalidProbeError) Error() string {
	if e.ID == "" {
		return "invalid probe: " + e.Reason
	}
	return fmt.Sprintf("probe %q: %s", e.ID, e.Reason)
}

// ToolError is a failure reported by the remote tool itself. The probe was
// reachable, so its health becomes HealthError rather than HealthUnreachable.
type ToolError struct {
	Tool    string
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tool %s failed (code %d): %s", e.Tool, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// IsToolError reports whether err is, or wraps, a *ToolError.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}
