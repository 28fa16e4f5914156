package tracker

import "fmt"

// ConfigError is returned by Init for the one class of hot-path-adjacent
// error that must be surfaced synchronously: a configuration that prevents
// startup (§7 "Configuration error"), i.e. a second Init on an Active
// Tracker or a ring buffer that cannot be created or mapped. Every other error kind never
// reaches the caller — it becomes a counter increment or a self-disable.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("alloctracker: configuration error: %s", e.Reason)
}

// ErrAlreadyActive is returned by Init when called on a Tracker that is
// already Active. The Tracker may only be re-initialized from Inactive.
var ErrAlreadyActive = &ConfigError{Reason: "tracker is already active"}
