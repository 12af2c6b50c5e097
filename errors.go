package pluginhost

import (
	"errors"
	"io"
	"log/slog"
)

// Sentinel errors returned by Host and CommandTable.
// These errors can be used with errors.Is() for error checking.
var (
	// ErrPluginNotFound indicates no managed plugin has the requested id or path.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrAlreadyManaged indicates the module path already has a record.
	ErrAlreadyManaged = errors.New("plugin path already managed")

	// ErrAdmissionDenied indicates the admission policy rejected a module path.
	ErrAdmissionDenied = errors.New("plugin admission denied")

	// ErrHostClosed indicates the host has been shut down.
	ErrHostClosed = errors.New("plugin host closed")

	// ErrCommandNotFound indicates no loaded plugin provides the command.
	ErrCommandNotFound = errors.New("command not found")

	// ErrCommandConflict indicates two plugins declare the same command name.
	ErrCommandConflict = errors.New("command already registered")
)

// CloseWithLog attempts to close the provided resource and logs any error
// at warning level. This is intended for use in defer statements to ensure
// cleanup errors are not silently ignored.
//
// If logger is nil, slog.Default() is used.
//
// Example usage:
//
//	defer pluginhost.CloseWithLog(publisher, logger, "event publisher")
func CloseWithLog(closer io.Closer, logger *slog.Logger, name string) {
	if closer == nil {
		return
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := closer.Close(); err != nil {
		logger.Warn("failed to close resource",
			"resource", name,
			"error", err)
	}
}
