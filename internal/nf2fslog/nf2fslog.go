// Package nf2fslog wraps dsoprea/go-logging, the structured logger used for
// internal diagnostics: mount replay, directory GC, wear-leveling
// migration.
package nf2fslog

import (
	log "github.com/dsoprea/go-logging"
)

// Debugf records low-volume internal tracing (region rotation, GC triggers)
// as a wrapped, stack-carrying error so it can be surfaced with %+v during
// development without being treated as a failure.
func Debugf(format string, args ...interface{}) error {
	return log.Errorf(format, args...)
}

// Warnf records a recoverable anomaly (a dropped partial record on mount
// replay) the same way.
func Warnf(format string, args ...interface{}) error {
	return log.Errorf(format, args...)
}

// Wrap attaches go-logging's stack-carrying context to a lower-level error.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return log.Wrap(err)
}
