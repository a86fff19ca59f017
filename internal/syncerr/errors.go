// Package syncerr defines the error kinds the pipeline distinguishes:
// transient errors the supervisor recovers from by reconnecting, protocol
// errors that halt one pipeline, config errors that halt the process, and
// sink/client errors that are absorbed locally.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	ErrStreamEnded   = errors.New("upstream stream ended")
	ErrSinkTimeout   = errors.New("sink request timed out")
	ErrPendingLimit  = errors.New("pending key limit exceeded before progress mark")
	ErrSlowConsumer  = errors.New("client outbound queue overflowed")
	ErrBadFrame      = errors.New("malformed client frame")
	ErrUnknownView   = errors.New("unknown view")
)

// Transient wraps an error the supervisor should recover from by backing
// off and reconnecting.
type Transient struct {
	Err error
}

func (e *Transient) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *Transient) Unwrap() error { return e.Err }

// MarkTransient wraps err as transient. A nil err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &Transient{Err: err}
}

// Protocol is a violation of the upstream differential-stream contract.
// Fatal for the pipeline that observed it.
type Protocol struct {
	View   string
	Reason string
	Err    error
}

func (e *Protocol) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation on %s: %s: %v", e.View, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation on %s: %s", e.View, e.Reason)
}

func (e *Protocol) Unwrap() error { return e.Err }

// ViewNotFound reports that the upstream engine has no relation with the
// configured name. Fatal for the pipeline.
type ViewNotFound struct {
	View string
}

func (e *ViewNotFound) Error() string { return fmt.Sprintf("view %q does not exist upstream", e.View) }

// Config is a process-fatal configuration error detected at startup.
type Config struct {
	Field string
	Err   error
}

func (e *Config) Error() string { return fmt.Sprintf("config %s: %v", e.Field, e.Err) }
func (e *Config) Unwrap() error { return e.Err }

// Shape reports a row value that could not be converted into a sink
// document field. Fatal: silently dropping a column would corrupt the
// index.
type Shape struct {
	View   string
	Column string
	Err    error
}

func (e *Shape) Error() string {
	return fmt.Sprintf("shape %s.%s: %v", e.View, e.Column, e.Err)
}

func (e *Shape) Unwrap() error { return e.Err }

// IsTransient reports whether the supervisor should retry after err.
func IsTransient(err error) bool {
	var t *Transient
	return errors.As(err, &t)
}

// IsFatal reports whether err must halt its pipeline rather than trigger
// a reconnect.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}
