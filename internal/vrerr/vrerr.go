// Package vrerr defines the error-kind taxonomy shared across the
// orchestrator, dispatcher, collector and worker.
package vrerr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from the error handling design.
type Kind string

const (
	Handshake      Kind = "HANDSHAKE"
	Decode         Kind = "DECODE"
	Transport      Kind = "TRANSPORT"
	Dispatch       Kind = "DISPATCH"
	FrameTimeout   Kind = "FRAME_TIMEOUT"
	WorkerPermanent Kind = "WORKER_PERMANENT"
	StatePublish   Kind = "STATE_PUBLISH"
	Encode         Kind = "ENCODE"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
