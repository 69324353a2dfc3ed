package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamAlreadyActive rejects a publish on a key that already has a
	// live publisher.
	ErrStreamAlreadyActive = errors.New("stream: already has an active publisher")
	// ErrStaleHandle is returned for a handle whose entry was recreated or
	// whose slot has already been released.
	ErrStaleHandle = errors.New("stream: stale handle")
	// ErrInvalidKey rejects an empty stream key.
	ErrInvalidKey = errors.New("stream: invalid key")
	// ErrRegistryClosed is returned after Close.
	ErrRegistryClosed = errors.New("stream: registry closed")
)

// PublishError reports why a publish was refused.
type PublishError struct {
	Key string
	// Holder is the session currently publishing, when Err is
	// ErrStreamAlreadyActive.
	Holder string
	Err    error
}

func (e *PublishError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("stream: publish %q: %v (held by %s)", e.Key, e.Err, e.Holder)
	}
	return fmt.Sprintf("stream: publish %q: %v", e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// SubscribeError reports why a subscribe was refused.
type SubscribeError struct {
	Key string
	Err error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("stream: subscribe %q: %v", e.Key, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }
