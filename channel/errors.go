package channel

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/felcoslop/tizap-sub000/model"
)

var ErrUnsupported = errors.New("unsupported on this channel")
var ErrBadContact = errors.New("invalid contact address")
var ErrNoChannel = errors.New("no channel configured for contact")

// Error is a send failure normalized across backends.
type Error struct {
	Backend   model.ChannelBackend
	Code      int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s send failed (code %d): %v", e.Backend, e.Code, e.Err)
	}
	return fmt.Sprintf("%s send failed: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether retrying the send may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func unsupported(backend model.ChannelBackend, what string) error {
	return &Error{Backend: backend, Err: fmt.Errorf("%s: %w", what, ErrUnsupported)}
}

// transportError wraps an error raised before any response was received.
func transportError(backend model.ChannelBackend, err error) error {
	var ne net.Error
	transient := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
	if !transient {
		var op *net.OpError
		transient = errors.As(err, &op)
	}
	return &Error{Backend: backend, Transient: transient, Err: err}
}

func statusTransient(status int) bool {
	return status == 429 || status >= 500
}
