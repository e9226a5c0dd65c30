// Package transport defines the mail transport contract the engine
// dispatches through, together with the error taxonomy workers use to
// decide between retry and immediate failure.
package transport

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/dripflow/dripflow/internal/render"
	"github.com/dripflow/dripflow/internal/sequence"
)

// Request carries one rendered message to a transport. Key is the work
// item's stable idempotency key; a deduplicating transport can use it
// to enforce exactly-once delivery across crash-resume re-attempts.
type Request struct {
	Key     string
	Contact sequence.Contact
	Message *render.Message
}

// Transport delivers a single message. Implementations must honor the
// context deadline; the dispatch pool applies a per-call timeout.
type Transport interface {
	Send(ctx context.Context, req *Request) error
}

// SendError represents a delivery failure with type information.
// Temporary failures (timeouts, 4xx responses, transport rate limits)
// are retried by the dispatch pool; permanent ones (invalid recipient,
// 5xx rejections) fail the work item immediately.
type SendError struct {
	Temporary bool
	Message   string
}

func (e *SendError) Error() string {
	return e.Message
}

// IsTemporary reports whether the error should be retried. Unknown
// errors are assumed temporary.
func IsTemporary(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Temporary
	}
	return true
}

// smtpCodePattern matches SMTP response codes at word boundaries.
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// Classify wraps an arbitrary transport error into a SendError, using
// any SMTP status code embedded in the message: 5xx is permanent, 4xx
// is temporary, anything else defaults to temporary.
func Classify(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}

	msg := err.Error()
	if matches := smtpCodePattern.FindStringSubmatch(msg); len(matches) > 1 {
		if strings.HasPrefix(matches[1], "5") {
			return &SendError{Temporary: false, Message: msg}
		}
		return &SendError{Temporary: true, Message: msg}
	}
	return &SendError{Temporary: true, Message: msg}
}
