package gateway

import "fmt"

// Kind classifies why a gateway operation failed, per the error taxonomy
// the REST engine, OAuth signer and WebSocket engine all share.
type Kind string

const (
	// KindConfig covers missing or malformed configuration: a bad
	// boolean/int value, a missing OAuth field, an unreadable key file.
	// Raised at construction; never retried.
	KindConfig Kind = "config"

	// KindAuth covers OAuth handshake failures and live-session-token
	// signature mismatches. Surfaced to the caller, not retried.
	KindAuth Kind = "auth"

	// KindTransientIO covers request timeouts and connection resets.
	// Retried internally up to the configured ceiling; surfaced only
	// after the retry budget is exhausted.
	KindTransientIO Kind = "transient_io"

	// KindExternalBroker covers non-2xx HTTP responses and invalid JSON
	// bodies. Surfaced immediately. Unparseable WebSocket frames are not
	// reported through this type; the stream package drops them.
	KindExternalBroker Kind = "external_broker"

	// KindProtocol covers unexpected structure in multi-step flows
	// (e.g. an order's question/answer exchange).
	KindProtocol Kind = "protocol"

	// KindHealth covers a degraded WebSocket state detected by the
	// health monitor. Handled internally by triggering a hard reset;
	// observable only via CheckHealth returning false.
	KindHealth Kind = "health"
)

// Error is the single exception type the gateway raises. It always
// carries the HTTP status code (0 when not applicable) and, where
// available, the request that triggered it so callers can log context
// without extra bookkeeping.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Method     string
	URL        string
	Err        error
}

func (e *Error) Error() string {
	if e.Method != "" || e.URL != "" {
		if e.StatusCode != 0 {
			return fmt.Sprintf("%s: %s %s: %s (status %d)", e.Kind, e.Method, e.URL, e.Message, e.StatusCode)
		}
		return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Method, e.URL, e.Message)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, &gateway.Error{Kind: gateway.KindAuth}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return true
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, method, url, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Method: method, URL: url, Err: cause}
}

func newConfigError(message string, cause error) *Error {
	return &Error{Kind: KindConfig, Message: message, Err: cause}
}

func newAuthError(message string, cause error) *Error {
	return &Error{Kind: KindAuth, Message: message, Err: cause}
}
