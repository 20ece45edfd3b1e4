package bus

import "errors"

var (
	// ErrUnreachable means the destination context does not exist, has
	// terminated, or has no inbox. Distinct from a destination that
	// received the request and declined to answer (which times out).
	ErrUnreachable = errors.New("destination context unreachable")

	// ErrTimeout means a request received no response within the
	// caller-supplied deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrAmbiguous means a request selector resolved to more than one
	// live context. Requests address exactly one context; broadcast is
	// reserved for events.
	ErrAmbiguous = errors.New("selector matches multiple contexts")

	// ErrDuplicateResponse means a handler sent a second response for
	// one request. The bus rejects the extra response.
	ErrDuplicateResponse = errors.New("request already answered")

	// ErrInvalidKind means a message was submitted through the wrong
	// entry point (e.g. a response passed to Send).
	ErrInvalidKind = errors.New("invalid message kind")

	// ErrAlreadySubscribed means the context already has a handler.
	// Each context gets at most one.
	ErrAlreadySubscribed = errors.New("context already subscribed")

	// ErrNotRegistered means the instance ID is unknown to the registry.
	ErrNotRegistered = errors.New("context not registered")
)
