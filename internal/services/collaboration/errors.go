package collaboration

import (
	"errors"
	"fmt"

	"collab-live/internal/content"

	"github.com/gorilla/websocket"
)

// Close codes sent to editors so they can tell a kick from a network error
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseGoingAway     = websocket.CloseGoingAway
	CloseInternal      = websocket.CloseInternalServerErr
	CloseTryAgainLater = websocket.CloseTryAgainLater
	CloseAbnormal      = websocket.CloseAbnormalClosure // never sent, marks a dead socket
	CloseForceClosed   = 4001
	CloseConfiguration = 4400
	CloseUnauthorized  = 4401
	CloseRateLimited   = 4429
)

var (
	ErrRateLimited        = errors.New("connection rate limit exceeded")
	ErrMessageRateLimited = errors.New("message rate limit exceeded")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrShuttingDown       = errors.New("server shutting down")
)

// CloseError asks the server to close the socket with a specific code
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", e.Code, e.Reason)
}

// PersistenceError marks a failed store of document content. It is
// surfaced to editors as a sync error.
type PersistenceError struct {
	DocumentID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist document %s: %v", e.DocumentID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// HookError records which extension hook failed
type HookError struct {
	Extension string
	Hook      string
	Err       error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Extension, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// CloseCodeFor maps a connect/load failure to a close code and reason
func CloseCodeFor(err error) (int, string) {
	var closeErr *CloseError
	var cfgErr *content.ConfigError

	switch {
	case err == nil:
		return CloseNormal, ""
	case errors.As(err, &closeErr):
		return closeErr.Code, closeErr.Reason
	case errors.Is(err, ErrRateLimited):
		return CloseRateLimited, "rate limit exceeded, try again later"
	case errors.As(err, &cfgErr):
		return CloseConfiguration, truncateReason(cfgErr.Error())
	case errors.Is(err, ErrUnauthorized), errors.Is(err, content.ErrUnauthenticated):
		return CloseUnauthorized, "unauthorized"
	case errors.Is(err, ErrShuttingDown):
		return CloseGoingAway, "server shutting down"
	default:
		return CloseInternal, "internal error"
	}
}

// Close frame payloads are limited to 125 bytes, two of which are the code
func truncateReason(reason string) string {
	const max = 123
	if len(reason) <= max {
		return reason
	}
	return reason[:max]
}
