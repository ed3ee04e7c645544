package session

import (
	"fmt"
	"net/http"
)

// ProtocolError is fatal for a session: the authority refused the credential
// or does not speak our protocol version. The session does not retry.
type ProtocolError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authority rejected session (%d %s): %s", e.Status, http.StatusText(e.Status), e.Message)
	}
	return fmt.Sprintf("authority rejected session (%s): %s", e.Code, e.Message)
}

// TransientNetworkError wraps a dial, read or write failure. The session
// reconnects with backoff.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

func fatalStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUpgradeRequired:
		return true
	}
	return false
}
