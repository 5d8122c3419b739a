package directline

import (
	"errors"
	"fmt"
)

var (
	ErrConversationRequired = errors.New("conversation id is required")
	ErrUserRequired         = errors.New("user id is required")
	ErrSecretRequired       = errors.New("relay secret is required")
)

// RelayError reports a failed relay call. StatusCode is zero for transport
// failures.
type RelayError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RelayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("relay %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
