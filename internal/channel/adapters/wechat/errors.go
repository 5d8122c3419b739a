package wechat

import (
	"errors"
	"fmt"

	"github.com/geffzhang/weyhdbot/internal/channel"
)

var (
	ErrUnsupportedMessageType = errors.New("unsupported message type")
	ErrEmptyPayload           = errors.New("empty payload")
	ErrCredentialsRequired    = errors.New("wechat app id and secret are required")
	ErrMenuNotConfigured      = errors.New("default menu path is not configured")
)

// Platform error codes that mean the access token is no longer valid.
const (
	errCodeInvalidToken = 40001
	errCodeTokenExpired = 42001
)

// UnsupportedTypeError is returned by Encode for types without an encoder.
type UnsupportedTypeError struct {
	Type channel.MessageType
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("%v: %q", ErrUnsupportedMessageType, string(e.Type))
}

func (e *UnsupportedTypeError) Unwrap() error {
	return ErrUnsupportedMessageType
}

// APIError reports a failed platform call: a transport failure, a non-2xx
// status or a non-zero errcode.
type APIError struct {
	Op         string
	StatusCode int
	ErrCode    int
	ErrMsg     string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("wechat %s: %v", e.Op, e.Err)
	case e.ErrCode != 0:
		return fmt.Sprintf("wechat %s: errcode %d: %s", e.Op, e.ErrCode, e.ErrMsg)
	default:
		return fmt.Sprintf("wechat %s: status %d", e.Op, e.StatusCode)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// TokenRejected reports whether the platform refused the access token.
func (e *APIError) TokenRejected() bool {
	return e.ErrCode == errCodeInvalidToken || e.ErrCode == errCodeTokenExpired
}
