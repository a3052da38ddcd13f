package protocol

import "errors"

// Error codes carried by error frames. These are terminal for the
// request that triggered them except DESKTOP_OFFLINE, which clears as
// soon as the desktop reconnects.
const (
	CodeInvalidPassphrase = "INVALID_PASSPHRASE"
	CodeDesktopOffline    = "DESKTOP_OFFLINE"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeMalformedFrame    = "MALFORMED_FRAME"
	CodeUnpaired          = "UNPAIRED"
)

// Sentinel errors mirrored by the wire codes above. The registry and
// router return these; the server layer translates them into error
// frames without inspecting message content.
var (
	ErrInvalidPassphrase = errors.New("invalid pairing passphrase")
	ErrDesktopOffline    = errors.New("no live desktop for session")
	ErrUnauthenticated   = errors.New("connection is not authenticated")
	ErrSessionNotFound   = errors.New("session not found")
)

// ErrorCode maps a sentinel error to its wire code. Unknown errors map
// to MALFORMED_FRAME, the catch-all for requests the relay could not
// act on.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPassphrase):
		return CodeInvalidPassphrase
	case errors.Is(err, ErrDesktopOffline):
		return CodeDesktopOffline
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	default:
		return CodeMalformedFrame
	}
}

// NewError builds an error frame for the given sentinel or free-form
// error.
func NewError(err error) *Frame {
	f := New(TypeError)
	f.Code = ErrorCode(err)
	f.Message = err.Error()
	return f
}
