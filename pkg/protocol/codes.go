package protocol

// Error codes carried in ErrorPayload. All are recoverable: the channel stays
// open and the client may retry or start over.
const (
	ErrCodeMalformed         = 1000 // envelope or payload could not be parsed
	ErrCodeInvalidState      = 1002 // operation not valid in the channel's current state
	ErrCodeInvalidCredential = 1003 // access token failed verification
	ErrCodeInternal          = 9000 // unexpected server-side failure
)
