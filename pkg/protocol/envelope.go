package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event tag constants (Client → Server)
const (
	EventAuthViaTelegram = "AUTH_VIA_TELEGRAM"
	EventSubscribeUser   = "SUBSCRIBE_USER"
	EventPing            = "PING"
)

// Event tag constants (Server → Client)
const (
	EventTelegramQRCodeAccess = "TELEGRAM_QR_CODE_ACCESS"
	EventAccessTokenAccept    = "ACCESS_TOKEN_ACCEPT"
	EventError                = "ERROR"
	EventPong                 = "PONG"
)

var (
	// ErrMalformedEnvelope indicates the message could not be parsed as an envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnknownEvent indicates a syntactically valid envelope with an unrecognized event tag.
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is the wire unit exchanged on a channel, both directions.
// Payload stays raw until the event tag selects a concrete shape.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// StringPayload carries a single opaque string, keyed "data" on the wire.
// Used by TELEGRAM_QR_CODE_ACCESS (pairing id) and SUBSCRIBE_USER (access token).
type StringPayload struct {
	Data string `json:"data"`
}

// TokenData is the credential pair delivered on successful pairing redemption.
type TokenData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// TokenPayload wraps TokenData for ACCESS_TOKEN_ACCEPT.
type TokenPayload struct {
	Data TokenData `json:"data"`
}

// ErrorPayload is sent for recoverable protocol errors. The channel stays open.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// clientEvents is the set of event tags a client may legitimately send.
var clientEvents = map[string]bool{
	EventAuthViaTelegram: true,
	EventSubscribeUser:   true,
	EventPing:            true,
}

// ParseEnvelope decodes raw bytes into an Envelope and validates the event tag
// against the known client-sendable set. Returns ErrMalformedEnvelope for
// unparseable input and ErrUnknownEvent for a valid envelope with a tag the
// server does not handle. Neither error is fatal to the channel.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event tag", ErrMalformedEnvelope)
	}
	if !clientEvents[env.Event] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return &env, nil
}

// StringData extracts a StringPayload from the envelope. Fails with
// ErrMalformedEnvelope when the payload is absent or shaped wrong for the tag.
func (e *Envelope) StringData() (string, error) {
	if len(e.Payload) == 0 {
		return "", fmt.Errorf("%w: %s requires a payload", ErrMalformedEnvelope, e.Event)
	}
	var p StringPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if p.Data == "" {
		return "", fmt.Errorf("%w: %s payload missing data", ErrMalformedEnvelope, e.Event)
	}
	return p.Data, nil
}

// NewQRCodeAccess builds the server→client envelope announcing a fresh pairing id.
func NewQRCodeAccess(pairingID string) *Envelope {
	return mustEnvelope(EventTelegramQRCodeAccess, StringPayload{Data: pairingID})
}

// NewAccessTokenAccept builds the server→client envelope delivering a credential pair.
func NewAccessTokenAccept(access, refresh string) *Envelope {
	return mustEnvelope(EventAccessTokenAccept, TokenPayload{
		Data: TokenData{AccessToken: access, RefreshToken: refresh},
	})
}

// NewError builds the server→client error envelope.
func NewError(code int, message string) *Envelope {
	return mustEnvelope(EventError, ErrorPayload{Code: code, Message: message})
}

// NewPong builds the keepalive reply envelope.
func NewPong() *Envelope {
	return &Envelope{Event: EventPong, Payload: json.RawMessage("null")}
}

func mustEnvelope(event string, payload interface{}) *Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// All payload types above are plain structs of strings and ints;
		// marshal cannot fail on them.
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", event, err))
	}
	return &Envelope{Event: event, Payload: raw}
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
