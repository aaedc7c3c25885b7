package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		wantTag string
	}{
		{
			name:    "auth via telegram with null payload",
			input:   `{"event":"AUTH_VIA_TELEGRAM","payload":null}`,
			wantTag: EventAuthViaTelegram,
		},
		{
			name:    "subscribe user with token",
			input:   `{"event":"SUBSCRIBE_USER","payload":{"data":"tok-123"}}`,
			wantTag: EventSubscribeUser,
		},
		{
			name:    "ping",
			input:   `{"event":"PING","payload":null}`,
			wantTag: EventPing,
		},
		{
			name:    "not json at all",
			input:   `this is not json`,
			wantErr: ErrMalformedEnvelope,
		},
		{
			name:    "missing event tag",
			input:   `{"payload":{"data":"x"}}`,
			wantErr: ErrMalformedEnvelope,
		},
		{
			name:    "unknown event tag",
			input:   `{"event":"MAKE_ME_ADMIN","payload":null}`,
			wantErr: ErrUnknownEvent,
		},
		{
			name:    "server-only tag sent by client",
			input:   `{"event":"ACCESS_TOKEN_ACCEPT","payload":null}`,
			wantErr: ErrUnknownEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.input))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTag, env.Event)
		})
	}
}

func TestStringData(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "valid data payload",
			input: `{"event":"SUBSCRIBE_USER","payload":{"data":"tok-abc"}}`,
			want:  "tok-abc",
		},
		{
			name:    "null payload",
			input:   `{"event":"SUBSCRIBE_USER","payload":null}`,
			wantErr: true,
		},
		{
			name:    "payload is a bare string",
			input:   `{"event":"SUBSCRIBE_USER","payload":"tok-abc"}`,
			wantErr: true,
		},
		{
			name:    "empty data field",
			input:   `{"event":"SUBSCRIBE_USER","payload":{"data":""}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.input))
			require.NoError(t, err)

			data, err := env.StringData()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedEnvelope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, data)
		})
	}
}

func TestServerEnvelopeShapes(t *testing.T) {
	t.Run("qr code access matches client contract", func(t *testing.T) {
		raw, err := NewQRCodeAccess("p-abc").Marshal()
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"TELEGRAM_QR_CODE_ACCESS","payload":{"data":"p-abc"}}`, string(raw))
	})

	t.Run("access token accept matches client contract", func(t *testing.T) {
		raw, err := NewAccessTokenAccept("t1", "r1").Marshal()
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"ACCESS_TOKEN_ACCEPT","payload":{"data":{"accessToken":"t1","refreshToken":"r1"}}}`, string(raw))
	})

	t.Run("error envelope carries code and message", func(t *testing.T) {
		raw, err := NewError(ErrCodeInvalidState, "no credential yet").Marshal()
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, EventError, env.Event)

		var p ErrorPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, ErrCodeInvalidState, p.Code)
		assert.Equal(t, "no credential yet", p.Message)
	})
}
