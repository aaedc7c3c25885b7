package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidIdentity is returned when a Telegram identity assertion fails
// signature or claims validation. The pairing it was presented against stays
// redeemable until its TTL.
var ErrInvalidIdentity = errors.New("invalid identity assertion")

// TelegramIdentity is the verified identity extracted from Mini App init data.
type TelegramIdentity struct {
	TelegramID int64
	Username   string
	FirstName  string
}

// TelegramVerifier validates the signed init data a Telegram Mini App hands
// to its host page. The signature chain is keyed by the bot token:
//
//	secret  = HMAC_SHA256(key="WebAppData", data=botToken)
//	checked = HMAC_SHA256(key=secret, data=sorted "k=v" lines)
//
// MaxAge bounds how old the auth_date claim may be; zero disables the check.
type TelegramVerifier struct {
	secret []byte
	maxAge time.Duration
}

// NewTelegramVerifier derives the verification secret from the bot token.
func NewTelegramVerifier(botToken string, maxAge time.Duration) (*TelegramVerifier, error) {
	if botToken == "" {
		return nil, errors.New("telegram bot token is required")
	}
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return &TelegramVerifier{secret: mac.Sum(nil), maxAge: maxAge}, nil
}

// Verify checks the init data signature and freshness and returns the identity
// it asserts. All failures map to ErrInvalidIdentity.
func (v *TelegramVerifier) Verify(initData string) (*TelegramIdentity, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: not query-encoded: %v", ErrInvalidIdentity, err)
	}

	gotHash := values.Get("hash")
	if gotHash == "" {
		return nil, fmt.Errorf("%w: missing hash", ErrInvalidIdentity)
	}
	values.Del("hash")

	// Data-check string: every remaining field as "key=value", sorted by key,
	// newline-joined.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strings.Join(lines, "\n")))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(gotHash)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidIdentity)
	}

	if v.maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad auth_date", ErrInvalidIdentity)
		}
		if time.Since(time.Unix(authDate, 0)) > v.maxAge {
			return nil, fmt.Errorf("%w: init data is stale", ErrInvalidIdentity)
		}
	}

	var user struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
	}
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil {
		return nil, fmt.Errorf("%w: unparseable user field: %v", ErrInvalidIdentity, err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidIdentity)
	}

	return &TelegramIdentity{
		TelegramID: user.ID,
		Username:   user.Username,
		FirstName:  user.FirstName,
	}, nil
}
