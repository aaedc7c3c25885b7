package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"

	"golang.org/x/crypto/bcrypt"

	"github.com/bizzapp/relay/pkg/auth"
	"github.com/bizzapp/relay/pkg/database"
	"github.com/bizzapp/relay/pkg/protocol"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)

type telegramLoginRequest struct {
	ConnectionID string `json:"connectionId"` // pairing id scanned from the QR code
	TelegramAuth string `json:"telegramAuth"` // signed Mini App init data
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleTelegramLogin is the one-shot redemption path: the mobile client
// presents the scanned pairing id and its signed identity assertion. On
// success the credential is delivered asynchronously over the originating
// channel, never in this response.
func (s *Server) handleTelegramLogin(w http.ResponseWriter, r *http.Request) {
	var req telegramLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConnectionID == "" || req.TelegramAuth == "" {
		writeError(w, http.StatusBadRequest, "connectionId and telegramAuth are required")
		return
	}

	if err := s.redeemPairing(req.ConnectionID, req.TelegramAuth); err != nil {
		switch {
		case errors.Is(err, ErrPairingNotFound):
			s.metrics.RecordRedemption("not_found")
			writeError(w, http.StatusNotFound, "pairing not found")
		case errors.Is(err, ErrPairingExpired):
			s.metrics.RecordRedemption("expired")
			writeError(w, http.StatusGone, "pairing expired")
		case errors.Is(err, ErrAlreadyRedeemed):
			s.metrics.RecordRedemption("already_redeemed")
			writeError(w, http.StatusConflict, "pairing already redeemed")
		case errors.Is(err, auth.ErrInvalidIdentity):
			s.metrics.RecordRedemption("invalid_identity")
			writeError(w, http.StatusUnauthorized, "identity verification failed")
		default:
			s.metrics.RecordRedemption("error")
			errorLog.Printf("Pairing redemption failed: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	s.metrics.RecordRedemption("success")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// redeemPairing consumes a pairing id together with a verified identity
// assertion. The claim is atomic — exactly one winner under concurrent
// attempts — and no broker or registry lock is held across the identity
// verification, user lookup, or token minting below.
func (s *Server) redeemPairing(pairingID, telegramAuth string) error {
	pairing, err := s.broker.Claim(pairingID)
	if err != nil {
		return err
	}

	identity, err := s.verifier.Verify(telegramAuth)
	if err != nil {
		// Identity failure does not consume the pairing; the client may
		// retry until TTL expiry.
		s.broker.Release(pairingID)
		return err
	}

	user, err := s.db.GetOrCreateTelegramUser(identity.TelegramID, identity.Username)
	if err != nil {
		s.broker.Release(pairingID)
		return fmt.Errorf("failed to resolve telegram user %d: %w", identity.TelegramID, err)
	}

	pair, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.broker.Release(pairingID)
		return fmt.Errorf("failed to mint credential: %w", err)
	}

	// Deliver to the originating channel. If it disconnected before
	// redemption this is a terminal delivery failure for the pairing: the
	// credential was minted, nothing is queued, and a fresh pairing must be
	// started to try again.
	ch, ok := s.registry.Get(pairing.ConnectionID)
	if !ok {
		log.Printf("Pairing %s redeemed but channel %s is gone; credential undeliverable", pairingID, pairing.ConnectionID)
		return nil
	}

	ch.MarkAuthenticated()
	s.sendEnvelope(ch, protocol.NewAccessTokenAccept(pair.AccessToken, pair.RefreshToken))
	debugLog.Printf("Pairing %s redeemed; credential delivered to channel %s", pairingID, ch.ID)
	return nil
}

// handleLogin is ordinary password auth. The browser applies the returned
// credential to its open channel itself by sending SUBSCRIBE_USER.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.db.GetUserByUsername(req.Username)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			s.metrics.RecordLogin("login", "rejected")
			writeError(w, http.StatusBadRequest, "invalid credentials")
			return
		}
		errorLog.Printf("Login lookup failed for %q: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Telegram-only accounts have no password hash.
	if user.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		s.metrics.RecordLogin("login", "rejected")
		writeError(w, http.StatusBadRequest, "invalid credentials")
		return
	}

	pair, err := s.tokens.Issue(user.ID)
	if err != nil {
		errorLog.Printf("Failed to mint credential for user %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.db.UpdateUserLastSeen(user.ID); err != nil {
		log.Printf("Failed to update last_seen for user %s: %v", user.ID, err)
	}

	s.metrics.RecordLogin("login", "success")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// handleSignup registers a password account and returns a fresh credential.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !usernameRegex.MatchString(req.Username) {
		writeError(w, http.StatusBadRequest, "username must be 3-32 characters (letters, digits, _ or -)")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		errorLog.Printf("bcrypt.GenerateFromPassword failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := s.db.CreateUser(req.Username, string(hash))
	if err != nil {
		if errors.Is(err, database.ErrUsernameTaken) {
			s.metrics.RecordLogin("signup", "rejected")
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		errorLog.Printf("Signup failed for %q: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	pair, err := s.tokens.Issue(user.ID)
	if err != nil {
		errorLog.Printf("Failed to mint credential for new user %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.metrics.RecordLogin("signup", "success")
	writeJSON(w, http.StatusCreated, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// handleRefresh exchanges a valid refresh token for a fresh pair.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID, err := s.tokens.VerifyRefresh(req.RefreshToken)
	if err != nil {
		s.metrics.RecordLogin("refresh", "rejected")
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	// The account may have been deleted since the token was minted.
	if _, err := s.db.GetUserByID(userID); err != nil {
		s.metrics.RecordLogin("refresh", "rejected")
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	pair, err := s.tokens.Issue(userID)
	if err != nil {
		errorLog.Printf("Failed to mint credential for user %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.metrics.RecordLogin("refresh", "success")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}
