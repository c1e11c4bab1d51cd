package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/auth"
	"github.com/PaulBabatuyi/securechat/internal/data"
	"github.com/PaulBabatuyi/securechat/internal/keys"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	maxBodySize         = 1 << 20
)

// dummyHash keeps login timing similar whether or not the email exists.
var dummyHash, _ = auth.HashPassword("securechat-timing-equaliser")

type registerRequest struct {
	Username            string `json:"username" validate:"required,min=3,max=32"`
	Email               string `json:"email" validate:"required,email,max=254"`
	Password            string `json:"password" validate:"required,min=8,max=72"`
	PublicKey           []byte `json:"publicKey" validate:"required"`
	EncryptedPrivateKey []byte `json:"encryptedPrivateKey" validate:"required,min=60,max=1024"`
	ProfilePic          string `json:"profilePic" validate:"omitempty,max=2048"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type profileRequest struct {
	Username *string `json:"username" validate:"omitempty,min=3,max=32"`
	Email    *string `json:"email" validate:"omitempty,email,max=254"`
}

type avatarRequest struct {
	ProfilePic string `json:"profilePic" validate:"required,max=2048"`
}

// userView is the public directory entry; it never carries the password
// hash or the protected private key.
type userView struct {
	ID         string     `json:"_id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	PublicKey  []byte     `json:"publicKey"`
	ProfilePic string     `json:"profilePic,omitempty"`
	Online     bool       `json:"online"`
	LastSeen   *time.Time `json:"lastSeen,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// authResponse is returned by register and login. The protected private key
// lets the client unlock its identity on any device.
type authResponse struct {
	userView
	EncryptedPrivateKey []byte    `json:"encryptedPrivateKey"`
	Token               string    `json:"token"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

func (s *Server) view(u *data.User) userView {
	v := userView{
		ID:         u.ID.Hex(),
		Username:   u.Username,
		Email:      u.Email,
		PublicKey:  u.PublicKey,
		ProfilePic: u.ProfilePic,
		CreatedAt:  u.CreatedAt,
	}
	if !u.LastSeen.IsZero() {
		ls := u.LastSeen
		v.LastSeen = &ls
	}
	if s.online != nil {
		v.Online = s.online.IsOnline(v.ID)
	}
	return v
}

func (s *Server) issue(w http.ResponseWriter, status int, u *data.User) {
	token, expiresAt, err := s.auth.GenerateToken(u.ID.Hex(), u.Email)
	if err != nil {
		s.log.WithError(err).Error("generate token")
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	writeJSON(w, status, authResponse{
		userView:            s.view(u),
		EncryptedPrivateKey: u.EncryptedPrivateKey,
		Token:               token,
		ExpiresAt:           expiresAt,
	})
}

// handleRegister hashes the password, stores the user with its key material
// and returns a token.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := keys.ParsePublicKey(req.PublicKey); err != nil {
		writeError(w, http.StatusBadRequest, "publicKey must be a 32-byte X25519 key")
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	user, err := s.users.CreateUser(r.Context(), data.NewUser{
		Username:            req.Username,
		Email:               req.Email,
		PasswordHash:        hashed,
		PublicKey:           req.PublicKey,
		EncryptedPrivateKey: req.EncryptedPrivateKey,
		ProfilePic:          req.ProfilePic,
	})
	if errors.Is(err, data.ErrUserExists) {
		writeError(w, http.StatusConflict, "user already exists")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("create user failed")
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	s.log.WithField("user_id", user.ID.Hex()).Info("user registered")
	s.issue(w, http.StatusCreated, user)
}

// handleLogin checks the password and returns a token along with the
// protected private key.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}

	user, err := s.users.GetUserByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, data.ErrUserNotFound) {
		s.log.WithError(err).Error("lookup user failed")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	hash := dummyHash
	if user != nil {
		hash = user.Password
	}
	if err := auth.CheckPassword(hash, req.Password); err != nil || user == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.issue(w, http.StatusOK, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	claims, _ := getClaimsFromContext(r.Context())
	users, err := s.users.ListUsers(r.Context(), claims.UserID)
	if err != nil {
		s.log.WithError(err).Error("list users failed")
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, s.view(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.GetUserByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, data.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, s.view(user))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	claims, _ := getClaimsFromContext(r.Context())
	var req profileRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Username == nil && req.Email == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	user, err := s.users.UpdateProfile(r.Context(), claims.UserID, data.ProfileUpdate{Username: req.Username, Email: req.Email})
	s.writeUser(w, user, err)
}

func (s *Server) handleUpdateAvatar(w http.ResponseWriter, r *http.Request) {
	claims, _ := getClaimsFromContext(r.Context())
	var req avatarRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.users.UpdateAvatar(r.Context(), claims.UserID, req.ProfilePic)
	s.writeUser(w, user, err)
}

func (s *Server) writeUser(w http.ResponseWriter, user *data.User, err error) {
	switch {
	case errors.Is(err, data.ErrUserExists):
		writeError(w, http.StatusConflict, "username or email already taken")
	case errors.Is(err, data.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case err != nil:
		s.log.WithError(err).Error("update user failed")
		writeError(w, http.StatusInternalServerError, "failed to update user")
	default:
		writeJSON(w, http.StatusOK, s.view(user))
	}
}

// handleHistory returns the transit rows still held for a conversation,
// oldest first. Delivered messages live only in the clients' local stores.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	claims, _ := getClaimsFromContext(r.Context())
	peerID := mux.Vars(r)["userId"]

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := s.history.History(r.Context(), claims.UserID, peerID, r.URL.Query().Get("before"), limit)
	if err != nil {
		s.log.WithError(err).Error("history failed")
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	out := make([]wire.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Wire())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.hub.Active()})
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
