// Package client is the client side of securechat: REST calls, the event
// connection, the local encrypted message cache and call control.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/keys"
	"github.com/PaulBabatuyi/securechat/internal/wire"
)

// User is a directory entry as returned by the REST API.
type User struct {
	ID         string     `json:"_id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	PublicKey  []byte     `json:"publicKey"`
	ProfilePic string     `json:"profilePic,omitempty"`
	Online     bool       `json:"online"`
	LastSeen   *time.Time `json:"lastSeen,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// AuthResponse is returned by Register and Login.
type AuthResponse struct {
	User
	EncryptedPrivateKey []byte    `json:"encryptedPrivateKey"`
	Token               string    `json:"token"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

// Unlock recovers the private key with password and checks it matches the
// account's public key.
func (r *AuthResponse) Unlock(password string) (keys.PrivateKey, error) {
	return unlockFor(r.EncryptedPrivateKey, r.PublicKey, password)
}

// Registration is the register request body.
type Registration struct {
	Username            string `json:"username"`
	Email               string `json:"email"`
	Password            string `json:"password"`
	PublicKey           []byte `json:"publicKey"`
	EncryptedPrivateKey []byte `json:"encryptedPrivateKey"`
	ProfilePic          string `json:"profilePic,omitempty"`
}

// NewRegistration generates a key pair and protects the private half with
// password.
func NewRegistration(username, email, password string) (Registration, *keys.KeyPair, error) {
	kp, err := keys.GenerateKeyPair()
	if err != nil {
		return Registration{}, nil, err
	}
	blob, err := keys.ProtectPrivateKey(kp.Private, password)
	if err != nil {
		return Registration{}, nil, err
	}
	return Registration{
		Username:            username,
		Email:               email,
		Password:            password,
		PublicKey:           kp.Public[:],
		EncryptedPrivateKey: blob,
	}, kp, nil
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// API is a REST client. It is safe for concurrent use.
type API struct {
	base string
	hc   *http.Client

	mu    sync.RWMutex
	token string
	keys  map[string]keys.PublicKey
}

// NewAPI returns a client for baseURL (http://host:port). A nil hc uses a
// client with a 15s timeout.
func NewAPI(baseURL string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), hc: hc, keys: make(map[string]keys.PublicKey)}
}

// SetToken sets the bearer token used by authenticated calls.
func (a *API) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// Token returns the current bearer token.
func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Register creates an account and keeps the returned token.
func (a *API) Register(ctx context.Context, reg Registration) (*AuthResponse, error) {
	var out AuthResponse
	if err := a.do(ctx, http.MethodPost, "/api/auth/register", reg, &out); err != nil {
		return nil, err
	}
	a.SetToken(out.Token)
	return &out, nil
}

// Login authenticates and keeps the returned token.
func (a *API) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var out AuthResponse
	if err := a.do(ctx, http.MethodPost, "/api/auth/login", body, &out); err != nil {
		return nil, err
	}
	a.SetToken(out.Token)
	return &out, nil
}

// Users lists everyone except the caller.
func (a *API) Users(ctx context.Context) ([]User, error) {
	var out []User
	if err := a.do(ctx, http.MethodGet, "/api/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) User(ctx context.Context, id string) (*User, error) {
	var out User
	if err := a.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProfile changes the non-nil fields.
func (a *API) UpdateProfile(ctx context.Context, username, email *string) (*User, error) {
	body := map[string]*string{}
	if username != nil {
		body["username"] = username
	}
	if email != nil {
		body["email"] = email
	}
	var out User
	if err := a.do(ctx, http.MethodPatch, "/api/users/me", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UpdateAvatar(ctx context.Context, profilePic string) (*User, error) {
	var out User
	if err := a.do(ctx, http.MethodPut, "/api/users/me/avatar", map[string]string{"profilePic": profilePic}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the transit messages exchanged with peerID, oldest first.
// before pages backwards from a message id; limit 0 uses the server default.
func (a *API) History(ctx context.Context, peerID, before string, limit int) ([]wire.Message, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/messages/" + url.PathEscape(peerID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []wire.Message
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PublicKey returns userID's public key, fetching it once per API value.
func (a *API) PublicKey(ctx context.Context, userID string) (keys.PublicKey, error) {
	a.mu.RLock()
	pub, ok := a.keys[userID]
	a.mu.RUnlock()
	if ok {
		return pub, nil
	}
	u, err := a.User(ctx, userID)
	if err != nil {
		return keys.PublicKey{}, err
	}
	pub, err = keys.ParsePublicKey(u.PublicKey)
	if err != nil {
		return keys.PublicKey{}, err
	}
	a.mu.Lock()
	a.keys[userID] = pub
	a.mu.Unlock()
	return pub, nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := a.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
