package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/client"
	"github.com/PaulBabatuyi/securechat/internal/keys"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// accounts is a minimal REST backend holding a single registered user.
type accounts struct {
	mu  sync.Mutex
	reg client.Registration
}

func (a *accounts) routes(t *testing.T) http.Handler {
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	auth := func(reg client.Registration) client.AuthResponse {
		return client.AuthResponse{
			User:                client.User{ID: "u1", Username: reg.Username, Email: reg.Email, PublicKey: reg.PublicKey},
			EncryptedPrivateKey: reg.EncryptedPrivateKey,
			Token:               "tok-1",
			ExpiresAt:           time.Now().Add(time.Hour),
		}
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/auth/register", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&a.reg))
		writeJSON(w, http.StatusCreated, auth(a.reg))
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["email"] != a.reg.Email || body["password"] != a.reg.Password {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, auth(a.reg))
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		seen := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
		writeJSON(w, http.StatusOK, []client.User{
			{ID: "u2", Username: "bob", Online: true},
			{ID: "u3", Username: "carol", LastSeen: &seen},
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/{userId}", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		alice, err := keys.ParsePublicKey(a.reg.PublicKey)
		if !assert.NoError(t, err) {
			return
		}
		bob, err := keys.GenerateKeyPair()
		if !assert.NoError(t, err) {
			return
		}
		encBob, encAlice, err := keys.EncryptMessage("hello from the relay", bob.Public, alice)
		if !assert.NoError(t, err) {
			return
		}
		writeJSON(w, http.StatusOK, []wire.Message{{
			ID: "m1", Sender: mux.Vars(r)["userId"], Receiver: "u1",
			EncSender: encBob, EncReceiver: encAlice,
			Status: "sent", CreatedAt: time.Now(),
		}})
	}).Methods(http.MethodGet)
	return r
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"server", "grpc", "home", "password", "ice", "log-level", "log-format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	for _, name := range []string{"register", "login", "logout", "whoami", "users", "profile", "send", "listen", "chat", "history", "call"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestAccountFlow(t *testing.T) {
	srv := httptest.NewServer((&accounts{}).routes(t))
	defer srv.Close()
	home := t.TempDir()
	base := []string{"--home", home, "--server", srv.URL}

	_, err := execute(t, append(base, "whoami")...)
	assert.ErrorIs(t, err, client.ErrNoProfile)

	_, err = execute(t, append(base, "register", "--username", "alice", "--email", "alice@example.com")...)
	assert.ErrorContains(t, err, "password required")

	out, err := execute(t, append(base, "-p", "hunter22hunter", "register", "--username", "alice", "--email", "alice@example.com")...)
	require.NoError(t, err)
	assert.Contains(t, out, "registered alice (u1)")
	info, err := os.Stat(filepath.Join(home, "profile.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err = execute(t, append(base, "whoami")...)
	require.NoError(t, err)
	assert.Contains(t, out, "alice <alice@example.com> id=u1")

	_, err = execute(t, append(base, "-p", "wrong", "login", "--email", "alice@example.com")...)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	out, err = execute(t, append(base, "-p", "hunter22hunter", "login", "--email", "alice@example.com")...)
	require.NoError(t, err)
	assert.Contains(t, out, "logged in as alice")

	out, err = execute(t, append(base, "users")...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "bob")
	assert.Contains(t, lines[1], "online")
	assert.Contains(t, lines[2], "seen ")

	_, err = execute(t, append(base, "logout")...)
	require.NoError(t, err)
	_, err = execute(t, append(base, "logout")...)
	assert.ErrorIs(t, err, client.ErrNoProfile)
}

func TestHistoryDecryptsRelayCopies(t *testing.T) {
	srv := httptest.NewServer((&accounts{}).routes(t))
	defer srv.Close()
	home := t.TempDir()
	base := []string{"--home", home, "--server", srv.URL}

	_, err := execute(t, append(base, "-p", "hunter22hunter", "register", "--username", "alice", "--email", "alice@example.com")...)
	require.NoError(t, err)

	out, err := execute(t, append(base, "-p", "hunter22hunter", "history", "u2")...)
	require.NoError(t, err)
	assert.Contains(t, out, "u2: hello from the relay (sent)")

	// the cache is locked to the account password
	_, err = execute(t, append(base, "-p", "other-password", "history", "u2")...)
	assert.Error(t, err)
}

func TestOptionsFromEnvironment(t *testing.T) {
	t.Setenv("SECURECHAT_PASSWORD", "from-env")
	t.Setenv("SECURECHAT_LOG_LEVEL", "debug")
	home := filepath.Join(t.TempDir(), "state")
	c, cmd := newApp()
	cmd.SetArgs([]string{"--home", home, "whoami"})
	cmd.SetOut(&bytes.Buffer{})
	assert.ErrorIs(t, cmd.Execute(), client.ErrNoProfile)

	p, err := c.password()
	require.NoError(t, err)
	assert.Equal(t, "from-env", p)
	assert.Equal(t, logrus.DebugLevel, c.log.GetLevel())
	info, err := os.Stat(home)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestChatLineCommands(t *testing.T) {
	ctx := context.Background()
	quit, err := chatLine(ctx, nil, "u2", "   ")
	assert.False(t, quit)
	assert.NoError(t, err)

	quit, err = chatLine(ctx, nil, "u2", "/quit")
	assert.True(t, quit)
	assert.NoError(t, err)

	_, err = chatLine(ctx, nil, "u2", "/dance")
	assert.EqualError(t, err, chatHelp)
}
