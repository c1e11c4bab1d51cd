package main

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/PaulBabatuyi/securechat/internal/session"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Events runs the realtime session for an authenticated gRPC client.
func (s *Server) Events(stream grpc.ServerStream) error {
	claims, ok := getClaimsFromContext(stream.Context())
	if !ok {
		return status.Errorf(codes.Unauthenticated, "missing auth claims")
	}

	t := session.NewStreamTransport(stream, nil)
	err := s.hub.Serve(stream.Context(), claims.UserID, t)
	if closedNormally(err) {
		return nil
	}
	return status.Errorf(codes.Internal, "receive error: %v", err)
}

// handleWebSocket upgrades an authenticated request and runs the realtime
// session. Browsers cannot set headers on upgrade, so the token may also
// arrive as ?token=.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "not authorized, no token")
		return
	}
	claims, err := s.auth.VerifyToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "token failed")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	err = s.hub.Serve(r.Context(), claims.UserID, session.NewWebSocketTransport(conn))
	if !closedNormally(err) {
		s.log.WithError(err).WithField("user_id", claims.UserID).Debug("websocket closed")
	}
}

func closedNormally(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, session.ErrClosed) ||
		status.Code(err) == codes.Canceled ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
