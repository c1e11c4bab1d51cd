package main

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/PaulBabatuyi/securechat/internal/auth"
	"github.com/gorilla/handlers"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// context key type for storing auth claims in context
type authContextKey struct{}

func withClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, authContextKey{}, c)
}

// getClaimsFromContext extracts auth claims from the context, if present.
func getClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	v := ctx.Value(authContextKey{})
	if v == nil {
		return nil, false
	}
	c, ok := v.(*auth.Claims)
	return c, ok
}

// bearerToken strips the scheme from an Authorization header value.
func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// requireAuth rejects requests without a valid bearer token and stores the
// claims in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "not authorized, no token")
			return
		}
		claims, err := s.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "token failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// authStreamInterceptor enforces JWT authentication on every stream. The
// token travels in the "authorization" metadata entry.
func authStreamInterceptor(j *auth.JWTManager) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		md, ok := metadata.FromIncomingContext(ss.Context())
		if !ok {
			return status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		authHeaders := md.Get("authorization")
		if len(authHeaders) == 0 {
			return status.Errorf(codes.Unauthenticated, "missing authorization header")
		}

		token := bearerToken(authHeaders[0])
		if token == "" {
			return status.Errorf(codes.Unauthenticated, "invalid token")
		}

		claims, err := j.VerifyToken(token)
		if err != nil {
			return status.Errorf(codes.Unauthenticated, "unauthenticated: %v", err)
		}

		// wrap stream context with claims
		wrapped := grpcmiddlewareServerStream{ServerStream: ss, ctx: withClaims(ss.Context(), claims)}
		return handler(srv, wrapped)
	}
}

// grpcmiddlewareServerStream wraps grpc.ServerStream to override Context()
type grpcmiddlewareServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context (with claims)
func (g grpcmiddlewareServerStream) Context() context.Context { return g.ctx }

// cors answers preflight requests and echoes allowed origins. An empty list
// allows any origin.
func cors(allowed []string) func(http.Handler) http.Handler {
	listed := originAllowed(allowed)
	withCORS := handlers.CORS(
		handlers.AllowedOriginValidator(func(origin string) bool {
			return origin != "" && listed(origin)
		}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
		handlers.OptionStatusCode(http.StatusNoContent),
	)
	return func(next http.Handler) http.Handler {
		h := withCORS(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// the allowed origin is echoed, so caches must key on it
			w.Header().Add("Vary", "Origin")
			h.ServeHTTP(w, r)
		})
	}
}

// originAllowed matches an Origin against the configured list. An empty
// list allows any origin.
func originAllowed(allowed []string) func(string) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	return func(origin string) bool {
		return len(set) == 0 || set[origin]
	}
}

// originChecker guards the WebSocket upgrade.
func originChecker(allowed []string) func(*http.Request) bool {
	listed := originAllowed(allowed)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || listed(origin) {
			return true
		}
		// same host is always fine
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}
