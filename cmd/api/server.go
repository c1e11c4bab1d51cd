package main

import (
	"context"
	"net/http"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/auth"
	"github.com/PaulBabatuyi/securechat/internal/data"
	"github.com/PaulBabatuyi/securechat/internal/middleware"
	"github.com/PaulBabatuyi/securechat/internal/relay"
	"github.com/PaulBabatuyi/securechat/internal/session"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// userStore is the subset of data.UsersStore used by the handlers.
type userStore interface {
	CreateUser(ctx context.Context, nu data.NewUser) (*data.User, error)
	GetUserByEmail(ctx context.Context, email string) (*data.User, error)
	GetUserByID(ctx context.Context, id string) (*data.User, error)
	ListUsers(ctx context.Context, excludeID string) ([]*data.User, error)
	UpdateProfile(ctx context.Context, id string, upd data.ProfileUpdate) (*data.User, error)
	UpdateAvatar(ctx context.Context, id, profilePic string) (*data.User, error)
}

// historyReader serves conversation history from the transit store.
type historyReader interface {
	History(ctx context.Context, userID, peerID, beforeID string, limit int) ([]*relay.Message, error)
}

// presenceView answers the online flag in user listings.
type presenceView interface {
	IsOnline(userID string) bool
}

// Server holds the HTTP and gRPC surfaces of the relay.
type Server struct {
	users    userStore
	history  historyReader
	online   presenceView
	auth     *auth.JWTManager
	hub      *session.Hub
	health   func(ctx context.Context) error
	validate *validator.Validate
	upgrader websocket.Upgrader
	log      *logrus.Entry

	// authLimiter throttles register and login per client IP
	authLimiter *middleware.LimiterStore
	clientIP    func(*http.Request) string
}

type serverOptions struct {
	AuthLimiter    *middleware.LimiterStore
	Health         func(ctx context.Context) error
	AllowedOrigins []string
	// ClientIP keys the auth limiter; nil uses the peer address.
	ClientIP func(*http.Request) string
	Log      *logrus.Logger
}

// newServer returns a ready-to-use Server wired with stores, auth manager and
// the session hub.
func newServer(users userStore, history historyReader, online presenceView, authMgr *auth.JWTManager, hub *session.Hub, opts serverOptions) *Server {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	s := &Server{
		users:       users,
		history:     history,
		online:      online,
		auth:        authMgr,
		hub:         hub,
		health:      opts.Health,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		log:         opts.Log.WithField("component", "api"),
		authLimiter: opts.AuthLimiter,
		clientIP:    opts.ClientIP,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

// routes builds the REST and WebSocket router.
func (s *Server) routes(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	authRoutes := api.PathPrefix("/auth").Subrouter()
	if s.authLimiter != nil {
		authRoutes.Use(middleware.RateLimitHTTP(s.authLimiter, s.clientIP))
	}
	authRoutes.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost, http.MethodOptions)
	authRoutes.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost, http.MethodOptions)

	protected := api.NewRoute().Subrouter()
	protected.Use(s.requireAuth)
	protected.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/users/me", s.handleUpdateProfile).Methods(http.MethodPatch, http.MethodOptions)
	protected.HandleFunc("/users/me/avatar", s.handleUpdateAvatar).Methods(http.MethodPut, http.MethodOptions)
	protected.HandleFunc("/users/{id}", s.handleGetUser).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/messages/{userId}", s.handleHistory).Methods(http.MethodGet, http.MethodOptions)

	return cors(allowedOrigins)(r)
}

// registerService registers the event stream on the given gRPC server.
func registerService(g *grpc.Server, s *Server) {
	g.RegisterService(&relayServiceDesc, s)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("request")
	})
}

// relayServiceDesc describes the single bidirectional stream. Frames are
// wire.Envelope values carried by the json codec.
var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*eventsServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    wire.StreamName,
		Handler:       eventsHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "securechat/v1/relay",
}

type eventsServer interface {
	Events(stream grpc.ServerStream) error
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(eventsServer).Events(stream)
}
