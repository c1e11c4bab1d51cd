package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/auth"
	"github.com/PaulBabatuyi/securechat/internal/config"
	"github.com/PaulBabatuyi/securechat/internal/data"
	"github.com/PaulBabatuyi/securechat/internal/db"
	"github.com/PaulBabatuyi/securechat/internal/logging"
	"github.com/PaulBabatuyi/securechat/internal/mailbox"
	"github.com/PaulBabatuyi/securechat/internal/middleware"
	"github.com/PaulBabatuyi/securechat/internal/presence"
	"github.com/PaulBabatuyi/securechat/internal/relay"
	"github.com/PaulBabatuyi/securechat/internal/session"
	"github.com/PaulBabatuyi/securechat/internal/signaling"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// streamOpensPerMinute bounds how often one address may open the event
// stream.
const streamOpensPerMinute = 60

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "securechat-api",
		Short:         "End-to-end encrypted chat relay (REST, WebSocket and gRPC)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format, nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, log); err != nil {
				log.WithError(err).Error("server exited")
				return err
			}
			return nil
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

// newJWTManager uses JWT_KEYS when supplied so token rotation is possible and
// falls back to the single JWT_SECRET otherwise.
func newJWTManager(cfg config.JWTConfig) (*auth.JWTManager, error) {
	if cfg.Keys == "" {
		return auth.NewJWTManager(cfg.Secret, cfg.TTL), nil
	}
	keyMap, err := cfg.KeyMap()
	if err != nil {
		return nil, err
	}
	return auth.NewJWTManagerFromKeys(keyMap, cfg.ActiveKid, cfg.TTL), nil
}

// transitStore opens the configured backend for undelivered messages. The
// returned closer releases backend resources.
func transitStore(ctx context.Context, cfg *config.Config, dbClient *db.Client) (relay.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store.Backend {
	case config.BackendRedis:
		rdb, err := mailbox.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		store := mailbox.New(rdb, mailbox.Options{TransitTTL: cfg.Store.TransitTTL, ReceiptTTL: cfg.Store.ReceiptTTL})
		return store, rdb.Close, nil
	case config.BackendMemory:
		return relay.NewMemoryStore(cfg.Store.ReceiptTTL), noop, nil
	default:
		return data.NewMessagesStore(dbClient.MessagesCollection(), dbClient.ReceiptsCollection()), noop, nil
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	// Initialize database
	dbClient, err := db.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to DB: %w", err)
	}
	defer func() {
		_ = dbClient.Close(context.Background())
	}()

	// Ensure indexes exist
	if err := dbClient.CreateIndexes(ctx, cfg.Store.ReceiptTTL, cfg.Store.TransitTTL); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	users := data.NewUsersStore(dbClient.UsersCollection())
	store, closeStore, err := transitStore(ctx, cfg, dbClient)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	defer func() { _ = closeStore() }()

	jwtMgr, err := newJWTManager(cfg.JWT)
	if err != nil {
		return err
	}

	// core
	registry := presence.NewRegistry(users, log)
	messages := relay.New(store, registry, log)
	calls := signaling.NewCoordinator(registry, log, signaling.WithRingTimeout(cfg.Call.RingTimeout))

	eventLimiter := middleware.NewLimiterStore(cfg.RateLimit.EventsPerMinute, cfg.RateLimit.EventBurst, time.Minute)
	defer eventLimiter.Stop()
	hub := session.NewHub(registry, messages, calls, eventLimiter, session.Config{
		SendBuffer:   cfg.Session.SendBuffer,
		EventTimeout: cfg.Session.EventTimeout,
	}, log)

	// Build a rate limiter for register and login (small burst to allow a
	// couple of quick retries).
	authLimiter := middleware.NewLimiterStore(cfg.RateLimit.RPM, cfg.RateLimit.Burst, time.Minute)
	defer authLimiter.Stop()
	streamLimiter := middleware.NewLimiterStore(streamOpensPerMinute, 10, time.Minute)
	defer streamLimiter.Stop()

	proxies, err := middleware.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	srv := newServer(users, messages, registry, jwtMgr, hub, serverOptions{
		AuthLimiter:    authLimiter,
		Health:         dbClient.Ping,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ClientIP:       proxies.ClientIP,
		Log:            log,
	})

	// assemble gRPC server opts; TLS when certs are configured
	var serverOpts []grpc.ServerOption
	if cfg.TLS.Enabled() {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return fmt.Errorf("failed to load TLS certs: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}
	serverOpts = append(serverOpts, grpc.ChainStreamInterceptor(
		middleware.RateLimitStreamInterceptor(streamLimiter, map[string]bool{wire.EventsMethod: true}),
		authStreamInterceptor(jwtMgr),
	))
	grpcServer := grpc.NewServer(serverOpts...)
	registerService(grpcServer, srv)

	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Server.Port),
		Handler:           srv.routes(cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", net.JoinHostPort("", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", lis.Addr().String()).Info("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server exit: %w", err)
		}
	}()
	go func() {
		log.WithFields(logrus.Fields{"addr": httpServer.Addr, "store": cfg.Store.Backend, "tls": cfg.TLS.Enabled()}).Info("HTTP server listening")
		var err error
		if cfg.TLS.Enabled() {
			err = httpServer.ListenAndServeTLS(cfg.TLS.Cert, cfg.TLS.Key)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server exit: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// hijacked websockets are not tracked by http.Server, close them first
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("sessions did not drain")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown")
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	return runErr
}
