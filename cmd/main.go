package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lightlink/signaling-service/pkg/config"
	"github.com/lightlink/signaling-service/pkg/logging"
	roomhttp "github.com/lightlink/signaling-service/pkg/room/application/delivery/http"
	roomws "github.com/lightlink/signaling-service/pkg/room/application/delivery/ws"
	"github.com/lightlink/signaling-service/pkg/room/application/roommanager"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/auth"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/presence"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/repository/inmemory"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/rpc/kurento"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/ws"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/ws/centrifugo"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "signaling",
		Short:         "WebRTC room signaling in front of a Kurento media server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Accept browser signaling connections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	config.BindFlags(serve.Flags())

	root.AddCommand(serve)
	return root
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthServer := health.NewServer()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.KurentoCallTimeout)
	kurentoClient, err := kurento.NewKurentoClient(dialCtx, cfg.KurentoURL, kurento.Options{
		CallTimeout:  cfg.KurentoCallTimeout,
		PingInterval: cfg.KurentoPingInterval,
		Logger:       logger.Named("kurento"),
		OnDisconnect: func(err error) {
			healthServer.SetServingStatus(roomhttp.HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
		},
	})
	cancel()
	if err != nil {
		return err
	}
	defer kurentoClient.Close()
	healthServer.SetServingStatus(roomhttp.HealthService, healthpb.HealthCheckResponse_SERVING)

	var presenceStore presence.Store = presence.NopStore{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "redis %s", cfg.RedisAddr)
		}
		store := presence.NewRedisStore(rdb, cfg.RedisPrefix)
		if err := store.Reset(ctx); err != nil {
			return errors.Wrap(err, "reset presence")
		}
		presenceStore = store
	}

	var feed ws.MessagingServer = ws.NopMessagingServer{}
	if cfg.CentrifugoURL != "" {
		feed = centrifugo.NewCentrifugoClient(cfg.CentrifugoURL, cfg.CentrifugoAPIKey)
	}

	registry := roommanager.NewRegistry(kurentoClient, inmemory.NewInMemoryRoomRepository(), roommanager.Options{
		Logger:         logger.Named("rooms"),
		Presence:       presenceStore,
		Feed:           feed,
		ReleaseTimeout: cfg.KurentoCallTimeout,
	})
	defer registry.Close()

	var tokens *auth.TokenManager
	if cfg.JWTSecret != "" {
		tokens = auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	}

	signaling := roomws.NewHandler(registry, roomws.HandlerOptions{
		Conn: roomws.ConnOptions{
			WriteWait:       cfg.WriteWait,
			PongWait:        cfg.PongWait,
			MaxMessageBytes: cfg.MaxMessageBytes,
			SendBuffer:      cfg.SendBuffer,
		},
		Tokens:             tokens,
		TakeoverDuplicates: cfg.TakeoverDuplicates,
		Logger:             logger.Named("signaling"),
	})

	router := mux.NewRouter()
	router.Handle(cfg.WSPath, signaling).Methods(http.MethodGet)
	roomhttp.NewRoomHandler(registry, presenceStore, tokens, healthServer, logger.Named("http")).Register(router)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("ws_path", cfg.WSPath))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Wrap(err, "http server")
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return errors.Wrapf(err, "listen %s", cfg.GRPCAddr)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		go func() {
			logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil {
				errc <- errors.Wrap(err, "grpc server")
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-kurentoClient.Done():
		logger.Warn("kurento connection lost, new negotiations will fail")
		select {
		case <-ctx.Done():
		case err = <-errc:
		}
	case err = <-errc:
	}

	healthServer.Shutdown()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	signaling.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return err
}
