package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"board-sync/api"
	"board-sync/config"
	"board-sync/position"
	"board-sync/realtime"
	"board-sync/relay"
	"board-sync/storage"
	"board-sync/telemetry"
)

func newRootCmd() *cobra.Command {
	var envFiles []string
	root := &cobra.Command{
		Use:           "board-sync",
		Short:         "Realtime ordering and presence service for collaborative boards",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load before reading the environment (default .env)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return cfg, err
		}
		if cfg.Debug {
			log.SetLevel(log.DebugLevel)
		}
		return cfg, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			store, err := storage.Open(cfg.DatabaseURL, 1)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("schema up to date")
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "storage-init",
		Short: "Create the Azure tables and queues the service uses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.StorageConnectionString == "" {
				return errors.New("missing STORAGE_CONNECTION_STRING")
			}
			log.Info("storage init starting")
			res, err := storage.Provision(cmd.Context(), cfg.StorageConnectionString, storage.Resources{
				Tables: []string{cfg.MembersTable},
				Queues: []string{cfg.NotificationQueue, cfg.RelayQueue},
			})
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"created":  res.Created,
				"existing": res.Existing,
			}).Info("storage init complete")
			return nil
		},
	})
	return root
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := log.New()
	logger.SetLevel(log.GetLevel())

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OtelServiceName, cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	store, err := storage.Open(cfg.DatabaseURL, cfg.DBMaxOpenConns)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	engine := position.NewEngine(store, logger, cfg.PositionMaxRetries)

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisConnectionString))
		defer rc.Close()
	}

	members, err := membership(cfg, store, rc)
	if err != nil {
		return err
	}

	var notifier api.Notifier
	if cfg.Notifier == config.NotifierQueue {
		q, err := storage.NewQueueNotifier(cfg.StorageConnectionString, cfg.NotificationQueue)
		if err != nil {
			return fmt.Errorf("notification queue: %w", err)
		}
		notifier = q
	}

	var (
		presence  realtime.PresenceStore
		transport realtime.Transport
		backplane *realtime.RedisBackplane
		shared    *realtime.RedisPresence
	)
	if cfg.PresenceBackend == config.BackendRedis {
		shared = realtime.NewRedisPresence(rc, cfg.PresenceTTL)
		presence = shared
		backplane = realtime.NewRedisBackplane(rc, cfg.BackplaneChannel, logger)
		transport = backplane
	}
	hub := realtime.NewHub(presence, transport, cfg.SendBuffer, logger)

	auth, err := newAuth(cfg)
	if err != nil {
		return err
	}
	defer auth.Close()

	var dedupe relay.Deduper
	if rc != nil {
		dedupe = relay.NewRedisDeduper(rc, cfg.RelayDedupeTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(api.DecompressRequests(api.MaxBodyBytes))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Connection-ID"},
	}))
	stopNotifications := api.Register(e, api.Services{
		Store:    store,
		Engine:   engine,
		Members:  members,
		Auth:     auth,
		Hub:      hub,
		Notifier: notifier,
		Pool: api.PoolOptions{
			Workers:        cfg.NotifyWorkers,
			Buffer:         cfg.NotifyBuffer,
			Timeout:        cfg.NotifyTimeout,
			HandoffTimeout: cfg.NotifyHandoffTimeout,
		},
		RelayToken:  cfg.RelayToken,
		RelayDedupe: dedupe,
		Log:         logger,
	})

	var consumer *relay.QueueConsumer
	if cfg.RelayQueue != "" {
		inv, _ := members.(relay.Invalidator)
		applier := relay.NewApplier(hub.Router, inv)
		if dedupe != nil {
			applier.WithDeduper(dedupe)
		}
		consumer, err = relay.NewQueueConsumer(cfg.StorageConnectionString, cfg.RelayQueue, applier, logger)
		if err != nil {
			stopNotifications()
			return fmt.Errorf("relay queue: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.ListenAddr()).Info("listening")
		if err := e.Start(cfg.ListenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if backplane != nil {
		g.Go(func() error {
			backplane.Run(gctx, hub.Router.Deliver)
			return nil
		})
	}
	if shared != nil {
		g.Go(func() error {
			hub.Rooms.KeepAlive(gctx, shared.RefreshInterval())
			return nil
		})
	}
	if consumer != nil {
		g.Go(func() error {
			consumer.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := e.Shutdown(sctx)
		hub.Shutdown(sctx)
		stopNotifications()
		if terr := shutdownTracing(sctx); terr != nil {
			logger.WithError(terr).Warn("flush traces")
		}
		return err
	})
	return g.Wait()
}

func membership(cfg config.Config, store *storage.Store, rc *redis.Client) (api.Membership, error) {
	var base api.Membership
	switch cfg.MembershipBackend {
	case config.BackendTable:
		t, err := storage.NewTableMembers(cfg.StorageConnectionString, cfg.MembersTable)
		if err != nil {
			return nil, fmt.Errorf("members table: %w", err)
		}
		base = t
	default:
		base = storage.NewMembers(store.DB())
	}
	if rc != nil && cfg.MembershipCacheTTL > 0 {
		return storage.NewMemberCache(base, rc, cfg.MembershipCacheTTL), nil
	}
	return base, nil
}

func newAuth(cfg config.Config) (*api.Auth, error) {
	opts := api.AuthOptions{
		LocalMode:   cfg.LocalAuthMode,
		LocalSecret: cfg.LocalAuthSharedSecret,
	}
	if cfg.LocalAuthMode != "" {
		return api.NewAuth(nil, opts)
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
		RefreshInterval:   cfg.JWKSCacheTTL,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	opts.Audience = cfg.Auth0Audience
	opts.Issuer = cfg.Issuer()
	return api.NewAuth(jwks, opts)
}

// redisOptions accepts both redis:// URLs and the Azure
// "host:port,password=...,ssl=True" form.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
