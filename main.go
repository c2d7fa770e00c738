// main.go - Entry point
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gocql/gocql"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "waitingroom-core",
		Short:        "Admission control core for the virtual waiting room",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API, task worker and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context())
		},
	}

	var resetEventID string
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Zero the counters and rebuild the durable tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd.Context(), resetEventID)
		},
	}
	resetCmd.Flags().StringVar(&resetEventID, "event-id", "", "event id, must match the configured EVENT_ID")
	resetCmd.MarkFlagRequired("event-id")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create missing counters and the durable schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context())
		},
	}

	root.AddCommand(serveCmd, reconcileCmd, resetCmd, initCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// services holds the wired stores and domain services shared by every
// command.
type services struct {
	cfg       Config
	redis     *redis.Client
	cassandra *gocql.Session

	counters CounterStore

	reconcile *ReconcileService
	reset     *ResetService
}

func buildServices() (*services, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:      cfg.RedisAddr(),
		Password:  cfg.RedisAuth,
		TLSConfig: redisTLSConfig(cfg),
	})

	cluster := gocql.NewCluster(cfg.CassandraHosts...)
	cluster.Port = cfg.CassandraPort
	cluster.Timeout = 10 * time.Second
	if cfg.CassandraUsername != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.CassandraUsername,
			Password: cfg.CassandraPassword,
		}
	}
	// No default keyspace: every statement is keyspace-qualified and the
	// session must work before init has created the keyspace.
	session, err := cluster.CreateSession()
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to cassandra: %w", err)
	}

	counters := NewRedisCounters(redisClient)
	durable := NewCassandraStore(session, cfg)
	tables := NewCassandraAdmin(session, cfg)
	notifier := NewNotifier(cfg)

	return &services{
		cfg:       cfg,
		redis:     redisClient,
		cassandra: session,
		counters:  counters,
		reconcile: NewReconcileService(counters, durable, notifier, cfg),
		reset:     NewResetService(counters, tables, cfg),
	}, nil
}

func (s *services) close() {
	s.cassandra.Close()
	s.redis.Close()
}

func redisTLSConfig(cfg Config) *tls.Config {
	if !cfg.RedisTLS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func runServe() error {
	s, err := buildServices()
	if err != nil {
		return err
	}
	defer s.close()

	bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = s.reset.Bootstrap(bootCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	handlers := NewHandlers(s.reconcile, s.reset, s.counters, s.cfg)

	redisOpt := asynq.RedisClientOpt{
		Addr:      s.cfg.RedisAddr(),
		Password:  s.cfg.RedisAuth,
		TLSConfig: redisTLSConfig(s.cfg),
	}
	go startAsynqServer(redisOpt, handlers, s.cfg)

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	setupRoutes(e, handlers)

	go func() {
		if err := e.Start(s.cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
	return nil
}

func runReconcile(ctx context.Context) error {
	s, err := buildServices()
	if err != nil {
		return err
	}
	defer s.close()

	return s.reconcile.ReconcileExpiredPositions(ctx)
}

func runReset(ctx context.Context, eventID string) error {
	s, err := buildServices()
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResetTimeout)
	defer cancel()

	return s.reset.Reset(ctx, eventID)
}

func runInit(ctx context.Context) error {
	s, err := buildServices()
	if err != nil {
		return err
	}
	defer s.close()

	return s.reset.Bootstrap(ctx)
}
