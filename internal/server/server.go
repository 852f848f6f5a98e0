// Package server wires the bridge together: dispatcher, host forwarding,
// command endpoints (TCP and NATS), audit storage and the ops HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/morezero/hostbridge/internal/config"
	"github.com/morezero/hostbridge/pkg/audit"
	"github.com/morezero/hostbridge/pkg/commsutil"
	"github.com/morezero/hostbridge/pkg/db"
	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/endpoint"
	"github.com/morezero/hostbridge/pkg/events"
	"github.com/morezero/hostbridge/pkg/hostcmd"
	"github.com/morezero/hostbridge/pkg/metrics"
	"github.com/morezero/hostbridge/pkg/policy"
	"github.com/morezero/hostbridge/pkg/schema"
	"github.com/morezero/hostbridge/pkg/transport"
)

const logPrefix = "server:server"

// Server is the hostbridge orchestrator.
type Server struct {
	cfg       *config.Config
	startedAt time.Time

	nc    *comms.Conn
	sub   *comms.Subscription
	pool  *pgxpool.Pool
	redis redis.UniversalClient

	disp      *dispatcher.Dispatcher
	adapter   *dispatcher.CommandAdapter
	forwarder *hostcmd.Forwarder
	promReg   *prometheus.Registry
	auditLog  auditLister

	endpoint   *endpoint.Server
	httpServer *http.Server
}

// Run starts the bridge, blocks until a shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting hostbridge", logPrefix))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - hostbridge is ready", logPrefix))

	<-ctx.Done()
	slog.Info(fmt.Sprintf("%s - Received shutdown signal", logPrefix))

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	s.Shutdown(shutdownCtx)

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// SetupLogging installs the default slog text handler at level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Build connects external dependencies and assembles the dispatcher. Optional
// dependencies that are unreachable are logged and left out.
func Build(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg, startedAt: time.Now()}

	// Step 1: NATS
	if cfg.COMMSURL != "" {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			if cfg.COMMSRequired {
				return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
			}
			slog.Warn(fmt.Sprintf("%s - NATS unavailable at %s, continuing without it: %v", logPrefix, cfg.COMMSURL, err))
		} else {
			s.nc = nc
			slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))
		}
	}

	// Step 2: audit storage
	sinks := audit.MultiSink{audit.LogSink{}}
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool

		if cfg.RunMigrations {
			migrations, err := db.LoadMigrations(cfg.MigrationPath)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrations); err != nil {
				s.Close()
				return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
		sinks = append(sinks, audit.NewPostgresSink(pool))
		s.auditLog = postgresLister(db.NewAuditRepository(pool))
	}
	if cfg.RedisURL != "" {
		client, err := audit.NewRedisClient(cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%s - invalid REDIS_URL: %w", logPrefix, err)
		}
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Warn(fmt.Sprintf("%s - Redis ping failed, audit writes may fail: %v", logPrefix, err))
		}
		s.redis = client
		rs := audit.NewRedisSink(client, cfg.AuditRedisKey, cfg.AuditRedisMax)
		sinks = append(sinks, rs)
		// Redis answers recent-history reads faster than Postgres.
		s.auditLog = redisLister(rs)
	}

	// Step 3: dispatcher and instrumentation
	s.promReg = prometheus.NewRegistry()
	s.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var publisher events.EventPublisher = &events.NoOpPublisher{}
	if s.nc != nil {
		publisher = events.NewCommsPublisher(s.nc, &events.CommsPublisherOpts{SubjectPrefix: cfg.EventPrefix})
	}

	s.disp = dispatcher.New(dispatcher.NewDispatcherParams{
		Instrumentation: dispatcher.MultiInstrumentation{
			metrics.New(s.promReg),
			events.NewInstrumentation(publisher, cfg.EventsOnStart),
		},
		AuditSink: sinks,
	})

	var pol dispatcher.PolicyFunc = dispatcher.AllowAll
	if cfg.PolicyFile != "" {
		rules, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%s - failed to load policy: %w", logPrefix, err)
		}
		pol = rules.Func()
		slog.Info(fmt.Sprintf("%s - Loaded policy from %s", logPrefix, cfg.PolicyFile))
	}
	s.adapter = dispatcher.NewCommandAdapter(s.disp,
		dispatcher.WithAdapterName("bridge"),
		dispatcher.WithPolicy(pol),
		dispatcher.WithAuditSink(sinks),
		dispatcher.WithDefaultTimeout(cfg.CommandTimeout),
	)

	// Step 4: host forwarding
	trCfg := cfg.Transport()
	var opts []transport.Option
	if cfg.HostViaComms && s.nc != nil {
		opts = append(opts, transport.WithConnection(transport.NewNATSConnection(s.nc, cfg.HostSubject, trCfg.Timeout)))
	}
	validators, err := schema.LoadDir(cfg.SchemaDir)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.forwarder = hostcmd.NewForwarder(transport.New(trCfg, opts...))
	if err := hostcmd.Register(s.disp, s.forwarder, cfg.HostCommands, false, validators); err != nil {
		s.Close()
		return nil, err
	}
	if err := hostcmd.RegisterPing(s.disp, s.startedAt); err != nil {
		s.Close()
		return nil, err
	}

	// Step 5: command endpoint
	if cfg.ListenAddr != "" {
		mode, err := endpoint.ParseMode(cfg.Framing)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.endpoint = endpoint.New(endpoint.Config{
			Addr:           cfg.ListenAddr,
			Mode:           mode,
			MaxMessageSize: trCfg.MaxMessageSize,
			ReadBufferSize: trCfg.BufferSize,
			IdleTimeout:    cfg.IdleTimeout,
		}, s.adapter)
	}

	return s, nil
}

// Start subscribes to the NATS command subject and starts the listeners.
func (s *Server) Start(ctx context.Context) error {
	if s.nc != nil {
		subject := s.cfg.CommandSubject
		if subject == "" {
			subject = commsutil.SubjectCommands
		}
		sub, err := s.nc.Subscribe(subject, s.commandHandler(ctx))
		if err != nil {
			return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
		}
		s.sub = sub
		slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, subject))
	}

	if s.endpoint != nil {
		go func() {
			if err := s.endpoint.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error(fmt.Sprintf("%s - command endpoint error: %v", logPrefix, err))
			}
		}()
	}

	if s.cfg.HTTPAddr != "" {
		s.httpServer = &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.routes()}
		go func() {
			slog.Info(fmt.Sprintf("%s - Ops HTTP server listening on %s", logPrefix, s.cfg.HTTPAddr))
			if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
				slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
			}
		}()
	}
	return nil
}

// Shutdown stops accepting work and waits for in-flight commands.
func (s *Server) Shutdown(ctx context.Context) {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.endpoint != nil {
		if err := s.endpoint.Shutdown(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - command endpoint shutdown: %v", logPrefix, err))
		}
	}
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
}

// Close releases external connections. It is safe on a partially built Server.
func (s *Server) Close() {
	if s.forwarder != nil {
		s.forwarder.Close()
	}
	if s.nc != nil {
		s.nc.Drain()
		s.nc = nil
	}
	if s.redis != nil {
		s.redis.Close()
		s.redis = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}
