// Package daemon assembles the mathdrill services into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/felixgeelhaar/mathdrill/internal/api"
	"github.com/felixgeelhaar/mathdrill/internal/auth"
	"github.com/felixgeelhaar/mathdrill/internal/changefeed"
	"github.com/felixgeelhaar/mathdrill/internal/config"
	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/exercise"
	"github.com/felixgeelhaar/mathdrill/internal/generator"
	"github.com/felixgeelhaar/mathdrill/internal/grading"
	"github.com/felixgeelhaar/mathdrill/internal/onboarding"
	"github.com/felixgeelhaar/mathdrill/internal/profile"
	"github.com/felixgeelhaar/mathdrill/internal/queue"
	"github.com/felixgeelhaar/mathdrill/internal/replenish"
)

// Server runs the HTTP API, the queue consumers and the change-feed relay
type Server struct {
	cfg       *config.Config
	server    *http.Server
	conn      *queue.Connection
	consumers []*queue.Consumer
	relay     *changefeed.Relay

	closeStore  func()
	closeRouter func() error

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer opens storage and the broker connection and wires every
// service. Nothing is consumed until Start.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	topology := Topology(cfg.Queue)
	conn, err := queue.NewConnection(cfg.Queue.URL, topology)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		conn.Close()
		closeStore()
		return nil, err
	}

	producerCfg := queue.DefaultProducerConfig()
	producerCfg.PublishTimeout = cfg.Queue.PublishTimeout
	producerCfg.MaxAttempts = cfg.Queue.PublishAttempts
	producer := queue.NewProducer(conn, topology, producerCfg)

	registry := exercise.NewRegistry()
	gen := generator.NewService(store, producer, registry, generator.Config{Parallelism: cfg.Generator.Parallelism})
	coord := grading.NewCoordinator(store, registry, cfg.Grading.StoreTimeout)
	watcher := replenish.NewWatcher(store, producer, Policy(cfg.Replenish))

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runCtx:     runCtx,
		cancel:     cancel,
		cfg:        cfg,
		conn:       conn,
		closeStore: closeStore,
		relay: changefeed.NewRelay(store, changefeed.Config{
			PollInterval: cfg.ChangeFeed.PollInterval,
			BatchSize:    cfg.ChangeFeed.BatchSize,
			Timeout:      cfg.ChangeFeed.Timeout,
		}, watcher.Handle),
	}

	consumerCfg := queue.ConsumerConfig{
		Workers:  cfg.Queue.Workers,
		Prefetch: cfg.Queue.Prefetch,
		Timeout:  cfg.Queue.HandlerTimeout,
	}
	for _, kind := range topology.Kinds {
		s.consumers = append(s.consumers,
			queue.NewConsumer(conn, topology.QueueName(queue.StageGenerate, kind), gen.Handler(kind), consumerCfg),
			queue.NewConsumer(conn, topology.QueueName(queue.StageGrade, kind), coord.Handler(kind), consumerCfg),
		)
	}

	handler, closeRouter := api.NewRouter(&api.App{
		Exercises: store,
		Submitter: grading.NewSubmitter(producer),
		Profiles:  profile.NewService(store),
		Seeder:    onboarding.NewSeeder(producer, cfg.Onboarding.Count),
		Broker:    conn,
		Verifier:  verifier,
		Options: api.Options{
			StrictStatus:         cfg.HTTP.StrictStatus,
			AllowedOrigins:       cfg.HTTP.AllowedOrigins,
			SubmissionsPerMinute: cfg.HTTP.SubmissionsPerMinute,
			RequestTimeout:       cfg.HTTP.WriteTimeout,
		},
	})
	s.closeRouter = closeRouter
	s.server = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return s, nil
}

// Start launches consumers and the relay, then serves HTTP until
// Shutdown. It returns http.ErrServerClosed after a clean shutdown or when
// Shutdown ran first. On any other error the caller still owns Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	for _, c := range s.consumers {
		if err := c.Start(s.runCtx); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("start consumer: %w", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.relay.Run(s.runCtx); err != nil {
			slog.Error("change feed relay stopped", "error", err)
		}
	}()
	s.mu.Unlock()

	slog.Info("starting mathdrill daemon",
		"addr", s.server.Addr,
		"storage", s.cfg.Storage.Driver,
		"consumers", len(s.consumers),
	)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, drains consumers and closes
// connections. Only the first call does any work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	slog.Info("shutting down daemon...")

	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	for _, c := range s.consumers {
		c.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	if cerr := s.closeRouter(); cerr != nil {
		slog.Warn("failed to close rate limiter", "error", cerr)
	}
	if cerr := s.conn.Close(); cerr != nil {
		slog.Warn("failed to close broker connection", "error", cerr)
	}
	s.closeStore()
	return err
}

// Topology maps queue settings onto exchange and queue names
func Topology(cfg config.QueueConfig) queue.Topology {
	t := queue.DefaultTopology()
	if cfg.GenerateExchange != "" {
		t.GenerateExchange = cfg.GenerateExchange
	}
	if cfg.GradeExchange != "" {
		t.GradeExchange = cfg.GradeExchange
	}
	if cfg.DeadLetterExchange != "" {
		t.DeadLetterExchange = cfg.DeadLetterExchange
	}
	if cfg.QueuePrefix != "" {
		t.QueuePrefix = cfg.QueuePrefix
	}
	return t
}

// Policy converts replenishment settings. Kind names were checked by
// config validation; unknown ones are ignored.
func Policy(cfg config.ReplenishConfig) replenish.Policy {
	p := replenish.Policy{
		Default: replenish.Threshold{Floor: cfg.Floor, Batch: cfg.Batch},
	}
	for name, th := range cfg.PerKind {
		kind, err := domain.ParseKind(name)
		if err != nil {
			continue
		}
		if p.PerKind == nil {
			p.PerKind = make(map[domain.Kind]replenish.Threshold)
		}
		p.PerKind[kind] = replenish.Threshold{Floor: th.Floor, Batch: th.Batch}
	}
	return p
}
