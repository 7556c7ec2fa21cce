package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/idpops/teststudio/pkg/compare"
	"github.com/idpops/teststudio/pkg/config"
	"github.com/idpops/teststudio/pkg/queue"
	"github.com/idpops/teststudio/pkg/replicate"
	"github.com/idpops/teststudio/pkg/store"
	"github.com/idpops/teststudio/pkg/submit"
	"github.com/idpops/teststudio/pkg/worker"
)

const (
	shutdownTimeout = 10 * time.Second

	// memoryQueuePollWindow is how long one worker Receive call waits
	// on the in-process queue before returning empty.
	memoryQueuePollWindow = time.Second
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	queue      queue.Queue
	submitter  *submit.Service
	comparer   *compare.Engine
	worker     worker.Worker
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start initializes the store, queue, and services, then starts the
// HTTP server and (when configured) the in-process execution worker.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if err := s.store.SeedTestSets(ctx, s.cfg.TestSets); err != nil {
		return fmt.Errorf("seeding test sets: %w", err)
	}

	q, err := buildQueue(s.log, &s.cfg.Queue)
	if err != nil {
		return fmt.Errorf("building queue: %w", err)
	}

	s.queue = q

	replicator := replicate.NewS3Replicator(
		s.log, &s.cfg.Storage, s.cfg.Worker.CopyConcurrency,
	)

	s.submitter = submit.NewService(
		s.log, s.store, s.queue, replicator, &s.cfg.Storage,
	)

	s.comparer = compare.NewEngine(s.log, s.store)

	if s.cfg.Worker.Enabled {
		opts := worker.Options{}

		if s.cfg.Worker.StaleAfter != "" {
			d, err := time.ParseDuration(s.cfg.Worker.StaleAfter)
			if err != nil {
				return fmt.Errorf("parsing worker.stale_after: %w", err)
			}

			opts.StaleAfter = d
		}

		if s.cfg.Worker.SweepInterval != "" {
			d, err := time.ParseDuration(s.cfg.Worker.SweepInterval)
			if err != nil {
				return fmt.Errorf("parsing worker.sweep_interval: %w", err)
			}

			opts.SweepInterval = d
		}

		s.worker = worker.NewWorker(
			s.log, s.store, s.queue, replicator, replicator, opts,
		)
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	// Start the worker after the API is listening so submissions and
	// finalize callbacks are reachable while the first message is
	// being processed.
	if s.worker != nil {
		if err := s.worker.Start(ctx); err != nil {
			return fmt.Errorf("starting worker: %w", err)
		}
	}

	return nil
}

// Stop gracefully shuts down the HTTP server, worker, and store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.worker != nil {
		if err := s.worker.Stop(); err != nil {
			s.log.WithError(err).Warn("Worker stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

// buildQueue constructs the configured work queue driver.
func buildQueue(
	log logrus.FieldLogger, cfg *config.QueueConfig,
) (queue.Queue, error) {
	switch cfg.Driver {
	case "memory":
		redeliverAfter, err := time.ParseDuration(cfg.RedeliverAfter)
		if err != nil {
			return nil, fmt.Errorf("parsing queue.redeliver_after: %w", err)
		}

		return queue.NewMemoryQueue(
			log, cfg.MaxReceives, redeliverAfter, memoryQueuePollWindow,
		), nil
	case "sqs":
		return queue.NewSQSQueue(log, &cfg.SQS)
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}
