// ABOUTME: Gateway orchestrator that wires store, queue, conversations and jobs
// ABOUTME: Manages the webhook HTTP server, queue workers and job scheduler lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/atende-gateway/internal/ai"
	"github.com/2389/atende-gateway/internal/blob"
	"github.com/2389/atende-gateway/internal/budget"
	"github.com/2389/atende-gateway/internal/config"
	"github.com/2389/atende-gateway/internal/conversation"
	"github.com/2389/atende-gateway/internal/dedupe"
	"github.com/2389/atende-gateway/internal/jobs"
	"github.com/2389/atende-gateway/internal/lock"
	"github.com/2389/atende-gateway/internal/messaging"
	"github.com/2389/atende-gateway/internal/queue"
	"github.com/2389/atende-gateway/internal/store"
)

// maxWebhookBody caps an inbound webhook request.
const maxWebhookBody = 1 << 20

// assistant is everything the conversation layer asks of the AI backend.
type assistant interface {
	ai.Responder
	ai.Summarizer
	ai.Ingestor
}

// Gateway orchestrates the atende-gateway server components.
type Gateway struct {
	config     *config.Config
	store      *store.SQLStore
	queue      queue.Queue
	dedupe     *dedupe.Cache
	blobs      *blob.FSStore
	contexts   *conversation.Manager
	dispatcher *conversation.Dispatcher
	scheduler  *jobs.Scheduler
	httpServer *http.Server
	logger     *slog.Logger

	// tenants maps a business phone_number_id to its tenant.
	tenants map[string]string

	closeOnce sync.Once
	closeErrs []error
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

type options struct {
	sender    messaging.Sender
	media     messaging.MediaFetcher
	assistant assistant
	queue     queue.Queue
}

// WithSender replaces the Cloud API client for outbound messages and media.
func WithSender(s messaging.Sender, media messaging.MediaFetcher) Option {
	return func(o *options) {
		o.sender = s
		o.media = media
	}
}

// WithAssistant replaces the configured assistant.
func WithAssistant(a assistant) Option {
	return func(o *options) { o.assistant = a }
}

// WithQueue replaces the configured job queue.
func WithQueue(q queue.Queue) Option {
	return func(o *options) { o.queue = q }
}

// initStore opens the configured database.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.SQLStore, error) {
	var (
		s   *store.SQLStore
		err error
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err = store.NewPostgresStore(ctx, cfg.Database.DSN, logger)
	default:
		s, err = store.NewSQLiteStore(cfg.Database.Path, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initQueue builds the configured job queue.
func initQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, error) {
	if cfg.Queue.Driver != config.QueueAMQP {
		return queue.NewMemoryQueue(cfg.Queue.BufferSize, logger), nil
	}
	q, err := queue.DialAMQP(ctx, queue.AMQPConfig{
		URL:        cfg.Queue.AMQP.URL,
		Exchange:   cfg.Queue.AMQP.Exchange,
		Queue:      cfg.Queue.AMQP.Queue,
		RoutingKey: cfg.Queue.AMQP.RoutingKey,
		Prefetch:   cfg.Queue.AMQP.Prefetch,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	return q, nil
}

// initAssistant builds the OpenAI-backed assistant, or the scripted one when
// no API key is configured.
func initAssistant(cfg *config.Config, history ai.HistorySource, logger *slog.Logger) assistant {
	if cfg.AI.APIKey == "" {
		logger.Warn("ai.api_key not set, using the scripted echo assistant")
		return ai.NewScriptedResponder()
	}
	b := cfg.AI.Budget
	budgets := budget.New(budget.Config{
		Alpha:         b.Alpha,
		DefaultInput:  b.DefaultInput,
		MinInput:      b.MinInput,
		MaxInput:      b.MaxInput,
		DefaultOutput: b.DefaultOutput,
		MinOutput:     b.MinOutput,
		MaxOutput:     b.MaxOutput,
	})
	return ai.NewOpenAIResponder(ai.OpenAIConfig{
		APIKey:       cfg.AI.APIKey,
		BaseURL:      cfg.AI.BaseURL,
		Model:        cfg.AI.Model,
		Timeout:      cfg.AI.Timeout,
		SystemPrompt: cfg.AI.SystemPrompt,
		History:      history,
	}, budgets, logger)
}

// initLocker picks the advisory lock matching the database.
func initLocker(cfg *config.Config, s *store.SQLStore, logger *slog.Logger) lock.Locker {
	if cfg.Database.Driver == config.DriverPostgres {
		return lock.NewPostgresLocker(s.DB(), logger)
	}
	return lock.NewLocalLocker()
}

// New creates a new Gateway instance with the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s, err := initStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:  cfg,
		store:   s,
		logger:  logger.With("component", "gateway"),
		tenants: make(map[string]string, len(cfg.Messaging.Tenants)),
	}
	ok := false
	defer func() {
		if !ok {
			gw.closeComponents()
		}
	}()

	creds := make(map[string]messaging.TenantCredentials, len(cfg.Messaging.Tenants))
	for id, t := range cfg.Messaging.Tenants {
		creds[id] = messaging.TenantCredentials{PhoneNumberID: t.PhoneNumberID, Token: t.Token}
		gw.tenants[t.PhoneNumberID] = id
	}
	if o.sender == nil {
		cloud := messaging.NewCloudClient(messaging.CloudConfig{
			BaseURL:       cfg.Messaging.BaseURL,
			RatePerSecond: cfg.Messaging.RatePerSecond,
			Burst:         cfg.Messaging.Burst,
			Timeout:       cfg.Messaging.Timeout,
			Tenants:       creds,
		}, nil, logger)
		o.sender, o.media = cloud, cloud
	}
	if o.assistant == nil {
		o.assistant = initAssistant(cfg, s, logger)
	}

	gw.queue = o.queue
	if gw.queue == nil {
		if gw.queue, err = initQueue(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	if gw.blobs, err = blob.NewFSStore(cfg.Archive.Dir, logger); err != nil {
		return nil, fmt.Errorf("initializing archive store: %w", err)
	}

	gw.dedupe = dedupe.New(dedupe.Options{
		MaxSize:       cfg.Idempotency.MaxEntries,
		SweepInterval: cfg.Idempotency.SweepInterval,
	})

	gw.contexts = conversation.NewManager(conversation.Deps{
		Store:               s,
		Sender:              o.sender,
		AI:                  o.assistant,
		Summarizer:          o.assistant,
		Ingestor:            o.assistant,
		Media:               o.media,
		Intents:             gw.queue,
		LogRotationMaxBytes: cfg.Jobs.LogRotationMaxBytes,
		SummaryTimeout:      cfg.AI.Timeout,
		Logger:              logger,
	}, conversation.ManagerOptions{
		IdleTTL:       cfg.Contexts.IdleTTL,
		SweepInterval: cfg.Contexts.SweepInterval,
	})
	gw.dispatcher = conversation.NewDispatcher(gw.contexts, gw.dedupe, cfg.Idempotency.TTL, logger)

	gw.scheduler = newScheduler(cfg, s, gw.contexts.Coordinator(), gw.contexts, gw.blobs, initLocker(cfg, s, logger), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.HandleFunc("/webhook", gw.handleWebhook)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return gw, nil
}

func newScheduler(cfg *config.Config, s *store.SQLStore, closer jobs.ConversationCloser, expirer jobs.AISessionExpirer, blobs blob.Store, locker lock.Locker, logger *slog.Logger) *jobs.Scheduler {
	j := cfg.Jobs
	autoClose := jobs.NewAutoClose(s, closer, jobs.AutoCloseConfig{
		SLA:  j.SLA(),
		Idle: j.Idle(),
	}, logger)
	aiTimeout := jobs.NewAITimeout(s, expirer, jobs.AITimeoutConfig{
		Idle:      j.AIIdle(),
		BatchSize: j.BatchSize,
	}, logger)
	archive := jobs.NewArchive(s, blobs, jobs.ArchiveConfig{
		Delay:      j.ArchiveDelay(),
		PurgeGrace: j.PurgeGrace(),
		Timeout:    cfg.Archive.Timeout,
		BatchSize:  j.BatchSize,
	}, logger)
	purge := jobs.NewPurge(s, blobs, jobs.PurgeConfig{
		Timeout:   cfg.Archive.Timeout,
		BatchSize: j.BatchSize,
	}, logger)

	return jobs.NewScheduler(locker, logger,
		jobs.Entry{Job: autoClose, Interval: j.AutoCloseInterval},
		jobs.Entry{Job: archive, Interval: j.ArchiveInterval},
		jobs.Entry{Job: purge, Interval: j.PurgeInterval},
		jobs.Entry{Job: aiTimeout, Interval: j.AITimeoutInterval},
	)
}

// Handler returns the HTTP handler serving health and webhook endpoints.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startWorkers launches the queue consumers.
func (g *Gateway) startWorkers(ctx context.Context) error {
	return g.queue.StartConsumer(ctx, g.dispatcher.Handle, queue.ConsumerOptions{
		Concurrency: g.config.Queue.Concurrency,
	})
}

// Run serves the webhook, consumes the queue and runs the job scheduler
// until ctx is canceled or a component fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	grp, ctx := errgroup.WithContext(ctx)

	if err := g.startWorkers(ctx); err != nil {
		_ = ln.Close()
		g.closeComponents()
		return fmt.Errorf("starting queue workers: %w", err)
	}

	g.logger.Info("starting gateway",
		"http_addr", ln.Addr().String(),
		"database", g.config.Database.Driver,
		"queue", g.config.Queue.Driver,
		"tenants", len(g.tenants),
	)

	grp.Go(func() error {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		return g.scheduler.Run(ctx)
	})
	grp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return grp.Wait()
}

// RunJob runs one maintenance job once, under its lock, and closes the gateway.
func (g *Gateway) RunJob(ctx context.Context, name string) (lock.Outcome, jobs.Stats, error) {
	defer g.closeComponents()
	return g.scheduler.RunOnce(ctx, name)
}

// ReadLog returns a conversation log with its messages, from the archive
// once purged, and closes the gateway.
func (g *Gateway) ReadLog(ctx context.Context, id string) (*store.ConversationLog, []*store.LogMessage, error) {
	defer g.closeComponents()
	return jobs.ReadLog(ctx, g.store, g.blobs, id)
}

// UsageStats aggregates recorded assistant usage and closes the gateway.
func (g *Gateway) UsageStats(ctx context.Context, filter store.UsageFilter) (*store.UsageStats, error) {
	defer g.closeComponents()
	return g.store.GetUsageStats(ctx, filter)
}

// JobNames lists the maintenance jobs RunJob accepts.
func (g *Gateway) JobNames() []string {
	return g.scheduler.Names()
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything but the HTTP server, once. Nil
// components are skipped so a partially built gateway can be closed.
func (g *Gateway) closeComponents() []error {
	g.closeOnce.Do(func() { g.closeErrs = g.releaseComponents() })
	return g.closeErrs
}

func (g *Gateway) releaseComponents() []error {
	var errs []error
	if g.queue != nil {
		errs = appendCloseError(errs, "queue close", g.queue.Close())
	}
	if g.contexts != nil {
		g.contexts.Close()
	}
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.blobs != nil {
		errs = appendCloseError(errs, "archive close", g.blobs.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// Shutdown stops accepting webhooks, then closes the queue and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.DB().PingContext(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live conversations)", g.contexts.Len())
}
