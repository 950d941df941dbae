package storesync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// message is anything the event loop consumes.
type message interface{ isMessage() }

func (InvalidationEvent) isMessage() {}
func (refreshDone) isMessage()       {}

const queueSize = 256

var ErrAlreadyRunning = errors.New("storesync: service already started")

type options struct {
	fetcher     Fetcher
	renderer    Renderer
	dialer      Dialer
	clock       clock.WithTicker
	logger      *zap.Logger
	promReg     *prometheus.Registry
	sessionUser *int64
	httpClient  *http.Client
}

type Option func(*options)

// WithFetcher replaces the HTTP fetcher. The edge cache is not used then.
func WithFetcher(f Fetcher) Option { return func(o *options) { o.fetcher = f } }

func WithRenderer(r Renderer) Option { return func(o *options) { o.renderer = r } }

func WithDialer(d Dialer) Option { return func(o *options) { o.dialer = d } }

func WithClock(c clock.WithTicker) Option { return func(o *options) { o.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetricsRegistry registers the service's metrics on reg instead of a
// private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.promReg = reg }
}

// WithSessionUser sets the user whose profile_updated events are honoured.
// It overrides session.user_id from the config.
func WithSessionUser(id int64) Option {
	return func(o *options) { o.sessionUser = &id }
}

func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// Service owns every component of the coherence subsystem, the event queue
// and the loop goroutine that consumes it.
type Service struct {
	cfg Config

	registry    *Registry
	store       *StatusStore
	coordinator *Coordinator
	router      *Router
	scheduler   *Scheduler
	conn        *ConnectionManager
	edge        *EdgeCache

	clock       clock.WithTicker
	logger      *zap.Logger
	metrics     *metrics
	promReg     *prometheus.Registry
	sessionUser *int64

	queue    chan message
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.RealClock{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.promReg == nil {
		o.promReg = prometheus.NewRegistry()
	}
	if o.sessionUser == nil {
		o.sessionUser = cfg.Session.UserID
	}

	registry, err := NewRegistry(cfg.Policies())
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		registry:    registry,
		store:       newStatusStore(registry),
		clock:       o.clock,
		logger:      o.logger,
		metrics:     newMetrics(o.promReg),
		promReg:     o.promReg,
		sessionUser: o.sessionUser,
		queue:       make(chan message, queueSize),
		stopCh:      make(chan struct{}),
	}

	fetcher := o.fetcher
	if fetcher == nil {
		hf := newHTTPFetcher(cfg.Origin, registry, o.httpClient, cfg.sessionHeader(), o.clock, s.Post, o.logger.Named("fetcher"))
		if cfg.EdgeCache.Enabled == nil || *cfg.EdgeCache.Enabled {
			edge, err := newEdgeCache(hf.get, EdgeCacheConfig{
				RAMMax:                cfg.ramMax,
				DiskPath:              cfg.EdgeCache.Disk.Path,
				DiskMax:               cfg.diskMax,
				RevalidateConcurrency: cfg.EdgeCache.RevalidateConcurrency,
				FetchTimeout:          cfg.fetchTimeout,
				OnChange:              hf.edgeChanged,
			}, o.clock, o.logger.Named("edge"), s.metrics)
			if err != nil {
				return nil, err
			}
			hf.edge = edge
			s.edge = edge
		}
		fetcher = hf
	}

	renderer := o.renderer
	if renderer == nil {
		renderer = LogRenderer(o.logger.Named("render"))
	}

	s.coordinator = newCoordinator(registry, s.store, fetcher, renderer, o.clock, s.post,
		coordinatorConfig{fetchTimeout: cfg.fetchTimeout, strict: cfg.Strict()},
		o.logger.Named("coordinator"), s.metrics)
	s.router = newRouter(registry, s.coordinator, s.session, o.logger.Named("router"), s.metrics)
	s.scheduler = newScheduler(o.clock, s.Post, o.logger.Named("poll"))

	dialer := o.dialer
	if dialer == nil {
		dialer = WebsocketDialer{
			URL:              cfg.Push.URL,
			Header:           cfg.sessionHeader(),
			HandshakeTimeout: cfg.handshakeTimeout,
			ReadLimit:        cfg.readLimit,
		}
	}
	s.conn = newConnectionManager(dialer, o.clock, s.Post, connectionConfig{
		backoff:   cfg.reconnectBackOff(),
		pingEvery: cfg.pingEvery,
	}, o.logger.Named("conn"), s.metrics)

	return s, nil
}

func (s *Service) session() (int64, bool) {
	if s.sessionUser == nil {
		return 0, false
	}
	return *s.sessionUser, true
}

// Post enqueues an event for the loop. It reports false once the service is
// shutting down.
func (s *Service) Post(ev InvalidationEvent) bool {
	return s.post(ev)
}

func (s *Service) post(m message) bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}
	select {
	case s.queue <- m:
		return true
	case <-s.stopCh:
		return false
	}
}

// Run starts the loop, the push channel and the poll timers, and blocks until
// ctx is done. Everything is torn down before it returns.
func (s *Service) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	s.logger.Info("starting",
		zap.String("origin", s.cfg.Origin),
		zap.String("push", s.cfg.Push.URL),
		zap.Bool("edge_cache", s.edge != nil),
		zap.String("mode", s.cfg.Mode))

	g, gctx := errgroup.WithContext(ctx)
	s.scheduler.Start(s.registry)

	g.Go(func() error {
		s.loop(gctx)
		return nil
	})
	g.Go(func() error {
		s.conn.Run(gctx)
		return nil
	})
	if every := s.cfg.logStatsEvery; every > 0 && s.edge != nil {
		g.Go(func() error {
			s.statsLoop(gctx, every)
			return nil
		})
	}

	err := g.Wait()
	s.shutdown()
	s.logger.Info("stopped")
	return err
}

// loop is the only goroutine that touches the coordinator and router.
func (s *Service) loop(ctx context.Context) {
	// push-eligible kinds load through the first reconciliation
	for _, k := range s.registry.PollOnly() {
		s.coordinator.Request(k)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.queue:
			s.dispatch(m)
		}
	}
}

func (s *Service) dispatch(m message) {
	switch m := m.(type) {
	case InvalidationEvent:
		s.router.Route(m)
	case refreshDone:
		s.coordinator.complete(m)
	}
}

// shutdown runs after the loop and the connection manager returned.
func (s *Service) shutdown() {
	s.stopOnce.Do(func() {
		// closing stopCh first unblocks poll goroutines stuck posting to a full
		// queue
		close(s.stopCh)
		s.scheduler.Stop()

		dropped := 0
	drain:
		for {
			select {
			case <-s.queue:
				dropped++
			default:
				break drain
			}
		}
		if dropped > 0 {
			s.logger.Debug("discarded queued events", zap.Int("count", dropped))
		}

		s.coordinator.shutdown()
		s.coordinator.wait()
		if s.edge != nil {
			s.edge.Close()
		}
	})
}

func (s *Service) statsLoop(ctx context.Context, every time.Duration) {
	t := s.clock.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			st := s.edge.Stats()
			s.logger.Info("edge cache",
				zap.Int("keys", st.Keys),
				zap.String("ram", formatBytes(uint64(st.RAMBytes))),
				zap.String("disk", formatBytes(uint64(st.DiskBytes))),
				zap.String("resp_min", formatBytes(st.Responses.MinBytes)),
				zap.String("resp_avg", formatBytes(st.Responses.AvgBytes)),
				zap.String("resp_max", formatBytes(st.Responses.MaxBytes)))
		}
	}
}

// KindStatus is the diagnostics view of one kind.
type KindStatus struct {
	Kind          ResourceKind `json:"kind"`
	Freshness     string       `json:"freshness"`
	InFlight      bool         `json:"in_flight"`
	LastSuccessAt *time.Time   `json:"last_success_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	Version       string       `json:"version,omitempty"`
	Refreshes     uint64       `json:"refreshes"`
	Failures      uint64       `json:"failures"`
	NextPoll      *time.Time   `json:"next_poll,omitempty"`
}

type Status struct {
	Connection string       `json:"connection"`
	Reconnects uint64       `json:"reconnects"`
	Kinds      []KindStatus `json:"kinds"`
	EdgeCache  *EdgeStats   `json:"edge_cache,omitempty"`
}

// Status is safe to call from any goroutine.
func (s *Service) Status() Status {
	now := s.clock.Now()
	st := Status{
		Connection: s.conn.State().String(),
		Reconnects: s.conn.Reconnects(),
	}
	for _, k := range s.registry.Kinds() {
		e, _ := s.store.Get(k)
		ks := KindStatus{
			Kind:      k,
			Freshness: s.store.Freshness(k, now).String(),
			InFlight:  e.InFlight,
			Version:   e.LastPayloadVersion,
			Refreshes: e.Refreshes,
			Failures:  e.Failures,
		}
		if !e.LastSuccessAt.IsZero() {
			t := e.LastSuccessAt
			ks.LastSuccessAt = &t
		}
		if e.LastError != nil {
			ks.LastError = e.LastError.Error()
		}
		if next, ok := s.scheduler.NextTick(k); ok {
			ks.NextPoll = &next
		}
		st.Kinds = append(st.Kinds, ks)
	}
	if s.edge != nil {
		es := s.edge.Stats()
		st.EdgeCache = &es
	}
	return st
}

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Store() *StatusStore { return s.store }

func (s *Service) ConnState() ConnState { return s.conn.State() }

// Gatherer exposes the service metrics for scraping.
func (s *Service) Gatherer() prometheus.Gatherer { return s.promReg }

// LogRenderer is the default renderer: it logs every refresh result.
func LogRenderer(logger *zap.Logger) Renderer {
	return RendererFunc(func(kind ResourceKind, res RefreshResult) {
		if res.Unavailable {
			logger.Warn("resource unavailable", zap.String("kind", string(kind)), zap.Error(res.Err))
			return
		}
		logger.Info("resource refreshed",
			zap.String("kind", string(kind)),
			zap.String("version", res.Payload.Version),
			zap.Int("bytes", len(res.Payload.Body)),
			zap.Bool("from_cache", res.Payload.FromCache))
	})
}
