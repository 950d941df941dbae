package storesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Payload is a successfully fetched resource body.
type Payload struct {
	Kind      ResourceKind
	Body      []byte
	Version   string
	Status    int
	FetchedAt time.Time
	FromCache bool
}

// RefreshResult is handed to the renderer. Exactly one of Payload and
// Unavailable is set.
type RefreshResult struct {
	Payload     *Payload
	Unavailable bool
	Err         error
}

// Fetcher retrieves the current payload of a kind. It must not retry.
type Fetcher interface {
	Fetch(ctx context.Context, kind ResourceKind) (Payload, error)
}

type FetcherFunc func(ctx context.Context, kind ResourceKind) (Payload, error)

func (f FetcherFunc) Fetch(ctx context.Context, kind ResourceKind) (Payload, error) {
	return f(ctx, kind)
}

// Renderer receives every completed refresh.
type Renderer interface {
	OnResourceRefreshed(kind ResourceKind, res RefreshResult)
}

type RendererFunc func(kind ResourceKind, res RefreshResult)

func (f RendererFunc) OnResourceRefreshed(kind ResourceKind, res RefreshResult) { f(kind, res) }

// refreshDone carries a fetch result back onto the event loop.
type refreshDone struct {
	kind    ResourceKind
	payload Payload
	err     error
}

// Coordinator runs at most one fetch per kind at a time. Request and complete
// are called only from the event loop; fetches run on their own goroutines and
// report back through post.
type Coordinator struct {
	registry *Registry
	store    *StatusStore
	fetcher  Fetcher
	renderer Renderer
	clock    clock.PassiveClock
	post     func(message) bool

	fetchTimeout time.Duration
	strict       bool

	logger  *zap.Logger
	metrics *metrics

	wg       sync.WaitGroup
	tornDown bool
}

type coordinatorConfig struct {
	fetchTimeout time.Duration
	strict       bool
}

func newCoordinator(
	registry *Registry,
	store *StatusStore,
	fetcher Fetcher,
	renderer Renderer,
	clk clock.PassiveClock,
	post func(message) bool,
	cfg coordinatorConfig,
	logger *zap.Logger,
	m *metrics,
) *Coordinator {
	if cfg.fetchTimeout <= 0 {
		cfg.fetchTimeout = 30 * time.Second
	}
	return &Coordinator{
		registry:     registry,
		store:        store,
		fetcher:      fetcher,
		renderer:     renderer,
		clock:        clk,
		post:         post,
		fetchTimeout: cfg.fetchTimeout,
		strict:       cfg.strict,
		logger:       logger,
		metrics:      m,
	}
}

// Request starts a refresh of kind unless one is already in flight. It reports
// whether a fetch was started.
func (c *Coordinator) Request(kind ResourceKind) bool {
	if c.tornDown {
		return false
	}
	if !c.registry.Has(kind) {
		c.unknownKind(kind)
		return false
	}
	c.metrics.refreshRequested(kind)

	if !c.store.begin(kind, c.clock.Now()) {
		c.metrics.refreshCoalesced(kind)
		c.logger.Debug("refresh already in flight", zap.String("kind", string(kind)))
		return false
	}

	c.metrics.fetchStarted(kind)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		defer cancel()

		p, err := c.fetch(ctx, kind)
		c.post(refreshDone{kind: kind, payload: p, err: err})
	}()
	return true
}

// Reconcile requests every push-eligible kind. Invalidations may have been
// missed while the push channel was down.
func (c *Coordinator) Reconcile() int {
	n := 0
	for _, k := range c.registry.PushEligible() {
		if c.Request(k) {
			n++
		}
	}
	return n
}

func (c *Coordinator) fetch(ctx context.Context, kind ResourceKind) (p Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch %s panicked: %v", kind, r)
		}
	}()
	p, err = c.fetcher.Fetch(ctx, kind)
	if err == nil && p.Kind == "" {
		p.Kind = kind
	}
	return p, err
}

func (c *Coordinator) complete(d refreshDone) {
	if c.tornDown {
		return
	}
	log := c.logger.With(zap.String("kind", string(d.kind)))

	if d.err != nil {
		c.store.fail(d.kind, d.err)
		c.metrics.fetchFailed(d.kind)
		log.Warn("refresh failed", zap.Error(d.err))
		c.render(d.kind, RefreshResult{Unavailable: true, Err: d.err})
		return
	}

	now := c.clock.Now()
	if d.payload.FetchedAt.IsZero() {
		d.payload.FetchedAt = now
	}
	c.store.succeed(d.kind, d.payload.Version, now)
	log.Debug("refresh done",
		zap.String("version", d.payload.Version),
		zap.Int("bytes", len(d.payload.Body)),
		zap.Bool("from_cache", d.payload.FromCache))
	p := d.payload
	c.render(d.kind, RefreshResult{Payload: &p})
}

func (c *Coordinator) render(kind ResourceKind, res RefreshResult) {
	if c.renderer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("renderer panic", zap.String("kind", string(kind)), zap.Any("panic", r))
		}
	}()
	c.renderer.OnResourceRefreshed(kind, res)
}

// unknownKind signals a registry/router mismatch.
func (c *Coordinator) unknownKind(kind ResourceKind) {
	if c.strict {
		panic(fmt.Sprintf("storesync: refresh requested for %v: %q", ErrUnknownKind, kind))
	}
	c.logger.Error("refresh requested for unknown kind", zap.String("kind", string(kind)))
}

// shutdown refuses new requests and discards every completion that arrives
// afterwards. Running fetches are left to finish within their timeout.
func (c *Coordinator) shutdown() {
	c.tornDown = true
}

// wait blocks until in-flight fetches have returned. Each is bounded by the
// fetch timeout.
func (c *Coordinator) wait() {
	c.wg.Wait()
}
