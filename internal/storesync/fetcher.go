package storesync

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// StatusError is a non-2xx origin answer.
type StatusError struct {
	Kind ResourceKind
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: origin answered %d %s", e.Kind, e.Code, http.StatusText(e.Code))
}

// HTTPFetcher loads resources from the storefront origin, reading through the
// edge cache when one is configured.
type HTTPFetcher struct {
	origin   string
	registry *Registry
	client   *http.Client
	header   http.Header
	clock    clock.PassiveClock
	emit     func(InvalidationEvent) bool
	logger   *zap.Logger

	edge *EdgeCache

	// settled holds paths whose stored record a background revalidation just
	// replaced. The next fetch of such a path reads the record as is, so a
	// changing body cannot feed revalidations back into itself.
	mu      sync.Mutex
	settled map[string]bool
}

func newHTTPFetcher(
	origin string,
	registry *Registry,
	client *http.Client,
	header http.Header,
	clk clock.PassiveClock,
	emit func(InvalidationEvent) bool,
	logger *zap.Logger,
) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{
		origin:   strings.TrimRight(origin, "/"),
		registry: registry,
		client:   client,
		header:   header,
		clock:    clk,
		emit:     emit,
		logger:   logger,
		settled:  map[string]bool{},
	}
}

// Fetch performs a single attempt; retries are left to the next trigger.
func (f *HTTPFetcher) Fetch(ctx context.Context, kind ResourceKind) (Payload, error) {
	policy, ok := f.registry.Policy(kind)
	if !ok {
		return Payload{}, fmt.Errorf("fetch %q: %w", kind, ErrUnknownKind)
	}

	var (
		rec       EdgeCacheRecord
		fromCache bool
		err       error
	)
	if f.edge != nil {
		var src EdgeSource
		if f.takeSettled(policy.Path) {
			rec, fromCache = f.edge.Peek(policy.Path)
		}
		if !fromCache {
			rec, src, err = f.edge.Get(ctx, policy.Path)
			fromCache = src == EdgeHit
		}
	} else {
		rec, err = f.get(ctx, policy.Path)
	}
	if err != nil {
		return Payload{}, fmt.Errorf("fetch %s: %w", kind, err)
	}
	if !rec.OK() {
		return Payload{}, &StatusError{Kind: kind, Code: rec.Status}
	}

	return Payload{
		Kind:      kind,
		Body:      rec.Body,
		Version:   payloadVersion(rec),
		Status:    rec.Status,
		FetchedAt: f.clock.Now(),
		FromCache: fromCache,
	}, nil
}

// get is the edge cache origin: one GET against the storefront.
func (f *HTTPFetcher) get(ctx context.Context, path string) (EdgeCacheRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.origin+path, nil)
	if err != nil {
		return EdgeCacheRecord{}, err
	}
	for k, vs := range f.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return EdgeCacheRecord{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return EdgeCacheRecord{}, err
	}
	return EdgeCacheRecord{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}

// edgeChanged turns a changed background revalidation into an event for the
// kind that owns the path.
func (f *HTTPFetcher) edgeChanged(path string) {
	kind, ok := f.registry.KindForPath(path)
	if !ok {
		return
	}
	f.mu.Lock()
	f.settled[path] = true
	f.mu.Unlock()
	if !f.emit(InvalidationEvent{Type: EventRevalidated, Kind: kind}) {
		f.takeSettled(path)
		f.logger.Debug("revalidated event dropped", zap.String("kind", string(kind)))
	}
}

func (f *HTTPFetcher) takeSettled(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.settled[path]
	delete(f.settled, path)
	return ok
}

func payloadVersion(rec EdgeCacheRecord) string {
	if etag := rec.Header.Get("ETag"); etag != "" {
		return etag
	}
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(rec.Body))
}
