package storesync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRefresher struct {
	mu         sync.Mutex
	requested  []ResourceKind
	reconciles int
}

func (f *fakeRefresher) Request(kind ResourceKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, kind)
	return true
}

func (f *fakeRefresher) Reconcile() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles++
	return 0
}

func sessionOf(id int64) func() (int64, bool) {
	return func() (int64, bool) { return id, true }
}

func noSession() (int64, bool) { return 0, false }

func TestRouterResolve(t *testing.T) {
	t.Parallel()

	all := AllKinds
	tests := []struct {
		name    string
		ev      InvalidationEvent
		session func() (int64, bool)
		want    []ResourceKind
	}{
		{"cache invalidated", InvalidationEvent{Type: EventCacheInvalidated, Kind: KindRecommendations}, noSession, []ResourceKind{KindRecommendations}},
		{"cache invalidated unknown", InvalidationEvent{Type: EventCacheInvalidated, Cache: "wishlist"}, noSession, nil},
		{"flash sales", InvalidationEvent{Type: EventFlashSalesUpdated}, noSession, []ResourceKind{KindFlashSales}},
		{"cart", InvalidationEvent{Type: EventCartUpdated}, noSession, []ResourceKind{KindCart}},
		{"profile for session user", InvalidationEvent{Type: EventProfileUpdated, UserID: 42, HasUserID: true}, sessionOf(42), []ResourceKind{KindProfile}},
		{"profile for other user", InvalidationEvent{Type: EventProfileUpdated, UserID: 41, HasUserID: true}, sessionOf(42), nil},
		{"profile without user id", InvalidationEvent{Type: EventProfileUpdated}, sessionOf(42), nil},
		{"profile without session", InvalidationEvent{Type: EventProfileUpdated, UserID: 0, HasUserID: true}, noSession, nil},
		{"all caches", InvalidationEvent{Type: EventAllCachesInvalidated}, noSession, all},
		{"poll tick", InvalidationEvent{Type: EventPollTick, Kind: KindComments}, noSession, []ResourceKind{KindComments}},
		{"revalidated", InvalidationEvent{Type: EventRevalidated, Kind: KindCart}, noSession, []ResourceKind{KindCart}},
		{"manual one", InvalidationEvent{Type: EventManual, Kind: KindProfile}, noSession, []ResourceKind{KindProfile}},
		{"manual all", InvalidationEvent{Type: EventManual, All: true}, noSession, all},
		{"unknown type", InvalidationEvent{Type: "weather"}, noSession, nil},
		{"pong", InvalidationEvent{Type: EventPong}, noSession, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeRefresher{}
			r := newRouter(MustDefaultRegistry(), f, tt.session, zap.NewNop(), nil)
			r.Route(tt.ev)
			assert.Equal(t, tt.want, f.requested)
			assert.Zero(t, f.reconciles)
		})
	}
}

func TestRouterConnectedReconcilesOnce(t *testing.T) {
	t.Parallel()

	f := &fakeRefresher{}
	r := newRouter(MustDefaultRegistry(), f, noSession, zap.NewNop(), nil)

	r.Route(InvalidationEvent{Type: EventConnected})
	r.Route(InvalidationEvent{Type: EventWelcome})
	r.Route(InvalidationEvent{Type: EventDisconnected})
	assert.Equal(t, 1, f.reconciles)
	assert.Empty(t, f.requested)
}

func TestRouterDuplicateInvalidationIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newCoordHarness(t, false)
	r := newRouter(MustDefaultRegistry(), h.c, noSession, zap.NewNop(), nil)
	h.fetcher.hold()

	ev := InvalidationEvent{Type: EventCacheInvalidated, Kind: KindBestsellers}
	r.Route(ev)
	r.Route(ev)

	h.fetcher.release()
	h.drain(t)
	assert.Equal(t, 1, h.fetcher.Calls(KindBestsellers))
	assert.Equal(t, 1, h.renderer.count(KindBestsellers))
}

func TestRouterAllCachesWithCommentsInFlight(t *testing.T) {
	t.Parallel()

	h := newCoordHarness(t, false)
	r := newRouter(MustDefaultRegistry(), h.c, noSession, zap.NewNop(), nil)
	h.fetcher.hold()

	require.True(t, h.c.Request(KindComments))
	r.Route(InvalidationEvent{Type: EventAllCachesInvalidated})

	h.fetcher.release()
	h.drain(t)
	for _, k := range AllKinds {
		assert.Equal(t, 1, h.fetcher.Calls(k), k)
	}
	assert.Equal(t, 6, h.fetcher.Total())
}

func TestRouterProfileMismatchNeverRefreshes(t *testing.T) {
	t.Parallel()

	h := newCoordHarness(t, false)
	r := newRouter(MustDefaultRegistry(), h.c, sessionOf(7), zap.NewNop(), nil)

	r.Route(InvalidationEvent{Type: EventProfileUpdated, UserID: 8, HasUserID: true})
	r.Route(InvalidationEvent{Type: EventProfileUpdated})
	h.drain(t)

	assert.Zero(t, h.fetcher.Total())
	_, ok := h.store.Get(KindProfile)
	assert.False(t, ok)
}
