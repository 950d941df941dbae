package storesync

import (
	"go.uber.org/zap"
)

// refresher is the part of Coordinator the router drives.
type refresher interface {
	Request(kind ResourceKind) bool
	Reconcile() int
}

// Router maps invalidation events to resource kinds. It does not deduplicate;
// the coordinator does.
type Router struct {
	registry *Registry
	target   refresher
	session  func() (int64, bool)

	logger  *zap.Logger
	metrics *metrics
}

func newRouter(registry *Registry, target refresher, session func() (int64, bool), logger *zap.Logger, m *metrics) *Router {
	return &Router{
		registry: registry,
		target:   target,
		session:  session,
		logger:   logger,
		metrics:  m,
	}
}

// Resolve returns the kinds an event invalidates. Connected events are not
// resolved here; they trigger a reconciliation.
func (r *Router) Resolve(ev InvalidationEvent) []ResourceKind {
	switch ev.Type {
	case EventCacheInvalidated, EventPollTick, EventRevalidated:
		if ev.Kind == "" || !r.registry.Has(ev.Kind) {
			r.logger.Debug("event names no known resource",
				zap.String("type", string(ev.Type)), zap.String("cache", ev.Cache))
			return nil
		}
		return []ResourceKind{ev.Kind}

	case EventManual:
		if ev.All {
			return r.registry.Kinds()
		}
		if ev.Kind == "" || !r.registry.Has(ev.Kind) {
			return nil
		}
		return []ResourceKind{ev.Kind}

	case EventFlashSalesUpdated:
		return r.only(KindFlashSales)

	case EventCartUpdated:
		return r.only(KindCart)

	case EventProfileUpdated:
		if !ev.HasUserID {
			r.logger.Debug("profile update without user id dropped")
			return nil
		}
		uid, ok := r.session()
		if !ok || uid != ev.UserID {
			r.logger.Debug("profile update for another user dropped", zap.Int64("user_id", ev.UserID))
			return nil
		}
		return r.only(KindProfile)

	case EventAllCachesInvalidated:
		return r.registry.Kinds()
	}
	return nil
}

func (r *Router) only(kind ResourceKind) []ResourceKind {
	if !r.registry.Has(kind) {
		return nil
	}
	return []ResourceKind{kind}
}

// Route dispatches one event.
func (r *Router) Route(ev InvalidationEvent) {
	r.metrics.eventRouted(ev.Type)

	switch ev.Type {
	case EventConnected:
		n := r.target.Reconcile()
		r.logger.Info("push channel open, reconciling", zap.Int("started", n))
		return
	case EventDisconnected:
		r.logger.Info("push channel lost")
		return
	case EventWelcome, EventPong:
		return
	}

	for _, k := range r.Resolve(ev) {
		r.target.Request(k)
	}
}
