package storesync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ResourceKind names one server-owned view the client keeps coherent.
type ResourceKind string

const (
	KindBestsellers     ResourceKind = "bestsellers"
	KindRecommendations ResourceKind = "recommendations"
	KindFlashSales      ResourceKind = "flash_sales"
	KindComments        ResourceKind = "comments"
	KindCart            ResourceKind = "cart"
	KindProfile         ResourceKind = "profile"
)

// AllKinds lists every kind in display order.
var AllKinds = []ResourceKind{
	KindBestsellers,
	KindRecommendations,
	KindFlashSales,
	KindComments,
	KindCart,
	KindProfile,
}

var ErrUnknownKind = errors.New("unknown resource kind")

// kindAliases maps the names the server uses on the wire to kinds.
var kindAliases = map[string]ResourceKind{
	"flash-sales":  KindFlashSales,
	"flashsales":   KindFlashSales,
	"top_comments": KindComments,
	"top-comments": KindComments,
	"user_profile": KindProfile,
	"user-profile": KindProfile,
}

func ParseKind(s string) (ResourceKind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range AllKinds {
		if string(k) == s {
			return k, true
		}
	}
	k, ok := kindAliases[s]
	return k, ok
}

// ResourcePolicy is the refresh policy of one kind. A kind that is not push
// eligible must be polled.
type ResourcePolicy struct {
	PushEligible bool
	PollInterval time.Duration
	TTL          time.Duration
	Path         string
}

func (p ResourcePolicy) validate() error {
	if p.PollInterval < 0 {
		return fmt.Errorf("negative poll interval")
	}
	if p.TTL < 0 {
		return fmt.Errorf("negative ttl")
	}
	if !p.PushEligible && p.PollInterval == 0 {
		return fmt.Errorf("not push eligible and no poll interval")
	}
	return nil
}

func DefaultPolicies() map[ResourceKind]ResourcePolicy {
	return map[ResourceKind]ResourcePolicy{
		KindBestsellers:     {PushEligible: true, PollInterval: 30 * time.Second, TTL: time.Hour, Path: "/api/bestsellers"},
		KindRecommendations: {PushEligible: true, PollInterval: 45 * time.Second, TTL: time.Hour, Path: "/api/recommendations"},
		KindFlashSales:      {PushEligible: true, TTL: 5 * time.Minute, Path: "/api/flash-sales"},
		KindComments:        {PollInterval: 60 * time.Second, TTL: 2 * time.Hour, Path: "/api/comments/top"},
		KindCart:            {PushEligible: true, TTL: 10 * time.Minute, Path: "/api/cart"},
		KindProfile:         {PushEligible: true, TTL: 30 * time.Minute, Path: "/api/user/profile"},
	}
}

// Registry is the immutable catalog of known kinds and their policies.
type Registry struct {
	policies map[ResourceKind]ResourcePolicy
	kinds    []ResourceKind
}

func NewRegistry(policies map[ResourceKind]ResourcePolicy) (*Registry, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("registry: no resources")
	}
	r := &Registry{policies: make(map[ResourceKind]ResourcePolicy, len(policies))}
	for name, p := range policies {
		k, ok := ParseKind(string(name))
		if !ok {
			return nil, fmt.Errorf("registry: %w: %q", ErrUnknownKind, name)
		}
		if _, dup := r.policies[k]; dup {
			return nil, fmt.Errorf("registry: %s given twice", k)
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("registry: %s: %w", k, err)
		}
		r.policies[k] = p
		r.kinds = append(r.kinds, k)
	}
	sort.Slice(r.kinds, func(i, j int) bool {
		return kindOrder(r.kinds[i]) < kindOrder(r.kinds[j])
	})
	return r, nil
}

// MustDefaultRegistry returns the registry built from DefaultPolicies.
func MustDefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultPolicies())
	if err != nil {
		panic(err)
	}
	return r
}

func kindOrder(k ResourceKind) int {
	for i, kk := range AllKinds {
		if kk == k {
			return i
		}
	}
	return len(AllKinds)
}

func (r *Registry) Has(kind ResourceKind) bool {
	_, ok := r.policies[kind]
	return ok
}

func (r *Registry) Policy(kind ResourceKind) (ResourcePolicy, bool) {
	p, ok := r.policies[kind]
	return p, ok
}

func (r *Registry) Kinds() []ResourceKind {
	out := make([]ResourceKind, len(r.kinds))
	copy(out, r.kinds)
	return out
}

func (r *Registry) PushEligible() []ResourceKind {
	var out []ResourceKind
	for _, k := range r.kinds {
		if r.policies[k].PushEligible {
			out = append(out, k)
		}
	}
	return out
}

func (r *Registry) Polled() []ResourceKind {
	var out []ResourceKind
	for _, k := range r.kinds {
		if r.policies[k].PollInterval > 0 {
			out = append(out, k)
		}
	}
	return out
}

// PollOnly returns kinds that never receive push invalidations.
func (r *Registry) PollOnly() []ResourceKind {
	var out []ResourceKind
	for _, k := range r.kinds {
		if !r.policies[k].PushEligible {
			out = append(out, k)
		}
	}
	return out
}

// KindForPath reverses Path lookups, used to attribute edge cache keys.
func (r *Registry) KindForPath(path string) (ResourceKind, bool) {
	for _, k := range r.kinds {
		if r.policies[k].Path == path {
			return k, true
		}
	}
	return "", false
}
