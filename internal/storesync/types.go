package storesync

import (
	"net/http"
	"time"
)

// EdgeCacheRecord is a stored transport response. Its lifecycle is independent
// of CacheEntry: it caches bytes, not freshness.
type EdgeCacheRecord struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	Hash32   uint32

	// RevalidatedBy is "request" for records stored on a miss and "background"
	// for records written by a revalidation.
	RevalidatedBy string
}

func (r EdgeCacheRecord) OK() bool {
	return r.Status >= 200 && r.Status < 300
}
