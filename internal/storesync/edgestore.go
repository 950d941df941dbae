package storesync

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

func init() {
	gob.Register(http.Header{})
}

// tieredStore keeps edge records in a byte-bounded RAM LRU that spills to an
// optional leveldb tier.
type tieredStore struct {
	ram         *ramTier
	disk        *diskTier
	overflowLog *rateLimitedLogger
}

func newTieredStore(ramMax int64, diskPath string, diskMax int64, logger *zap.Logger) (*tieredStore, error) {
	s := &tieredStore{
		ram:         newRAMTier(ramMax),
		overflowLog: newRateLimitedLogger(logger, time.Minute),
	}
	if diskPath != "" {
		d, err := openDiskTier(diskPath, diskMax)
		if err != nil {
			return nil, err
		}
		s.disk = d
	}
	return s, nil
}

func (s *tieredStore) spill(key string, rec EdgeCacheRecord) {
	if s.disk != nil {
		s.disk.PutAsync(key, rec)
	}
}

func (s *tieredStore) Get(key string) (EdgeCacheRecord, bool) {
	if rec, ok := s.ram.Get(key); ok {
		return rec, true
	}
	if s.disk == nil {
		return EdgeCacheRecord{}, false
	}
	rec, ok := s.disk.Get(key)
	if ok {
		s.ram.Put(key, rec, s.spill, s.overflowLog)
	}
	return rec, ok
}

// Peek reads without touching LRU order.
func (s *tieredStore) Peek(key string) (EdgeCacheRecord, bool) {
	if rec, ok := s.ram.Peek(key); ok {
		return rec, true
	}
	if s.disk == nil {
		return EdgeCacheRecord{}, false
	}
	return s.disk.Peek(key)
}

func (s *tieredStore) Put(key string, rec EdgeCacheRecord) {
	s.ram.Put(key, rec, s.spill, s.overflowLog)
	if s.disk != nil {
		s.disk.PutAsync(key, rec)
	}
}

func (s *tieredStore) Delete(key string) {
	s.ram.Delete(key)
	if s.disk != nil {
		s.disk.Delete(key)
	}
}

// Keys is the union of both tiers.
func (s *tieredStore) Keys() []string {
	m := map[string]struct{}{}
	for _, k := range s.ram.Keys() {
		m[k] = struct{}{}
	}
	if s.disk != nil {
		for _, k := range s.disk.Keys() {
			m[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *tieredStore) RAMSize() int64 { return s.ram.TotalSize() }

func (s *tieredStore) DiskSize() int64 {
	if s.disk == nil {
		return 0
	}
	return s.disk.TotalSize()
}

// flush waits until queued disk writes are applied.
func (s *tieredStore) flush() {
	if s.disk != nil {
		s.disk.Flush()
	}
}

func (s *tieredStore) close() {
	if s.disk != nil {
		s.disk.close()
	}
}

// ---- ram tier ----

type ramItem struct {
	key  string
	rec  EdgeCacheRecord
	size int64
	prev *ramItem
	next *ramItem
}

type ramTier struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMTier(maxBytes int64) *ramTier {
	return &ramTier{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramTier) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramTier) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

func (c *ramTier) Peek(key string) (EdgeCacheRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return EdgeCacheRecord{}, false
	}
	return it.rec, true
}

func (c *ramTier) Get(key string) (EdgeCacheRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return EdgeCacheRecord{}, false
	}
	c.moveToFront(it)
	return it.rec, true
}

func (c *ramTier) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.unlink(it)
	delete(c.items, key)
	c.total -= it.size
}

// Put stores rec, evicting least recently used records into spill when the
// byte budget is exceeded. A record larger than the whole budget goes straight
// to spill.
func (c *ramTier) Put(key string, rec EdgeCacheRecord, spill func(string, EdgeCacheRecord), overflowLog *rateLimitedLogger) {
	sz := recordSize(rec)

	if c.maxBytes > 0 && sz > c.maxBytes {
		c.Delete(key)
		spill(key, rec)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.rec = rec
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		return
	}

	for c.maxBytes > 0 && c.total+sz > c.maxBytes && c.tail != nil {
		overflowLog.Warn("edge cache RAM tier full, evicting", zap.Int("records", len(c.items)))
		c.evictLocked(spill)
	}

	it := &ramItem{key: key, rec: rec, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

// evictLocked moves the least recently used tenth of the records out.
func (c *ramTier) evictLocked(spill func(string, EdgeCacheRecord)) {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && c.tail != nil; i++ {
		it := c.tail
		spill(it.key, it.rec)
		c.unlink(it)
		delete(c.items, it.key)
		c.total -= it.size
	}
}

func (c *ramTier) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramTier) unlink(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramTier) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}

func recordSize(rec EdgeCacheRecord) int64 {
	n := int64(len(rec.Key) + len(rec.Body) + 64)
	for k, vs := range rec.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// ---- disk tier ----

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOp struct {
	putKey string
	putRec *EdgeCacheRecord
	delKey string
	flush  chan struct{}
}

// diskTier persists records in leveldb. All writes go through one goroutine;
// the in-memory index tracks sizes for eviction.
type diskTier struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	ops  chan diskOp
	done chan struct{}
}

func openDiskTier(path string, maxBytes int64) (*diskTier, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &diskTier{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskTier) close() {
	close(d.ops)
	<-d.done
	_ = d.db.Close()
}

func (d *diskTier) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskTier) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskTier) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for k := range d.index {
		out = append(out, k)
	}
	return out
}

func (d *diskTier) Peek(key string) (EdgeCacheRecord, bool) {
	b, err := d.db.Get([]byte("e:"+key), nil)
	if err != nil {
		return EdgeCacheRecord{}, false
	}
	var rec EdgeCacheRecord
	if err := decodeGob(b, &rec); err != nil {
		return EdgeCacheRecord{}, false
	}
	return rec, true
}

func (d *diskTier) Get(key string) (EdgeCacheRecord, bool) {
	rec, ok := d.Peek(key)
	if !ok {
		return EdgeCacheRecord{}, false
	}
	d.mu.Lock()
	_, exists := d.index[key]
	d.mu.Unlock()
	if exists {
		d.ops <- diskOp{putKey: key} // touch
	}
	return rec, true
}

func (d *diskTier) PutAsync(key string, rec EdgeCacheRecord) {
	clone := rec
	d.ops <- diskOp{putKey: key, putRec: &clone}
}

func (d *diskTier) Delete(key string) {
	d.ops <- diskOp{delKey: key}
}

func (d *diskTier) Flush() {
	ch := make(chan struct{})
	d.ops <- diskOp{flush: ch}
	<-ch
}

func (d *diskTier) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		switch {
		case op.flush != nil:
			close(op.flush)
		case op.delKey != "":
			d.applyDelete(op.delKey)
		case op.putKey != "":
			d.applyPutOrTouch(op.putKey, op.putRec)
		}
	}
}

func (d *diskTier) applyPutOrTouch(key string, rec *EdgeCacheRecord) {
	now := time.Now().Unix()
	batch := new(leveldb.Batch)

	if rec == nil {
		d.mu.Lock()
		meta, ok := d.index[key]
		if ok {
			meta.LastAccess = now
			d.index[key] = meta
		}
		d.mu.Unlock()
		if !ok {
			return
		}
		mb, _ := encodeGob(meta)
		batch.Put([]byte("m:"+key), mb)
		_ = d.db.Write(batch, nil)
		return
	}

	b, err := encodeGob(*rec)
	if err != nil {
		return
	}
	meta := diskMeta{Size: int64(len(b)), LastAccess: now}

	d.mu.Lock()
	if old, ok := d.index[key]; ok {
		d.totalSize -= old.Size
	}
	d.index[key] = meta
	d.totalSize += meta.Size
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	batch.Put([]byte("e:"+key), b)
	mb, _ := encodeGob(meta)
	batch.Put([]byte("m:"+key), mb)
	_ = d.db.Write(batch, nil)

	if over {
		d.evictSome()
	}
}

func (d *diskTier) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + key))
	batch.Delete([]byte("m:" + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

// evictSome drops the least recently accessed tenth of the records.
func (d *diskTier) evictSome() {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		d.applyDelete(items[i].key)
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
