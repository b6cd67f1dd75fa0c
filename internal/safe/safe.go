// internal/safe/safe.go
package safe

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	lherrors "lhist/internal/errors"
	"lhist/internal/metrics"
	"lhist/internal/paged"
)

// KindBlob tags content records in the paged file.
const KindBlob paged.Kind = 1

const flagCompressed byte = 1 << 0

var ErrContentNotFound = errors.New("content not found")

// ID identifies a blob by the hex xxh3-128 digest of its bytes.
type ID string

// Hash computes the content id of data.
func Hash(data []byte) ID {
	sum := xxh3.Hash128(data).Bytes()
	return ID(hex.EncodeToString(sum[:]))
}

// Safe provides deduplicated content storage on top of a paged file.
// Blobs written since the last Commit are forgotten again by Rollback.
type Safe struct {
	file    *paged.File
	cache   *lru.Cache[ID, []byte]
	cm      *compressionManager
	metrics *metrics.Metrics
	log     *zap.Logger

	mu    sync.RWMutex
	index map[ID]paged.RecordID
	added map[ID]paged.RecordID
	freed map[ID]paged.RecordID
}

// Options configures Safe behavior
type Options struct {
	CacheSize   int // Number of decoded blobs to cache
	Compression CompressionOptions
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// New creates a Safe storing its blobs in file.
func New(file *paged.File, opts Options) (*Safe, error) {
	if file == nil {
		return nil, fmt.Errorf("paged file is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.Compression.Level == 0 {
		opts.Compression = DefaultCompressionOptions()
	}

	cache, err := lru.New[ID, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	cm, err := newCompressionManager(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compression manager: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Safe{
		file:    file,
		cache:   cache,
		cm:      cm,
		metrics: opts.Metrics,
		log:     log.Named("safe"),
		index:   make(map[ID]paged.RecordID),
		added:   make(map[ID]paged.RecordID),
		freed:   make(map[ID]paged.RecordID),
	}, nil
}

// Store saves content and returns its id. Identical content is stored once.
func (s *Safe) Store(content []byte) (ID, error) {
	return s.StoreNamed("", content)
}

// StoreNamed is Store with a file name hint used to decide on compression.
func (s *Safe) StoreNamed(name string, content []byte) (ID, error) {
	id := Hash(content)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; ok {
		s.metrics.ContentDeduplicated()
		return id, nil
	}
	payload := make([]byte, 1, len(content)+1)
	if frame, ok := s.cm.compress(name, content); ok {
		payload[0] = flagCompressed
		payload = append(payload, frame...)
	} else {
		payload = append(payload, content...)
	}

	rec, err := s.file.Write(KindBlob, payload)
	if err != nil {
		return "", fmt.Errorf("writing content %s: %w", id, err)
	}
	s.index[id] = rec
	s.added[id] = rec
	s.cache.Add(id, append([]byte(nil), content...))
	s.metrics.ContentStored(len(content))

	s.log.Debug("stored content",
		zap.String("id", string(id)),
		zap.Int("size", len(content)),
		zap.Bool("compressed", payload[0]&flagCompressed != 0))
	return id, nil
}

// Get retrieves content by id, verifying it against the id.
func (s *Safe) Get(id ID) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		return append([]byte(nil), data...), nil
	}

	s.mu.RLock()
	rec, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, id)
	}

	data, err := s.load(id, rec)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, data)
	return append([]byte(nil), data...), nil
}

func (s *Safe) load(id ID, rec paged.RecordID) ([]byte, error) {
	kind, payload, err := s.file.Read(rec)
	if err != nil {
		return nil, fmt.Errorf("reading content %s: %w", id, err)
	}
	if kind != KindBlob || len(payload) == 0 {
		return nil, lherrors.StorageCorruption(fmt.Sprintf("record %d is not a content blob", rec), nil)
	}

	data := payload[1:]
	if payload[0]&flagCompressed != 0 {
		data, err = s.cm.decompress(data)
		if err != nil {
			return nil, lherrors.StorageCorruption(fmt.Sprintf("content %s", id), err)
		}
	}
	if Hash(data) != id {
		return nil, lherrors.StorageCorruption(fmt.Sprintf("content %s does not match its id", id), nil)
	}
	return data, nil
}

// Exists checks if content exists
func (s *Safe) Exists(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Verify re-reads content from disk, bypassing the cache, and checks its id.
func (s *Safe) Verify(id ID) error {
	s.mu.RLock()
	rec, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrContentNotFound, id)
	}
	_, err := s.load(id, rec)
	return err
}

// Len returns the number of distinct blobs.
func (s *Safe) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Index returns a copy of the id to record mapping, for persisting in a catalog.
func (s *Safe) Index() map[ID]paged.RecordID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ID]paged.RecordID, len(s.index))
	for id, rec := range s.index {
		out[id] = rec
	}
	return out
}

// Restore replaces the index with one loaded from a catalog.
func (s *Safe) Restore(index map[ID]paged.RecordID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[ID]paged.RecordID, len(index))
	for id, rec := range index {
		s.index[id] = rec
	}
	s.added = make(map[ID]paged.RecordID)
	s.freed = make(map[ID]paged.RecordID)
	s.cache.Purge()
}

// Collect frees every blob whose id is not in live and returns how many were freed.
func (s *Safe) Collect(live map[ID]struct{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.index {
		if _, ok := live[id]; ok {
			continue
		}
		if err := s.file.Free(rec); err != nil {
			return n, fmt.Errorf("freeing content %s: %w", id, err)
		}
		delete(s.index, id)
		if _, ok := s.added[id]; ok {
			delete(s.added, id)
		} else {
			s.freed[id] = rec
		}
		s.cache.Remove(id)
		n++
	}
	s.metrics.ContentFreed(n)
	if n > 0 {
		s.log.Debug("collected content", zap.Int("freed", n), zap.Int("remaining", len(s.index)))
	}
	return n, nil
}

// Commit forgets the undo state. Call it after the paged file commits.
func (s *Safe) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = make(map[ID]paged.RecordID)
	s.freed = make(map[ID]paged.RecordID)
}

// Rollback drops blobs stored since the last Commit and restores collected ones.
// Call it together with the paged file's Rollback.
func (s *Safe) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.added {
		delete(s.index, id)
		s.cache.Remove(id)
	}
	for id, rec := range s.freed {
		s.index[id] = rec
	}
	s.added = make(map[ID]paged.RecordID)
	s.freed = make(map[ID]paged.RecordID)
}
