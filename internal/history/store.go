// Package history is the local history store: an entry tree whose every mutation
// is recorded in a change log, persisted with its content in a paged file, with
// named labels into the log.
//
// A Store is safe for concurrent use. Mutations, Save, Refresh, Revert and
// PurgeUpTo are serialized by one write lock; queries share a read lock. Entries
// returned by GetEntry and FindEntry belong to the live tree and must not be held
// across mutations. Listeners run synchronously under the write lock; they may
// add or remove listeners but must not call any other Store method.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/renameio"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lhist/internal/change"
	"lhist/internal/config"
	"lhist/internal/diff"
	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
	"lhist/internal/gateway"
	"lhist/internal/label"
	"lhist/internal/logging"
	"lhist/internal/metrics"
	"lhist/internal/paged"
	"lhist/internal/revert"
	"lhist/internal/safe"
	"lhist/internal/storage"
	"lhist/internal/update"
)

const (
	FormatVersion = 1

	DataFile       = "history.dat"
	LabelsDir      = "labels"
	DescriptorFile = "store.json"

	// RefreshName names the change sets recorded by Refresh.
	RefreshName = "External change"
)

// Descriptor is the JSON file identifying a store directory.
type Descriptor struct {
	ID            string    `json:"id"`
	FormatVersion int       `json:"format_version"`
	PageSize      int       `json:"page_size"`
	Created       time.Time `json:"created"`
}

type Options struct {
	// Config supplies cache sizes, compression and the ignore list. Nil uses the
	// defaults.
	Config *config.Config
	// Gateway is the live tree. Refresh needs one; without it Revert only
	// rewrites history.
	Gateway gateway.Gateway
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// Clock returns Unix milliseconds. Nil uses the wall clock.
	Clock func() int64
	// InMemoryLabels keeps the label index out of the store directory.
	InMemoryLabels bool
}

type Store struct {
	mu sync.RWMutex

	dir     string
	desc    Descriptor
	file    *paged.File
	safe    *safe.Safe
	db      *badger.DB
	labels  *label.Index
	tree    *entry.Tree
	log     *change.Log
	gw      gateway.Gateway
	clock   func() int64
	metrics *metrics.Metrics
	logger  *zap.Logger

	reverter  *revert.Reverter
	updater   *update.Updater
	engine    *diff.Engine
	snapshots *lru.Cache[int64, *entry.Tree]

	nextID     entry.ID
	persisted  map[string]paged.RecordID // change set id to record
	catalogRec paged.RecordID
	checkpoint paged.RecordID

	// unsaved holds content registered for paths but not recorded as changes.
	unsaved map[string][]byte

	closed bool
}

// Open opens the store in dir, creating it when it does not exist, and loads its
// persisted history.
func Open(dir string, opts Options) (s *Store, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.OrNop(opts.Logger).Named("history")
	clock := opts.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	desc, err := openDescriptor(dir, cfg.Storage.PageSize, clock)
	if err != nil {
		return nil, err
	}

	s = &Store{
		dir:       dir,
		desc:      desc,
		gw:        opts.Gateway,
		clock:     clock,
		metrics:   opts.Metrics,
		logger:    logger,
		engine:    diff.NewEngine(3),
		nextID:    entry.RootID + 1,
		persisted: make(map[string]paged.RecordID),
		unsaved:   make(map[string][]byte),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.closeResources())
			s = nil
		}
	}()

	s.file, err = paged.Open(filepath.Join(dir, DataFile), paged.Options{
		PageSize:  desc.PageSize,
		CacheSize: cfg.Storage.PageCacheSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	compression := safe.DefaultCompressionOptions()
	compression.Level = cfg.Compression.Level
	compression.MinSize = cfg.Compression.MinSize
	s.safe, err = safe.New(s.file, safe.Options{
		CacheSize:   cfg.Storage.ContentCacheSize,
		Compression: compression,
		Metrics:     opts.Metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	s.db, err = storage.OpenDB(storage.Options{
		Dir:      filepath.Join(dir, LabelsDir),
		InMemory: opts.InMemoryLabels,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	s.labels = label.NewIndex(s.db, logger)

	s.snapshots, err = lru.New[int64, *entry.Tree](max(cfg.Storage.SnapshotCacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("creating snapshot cache: %w", err)
	}

	s.log = change.NewLog(clock, logger)
	s.log.AddListener(&metricsListener{m: opts.Metrics})
	if err := s.load(); err != nil {
		return nil, err
	}
	// Labels put after the last successful Save point past the loaded log.
	if err := s.labels.Truncate(s.log.CommittedSeq()); err != nil {
		return nil, err
	}

	s.reverter = revert.New(revert.Options{
		Gateway:  opts.Gateway,
		Contents: lockedContents{s},
		Metrics:  opts.Metrics,
		Logger:   logger,
	})
	if opts.Gateway != nil {
		s.updater = update.New(opts.Gateway, s.safe, s.allocID, update.Options{
			Filter: update.NewFilter(cfg.Ignore, true),
			Logger: logger,
		})
	}

	logger.Info("store opened",
		zap.String("dir", dir),
		zap.String("id", desc.ID),
		zap.Int64("base", s.log.BaseSeq()),
		zap.Int64("seq", s.log.CommittedSeq()),
		zap.Int("entries", s.tree.Len()),
		zap.Int("blobs", s.safe.Len()))
	return s, nil
}

// openDescriptor reads store.json, writing a fresh one for a new store.
func openDescriptor(dir string, pageSize int, clock func() int64) (Descriptor, error) {
	path := filepath.Join(dir, DescriptorFile)
	data, err := os.ReadFile(path)
	if err == nil {
		var d Descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return Descriptor{}, lherrors.StorageCorruption("decoding "+DescriptorFile, err)
		}
		if d.FormatVersion != FormatVersion {
			return Descriptor{}, lherrors.StorageCorruption(
				fmt.Sprintf("unsupported format version %d", d.FormatVersion), nil)
		}
		return d, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Descriptor{}, fmt.Errorf("reading %s: %w", DescriptorFile, err)
	}

	d := Descriptor{
		ID:            uuid.NewString(),
		FormatVersion: FormatVersion,
		PageSize:      pageSize,
		Created:       time.UnixMilli(clock()).UTC(),
	}
	data, err = json.MarshalIndent(d, "", "  ")
	if err != nil {
		return Descriptor{}, err
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return Descriptor{}, fmt.Errorf("writing %s: %w", DescriptorFile, err)
	}
	return d, nil
}

// Descriptor returns the store's identity.
func (s *Store) Descriptor() Descriptor {
	return s.desc
}

func (s *Store) Dir() string {
	return s.dir
}

// Close releases the store. Changes not saved are lost.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeResources()
}

func (s *Store) closeResources() error {
	var err error
	if s.db != nil {
		err = multierr.Append(err, s.db.Close())
	}
	if s.file != nil {
		err = multierr.Append(err, s.file.Close())
	}
	return err
}

func (s *Store) checkOpen() error {
	if s.closed {
		return lherrors.InvalidState("store is closed")
	}
	return nil
}

func (s *Store) allocID() entry.ID {
	id := s.nextID
	s.nextID++
	return id
}

// Content returns the bytes of a blob, including content registered with
// SetUnsavedContent.
func (s *Store) Content(id safe.ID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content(id)
}

func (s *Store) content(id safe.ID) ([]byte, error) {
	data, err := s.safe.Get(id)
	if errors.Is(err, safe.ErrContentNotFound) {
		for _, u := range s.unsaved {
			if safe.Hash(u) == id {
				return append([]byte(nil), u...), nil
			}
		}
	}
	return data, err
}

// lockedContents serves blobs to components that run under the store lock.
type lockedContents struct {
	s *Store
}

func (c lockedContents) Get(id safe.ID) ([]byte, error) {
	return c.s.content(id)
}

// Stats summarizes the store for display.
type Stats struct {
	Paged        paged.Stats
	Entries      int
	Blobs        int
	ChangeSets   int
	BaseSeq      int64
	CommittedSeq int64
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Paged:        s.file.Stats(),
		Entries:      s.tree.Len(),
		Blobs:        s.safe.Len(),
		ChangeSets:   s.log.Len(),
		BaseSeq:      s.log.BaseSeq(),
		CommittedSeq: s.log.CommittedSeq(),
	}
}

// VerifyContents re-reads every blob from the data file and checks it against
// its content id. It returns how many blobs were checked and every failure.
func (s *Store) VerifyContents() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	index := s.safe.Index()
	ids := make([]safe.ID, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs error
	for _, id := range ids {
		if err := s.safe.Verify(id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("blob %s: %w", id, err))
		}
	}
	if errs != nil {
		s.logger.Warn("content verification failed", zap.Int("failures", len(multierr.Errors(errs))))
	}
	return len(ids), errs
}

type metricsListener struct {
	m *metrics.Metrics
}

func (l *metricsListener) ChangeCommitted(n change.Notification) {
	l.m.ChangeCommitted(string(n.Kind))
}
