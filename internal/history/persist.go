package history

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"lhist/internal/change"
	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
	"lhist/internal/label"
	"lhist/internal/paged"
	"lhist/internal/safe"
)

// Record kinds in the paged file, next to safe.KindBlob.
const (
	kindCatalog    paged.Kind = 2
	kindCheckpoint paged.Kind = 3
	kindChangeSet  paged.Kind = 4
)

// catalog is the root record. It names every other live record.
type catalog struct {
	Version     int                        `msgpack:"v"`
	Checkpoint  paged.RecordID             `msgpack:"cp"`
	BaseSeq     int64                      `msgpack:"b"`
	ChangeSets  []paged.RecordID           `msgpack:"cs"`
	Contents    map[safe.ID]paged.RecordID `msgpack:"c"`
	NextEntryID entry.ID                   `msgpack:"n"`
}

// load rebuilds the tree, the log and the content index from the committed root.
func (s *Store) load() error {
	s.log.Discard()
	s.tree = entry.NewTree()
	s.nextID = entry.RootID + 1
	s.persisted = make(map[string]paged.RecordID)
	s.catalogRec, s.checkpoint = 0, 0
	s.snapshots.Purge()

	root := s.file.Root()
	if root == 0 {
		s.safe.Restore(nil)
		return s.log.Restore(s.tree, 0, nil)
	}

	var cat catalog
	if err := s.readRecord(root, kindCatalog, &cat); err != nil {
		return err
	}
	if cat.Version != FormatVersion {
		return lherrors.StorageCorruption(fmt.Sprintf("catalog version %d", cat.Version), nil)
	}
	s.safe.Restore(cat.Contents)

	tree := entry.NewTree()
	if cat.Checkpoint != 0 {
		kind, data, err := s.file.Read(cat.Checkpoint)
		if err != nil {
			return err
		}
		if kind != kindCheckpoint {
			return lherrors.StorageCorruption(fmt.Sprintf("record %d is not a checkpoint", cat.Checkpoint), nil)
		}
		if tree, err = entry.Decode(data); err != nil {
			return err
		}
	}

	sets := make([]*change.ChangeSet, 0, len(cat.ChangeSets))
	persisted := make(map[string]paged.RecordID, len(cat.ChangeSets))
	for _, rec := range cat.ChangeSets {
		kind, data, err := s.file.Read(rec)
		if err != nil {
			return err
		}
		if kind != kindChangeSet {
			return lherrors.StorageCorruption(fmt.Sprintf("record %d is not a change set", rec), nil)
		}
		cs, err := change.DecodeChangeSet(data)
		if err != nil {
			return err
		}
		sets = append(sets, cs)
		persisted[cs.ID] = rec
	}

	if err := s.log.Restore(tree, cat.BaseSeq, sets); err != nil {
		return err
	}
	s.tree = tree
	s.persisted = persisted
	s.catalogRec = root
	s.checkpoint = cat.Checkpoint
	s.nextID = max(cat.NextEntryID, tree.MaxID()+1)

	s.logger.Debug("history loaded",
		zap.Int("change_sets", len(sets)),
		zap.Int64("base", cat.BaseSeq),
		zap.Int64("seq", s.log.CommittedSeq()))
	return nil
}

func (s *Store) readRecord(id paged.RecordID, want paged.Kind, v interface{}) error {
	kind, data, err := s.file.Read(id)
	if err != nil {
		return err
	}
	if kind != want {
		return lherrors.StorageCorruption(fmt.Sprintf("record %d has kind %d, want %d", id, kind, want), nil)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return lherrors.StorageCorruption(fmt.Sprintf("decoding record %d", id), err)
	}
	return nil
}

func (s *Store) writeRecord(kind paged.Kind, v interface{}) (paged.RecordID, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return 0, err
	}
	return s.file.Write(kind, data)
}

// Apply writes ended change sets to the paged file without committing them.
func (s *Store) Apply() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.writeChangeSets(nil)
	return err
}

// writeChangeSets writes every committed change set that has no record yet,
// skipping those in skip, and returns the ids it wrote.
func (s *Store) writeChangeSets(skip map[string]bool) ([]string, error) {
	var written []string
	for _, cs := range s.log.Sets() {
		if _, ok := s.persisted[cs.ID]; ok || skip[cs.ID] {
			continue
		}
		data, err := change.EncodeChangeSet(cs)
		if err != nil {
			return written, err
		}
		rec, err := s.file.Write(kindChangeSet, data)
		if err != nil {
			return written, fmt.Errorf("writing change set %s: %w", cs.ID, err)
		}
		s.persisted[cs.ID] = rec
		written = append(written, cs.ID)
	}
	return written, nil
}

// Save persists ended change sets and commits. The open change set, if any, is
// not saved. A failed Save leaves the store at its last committed state.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.commit(nil)
}

// purgePlan describes the prefix of the log a commit folds into the checkpoint.
type purgePlan struct {
	sets    []*change.ChangeSet
	baseSeq int64
	tree    *entry.Tree // tree at baseSeq
}

// commit writes pending change sets and a new catalog, then commits the paged
// file. With a plan it also writes the new checkpoint and frees everything the
// purged change sets held alone.
func (s *Store) commit(plan *purgePlan) (err error) {
	started := time.Now()
	defer func() {
		if err == nil {
			return
		}
		s.file.Rollback()
		s.safe.Rollback()
		if lerr := s.load(); lerr != nil {
			s.logger.Error("reloading after failed commit", zap.Error(lerr))
			err = fmt.Errorf("%w (reload failed: %v)", err, lerr)
		}
	}()

	skip := make(map[string]bool)
	if plan != nil {
		for _, cs := range plan.sets {
			skip[cs.ID] = true
		}
	}
	if _, err := s.writeChangeSets(skip); err != nil {
		return err
	}

	cat := catalog{
		Version:     FormatVersion,
		Checkpoint:  s.checkpoint,
		BaseSeq:     s.log.BaseSeq(),
		NextEntryID: s.nextID,
	}
	if plan != nil {
		if err := s.foldCheckpoint(plan, &cat); err != nil {
			return err
		}
	}
	for _, cs := range s.log.Sets() {
		if !skip[cs.ID] {
			cat.ChangeSets = append(cat.ChangeSets, s.persisted[cs.ID])
		}
	}
	cat.Contents = s.safe.Index()

	rec, err := s.writeRecord(kindCatalog, &cat)
	if err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}
	if s.catalogRec != 0 {
		if err := s.file.Free(s.catalogRec); err != nil {
			return err
		}
	}
	if err := s.file.Commit(rec); err != nil {
		return err
	}

	s.safe.Commit()
	s.catalogRec = rec
	s.checkpoint = cat.Checkpoint
	s.metrics.Committed(started)
	s.logger.Debug("saved",
		zap.Int64("seq", s.log.CommittedSeq()),
		zap.Int("change_sets", len(cat.ChangeSets)),
		zap.Duration("took", time.Since(started)))
	return nil
}

// foldCheckpoint writes plan.tree as the new checkpoint and frees the records it
// replaces, along with content nothing retained refers to.
func (s *Store) foldCheckpoint(plan *purgePlan, cat *catalog) error {
	data, err := plan.tree.Encode()
	if err != nil {
		return err
	}
	rec, err := s.file.Write(kindCheckpoint, data)
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if s.checkpoint != 0 {
		if err := s.file.Free(s.checkpoint); err != nil {
			return err
		}
	}
	for _, cs := range plan.sets {
		if r, ok := s.persisted[cs.ID]; ok {
			if err := s.file.Free(r); err != nil {
				return err
			}
		}
	}
	cat.Checkpoint = rec
	cat.BaseSeq = plan.baseSeq

	live := plan.tree.Contents()
	for id := range s.tree.Contents() {
		live[id] = struct{}{}
	}
	purged := make(map[string]bool, len(plan.sets))
	for _, cs := range plan.sets {
		purged[cs.ID] = true
	}
	for _, cs := range s.log.Sets() {
		if purged[cs.ID] {
			continue
		}
		for _, c := range cs.Changes {
			for _, id := range c.Contents() {
				live[id] = struct{}{}
			}
		}
	}
	for _, c := range s.log.Pending() {
		for _, id := range c.Contents() {
			live[id] = struct{}{}
		}
	}
	_, err = s.safe.Collect(live)
	return err
}

// PurgeResult reports what PurgeUpTo removed.
type PurgeResult struct {
	ChangeSets  int
	BaseSeq     int64
	BlobsFreed  int
	Invalidated []label.Label
}

// PurgeUpTo drops change sets committed at or before ts, folding them into the
// checkpoint, reclaims content only they referred to, and invalidates labels that
// pointed into the dropped history. Unsaved change sets are saved along the way.
func (s *Store) PurgeUpTo(ts int64) (PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return PurgeResult{}, err
	}
	if s.log.InTransaction() {
		return PurgeResult{}, lherrors.InvalidState("purge inside an open change set")
	}

	var plan purgePlan
	for _, cs := range s.log.Sets() {
		if cs.Timestamp > ts {
			break
		}
		plan.sets = append(plan.sets, cs)
	}
	if len(plan.sets) == 0 {
		return PurgeResult{BaseSeq: s.log.BaseSeq()}, nil
	}
	plan.baseSeq = plan.sets[len(plan.sets)-1].LastSeq()
	plan.tree = s.tree.Copy()
	if err := change.RevertAfter(plan.tree, plan.baseSeq, s.log.Sets()); err != nil {
		return PurgeResult{}, err
	}

	blobs := s.safe.Len()
	if err := s.commit(&plan); err != nil {
		return PurgeResult{}, err
	}
	freed := blobs - s.safe.Len()
	s.log.Trim(ts)
	for _, cs := range plan.sets {
		delete(s.persisted, cs.ID)
	}
	s.snapshots.Purge()

	invalidated, err := s.labels.Invalidate(plan.baseSeq)
	if err != nil {
		return PurgeResult{}, err
	}
	s.logger.Info("purged history",
		zap.Int("change_sets", len(plan.sets)),
		zap.Int64("base", plan.baseSeq),
		zap.Int("blobs_freed", freed),
		zap.Int("labels_invalidated", len(invalidated)))
	return PurgeResult{
		ChangeSets:  len(plan.sets),
		BaseSeq:     plan.baseSeq,
		BlobsFreed:  freed,
		Invalidated: invalidated,
	}, nil
}
