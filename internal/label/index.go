package label

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	lherrors "lhist/internal/errors"
	"lhist/internal/storage"
)

const keyPrefix = "label"

// Index persists named labels in badger, ordered by sequence number.
type Index struct {
	store *storage.BadgerStore[Label]
	log   *zap.Logger
}

func NewIndex(db *badger.DB, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		store: storage.NewBadgerStore[Label](db, keyPrefix),
		log:   logger.Named("labels"),
	}
}

// Put records a new label at seq.
func (ix *Index) Put(name string, seq, ts int64) (Label, error) {
	if name == "" || seq < 0 {
		return Label{}, lherrors.InvalidLabel(name, seq)
	}
	l := Label{ID: uuid.NewString(), Name: name, Seq: seq, Timestamp: ts}
	if err := ix.store.Create(l); err != nil {
		return Label{}, fmt.Errorf("storing label %q: %w", name, err)
	}
	ix.log.Debug("label put", zap.String("name", name), zap.Int64("seq", seq))
	return l, nil
}

// All returns every stored label, oldest first.
func (ix *Index) All() ([]Label, error) {
	labels, err := ix.store.List()
	if err != nil {
		return nil, fmt.Errorf("listing labels: %w", err)
	}
	return labels, nil
}

// Invalidate deletes labels that point before baseSeq and returns them.
func (ix *Index) Invalidate(baseSeq int64) ([]Label, error) {
	all, err := ix.All()
	if err != nil {
		return nil, err
	}
	var gone []Label
	var ids []string
	for _, l := range all {
		if l.Seq >= baseSeq {
			break
		}
		gone = append(gone, l)
		ids = append(ids, l.GetID())
	}
	if err := ix.store.DeleteIDs(ids); err != nil {
		return nil, fmt.Errorf("deleting purged labels: %w", err)
	}
	for _, l := range gone {
		ix.log.Info("label invalidated by purge", zap.String("name", l.Name), zap.Int64("seq", l.Seq))
	}
	return gone, nil
}

// Truncate deletes labels that point after seq, used when in-memory history is
// rolled back past them.
func (ix *Index) Truncate(seq int64) error {
	all, err := ix.All()
	if err != nil {
		return err
	}
	var ids []string
	for _, l := range all {
		if l.Seq > seq {
			ids = append(ids, l.GetID())
		}
	}
	return ix.store.DeleteIDs(ids)
}
