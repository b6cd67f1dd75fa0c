package change

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	lherrors "lhist/internal/errors"
)

type envelope struct {
	Kind Kind               `msgpack:"k"`
	Body msgpack.RawMessage `msgpack:"b"`
}

type changeSetRecord struct {
	ID        string     `msgpack:"id"`
	Name      string     `msgpack:"n,omitempty"`
	Timestamp int64      `msgpack:"t"`
	Changes   []envelope `msgpack:"c"`
}

// EncodeChangeSet serializes a committed change set, tagging each change by kind.
func EncodeChangeSet(cs *ChangeSet) ([]byte, error) {
	rec := changeSetRecord{ID: cs.ID, Name: cs.Name, Timestamp: cs.Timestamp}
	for _, c := range cs.Changes {
		body, err := msgpack.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("encoding change %d: %w", c.Head().Seq, err)
		}
		rec.Changes = append(rec.Changes, envelope{Kind: c.Kind(), Body: body})
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encoding change set %s: %w", cs.ID, err)
	}
	return data, nil
}

// DecodeChangeSet is the inverse of EncodeChangeSet.
func DecodeChangeSet(data []byte) (*ChangeSet, error) {
	var rec changeSetRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, lherrors.StorageCorruption("decoding change set", err)
	}
	cs := &ChangeSet{ID: rec.ID, Name: rec.Name, Timestamp: rec.Timestamp}
	for i, env := range rec.Changes {
		c, err := newChange(env.Kind)
		if err != nil {
			return nil, err
		}
		if err := msgpack.Unmarshal(env.Body, c); err != nil {
			return nil, lherrors.StorageCorruption(fmt.Sprintf("decoding change %d of change set %s", i, rec.ID), err)
		}
		cs.Changes = append(cs.Changes, c)
	}
	return cs, nil
}

func newChange(k Kind) (Change, error) {
	switch k {
	case KindCreateFile:
		return &CreateFile{}, nil
	case KindCreateDirectory:
		return &CreateDirectory{}, nil
	case KindDelete:
		return &Delete{}, nil
	case KindRename:
		return &Rename{}, nil
	case KindMove:
		return &Move{}, nil
	case KindContentChange:
		return &ContentChange{}, nil
	}
	return nil, lherrors.StorageCorruption(fmt.Sprintf("unknown change kind %q", k), nil)
}
