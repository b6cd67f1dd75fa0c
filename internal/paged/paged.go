// Package paged implements a single-file record store made of fixed-size pages.
//
// The first page holds two header slots. Records are carved out of the pages that
// follow: each record is a 16-byte header (payload length, kind, xxh3 checksum) and
// its payload, 8-byte aligned, possibly spanning pages. Space is tracked as a list
// of free extents. A transaction allocates only from extents that were free in the
// last committed header and defers reuse of space it frees, so committed records are
// never overwritten before the next header swap. Commit flushes dirty page ranges,
// writes the free list as a record, syncs, and then writes the alternate header slot.
package paged

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	lherrors "lhist/internal/errors"
)

const (
	magic         = "LHPS"
	formatVersion = 1

	slotSize    = 64
	slotBOffset = 512

	recordHeaderSize = 16
	recordAlign      = 8

	DefaultPageSize  = 4096
	MinPageSize      = 1024
	DefaultCacheSize = 1024

	// MaxPayload is the largest payload a single record can hold.
	MaxPayload = 1<<31 - 1
)

// RecordID is the byte offset of a record header. Zero is never a valid record.
type RecordID uint64

// Kind tags a record with its owner's type. KindFreeList is reserved.
type Kind uint8

const KindFreeList Kind = 0xFF

var ErrClosed = errors.New("paged file is closed")

type Options struct {
	PageSize  int // only used when creating a new file
	CacheSize int // clean pages kept in memory
	Logger    *zap.Logger
}

type extent struct {
	Off uint64
	Len uint64
}

type page struct {
	data   []byte
	lo, hi int // dirty byte range within the page
}

type header struct {
	pageSize uint32
	gen      uint64
	root     RecordID
	freeRec  RecordID
	size     uint64
}

// File is a paged record file. It is safe for concurrent use.
type File struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	log      *zap.Logger

	committed header
	size      uint64 // end of allocated space, including this transaction

	committedFree []extent // free as of the last commit
	free          []extent // committedFree minus this transaction's allocations
	pending       []extent // freed in this transaction

	clean *lru.Cache[uint64, []byte]
	dirty map[uint64]*page
}

type Stats struct {
	PageSize   int
	Size       uint64
	FreeBytes  uint64
	Generation uint64
	DirtyPages int
}

// Open opens or creates the paged file at path.
func Open(path string, opts Options) (*File, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.PageSize < MinPageSize || opts.PageSize&(opts.PageSize-1) != 0 {
		return nil, fmt.Errorf("invalid page size %d", opts.PageSize)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening paged file: %w", err)
	}

	cache, err := lru.New[uint64, []byte](opts.CacheSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating page cache: %w", err)
	}

	pf := &File{
		f:     f,
		path:  path,
		log:   log.With(zap.String("file", path)),
		clean: cache,
		dirty: make(map[uint64]*page),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat paged file: %w", err)
	}

	if info.Size() == 0 {
		err = pf.initialize(opts.PageSize)
	} else {
		err = pf.load(uint64(info.Size()))
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return pf, nil
}

func (p *File) initialize(pageSize int) error {
	p.pageSize = pageSize
	h := header{pageSize: uint32(pageSize), gen: 1, size: uint64(pageSize)}
	if err := p.writeHeader(0, h); err != nil {
		return err
	}
	// The empty second slot stays invalid until the first commit.
	if _, err := p.f.WriteAt(make([]byte, pageSize-slotBOffset), slotBOffset); err != nil {
		return fmt.Errorf("initializing header page: %w", err)
	}
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("syncing header page: %w", err)
	}
	p.committed = h
	p.size = h.size
	p.log.Debug("created paged file", zap.Int("page_size", pageSize))
	return nil
}

func (p *File) load(physical uint64) error {
	buf := make([]byte, slotBOffset+slotSize)
	if n, err := p.f.ReadAt(buf, 0); err != nil && !(errors.Is(err, io.EOF) && n >= slotSize) {
		return lherrors.StorageCorruption("reading header page", err)
	}

	a, errA := decodeHeader(buf[:slotSize])
	b, errB := decodeHeader(buf[slotBOffset:])
	var h header
	switch {
	case errA == nil && errB == nil:
		h = a
		if b.gen > a.gen {
			h = b
		}
	case errA == nil:
		h = a
	case errB == nil:
		h = b
	default:
		return lherrors.StorageCorruption("no valid header slot", errors.Join(errA, errB))
	}

	if h.size > physical {
		return lherrors.StorageCorruption(
			fmt.Sprintf("file truncated: header expects %d bytes, found %d", h.size, physical), nil)
	}

	p.pageSize = int(h.pageSize)
	p.committed = h
	p.size = h.size

	if h.freeRec != 0 {
		_, payload, err := p.readRecord(h.freeRec)
		if err != nil {
			return fmt.Errorf("reading free list: %w", err)
		}
		free, err := decodeExtents(payload)
		if err != nil {
			return lherrors.StorageCorruption("decoding free list", err)
		}
		p.committedFree = free
	}
	p.free = cloneExtents(p.committedFree)

	p.log.Debug("opened paged file",
		zap.Uint64("generation", h.gen),
		zap.Uint64("size", h.size),
		zap.Int("free_extents", len(p.committedFree)))
	return nil
}

// Root returns the root record of the last commit.
func (p *File) Root() RecordID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committed.root
}

func (p *File) PageSize() int {
	return p.pageSize
}

// Write stores payload as a new record. The record becomes durable at the next Commit.
func (p *File) Write(kind Kind, payload []byte) (RecordID, error) {
	if len(payload) > MaxPayload {
		return 0, fmt.Errorf("record too large: %d bytes", len(payload))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return 0, ErrClosed
	}

	return p.writeRecord(kind, payload)
}

func (p *File) writeRecord(kind Kind, payload []byte) (RecordID, error) {
	total := alignUp(uint64(recordHeaderSize + len(payload)))
	off := p.allocate(total)

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	buf[4] = byte(kind)
	binary.LittleEndian.PutUint64(buf[8:16], xxh3.Hash(payload))
	copy(buf[recordHeaderSize:], payload)

	if err := p.writeAt(off, buf); err != nil {
		return 0, err
	}
	return RecordID(off), nil
}

// Read returns the kind and payload of a record, verifying its checksum.
func (p *File) Read(id RecordID) (Kind, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return 0, nil, ErrClosed
	}
	return p.readRecord(id)
}

func (p *File) readRecord(id RecordID) (Kind, []byte, error) {
	off := uint64(id)
	if off < uint64(p.pageSize) || off%recordAlign != 0 || off+recordHeaderSize > p.size {
		return 0, nil, lherrors.StorageCorruption(fmt.Sprintf("invalid record address %d", off), nil)
	}
	hdr, err := p.readAt(off, recordHeaderSize)
	if err != nil {
		return 0, nil, err
	}
	n := uint64(binary.LittleEndian.Uint32(hdr[0:4]))
	if off+recordHeaderSize+n > p.size {
		return 0, nil, lherrors.StorageCorruption(
			fmt.Sprintf("record %d length %d runs past end of file", off, n), nil)
	}
	payload, err := p.readAt(off+recordHeaderSize, int(n))
	if err != nil {
		return 0, nil, err
	}
	if sum := binary.LittleEndian.Uint64(hdr[8:16]); sum != xxh3.Hash(payload) {
		return 0, nil, lherrors.StorageCorruption(fmt.Sprintf("checksum mismatch in record %d", off), nil)
	}
	return Kind(hdr[4]), payload, nil
}

// Free releases a record. Its space is reused only after the next Commit.
func (p *File) Free(id RecordID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return ErrClosed
	}
	return p.freeRecord(id)
}

func (p *File) freeRecord(id RecordID) error {
	off := uint64(id)
	if off < uint64(p.pageSize) || off+recordHeaderSize > p.size {
		return lherrors.StorageCorruption(fmt.Sprintf("freeing invalid record %d", off), nil)
	}
	hdr, err := p.readAt(off, recordHeaderSize)
	if err != nil {
		return err
	}
	n := uint64(binary.LittleEndian.Uint32(hdr[0:4]))
	p.pending = append(p.pending, extent{Off: off, Len: alignUp(recordHeaderSize + n)})
	return nil
}

// Commit makes every record written since the last commit durable and sets the root.
func (p *File) Commit(root RecordID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return ErrClosed
	}

	pending := append([]extent(nil), p.pending...)
	if p.committed.freeRec != 0 {
		hdr, err := p.readAt(uint64(p.committed.freeRec), recordHeaderSize)
		if err != nil {
			return err
		}
		n := uint64(binary.LittleEndian.Uint32(hdr[0:4]))
		pending = append(pending, extent{Off: uint64(p.committed.freeRec), Len: alignUp(recordHeaderSize + n)})
	}
	newFree := mergeExtents(append(cloneExtents(p.free), pending...))

	// The free list record goes at the end of the file so writing it cannot
	// change the list it describes.
	payload := encodeExtents(newFree)
	total := alignUp(uint64(recordHeaderSize + len(payload)))
	off := p.size
	p.size += total
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	buf[4] = byte(KindFreeList)
	binary.LittleEndian.PutUint64(buf[8:16], xxh3.Hash(payload))
	copy(buf[recordHeaderSize:], payload)
	if err := p.writeAt(off, buf); err != nil {
		return err
	}

	if err := p.flush(); err != nil {
		return err
	}

	h := header{
		pageSize: uint32(p.pageSize),
		gen:      p.committed.gen + 1,
		root:     root,
		freeRec:  RecordID(off),
		size:     p.size,
	}
	slot := int64(0)
	if h.gen%2 == 0 {
		slot = slotBOffset
	}
	if err := p.writeHeader(slot, h); err != nil {
		return err
	}
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("syncing header: %w", err)
	}

	p.committed = h
	p.committedFree = newFree
	p.free = cloneExtents(newFree)
	p.pending = nil

	p.log.Debug("committed",
		zap.Uint64("generation", h.gen),
		zap.Uint64("root", uint64(root)),
		zap.Uint64("size", h.size))
	return nil
}

// Rollback discards everything written since the last commit.
func (p *File) Rollback() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx := range p.dirty {
		p.clean.Remove(idx)
	}
	p.dirty = make(map[uint64]*page)
	p.size = p.committed.size
	p.free = cloneExtents(p.committedFree)
	p.pending = nil
}

func (p *File) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var freeBytes uint64
	for _, e := range p.free {
		freeBytes += e.Len
	}
	return Stats{
		PageSize:   p.pageSize,
		Size:       p.size,
		FreeBytes:  freeBytes,
		Generation: p.committed.gen,
		DirtyPages: len(p.dirty),
	}
}

// Close closes the file. Uncommitted writes are lost.
func (p *File) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	p.clean.Purge()
	p.dirty = nil
	return err
}

func (p *File) allocate(n uint64) uint64 {
	for i, e := range p.free {
		if e.Len < n {
			continue
		}
		off := e.Off
		if e.Len == n {
			p.free = append(p.free[:i], p.free[i+1:]...)
		} else {
			p.free[i] = extent{Off: e.Off + n, Len: e.Len - n}
		}
		return off
	}
	off := p.size
	p.size += n
	return off
}

func (p *File) pageFor(idx uint64, forWrite bool) (*page, error) {
	if pg, ok := p.dirty[idx]; ok {
		return pg, nil
	}
	data, ok := p.clean.Get(idx)
	if !ok {
		data = make([]byte, p.pageSize)
		n, err := p.f.ReadAt(data, int64(idx)*int64(p.pageSize))
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading page %d: %w", idx, err)
		}
		// Past the physical end the page reads as zeroes.
		clear(data[n:])
		if !forWrite {
			p.clean.Add(idx, data)
		}
	}
	if !forWrite {
		return &page{data: data}, nil
	}
	p.clean.Remove(idx)
	pg := &page{data: data, lo: p.pageSize, hi: 0}
	p.dirty[idx] = pg
	return pg, nil
}

func (p *File) readAt(off uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	ps := uint64(p.pageSize)
	for done := 0; done < n; {
		pos := off + uint64(done)
		pg, err := p.pageFor(pos/ps, false)
		if err != nil {
			return nil, err
		}
		done += copy(out[done:], pg.data[pos%ps:])
	}
	return out, nil
}

func (p *File) writeAt(off uint64, data []byte) error {
	ps := uint64(p.pageSize)
	for done := 0; done < len(data); {
		pos := off + uint64(done)
		pg, err := p.pageFor(pos/ps, true)
		if err != nil {
			return err
		}
		start := int(pos % ps)
		n := copy(pg.data[start:], data[done:])
		pg.lo = min(pg.lo, start)
		pg.hi = max(pg.hi, start+n)
		done += n
	}
	return nil
}

// flush writes only the dirty range of each page, so bytes of committed records
// sharing a page with new ones are never rewritten.
func (p *File) flush() error {
	idxs := make([]uint64, 0, len(p.dirty))
	for idx := range p.dirty {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	for _, idx := range idxs {
		pg := p.dirty[idx]
		if pg.hi <= pg.lo {
			continue
		}
		at := int64(idx)*int64(p.pageSize) + int64(pg.lo)
		if _, err := p.f.WriteAt(pg.data[pg.lo:pg.hi], at); err != nil {
			return fmt.Errorf("writing page %d: %w", idx, err)
		}
	}
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("syncing pages: %w", err)
	}
	for _, idx := range idxs {
		p.clean.Add(idx, p.dirty[idx].data)
	}
	p.dirty = make(map[uint64]*page)
	return nil
}

func (p *File) writeHeader(at int64, h header) error {
	buf := encodeHeader(h)
	if _, err := p.f.WriteAt(buf, at); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return nil
}

func encodeHeader(h header) []byte {
	buf := make([]byte, slotSize)
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], h.pageSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.gen)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.root))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.freeRec))
	binary.LittleEndian.PutUint64(buf[40:48], h.size)
	binary.LittleEndian.PutUint64(buf[56:64], xxh3.Hash(buf[:56]))
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < slotSize {
		return header{}, errors.New("short header slot")
	}
	if string(buf[0:4]) != magic {
		return header{}, errors.New("bad magic")
	}
	if binary.LittleEndian.Uint64(buf[56:64]) != xxh3.Hash(buf[:56]) {
		return header{}, errors.New("header checksum mismatch")
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != formatVersion {
		return header{}, fmt.Errorf("unsupported format version %d", v)
	}
	h := header{
		pageSize: binary.LittleEndian.Uint32(buf[8:12]),
		gen:      binary.LittleEndian.Uint64(buf[16:24]),
		root:     RecordID(binary.LittleEndian.Uint64(buf[24:32])),
		freeRec:  RecordID(binary.LittleEndian.Uint64(buf[32:40])),
		size:     binary.LittleEndian.Uint64(buf[40:48]),
	}
	if h.pageSize < MinPageSize || h.pageSize&(h.pageSize-1) != 0 {
		return header{}, fmt.Errorf("bad page size %d", h.pageSize)
	}
	return h, nil
}

func encodeExtents(es []extent) []byte {
	buf := make([]byte, 4+16*len(es))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(es)))
	for i, e := range es {
		binary.LittleEndian.PutUint64(buf[4+16*i:], e.Off)
		binary.LittleEndian.PutUint64(buf[12+16*i:], e.Len)
	}
	return buf
}

func decodeExtents(buf []byte) ([]extent, error) {
	if len(buf) < 4 {
		return nil, errors.New("short free list")
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if len(buf) != 4+16*n {
		return nil, fmt.Errorf("free list length %d does not match %d entries", len(buf), n)
	}
	es := make([]extent, n)
	for i := range es {
		es[i].Off = binary.LittleEndian.Uint64(buf[4+16*i:])
		es[i].Len = binary.LittleEndian.Uint64(buf[12+16*i:])
	}
	return es, nil
}

// mergeExtents sorts extents by offset and coalesces neighbours.
func mergeExtents(es []extent) []extent {
	if len(es) == 0 {
		return nil
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Off < es[j].Off })
	out := []extent{es[0]}
	for _, e := range es[1:] {
		last := &out[len(out)-1]
		if last.Off+last.Len >= e.Off {
			if end := e.Off + e.Len; end > last.Off+last.Len {
				last.Len = end - last.Off
			}
			continue
		}
		out = append(out, e)
	}
	return out
}

func cloneExtents(es []extent) []extent {
	return append([]extent(nil), es...)
}

func alignUp(n uint64) uint64 {
	return (n + recordAlign - 1) &^ (recordAlign - 1)
}
