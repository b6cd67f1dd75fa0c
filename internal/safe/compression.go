package safe

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressionOptions decides which blobs are stored as zstd frames.
type CompressionOptions struct {
	// MinSize is the smallest blob worth compressing.
	MinSize int
	// Level is the zstd level, 1 (fastest) to 4 (best).
	Level int
	// SkipExtensions names file types whose bytes are already compressed.
	SkipExtensions []string
}

func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 1024,
		Level:   2,
		SkipExtensions: []string{
			".zip", ".gz", ".zst", ".xz", ".bz2", ".jar",
			".png", ".jpg", ".jpeg", ".gif", ".webp",
			".mp3", ".mp4", ".avi", ".mkv",
			".pdf", ".docx", ".xlsx",
		},
	}
}

// compressionManager pools zstd coders for blob payloads. Encoders and
// decoders are single threaded since blobs are small and the store already
// serializes writers.
type compressionManager struct {
	minSize int
	skip    map[string]bool

	encoders sync.Pool
	decoders sync.Pool
}

func newCompressionManager(opts CompressionOptions) (*compressionManager, error) {
	level := zstd.EncoderLevelFromZstd(opts.Level)
	newEncoder := func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	}
	newDecoder := func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	}

	// Build one of each up front so bad options fail here, not on first use.
	enc, err := newEncoder()
	if err != nil {
		return nil, fmt.Errorf("creating blob encoder: %w", err)
	}
	dec, err := newDecoder()
	if err != nil {
		return nil, fmt.Errorf("creating blob decoder: %w", err)
	}

	cm := &compressionManager{
		minSize: opts.MinSize,
		skip:    make(map[string]bool, len(opts.SkipExtensions)),
	}
	for _, ext := range opts.SkipExtensions {
		cm.skip[strings.ToLower(ext)] = true
	}
	cm.encoders.New = func() any {
		e, _ := newEncoder()
		return e
	}
	cm.decoders.New = func() any {
		d, _ := newDecoder()
		return d
	}
	cm.encoders.Put(enc)
	cm.decoders.Put(dec)
	return cm, nil
}

// shouldCompress reports whether a blob of size bytes stored for file name is
// a compression candidate. An empty name only goes by size.
func (cm *compressionManager) shouldCompress(name string, size int) bool {
	if size < cm.minSize {
		return false
	}
	return !cm.skip[strings.ToLower(filepath.Ext(name))]
}

// compress returns the zstd frame for content, or ok=false when the blob
// should be stored raw.
func (cm *compressionManager) compress(name string, content []byte) (frame []byte, ok bool) {
	if !cm.shouldCompress(name, len(content)) {
		return nil, false
	}

	enc := cm.encoders.Get().(*zstd.Encoder)
	frame = enc.EncodeAll(content, make([]byte, 0, len(content)/2))
	cm.encoders.Put(enc)

	if len(frame) >= len(content) {
		return nil, false
	}
	return frame, true
}

func (cm *compressionManager) decompress(frame []byte) ([]byte, error) {
	dec := cm.decoders.Get().(*zstd.Decoder)
	defer cm.decoders.Put(dec)

	out, err := dec.DecodeAll(frame, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing blob: %w", err)
	}
	return out, nil
}
