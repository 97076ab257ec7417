// Package cache stores generated audio on disk, keyed by the parameters that produced it.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/book-expert/audio-producer/internal/core"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600
	entrySuffix     = ".zst"
	shardWidth      = 2
)

var (
	// ErrEmptyKey is returned for operations without a key.
	ErrEmptyKey = errors.New("cache key cannot be empty")
	// ErrEmptyEntry is returned when asked to store zero bytes.
	ErrEmptyEntry = errors.New("cache entry cannot be empty")
)

// Params are the generation parameters that identify one piece of audio.
// Field order is fixed so the JSON encoding, and therefore the key, is stable.
type Params struct {
	Kind        core.AssetKind `json:"kind"`
	Backend     string         `json:"backend"`
	Text        string         `json:"text"`
	Voice       string         `json:"voice"`
	Style       string         `json:"style"`
	Description string         `json:"description"`
	TargetMS    int64          `json:"target_ms"`
	Speed       float64        `json:"speed"`
	Variant     string         `json:"variant"`
}

// ParamsFor extracts the cache identity of a generation request. variant identifies the
// backend configuration (model, endpoint, format) behind the backend name.
func ParamsFor(req core.GenerationRequest, variant string) Params {
	return Params{
		Kind:        req.Kind,
		Backend:     req.Backend,
		Text:        req.Text,
		Voice:       req.VoiceID,
		Style:       req.Style,
		Description: req.Description,
		TargetMS:    req.TargetDurationMS,
		Speed:       req.Speed,
		Variant:     variant,
	}
}

// Key returns the content hash of the parameters.
func (p Params) Key() string {
	encoded, _ := json.Marshal(p)
	sum := sha256.Sum256(encoded)

	return hex.EncodeToString(sum[:])
}

// Stats counts cache traffic since the cache was opened.
type Stats struct {
	Hits   int64
	Misses int64
	Writes int64
}

// Disk is a zstd-compressed, content-addressed audio cache.
type Disk struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	dir     string
	hits    atomic.Int64
	misses  atomic.Int64
	writes  atomic.Int64
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string, compressionLevel int) (*Disk, error) {
	mkdirErr := os.MkdirAll(dir, dirPermissions)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", mkdirErr)
	}

	encoder, encErr := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if encErr != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", encErr)
	}

	decoder, decErr := zstd.NewReader(nil)
	if decErr != nil {
		_ = encoder.Close()

		return nil, fmt.Errorf("failed to create zstd decoder: %w", decErr)
	}

	return &Disk{encoder: encoder, decoder: decoder, dir: dir}, nil
}

// Get returns the decompressed entry for key. Unreadable or corrupt entries are
// removed and reported as misses.
func (d *Disk) Get(key string) ([]byte, bool) {
	if key == "" {
		d.misses.Add(1)

		return nil, false
	}

	path := d.pathFor(key)

	compressed, readErr := os.ReadFile(path)
	if readErr != nil {
		d.misses.Add(1)

		return nil, false
	}

	data, decodeErr := d.decoder.DecodeAll(compressed, nil)
	if decodeErr != nil || len(data) == 0 {
		_ = os.Remove(path)

		d.misses.Add(1)

		return nil, false
	}

	d.hits.Add(1)

	return data, true
}

// Put compresses data and stores it under key.
func (d *Disk) Put(key string, data []byte) error {
	if key == "" {
		return ErrEmptyKey
	}

	if len(data) == 0 {
		return ErrEmptyEntry
	}

	path := d.pathFor(key)

	mkdirErr := os.MkdirAll(filepath.Dir(path), dirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create cache shard: %w", mkdirErr)
	}

	writeErr := writeAtomic(path, d.encoder.EncodeAll(data, nil))
	if writeErr != nil {
		return fmt.Errorf("failed to write cache entry: %w", writeErr)
	}

	d.writes.Add(1)

	return nil
}

// Restore writes the entry for key to dest, reporting whether it existed.
func (d *Disk) Restore(key, dest string) (bool, error) {
	data, found := d.Get(key)
	if !found {
		return false, nil
	}

	mkdirErr := os.MkdirAll(filepath.Dir(dest), dirPermissions)
	if mkdirErr != nil {
		return false, fmt.Errorf("failed to create restore directory: %w", mkdirErr)
	}

	writeErr := writeAtomic(dest, data)
	if writeErr != nil {
		return false, fmt.Errorf("failed to restore cache entry: %w", writeErr)
	}

	return true, nil
}

// Store caches the file at src under key.
func (d *Disk) Store(key, src string) error {
	data, readErr := os.ReadFile(src)
	if readErr != nil {
		return fmt.Errorf("failed to read %s for caching: %w", src, readErr)
	}

	return d.Put(key, data)
}

// Delete removes the entry for key if present.
func (d *Disk) Delete(key string) error {
	removeErr := os.Remove(d.pathFor(key))
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf("failed to delete cache entry: %w", removeErr)
	}

	return nil
}

// Stats returns hit, miss and write counters.
func (d *Disk) Stats() Stats {
	return Stats{
		Hits:   d.hits.Load(),
		Misses: d.misses.Load(),
		Writes: d.writes.Load(),
	}
}

// Close releases the codec resources.
func (d *Disk) Close() error {
	d.decoder.Close()

	return d.encoder.Close()
}

func (d *Disk) pathFor(key string) string {
	shard := key
	if len(key) > shardWidth {
		shard = key[:shardWidth]
	}

	return filepath.Join(d.dir, shard, key+entrySuffix)
}

func writeAtomic(path string, data []byte) error {
	temp, createErr := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if createErr != nil {
		return createErr
	}

	tempPath := temp.Name()

	_, writeErr := temp.Write(data)
	closeErr := temp.Close()

	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tempPath)

		return errors.Join(writeErr, closeErr)
	}

	chmodErr := os.Chmod(tempPath, filePermissions)
	if chmodErr != nil {
		_ = os.Remove(tempPath)

		return chmodErr
	}

	return os.Rename(tempPath, path)
}
