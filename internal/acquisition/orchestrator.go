package acquisition

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"hls-capture/internal/playlist"
)

// SegmentResult reports one successfully stored fragment to the progress
// aggregator.
type SegmentResult struct {
	Index  int
	Bytes  int
	IsInit bool
}

// Orchestrator fetches the fragments of one stream role with bounded
// parallelism, decrypts them when a key is active, and writes each to the
// chunk store. A failure on one fragment is recorded but never aborts the
// sibling workers: a download with a bounded number of missing segments plus
// a visible warning beats throwing away everything already fetched.
type Orchestrator struct {
	chunks ChunkStore
	log    *slog.Logger
}

// NewOrchestrator returns an Orchestrator writing to chunks.
func NewOrchestrator(chunks ChunkStore, log *slog.Logger) *Orchestrator {
	return &Orchestrator{chunks: chunks, log: log}
}

// Run drains fragments with min(maxConcurrent, len(fragments)) workers
// sharing one atomically-incremented cursor. Each worker checks shouldStop
// before claiming a new fragment; in-flight fetches are allowed to finish so
// no partially-written chunks are left behind. onDone is invoked from a
// single aggregator goroutine, never concurrently, in completion order.
// The returned slice holds one entry per failed fragment; empty means full
// success.
func (o *Orchestrator) Run(ctx context.Context, id ID, role StreamRole, fragments []playlist.Fragment,
	maxConcurrent int, fetch FetchFunc, onDone func(SegmentResult), shouldStop func() bool) []*SegmentError {

	if len(fragments) == 0 {
		return nil
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxConcurrent > len(fragments) {
		maxConcurrent = len(fragments)
	}
	if shouldStop == nil {
		shouldStop = func() bool { return false }
	}

	keys := newKeyCache(fetch)

	var cursor int64
	results := make(chan SegmentResult, maxConcurrent)
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		for r := range results {
			if onDone != nil {
				onDone(r)
			}
		}
	}()

	var mu sync.Mutex
	var segErrs []*SegmentError

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < maxConcurrent; w++ {
		g.Go(func() error {
			for {
				if shouldStop() || ctx.Err() != nil {
					return nil
				}
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= len(fragments) {
					return nil
				}
				frag := fragments[i]
				n, err := o.fetchAndStore(ctx, id, role, frag, fetch, keys)
				if err != nil {
					o.log.Warn("segment failed",
						slog.String("acquisition_id", string(id)),
						slog.String("role", string(role)),
						slog.Int("index", frag.Index),
						slog.String("error", err.Error()))
					mu.Lock()
					segErrs = append(segErrs, &SegmentError{Index: frag.Index, URI: frag.URI, Err: err})
					mu.Unlock()
					continue
				}
				results <- SegmentResult{Index: frag.Index, Bytes: n, IsInit: frag.IsInit}
			}
		})
	}
	// Workers only ever return nil; failures are collected per segment.
	_ = g.Wait()
	close(results)
	<-aggDone

	return segErrs
}

// fetchAndStore retrieves one fragment, decrypts it if a key is active, and
// persists it. It is also the single-segment primitive the live recorder
// drives directly.
func (o *Orchestrator) fetchAndStore(ctx context.Context, id ID, role StreamRole,
	frag playlist.Fragment, fetch FetchFunc, keys *keyCache) (int, error) {

	data, err := fetch(ctx, frag.URI)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	if frag.Key != nil {
		key, err := keys.get(ctx, frag.Key.URI)
		if err != nil {
			return 0, fmt.Errorf("fetch key: %w", err)
		}
		data, err = decryptSegment(data, key, frag)
		if err != nil {
			return 0, fmt.Errorf("decrypt: %w", err)
		}
	}
	if err := o.chunks.Put(id, role, frag.Index, data); err != nil {
		return 0, fmt.Errorf("store: %w", err)
	}
	return len(data), nil
}

// keyCache fetches AES key bytes at most once per distinct key URI. Its
// lifetime is one orchestrator or recorder run; it is never shared across
// acquisitions.
type keyCache struct {
	fetch FetchFunc

	mu   sync.Mutex
	keys map[string][]byte
}

func newKeyCache(fetch FetchFunc) *keyCache {
	return &keyCache{fetch: fetch, keys: make(map[string][]byte)}
}

// get returns the cached key bytes for uri, fetching on first use. The lock
// is held across the fetch so racing workers cannot fetch the same key twice;
// fetch failures are not cached so a later fragment sharing the key may retry.
func (c *keyCache) get(ctx context.Context, uri string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[uri]; ok {
		return key, nil
	}

	key, err := c.fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("key at %s is %d bytes, want 16", uri, len(key))
	}

	c.keys[uri] = key
	return key, nil
}

// decryptSegment applies AES-128-CBC with the fragment's IV (or the media
// sequence number when the manifest gave none) and strips PKCS#7 padding.
func decryptSegment(data, key []byte, frag playlist.Fragment) ([]byte, error) {
	iv, err := fragmentIV(frag)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}

	plaintext := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data)

	padLen := int(plaintext[len(plaintext)-1])
	if padLen < 1 || padLen > aes.BlockSize || padLen > len(plaintext) {
		return nil, fmt.Errorf("invalid padding length %d", padLen)
	}
	return plaintext[:len(plaintext)-padLen], nil
}

// fragmentIV returns the 16-byte CBC IV: the manifest's hex IV when present,
// otherwise the fragment's media sequence number big-endian per RFC 8216.
func fragmentIV(frag playlist.Fragment) ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if frag.Key == nil || frag.Key.IV == "" {
		binary.BigEndian.PutUint64(iv[8:], frag.Sequence)
		return iv, nil
	}
	raw, err := hex.DecodeString(frag.Key.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv %q: %w", frag.Key.IV, err)
	}
	if len(raw) > aes.BlockSize {
		return nil, fmt.Errorf("iv %q is longer than %d bytes", frag.Key.IV, aes.BlockSize)
	}
	copy(iv[aes.BlockSize-len(raw):], raw)
	return iv, nil
}
