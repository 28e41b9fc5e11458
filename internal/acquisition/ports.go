package acquisition

import "context"

// Chunk is one stored segment's bytes together with its index. GetRange
// returns chunks ascending by index with gaps simply absent, so callers can
// both concatenate in order and detect missing segments.
type Chunk struct {
	Index int
	Data  []byte
}

// ChunkStore persists raw segment bytes keyed by (acquisition, role, index).
// Writes for the same key are idempotent; on a duplicate index the last write
// wins, which is safe because duplicate fetches of one index carry identical
// content. Reads come back in ascending index order regardless of write order.
type ChunkStore interface {
	Put(id ID, role StreamRole, index int, data []byte) error
	GetRange(id ID, role StreamRole, start, count int) ([]Chunk, error)
	Count(id ID, role StreamRole) (int, error)
	DeleteAll(id ID) error
}

// Repository is the durable home of acquisition records, with a secondary
// lookup by normalized source URL.
type Repository interface {
	Create(rec *Record) error
	Get(id ID) (*Record, error)
	// GetBySourceURL returns the most recent record whose normalized source
	// URL matches, or ErrNotFound.
	GetBySourceURL(normalized string) (*Record, error)
	Update(rec *Record) error
	// List returns all records, newest first.
	List() ([]*Record, error)
	Delete(id ID) error
}

// FetchFunc retrieves one URL's bytes. The orchestrator uses it for segments
// and decryption keys, the service for manifests and direct files. The core
// imposes no per-fetch timeout; a hung fetch stalls only its own worker.
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

// Muxer is the external muxing collaborator: given the ordered, concatenated
// bytes of the roles present (either may be nil) and a target container, it
// produces one playable file. Video+audio mux, video-only repackage, and
// audio-only repackage are selected by which inputs are non-nil.
type Muxer interface {
	Mux(ctx context.Context, video, audio []byte, container string) ([]byte, error)
}

// SaveSink is the external file-save collaborator. It accepts the finished
// file's bytes plus a suggested name and returns the location identifier that
// populates Record.ResultLocation.
type SaveSink interface {
	Save(ctx context.Context, suggestedName string, data []byte) (location string, err error)
}

// RemoteSink is the optional remote-storage collaborator. When configured,
// completed files pass through the uploading stage before the acquisition
// completes.
type RemoteSink interface {
	Upload(ctx context.Context, location string) (remoteID string, err error)
}
