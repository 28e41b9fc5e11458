package acquisition

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"hls-capture/internal/playlist"
)

// Recorder captures a live media playlist: it re-polls the manifest on a
// fixed interval, diffs the fragment list against what is already stored, and
// feeds only the new fragments through the orchestrator's single-segment
// primitive. Fetches run with concurrency 1 so chunks are appended in order
// and the final stream stays contiguous.
type Recorder struct {
	orch     *Orchestrator
	interval time.Duration
	log      *slog.Logger
}

// NewRecorder returns a Recorder polling at the given interval.
func NewRecorder(orch *Orchestrator, interval time.Duration, log *slog.Logger) *Recorder {
	if interval <= 0 {
		interval = 4 * time.Second
	}
	return &Recorder{orch: orch, interval: interval, log: log}
}

// recordState carries the recording position across polls: the highest media
// sequence stored, the next chunk index to assign, and the active init URI.
type recordState struct {
	haveSeq   bool
	lastSeq   uint64
	nextIndex int
	lastInit  string
}

// Record runs until shouldStop returns true, the context ends, or the
// playlist gains an end-of-list marker (the stream flipped from live to VOD,
// in which case the collected capture is finalized as a stop-and-save).
// onDone is invoked sequentially per stored fragment. Transient poll or
// segment failures are logged and retried on the next tick; a live stream
// hiccup should not kill the recording.
func (r *Recorder) Record(ctx context.Context, id ID, role StreamRole, mediaURL string,
	fetch FetchFunc, onDone func(SegmentResult), shouldStop func() bool) error {

	base, err := url.Parse(mediaURL)
	if err != nil {
		return err
	}
	if shouldStop == nil {
		shouldStop = func() bool { return false }
	}

	keys := newKeyCache(fetch)
	var st recordState

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if shouldStop() || ctx.Err() != nil {
			return ctx.Err()
		}

		text, err := fetch(ctx, mediaURL)
		if err != nil {
			r.log.Warn("live playlist refetch failed",
				slog.String("acquisition_id", string(id)),
				slog.String("error", err.Error()))
		} else {
			fragments, err := playlist.ParseMedia(string(text), base)
			if err != nil {
				r.log.Warn("live playlist unparsable",
					slog.String("acquisition_id", string(id)),
					slog.String("error", err.Error()))
			} else {
				if stopped := r.collect(ctx, id, role, fragments, fetch, keys, onDone, shouldStop, &st); stopped {
					return ctx.Err()
				}
				if !playlist.IsLive(string(text)) {
					r.log.Info("live playlist ended, finalizing recording",
						slog.String("acquisition_id", string(id)))
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// collect stores the fragments the sliding window gained since the last poll,
// identified by media sequence number. Init-segment fragments are stored
// whenever their URI changes, immediately before the first segment depending
// on them. Returns true when shouldStop interrupted the pass.
func (r *Recorder) collect(ctx context.Context, id ID, role StreamRole, fragments []playlist.Fragment,
	fetch FetchFunc, keys *keyCache, onDone func(SegmentResult), shouldStop func() bool, st *recordState) bool {

	pendingInit := ""
	for _, frag := range fragments {
		if frag.IsInit {
			if frag.URI != st.lastInit {
				pendingInit = frag.URI
			}
			continue
		}
		if st.haveSeq && frag.Sequence <= st.lastSeq {
			pendingInit = ""
			continue
		}
		if shouldStop() || ctx.Err() != nil {
			return true
		}

		if pendingInit != "" {
			initFrag := playlist.Fragment{Index: st.nextIndex, URI: pendingInit, IsInit: true}
			n, err := r.orch.fetchAndStore(ctx, id, role, initFrag, fetch, keys)
			if err != nil {
				r.log.Warn("live init segment failed",
					slog.String("acquisition_id", string(id)),
					slog.String("uri", pendingInit),
					slog.String("error", err.Error()))
				// Retry on the next poll rather than skipping it silently.
				return false
			}
			st.lastInit = pendingInit
			pendingInit = ""
			st.nextIndex++
			if onDone != nil {
				onDone(SegmentResult{Index: initFrag.Index, Bytes: n, IsInit: true})
			}
		}

		stored := frag
		stored.Index = st.nextIndex
		n, err := r.orch.fetchAndStore(ctx, id, role, stored, fetch, keys)
		if err != nil {
			r.log.Warn("live segment failed",
				slog.String("acquisition_id", string(id)),
				slog.Uint64("sequence", frag.Sequence),
				slog.String("error", err.Error()))
			// Leave lastSeq untouched so the segment is retried while it is
			// still inside the window.
			return false
		}
		st.haveSeq = true
		st.lastSeq = frag.Sequence
		st.nextIndex++
		if onDone != nil {
			onDone(SegmentResult{Index: stored.Index, Bytes: n})
		}
	}
	return false
}
