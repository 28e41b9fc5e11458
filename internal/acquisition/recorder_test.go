package acquisition_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-capture/internal/acquisition"
)

// liveSource serves a sliding-window media playlist that advances every time
// the manifest is fetched, ending after the configured number of polls.
type liveSource struct {
	mu        sync.Mutex
	polls     int
	windows   []string
	manifests int64
}

func (s *liveSource) fetch(_ context.Context, url string) ([]byte, error) {
	if strings.HasSuffix(url, ".m3u8") {
		s.mu.Lock()
		defer s.mu.Unlock()
		atomic.AddInt64(&s.manifests, 1)
		w := s.windows[s.polls]
		if s.polls < len(s.windows)-1 {
			s.polls++
		}
		return []byte(w), nil
	}
	return []byte("payload:" + url), nil
}

func window(seq int, uris []string, ended bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
	for _, u := range uris {
		b.WriteString("#EXTINF:4.0,\n")
		b.WriteString(u + "\n")
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func TestRecorderSlidingWindow(t *testing.T) {
	chunks := testChunks(t)
	orch := acquisition.NewOrchestrator(chunks, discardLogger())
	rec := acquisition.NewRecorder(orch, time.Millisecond, discardLogger())

	// Three polls: segments 0-2, then the window slides to 1-4, then the
	// stream ends at 3-5. Overlapping sequences must be stored exactly once.
	src := &liveSource{windows: []string{
		window(0, []string{"s0.ts", "s1.ts", "s2.ts"}, false),
		window(1, []string{"s1.ts", "s2.ts", "s3.ts", "s4.ts"}, false),
		window(3, []string{"s3.ts", "s4.ts", "s5.ts"}, true),
	}}

	var done []acquisition.SegmentResult
	err := rec.Record(context.Background(), "acq", acquisition.RoleVideo,
		"https://live.example.com/chunklist.m3u8", src.fetch,
		func(r acquisition.SegmentResult) { done = append(done, r) }, nil)
	require.NoError(t, err, "an ended playlist finalizes the recording cleanly")

	n, err := chunks.Count("acq", acquisition.RoleVideo)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	stored, err := chunks.GetRange("acq", acquisition.RoleVideo, 0, 6)
	require.NoError(t, err)
	for i, c := range stored {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, fmt.Sprintf("payload:https://live.example.com/s%d.ts", i), string(c.Data))
	}

	require.Len(t, done, 6)
	for i, r := range done {
		assert.Equal(t, i, r.Index)
	}
}

func TestRecorderStop(t *testing.T) {
	chunks := testChunks(t)
	orch := acquisition.NewOrchestrator(chunks, discardLogger())
	rec := acquisition.NewRecorder(orch, time.Millisecond, discardLogger())

	// The window never ends; the stop signal fires after the first full pass.
	src := &liveSource{windows: []string{
		window(0, []string{"s0.ts", "s1.ts"}, false),
	}}

	var collected int64
	stop := func() bool { return atomic.LoadInt64(&collected) >= 2 }

	err := rec.Record(context.Background(), "acq", acquisition.RoleVideo,
		"https://live.example.com/chunklist.m3u8", src.fetch,
		func(acquisition.SegmentResult) { atomic.AddInt64(&collected, 1) }, stop)
	require.NoError(t, err)

	n, err := chunks.Count("acq", acquisition.RoleVideo)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecorderRetriesFailedSegment(t *testing.T) {
	chunks := testChunks(t)
	orch := acquisition.NewOrchestrator(chunks, discardLogger())
	rec := acquisition.NewRecorder(orch, time.Millisecond, discardLogger())

	manifest := window(0, []string{"s0.ts", "s1.ts"}, false)
	ended := window(0, []string{"s0.ts", "s1.ts"}, true)

	var fails int64
	var polls int64
	fetch := func(_ context.Context, url string) ([]byte, error) {
		if strings.HasSuffix(url, ".m3u8") {
			if atomic.AddInt64(&polls, 1) >= 3 {
				return []byte(ended), nil
			}
			return []byte(manifest), nil
		}
		// s1 fails once, then recovers; it must still land in the capture.
		if strings.HasSuffix(url, "s1.ts") && atomic.AddInt64(&fails, 1) == 1 {
			return nil, fmt.Errorf("origin hiccup")
		}
		return []byte("payload:" + url), nil
	}

	err := rec.Record(context.Background(), "acq", acquisition.RoleVideo,
		"https://live.example.com/chunklist.m3u8", fetch, nil, nil)
	require.NoError(t, err)

	stored, err := chunks.GetRange("acq", acquisition.RoleVideo, 0, 4)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Contains(t, string(stored[1].Data), "s1.ts")
}

func TestRecorderInitSegmentOnce(t *testing.T) {
	chunks := testChunks(t)
	orch := acquisition.NewOrchestrator(chunks, discardLogger())
	rec := acquisition.NewRecorder(orch, time.Millisecond, discardLogger())

	manifest := "#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-TARGETDURATION:4\n" +
		"#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-MAP:URI=\"init.mp4\"\n" +
		"#EXTINF:4.0,\nf0.m4s\n#EXTINF:4.0,\nf1.m4s\n#EXT-X-ENDLIST\n"

	fetch := func(_ context.Context, url string) ([]byte, error) {
		if strings.HasSuffix(url, ".m3u8") {
			return []byte(manifest), nil
		}
		return []byte("payload:" + url), nil
	}

	err := rec.Record(context.Background(), "acq", acquisition.RoleVideo,
		"https://live.example.com/chunklist.m3u8", fetch, nil, nil)
	require.NoError(t, err)

	stored, err := chunks.GetRange("acq", acquisition.RoleVideo, 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Contains(t, string(stored[0].Data), "init.mp4")
	assert.Contains(t, string(stored[1].Data), "f0.m4s")
	assert.Contains(t, string(stored[2].Data), "f1.m4s")
}
