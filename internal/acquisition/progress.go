package acquisition

import "time"

// progressTracker aggregates segment completions into the user-visible
// progress snapshot. It is fed from the orchestrator's single aggregator
// goroutine (or the recorder's sequential loop), so it needs no locking.
type progressTracker struct {
	start         time.Time
	totalSegments int
	live          bool

	doneSegments int
	bytes        int64
}

// newProgressTracker starts tracking a run of totalSegments fragments.
// For live recordings totalSegments is unknown; pass live=true and progress
// reports segments collected instead of a percentage.
func newProgressTracker(totalSegments int, live bool) *progressTracker {
	return &progressTracker{start: time.Now(), totalSegments: totalSegments, live: live}
}

// add records one stored segment and returns the recomputed snapshot.
func (t *progressTracker) add(res SegmentResult) Progress {
	t.doneSegments++
	t.bytes += int64(res.Bytes)

	elapsed := time.Since(t.start).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(t.bytes) / elapsed
	}

	if t.live {
		return Progress{
			BytesDownloaded:   t.bytes,
			RateBytesPerSec:   rate,
			SegmentsCollected: t.doneSegments,
			Message:           "recording",
		}
	}

	// Total bytes is an estimate from the average segment size so far; the
	// percentage is clamped in case the estimate turns out to be wrong.
	var estimate int64
	pct := 0.0
	if t.totalSegments > 0 && t.doneSegments > 0 {
		estimate = t.bytes / int64(t.doneSegments) * int64(t.totalSegments)
		pct = float64(t.doneSegments) / float64(t.totalSegments) * 100
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return Progress{
		BytesDownloaded: t.bytes,
		BytesTotal:      estimate,
		Percentage:      pct,
		RateBytesPerSec: rate,
		Message:         "downloading",
	}
}
