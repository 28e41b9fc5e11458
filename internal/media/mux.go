// Package media implements the acquisition core's external collaborators:
// the ffmpeg-based muxing service, the file-save sink, and an optional
// remote-storage sink.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// FFmpegMuxer produces one playable file from the ordered video/audio byte
// streams by invoking the ffmpeg binary. Streams are copied, never
// re-encoded.
type FFmpegMuxer struct {
	bin string
	log *slog.Logger
}

// NewFFmpegMuxer returns a muxer running bin ("ffmpeg" when empty).
func NewFFmpegMuxer(bin string, log *slog.Logger) *FFmpegMuxer {
	if bin == "" {
		bin = "ffmpeg"
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpegMuxer{bin: bin, log: log}
}

// Mux combines the streams present (video+audio mux, video-only repackage,
// or audio-only repackage) into the target container.
func (m *FFmpegMuxer) Mux(ctx context.Context, video, audio []byte, container string) ([]byte, error) {
	if len(video) == 0 && len(audio) == 0 {
		return nil, errors.New("nothing to mux")
	}

	dir, err := os.MkdirTemp("", "hls-capture-mux-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	var videoPath, audioPath string
	if len(video) > 0 {
		videoPath = filepath.Join(dir, "video.ts")
		if err := os.WriteFile(videoPath, video, 0o600); err != nil {
			return nil, err
		}
	}
	if len(audio) > 0 {
		audioPath = filepath.Join(dir, "audio.ts")
		if err := os.WriteFile(audioPath, audio, 0o600); err != nil {
			return nil, err
		}
	}
	outPath := filepath.Join(dir, "out."+container)

	args := MuxArgs(videoPath, audioPath, outPath, container)
	m.log.Debug("running ffmpeg", slog.String("args", fmt.Sprint(args)))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.bin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, stderr.String())
	}
	return os.ReadFile(outPath)
}

// MuxArgs builds the ffmpeg argument list for the given inputs. Either input
// path may be empty; stream-copy is always used.
func MuxArgs(videoPath, audioPath, outPath, container string) []string {
	args := []string{"-nostats", "-hide_banner", "-loglevel", "error", "-y"}
	if videoPath != "" {
		args = append(args, "-i", videoPath)
	}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	}
	if videoPath != "" && audioPath != "" {
		args = append(args, "-map", "0:v:0", "-map", "1:a:0")
	}
	args = append(args, "-c", "copy")
	if container == "mp4" {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, outPath)
	return args
}

// PassthroughMuxer hands single-role streams through unchanged. It backs
// tests and deployments without an ffmpeg binary; combining two roles needs
// the real muxer.
type PassthroughMuxer struct{}

// Mux implements the muxer contract for single-role inputs.
func (PassthroughMuxer) Mux(_ context.Context, video, audio []byte, _ string) ([]byte, error) {
	switch {
	case len(video) > 0 && len(audio) > 0:
		return nil, errors.New("combining video and audio requires ffmpeg")
	case len(video) > 0:
		return video, nil
	case len(audio) > 0:
		return audio, nil
	default:
		return nil, errors.New("nothing to mux")
	}
}
