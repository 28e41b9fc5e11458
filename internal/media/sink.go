package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// DirSink saves finished files into a directory. Writes are atomic: a
// partially written file never appears under the final name.
type DirSink struct {
	dir string
}

// NewDirSink returns a sink writing into dir, creating it if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

// Save writes data under the suggested name, appending a numeric suffix on
// collision, and returns the absolute path as the location identifier.
func (s *DirSink) Save(_ context.Context, suggestedName string, data []byte) (string, error) {
	target := filepath.Join(s.dir, suggestedName)
	ext := filepath.Ext(suggestedName)
	stem := strings.TrimSuffix(suggestedName, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(s.dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}

	if err := renameio.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", target, err)
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return target, nil
	}
	return abs, nil
}

// DirRemoteSink is a remote-storage stand-in that copies saved files into a
// second directory and returns the copy's name as the remote ID. Real cloud
// integrations implement the same contract.
type DirRemoteSink struct {
	dir string
}

// NewDirRemoteSink returns a remote sink copying into dir.
func NewDirRemoteSink(dir string) (*DirRemoteSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create remote dir: %w", err)
	}
	return &DirRemoteSink{dir: dir}, nil
}

// Upload copies the file at location into the remote directory.
func (s *DirRemoteSink) Upload(_ context.Context, location string) (string, error) {
	src, err := os.Open(location)
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := filepath.Base(location)
	dst, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return name, nil
}
