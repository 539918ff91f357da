package scanloop

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const maxFrameBytes = 8 << 20

func dataURI(data []byte) string {
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// SnapshotSource fetches frames from a camera's still-image URL.
type SnapshotSource struct {
	URL  string
	HTTP *http.Client
}

// NewSnapshotSource creates a source for url.
func NewSnapshotSource(url string) *SnapshotSource {
	return &SnapshotSource{URL: url, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (s *SnapshotSource) Capture(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("snapshot: camera returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes+1))
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	if len(data) > maxFrameBytes {
		return "", errors.New("snapshot: frame too large")
	}
	return dataURI(data), nil
}

// DirSource replays the images of a directory in name order, wrapping around.
type DirSource struct {
	mu    sync.Mutex
	files []string
	next  int
}

var imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// NewDirSource lists the images in dir.
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	return &DirSource{files: files}, nil
}

func (s *DirSource) Capture(context.Context) (string, error) {
	s.mu.Lock()
	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return dataURI(data), nil
}
