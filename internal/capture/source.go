package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrEndOfStream ends a session normally.
var ErrEndOfStream = errors.New("end of stream")

// Source yields encoded frames. Transient failures are retried by the Manager.
type Source interface {
	Name() string
	ReadFrame(ctx context.Context) ([]byte, error)
}

// HTTPSource polls a camera snapshot endpoint that answers with one JPEG per request.
type HTTPSource struct {
	URL      string
	Client   *http.Client
	MaxBytes int64
}

// NewHTTPSource creates a snapshot poller.
func NewHTTPSource(url string, maxBytes int64) *HTTPSource {
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &HTTPSource{URL: url, Client: &http.Client{Timeout: 10 * time.Second}, MaxBytes: maxBytes}
}

func (s *HTTPSource) Name() string { return "http" }

// ReadFrame fetches the current snapshot.
func (s *HTTPSource) ReadFrame(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned %s", resp.Status)
	}
	frame, err := io.ReadAll(io.LimitReader(resp.Body, s.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if int64(len(frame)) > s.MaxBytes {
		return nil, fmt.Errorf("snapshot larger than %d bytes", s.MaxBytes)
	}
	if len(frame) == 0 {
		return nil, errors.New("empty snapshot")
	}
	return frame, nil
}

// DirSource replays image files from a directory in name order.
type DirSource struct {
	files []string
	next  int
	loop  bool
}

// NewDirSource lists the frames in dir. With loop the directory is replayed forever.
func NewDirSource(dir string, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			if !e.IsDir() {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no frames in %s", dir)
	}
	sort.Strings(files)
	return &DirSource{files: files, loop: loop}, nil
}

func (s *DirSource) Name() string { return "dir" }

// ReadFrame returns the next file, or ErrEndOfStream after the last one.
func (s *DirSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.files) {
		if !s.loop {
			return nil, ErrEndOfStream
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++
	return os.ReadFile(path)
}
