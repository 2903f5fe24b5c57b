package device

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
)

// DirCamera serves frames from the images of a directory, in name order, cycling
// when the last one is reached. It stands in for a camera on headless hosts and
// for capture rigs that drop snapshots into a folder.
type DirCamera struct {
	Dir string
}

// AcquireVideo opens the directory. A missing or empty directory is ErrNotFound.
func (c DirCamera) AcquireVideo(ctx context.Context, facing Facing, ideal Resolution) (VideoStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrAborted
	}
	if c.Dir == "" {
		return nil, ErrNotFound
	}
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return nil, classifyFS(err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(c.Dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrNotFound, c.Dir)
	}
	sort.Strings(files)
	return &dirStream{files: files, facing: facing, ideal: ideal}, nil
}

type dirStream struct {
	files  []string
	facing Facing
	ideal  Resolution

	mu       sync.Mutex
	next     int
	released bool
}

func (s *dirStream) ID() string { return "dir" }
func (s *dirStream) Kind() Kind { return KindVideo }

func (s *dirStream) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

func (s *dirStream) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrAborted
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, ErrAborted
	}
	path := s.files[s.next%len(s.files)]
	s.next++
	s.mu.Unlock()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, classifyFS(statErr)
		}
		return nil, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	return shapeFrame(img, s.facing, s.ideal), nil
}

// shapeFrame fits a frame into the ideal resolution and mirrors front-camera frames.
func shapeFrame(img image.Image, facing Facing, ideal Resolution) image.Image {
	b := img.Bounds()
	if ideal.Width > 0 && ideal.Height > 0 && (b.Dx() > ideal.Width || b.Dy() > ideal.Height) {
		img = imaging.Fit(img, ideal.Width, ideal.Height, imaging.Lanczos)
	}
	if facing == FacingUser {
		img = imaging.FlipH(img)
	}
	return img
}

// StaticCamera serves a fixed list of in-memory frames. Err, when set, is returned
// by AcquireVideo instead of a stream.
type StaticCamera struct {
	Frames []image.Image
	Err    error
}

// AcquireVideo returns a stream over the configured frames.
func (c *StaticCamera) AcquireVideo(ctx context.Context, facing Facing, ideal Resolution) (VideoStream, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	if len(c.Frames) == 0 {
		return nil, ErrNotFound
	}
	return &staticStream{frames: c.Frames, facing: facing, ideal: ideal}, nil
}

type staticStream struct {
	frames []image.Image
	facing Facing
	ideal  Resolution

	mu       sync.Mutex
	next     int
	released bool
}

func (s *staticStream) ID() string { return "static" }
func (s *staticStream) Kind() Kind { return KindVideo }

func (s *staticStream) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

func (s *staticStream) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || ctx.Err() != nil {
		return nil, ErrAborted
	}
	img := s.frames[s.next%len(s.frames)]
	s.next++
	return shapeFrame(img, s.facing, s.ideal), nil
}
