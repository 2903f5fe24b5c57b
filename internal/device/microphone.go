package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultChunkDuration is the length of each PCM chunk handed to consumers.
const DefaultChunkDuration = 100 * time.Millisecond

// WAVMicrophone plays a WAV file as a microphone. Once the file is exhausted the
// stream keeps producing silence, as a quiet room would.
type WAVMicrophone struct {
	Path          string
	ChunkDuration time.Duration
	// Realtime paces chunks at their playback duration.
	Realtime bool
}

// AcquireAudio opens and validates the WAV file.
func (m WAVMicrophone) AcquireAudio(ctx context.Context, c AudioConstraints) (AudioStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrAborted
	}
	if m.Path == "" {
		return nil, ErrNotFound
	}
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, classifyFS(err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a PCM WAV file", ErrUnsupported, m.Path)
	}
	dec.ReadInfo()
	format := dec.Format()
	if c.SampleRate > 0 && format.SampleRate != c.SampleRate {
		f.Close()
		return nil, fmt.Errorf("%w: sample rate %d, requested %d", ErrUnsupported, format.SampleRate, c.SampleRate)
	}

	chunk := m.ChunkDuration
	if chunk <= 0 {
		chunk = DefaultChunkDuration
	}
	frames := int(float64(format.SampleRate) * chunk.Seconds())
	if frames <= 0 {
		frames = 1
	}
	return &wavStream{
		file:     f,
		dec:      dec,
		format:   format,
		bitDepth: int(dec.BitDepth),
		frames:   frames,
		chunk:    chunk,
		realtime: m.Realtime,
	}, nil
}

type wavStream struct {
	file     *os.File
	dec      *wav.Decoder
	format   *audio.Format
	bitDepth int
	frames   int
	chunk    time.Duration
	realtime bool

	mu       sync.Mutex
	drained  bool
	released bool
}

func (s *wavStream) ID() string { return "wav" }
func (s *wavStream) Kind() Kind { return KindAudio }

func (s *wavStream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.released {
		s.released = true
		s.file.Close()
	}
}

func (s *wavStream) ReadChunk(ctx context.Context) (*audio.IntBuffer, error) {
	if s.realtime {
		t := time.NewTimer(s.chunk)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrAborted
	}

	buf := &audio.IntBuffer{
		Format:         s.format,
		Data:           make([]int, s.frames*s.format.NumChannels),
		SourceBitDepth: s.bitDepth,
	}
	if s.drained {
		return buf, nil
	}
	n, err := s.dec.PCMBuffer(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	if n < len(buf.Data) {
		s.drained = true
		for i := n; i < len(buf.Data); i++ {
			buf.Data[i] = 0
		}
	}
	return buf, nil
}
