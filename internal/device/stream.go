// Package device wraps the capture hardware used by the agent: cameras for QR
// sampling and photos, microphones for recording, and NFC readers.
// Every acquired stream must be released; Release is idempotent and the Manager
// releases whatever is still held on shutdown or cancellation.
package device

import (
	"context"
	"image"
	"log/slog"
	"sync"

	"github.com/go-audio/audio"
	"github.com/google/uuid"
)

// Kind is the hardware class of a stream.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindNFC   Kind = "nfc"
)

// Facing selects the camera.
type Facing string

const (
	FacingEnvironment Facing = "environment"
	FacingUser        Facing = "user"
)

// Resolution is an ideal capture size; sources pick the closest they can serve.
type Resolution struct {
	Width  int
	Height int
}

// AudioConstraints configures microphone acquisition.
type AudioConstraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// Stream is an acquired hardware stream.
type Stream interface {
	ID() string
	Kind() Kind
	// Release stops the stream. Safe to call any number of times.
	Release()
}

// VideoStream yields frames from a camera.
type VideoStream interface {
	Stream
	Frame(ctx context.Context) (image.Image, error)
}

// AudioStream yields PCM chunks from a microphone.
type AudioStream interface {
	Stream
	// ReadChunk blocks until the next chunk is available.
	ReadChunk(ctx context.Context) (*audio.IntBuffer, error)
}

// VideoSource acquires camera streams.
type VideoSource interface {
	AcquireVideo(ctx context.Context, facing Facing, ideal Resolution) (VideoStream, error)
}

// AudioSource acquires microphone streams.
type AudioSource interface {
	AcquireAudio(ctx context.Context, c AudioConstraints) (AudioStream, error)
}

// Release releases s when it is non-nil. It tolerates streams that were never acquired.
func Release(s Stream) {
	if s != nil {
		s.Release()
	}
}

// Manager hands out streams from the configured sources and tracks every stream
// still held so they can be force-released.
// Only one stream per Kind may be held at a time; a second acquisition fails with
// ErrDeviceBusy until the first is released.
type Manager struct {
	video VideoSource
	audio AudioSource
	nfc   NFCReader

	mu     sync.Mutex
	active map[string]Stream
	held   map[Kind]string
}

// NewManager creates a Manager. Any source may be nil, in which case acquisition
// of that kind fails with ErrNotFound.
func NewManager(video VideoSource, audio AudioSource, nfc NFCReader) *Manager {
	return &Manager{
		video:  video,
		audio:  audio,
		nfc:    nfc,
		active: make(map[string]Stream),
		held:   make(map[Kind]string),
	}
}

// AcquireVideoStream acquires a camera stream.
func (m *Manager) AcquireVideoStream(ctx context.Context, facing Facing, ideal Resolution) (VideoStream, error) {
	if m.video == nil {
		return nil, ErrNotFound
	}
	id, err := m.reserve(KindVideo)
	if err != nil {
		return nil, err
	}
	s, err := m.video.AcquireVideo(ctx, facing, ideal)
	if err != nil {
		m.unreserve(KindVideo, id)
		return nil, err
	}
	tracked := &trackedVideo{VideoStream: s, tracker: m.track(KindVideo, id, s)}
	return tracked, nil
}

// AcquireAudioStream acquires a microphone stream.
func (m *Manager) AcquireAudioStream(ctx context.Context, c AudioConstraints) (AudioStream, error) {
	if m.audio == nil {
		return nil, ErrNotFound
	}
	id, err := m.reserve(KindAudio)
	if err != nil {
		return nil, err
	}
	s, err := m.audio.AcquireAudio(ctx, c)
	if err != nil {
		m.unreserve(KindAudio, id)
		return nil, err
	}
	return &trackedAudio{AudioStream: s, tracker: m.track(KindAudio, id, s)}, nil
}

// ListenNFC starts an NFC reading session.
func (m *Manager) ListenNFC(ctx context.Context) (NFCSession, error) {
	if m.nfc == nil {
		return nil, ErrUnsupported
	}
	id, err := m.reserve(KindNFC)
	if err != nil {
		return nil, err
	}
	s, err := m.nfc.Listen(ctx)
	if err != nil {
		m.unreserve(KindNFC, id)
		return nil, err
	}
	return &trackedNFC{NFCSession: s, tracker: m.track(KindNFC, id, s)}, nil
}

// Active returns the kinds currently held.
func (m *Manager) Active() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]Kind, 0, len(m.held))
	for k := range m.held {
		kinds = append(kinds, k)
	}
	return kinds
}

// ReleaseAll releases every stream still held.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	streams := make([]Stream, 0, len(m.active))
	for _, s := range m.active {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.Release()
	}
}

func (m *Manager) reserve(kind Kind) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[kind]; busy {
		return "", ErrDeviceBusy
	}
	id := uuid.NewString()
	m.held[kind] = id
	return id, nil
}

func (m *Manager) unreserve(kind Kind, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[kind] == id {
		delete(m.held, kind)
	}
	delete(m.active, id)
}

func (m *Manager) track(kind Kind, id string, s Stream) *tracker {
	t := &tracker{id: id, kind: kind, inner: s, manager: m}
	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	return t
}

// tracker gives each handed-out stream a stable id and an idempotent Release.
type tracker struct {
	id      string
	kind    Kind
	inner   Stream
	manager *Manager
	once    sync.Once
}

func (t *tracker) ID() string { return t.id }
func (t *tracker) Kind() Kind { return t.kind }

func (t *tracker) Release() {
	t.once.Do(func() {
		t.inner.Release()
		t.manager.unreserve(t.kind, t.id)
		slog.Debug("device stream released", "kind", t.kind, "stream_id", t.id)
	})
}

type trackedVideo struct {
	VideoStream
	tracker *tracker
}

func (s *trackedVideo) ID() string { return s.tracker.ID() }
func (s *trackedVideo) Kind() Kind { return KindVideo }
func (s *trackedVideo) Release()   { s.tracker.Release() }

type trackedAudio struct {
	AudioStream
	tracker *tracker
}

func (s *trackedAudio) ID() string { return s.tracker.ID() }
func (s *trackedAudio) Kind() Kind { return KindAudio }
func (s *trackedAudio) Release()   { s.tracker.Release() }

type trackedNFC struct {
	NFCSession
	tracker *tracker
}

func (s *trackedNFC) ID() string { return s.tracker.ID() }
func (s *trackedNFC) Kind() Kind { return KindNFC }
func (s *trackedNFC) Release()   { s.tracker.Release() }
