package device

import (
	"context"
	"errors"
	"sync"
)

// NFCRecord is one NDEF record of a tag.
type NFCRecord struct {
	RecordType string `json:"recordType"` // text, url, mime, ...
	Data       string `json:"data"`
}

// Tag is one NFC read.
type Tag struct {
	SerialNumber string      `json:"serialNumber"`
	Records      []NFCRecord `json:"records"`
}

// NFCSession delivers tags while listening.
type NFCSession interface {
	Stream
	Tags() <-chan Tag
}

// NFCReader starts passive NFC listening sessions.
type NFCReader interface {
	Listen(ctx context.Context) (NFCSession, error)
}

// ErrNotListening is returned when a tag is delivered while no session is open.
var ErrNotListening = errors.New("nfc reader not listening")

// PushReader is an NFCReader fed by an external producer, such as the companion
// app forwarding reads from the phone's NFC antenna.
type PushReader struct {
	mu      sync.Mutex
	enabled bool
	session *pushSession
}

// NewPushReader creates a reader. A disabled reader fails Listen with ErrUnsupported.
func NewPushReader(enabled bool) *PushReader {
	return &PushReader{enabled: enabled}
}

// Listen opens a session. Opening a new session closes the previous one.
func (r *PushReader) Listen(ctx context.Context) (NFCSession, error) {
	if !r.enabled {
		return nil, ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrAborted
	}
	s := &pushSession{tags: make(chan Tag, 1), reader: r}
	r.mu.Lock()
	prev := r.session
	r.session = s
	r.mu.Unlock()
	if prev != nil {
		prev.Release()
	}
	return s, nil
}

// Deliver hands a tag to the open session. Returns ErrNotListening when no
// session is open or the previous tag has not been consumed yet.
func (r *PushReader) Deliver(tag Tag) error {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s == nil {
		return ErrNotListening
	}
	return s.deliver(tag)
}

type pushSession struct {
	tags   chan Tag
	reader *PushReader

	mu     sync.Mutex
	closed bool
}

func (s *pushSession) ID() string       { return "push" }
func (s *pushSession) Kind() Kind       { return KindNFC }
func (s *pushSession) Tags() <-chan Tag { return s.tags }

func (s *pushSession) deliver(tag Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotListening
	}
	select {
	case s.tags <- tag:
		return nil
	default:
		return ErrNotListening
	}
}

func (s *pushSession) Release() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.tags)
	s.mu.Unlock()

	s.reader.mu.Lock()
	if s.reader.session == s {
		s.reader.session = nil
	}
	s.reader.mu.Unlock()
}
