package scan

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AndreuSerraCandela/Incidencias/internal/device"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// NFCSource opens NFC reading sessions.
type NFCSource interface {
	ListenNFC(ctx context.Context) (device.NFCSession, error)
}

// NFCOptions tunes an NFCListener.
type NFCOptions struct {
	Marker     string        // Resource id marker
	RetryDelay time.Duration // Wait before reopening a session that ended unexpectedly, 1s when zero
	Sink       Sink          // Receives detections
}

// NFCListener is a passive, continuously armed NFC reader. The first tag with a
// text or url record moves it to Detected and closes the session; it listens again
// only after Arm.
type NFCListener struct {
	source NFCSource
	opts   NFCOptions

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	last   *model.ScannedResource
}

// NewNFCListener creates a listener in the Idle state.
func NewNFCListener(source NFCSource, opts NFCOptions) *NFCListener {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &NFCListener{source: source, opts: opts, state: StateIdle}
}

// State returns the current listener state.
func (l *NFCListener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Last returns the most recent detection.
func (l *NFCListener) Last() (model.ScannedResource, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return model.ScannedResource{}, false
	}
	return *l.last, true
}

// Arm opens a reading session. Arming while already listening is a no-op.
func (l *NFCListener) Arm(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateListening {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	session, err := l.source.ListenNFC(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.state == StateListening {
		l.mu.Unlock()
		session.Release()
		return nil
	}
	l.gen++
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.state = StateListening
	l.cancel = cancel
	gen := l.gen
	l.mu.Unlock()

	go l.listen(loopCtx, gen, session)
	slog.Info("nfc listening")
	return nil
}

// Disarm stops listening. Safe in any state.
func (l *NFCListener) Disarm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked(StateIdle)
}

func (l *NFCListener) stopLocked(next State) {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.state = next
	l.gen++
}

func (l *NFCListener) listen(ctx context.Context, gen uint64, session device.NFCSession) {
	defer func() { device.Release(session) }()

	for {
		select {
		case <-ctx.Done():
			return
		case tag, ok := <-session.Tags():
			if !ok {
				// session ended underneath us; reopen after a pause
				device.Release(session)
				if session = l.reopen(ctx, gen); session == nil {
					return
				}
				continue
			}
			raw, typ, found := FirstTextRecord(tag)
			if !found {
				slog.Debug("nfc tag without text or url record", "serial", tag.SerialNumber)
				continue
			}
			l.detect(gen, NewScannedResource(raw, model.ScanSourceNFC, typ, l.opts.Marker))
			return
		}
	}
}

func (l *NFCListener) reopen(ctx context.Context, gen uint64) device.NFCSession {
	t := time.NewTimer(l.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
	}
	session, err := l.source.ListenNFC(ctx)
	if err != nil {
		slog.Warn("nfc listener could not resume", "error", err)
		l.mu.Lock()
		if l.gen == gen {
			l.stopLocked(StateIdle)
		}
		l.mu.Unlock()
		return nil
	}
	return session
}

func (l *NFCListener) detect(gen uint64, res model.ScannedResource) {
	l.mu.Lock()
	if l.gen != gen || l.state != StateListening {
		l.mu.Unlock()
		return
	}
	l.stopLocked(StateDetected)
	l.last = &res
	sink := l.opts.Sink
	l.mu.Unlock()

	slog.Info("nfc detected", "resource_id", res.ResolvedResourceID)
	if sink != nil {
		sink.SetScan(res)
	}
}

// FirstTextRecord returns the data of the first text or url record of tag.
func FirstTextRecord(tag device.Tag) (data, recordType string, ok bool) {
	for _, rec := range tag.Records {
		switch strings.ToLower(rec.RecordType) {
		case "text", "url", "absolute-url":
			if d := strings.TrimSpace(rec.Data); d != "" {
				return d, strings.ToLower(rec.RecordType), true
			}
		}
	}
	return "", "", false
}
