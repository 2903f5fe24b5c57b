// Package recorder captures voice notes from the microphone, either until an
// explicit stop or until sustained silence, and hands the assembled WAV to a
// transcription step exactly once per session.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/oklog/ulid/v2"

	"github.com/AndreuSerraCandela/Incidencias/internal/device"
	errordefs "github.com/AndreuSerraCandela/Incidencias/internal/errors"
	"github.com/AndreuSerraCandela/Incidencias/internal/metrics"
)

// State of the recorder.
type State string

const (
	StateIdle      State = "Idle"
	StateRecording State = "Recording"
	StateStopped   State = "Stopped"
)

// Mode selects how a recording ends.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// ParseMode maps a mode name to a Mode; anything but "auto" is manual.
func ParseMode(s string) Mode {
	if s == string(ModeAuto) {
		return ModeAuto
	}
	return ModeManual
}

// Reasons a recording ended.
const (
	ReasonManual  = "manual"
	ReasonSilence = "silence"
)

// Recording is the assembled result of one session.
type Recording struct {
	ID         string
	Mode       Mode
	Reason     string
	WAV        []byte
	Duration   time.Duration
	SampleRate int
	Channels   int
}

// Handler receives a finished recording. It runs on the recorder's goroutine.
type Handler func(ctx context.Context, rec Recording)

// AudioAcquirer hands out microphone streams.
type AudioAcquirer interface {
	AcquireAudioStream(ctx context.Context, c device.AudioConstraints) (device.AudioStream, error)
}

// Options tunes a Recorder.
type Options struct {
	MinDuration     time.Duration // Guaranteed window before silence detection starts
	SilenceDuration time.Duration // Sustained silence that ends an automatic recording
	SilenceLevel    float64       // Normalised average amplitude below which a chunk is silent
	Constraints     device.AudioConstraints
	OnStopped       Handler     // Invoked once per session that reaches Stopped
	OnError         func(error) // Invoked when a session aborts mid-recording
}

// Recorder runs at most one recording session at a time.
type Recorder struct {
	mic     AudioAcquirer
	opts    Options
	metrics *metrics.Metrics

	mu      sync.Mutex
	state   State
	mode    Mode
	current *session
	// set by Abort while the microphone is still being acquired
	abortStart bool
}

type session struct {
	id       string
	mode     Mode
	stream   device.AudioStream
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{} // closed on a manual stop request
	aborted  bool
	done     chan struct{}
}

// New creates an idle recorder.
func New(mic AudioAcquirer, opts Options) *Recorder {
	if opts.MinDuration <= 0 {
		opts.MinDuration = 2 * time.Second
	}
	if opts.SilenceDuration <= 0 {
		opts.SilenceDuration = 3 * time.Second
	}
	if opts.SilenceLevel <= 0 {
		opts.SilenceLevel = 0.02
	}
	if opts.Constraints == (device.AudioConstraints{}) {
		opts.Constraints = device.AudioConstraints{EchoCancellation: true, NoiseSuppression: true}
	}
	return &Recorder{mic: mic, opts: opts, metrics: metrics.NewMetrics(), state: StateIdle}
}

// State returns the recorder state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Mode returns the mode of the current or last session.
func (r *Recorder) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Start acquires the microphone and begins a session. Starting while a session
// is active is a no-op that returns false. Acquisition failures return the
// recorder to Idle and are returned to the caller.
func (r *Recorder) Start(ctx context.Context, mode Mode) (bool, error) {
	r.mu.Lock()
	if r.state == StateRecording {
		r.mu.Unlock()
		slog.Warn("recording already in progress, ignoring start", "mode", mode)
		return false, nil
	}
	// reserve the slot before the blocking acquisition
	r.state = StateRecording
	r.mode = mode
	r.current = nil
	r.abortStart = false
	r.mu.Unlock()

	stream, err := r.mic.AcquireAudioStream(ctx, r.opts.Constraints)
	if err != nil {
		r.mu.Lock()
		r.state = StateIdle
		r.abortStart = false
		r.mu.Unlock()
		r.metrics.RecordingTotal.WithLabelValues(string(mode), "acquire_failed").Inc()
		return false, err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:      ulid.Make().String(),
		mode:    mode,
		stream:  stream,
		cancel:  cancel,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.mu.Lock()
	if r.abortStart {
		r.abortStart = false
		r.state = StateIdle
		r.mu.Unlock()
		cancel()
		stream.Release()
		r.metrics.RecordingTotal.WithLabelValues(string(mode), "aborted").Inc()
		slog.Info("recording aborted before it started", "mode", mode)
		return false, device.ErrAborted
	}
	r.current = s
	r.mu.Unlock()

	go r.run(loopCtx, s)
	slog.Info("recording started", "recording_id", s.id, "mode", mode)
	return true, nil
}

// Stop requests the end of the active session. The recording is assembled and
// handed off asynchronously.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	s := r.current
	recording := r.state == StateRecording
	r.mu.Unlock()
	if !recording || s == nil {
		return errordefs.New(errordefs.FIELD_CONFLICT, "no hay ninguna grabación en curso", "")
	}
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

// Abort discards the active session without hand-off and releases the microphone.
// Safe in any state.
func (r *Recorder) Abort() {
	r.mu.Lock()
	s := r.current
	if s != nil {
		s.aborted = true
	} else if r.state == StateRecording {
		r.abortStart = true
	}
	r.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Wait blocks until the current session, if any, has finished its hand-off.
func (r *Recorder) Wait() {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s != nil {
		<-s.done
	}
}

func (r *Recorder) run(ctx context.Context, s *session) {
	defer close(s.done)

	var (
		chunks  []*audio.IntBuffer
		elapsed time.Duration
		silence time.Duration
		reason  string
		failure error
	)

	// Reads happen in a helper goroutine so a manual stop does not wait on the device.
	type read struct {
		buf *audio.IntBuffer
		err error
	}
	reads := make(chan read)
	readCtx, stopReads := context.WithCancel(ctx)
	go func() {
		defer close(reads)
		for {
			buf, err := s.stream.ReadChunk(readCtx)
			select {
			case reads <- read{buf, err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			failure = context.Canceled
			break loop
		case <-s.stopped:
			reason = ReasonManual
			break loop
		case rd, ok := <-reads:
			if !ok {
				failure = errors.New("audio stream closed")
				break loop
			}
			if rd.err != nil {
				failure = rd.err
				break loop
			}
			chunks = append(chunks, rd.buf)
			d := chunkDuration(rd.buf)
			elapsed += d

			if s.mode != ModeAuto {
				continue
			}
			if elapsed <= r.opts.MinDuration {
				continue
			}
			if AverageLevel(rd.buf) >= r.opts.SilenceLevel {
				silence = 0
				continue
			}
			silence += d
			if silence >= r.opts.SilenceDuration {
				reason = ReasonSilence
				break loop
			}
		}
	}

	stopReads()
	// the stream is released on every exit path
	s.stream.Release()
	for range reads {
	}

	r.mu.Lock()
	aborted := s.aborted
	r.mu.Unlock()

	if failure != nil || aborted {
		r.finish(s, StateIdle)
		if aborted {
			r.metrics.RecordingTotal.WithLabelValues(string(s.mode), "aborted").Inc()
			slog.Info("recording aborted", "recording_id", s.id)
			return
		}
		r.metrics.RecordingTotal.WithLabelValues(string(s.mode), "failed").Inc()
		slog.Error("recording failed", "recording_id", s.id, "error", failure)
		if r.opts.OnError != nil {
			r.opts.OnError(device.AsFieldError(errors.Join(device.ErrAborted, failure)))
		}
		return
	}

	rec, err := assemble(s, chunks, reason, elapsed)
	r.finish(s, StateStopped)
	if err != nil {
		r.metrics.RecordingTotal.WithLabelValues(string(s.mode), "failed").Inc()
		slog.Error("recording assembly failed", "recording_id", s.id, "error", err)
		if r.opts.OnError != nil {
			r.opts.OnError(errordefs.Wrap(errordefs.FIELD_INTERNAL, "no se pudo preparar el audio", err))
		}
		return
	}

	r.metrics.RecordingTotal.WithLabelValues(string(s.mode), reason).Inc()
	slog.Info("recording stopped", "recording_id", s.id, "reason", reason, "duration", rec.Duration)
	if r.opts.OnStopped != nil {
		r.opts.OnStopped(ctx, rec)
	}
}

func (r *Recorder) finish(s *session, next State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == s {
		r.state = next
	}
}

// AverageLevel returns the mean absolute amplitude of buf normalised to [0,1].
func AverageLevel(buf *audio.IntBuffer) float64 {
	if buf == nil || len(buf.Data) == 0 {
		return 0
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	full := float64(int64(1) << (depth - 1))
	var sum float64
	for _, v := range buf.Data {
		if v < 0 {
			v = -v
		}
		sum += float64(v)
	}
	return sum / float64(len(buf.Data)) / full
}

func chunkDuration(buf *audio.IntBuffer) time.Duration {
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 {
		return 0
	}
	ch := buf.Format.NumChannels
	if ch <= 0 {
		ch = 1
	}
	frames := len(buf.Data) / ch
	return time.Duration(frames) * time.Second / time.Duration(buf.Format.SampleRate)
}

// assemble concatenates the chunks into a single WAV file.
func assemble(s *session, chunks []*audio.IntBuffer, reason string, elapsed time.Duration) (Recording, error) {
	rec := Recording{ID: s.id, Mode: s.mode, Reason: reason, Duration: elapsed}
	if len(chunks) == 0 {
		return rec, errors.New("no audio captured")
	}
	format := chunks[0].Format
	depth := chunks[0].SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	rec.SampleRate, rec.Channels = format.SampleRate, format.NumChannels

	// the encoder needs a seekable sink to patch the header sizes
	tmp, err := os.CreateTemp("", "recording-*.wav")
	if err != nil {
		return rec, fmt.Errorf("create temp wav: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	enc := wav.NewEncoder(tmp, format.SampleRate, depth, format.NumChannels, 1)
	for _, c := range chunks {
		if err := enc.Write(c); err != nil {
			return rec, fmt.Errorf("encode wav: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return rec, fmt.Errorf("finalize wav: %w", err)
	}
	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return rec, fmt.Errorf("read wav: %w", err)
	}
	rec.WAV = data
	return rec, nil
}
