package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/AndreuSerraCandela/Incidencias/internal/device"
	errordefs "github.com/AndreuSerraCandela/Incidencias/internal/errors"
	"github.com/AndreuSerraCandela/Incidencias/internal/metrics"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// State of a resolver.
type State string

const (
	StateIdle      State = "Idle"
	StateScanning  State = "Scanning"
	StateDetected  State = "Detected"
	StateListening State = "Listening"
)

// Decoder decodes QR codes from a JPEG data URI.
type Decoder interface {
	ScanQR(ctx context.Context, imageDataURI string) ([]model.QRCode, error)
}

// VideoAcquirer hands out camera streams.
type VideoAcquirer interface {
	AcquireVideoStream(ctx context.Context, facing device.Facing, ideal device.Resolution) (device.VideoStream, error)
}

// QROptions tunes a QRResolver.
type QROptions struct {
	Interval    time.Duration     // Sampling cadence, 500ms when zero
	Marker      string            // Resource id marker
	JPEGQuality int               // Frame encoding quality, 80 when zero
	Resolution  device.Resolution // Ideal camera resolution
	Sink        Sink              // Receives detections
}

// ErrNotScanning is returned by Capture when no scan is in progress.
var ErrNotScanning = errors.New("qr scanner is not running")

// QRResolver samples camera frames and submits them for decoding until a code is found.
// Automatic decode failures are swallowed; manual captures surface them.
// After a detection the resolver stays Detected until Start is called again.
type QRResolver struct {
	camera  VideoAcquirer
	decoder Decoder
	opts    QROptions
	metrics *metrics.Metrics

	mu     sync.Mutex
	state  State
	gen    uint64
	stream device.VideoStream
	cancel context.CancelFunc
	done   chan struct{}
	last   *model.ScannedResource
}

// NewQRResolver creates an idle resolver.
func NewQRResolver(camera VideoAcquirer, decoder Decoder, opts QROptions) *QRResolver {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 80
	}
	if opts.Resolution == (device.Resolution{}) {
		opts.Resolution = device.Resolution{Width: 1280, Height: 720}
	}
	return &QRResolver{
		camera:  camera,
		decoder: decoder,
		opts:    opts,
		metrics: metrics.NewMetrics(),
		state:   StateIdle,
	}
}

// State returns the current resolver state.
func (r *QRResolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Last returns the most recent detection.
func (r *QRResolver) Last() (model.ScannedResource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return model.ScannedResource{}, false
	}
	return *r.last, true
}

// Start acquires the rear camera and begins sampling. Starting while already
// scanning is a no-op. Acquisition failures leave the resolver Idle.
func (r *QRResolver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateScanning {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	stream, err := r.camera.AcquireVideoStream(ctx, device.FacingEnvironment, r.opts.Resolution)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state == StateScanning {
		// lost a race with a concurrent Start
		r.mu.Unlock()
		stream.Release()
		return nil
	}
	r.gen++
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.state = StateScanning
	r.stream = stream
	r.cancel = cancel
	r.done = make(chan struct{})
	gen, done := r.gen, r.done
	r.mu.Unlock()

	go r.loop(loopCtx, gen, stream, done)
	slog.Info("qr scanning started")
	return nil
}

// Stop cancels scanning and releases the camera. Safe in any state.
func (r *QRResolver) Stop() {
	r.mu.Lock()
	done := r.halt(StateIdle)
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Capture performs a manual decode of the current frame. Unlike automatic
// sampling, failures are returned to the caller.
func (r *QRResolver) Capture(ctx context.Context) (model.ScannedResource, error) {
	r.mu.Lock()
	if r.state != StateScanning {
		r.mu.Unlock()
		return model.ScannedResource{}, errordefs.New(errordefs.FIELD_CONFLICT, ErrNotScanning.Error(), "")
	}
	gen, stream := r.gen, r.stream
	r.mu.Unlock()

	res, err := r.decodeFrame(ctx, stream)
	if err != nil {
		r.metrics.QRDecodeTotal.WithLabelValues("manual", "error").Inc()
		return model.ScannedResource{}, errordefs.Wrap(errordefs.FIELD_DECODE_FAILED, "No se detectó ningún código QR: "+err.Error(), err)
	}
	r.metrics.QRDecodeTotal.WithLabelValues("manual", "detected").Inc()
	r.detect(gen, res)
	return res, nil
}

func (r *QRResolver) loop(ctx context.Context, gen uint64, stream device.VideoStream, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := r.decodeFrame(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.metrics.QRDecodeTotal.WithLabelValues("auto", "miss").Inc()
			slog.Debug("qr auto decode failed", "error", err)
			continue
		}
		r.metrics.QRDecodeTotal.WithLabelValues("auto", "detected").Inc()
		r.detect(gen, res)
		return
	}
}

func (r *QRResolver) decodeFrame(ctx context.Context, stream device.VideoStream) (model.ScannedResource, error) {
	frame, err := stream.Frame(ctx)
	if err != nil {
		return model.ScannedResource{}, fmt.Errorf("read frame: %w", err)
	}
	uri, err := EncodeJPEGDataURI(frame, r.opts.JPEGQuality)
	if err != nil {
		return model.ScannedResource{}, err
	}
	codes, err := r.decoder.ScanQR(ctx, uri)
	if err != nil {
		return model.ScannedResource{}, err
	}
	if len(codes) == 0 {
		return model.ScannedResource{}, errors.New("no QR code detected")
	}
	code := codes[0]
	return NewScannedResource(code.Data, model.ScanSourceQR, code.Type, r.opts.Marker), nil
}

// detect records res if gen is still the active scan, stops sampling and notifies the sink.
func (r *QRResolver) detect(gen uint64, res model.ScannedResource) {
	r.mu.Lock()
	if r.gen != gen || r.state != StateScanning {
		r.mu.Unlock()
		return
	}
	r.halt(StateDetected)
	r.last = &res
	sink := r.opts.Sink
	r.mu.Unlock()

	slog.Info("qr detected", "resource_id", res.ResolvedResourceID)
	if sink != nil {
		sink.SetScan(res)
	}
}

// halt moves to next, cancels the loop and releases the stream. Caller holds r.mu.
// It returns the loop's done channel when the caller may wait for it.
func (r *QRResolver) halt(next State) chan struct{} {
	var done chan struct{}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
		done = r.done
	}
	device.Release(r.stream)
	r.stream = nil
	r.state = next
	r.gen++
	return done
}

// EncodeJPEGDataURI encodes img as a JPEG data URI.
func EncodeJPEGDataURI(img image.Image, quality int) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return model.EncodeDataURI("image/jpeg", buf.Bytes()), nil
}
