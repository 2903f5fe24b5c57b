// Package engine assembles incidences from the gallery and the session, runs the
// AI-assisted classification flow, dispatches submissions in the background and
// reconciles state afterwards: clearing it on success, rolling back uploaded
// photos on failure.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AndreuSerraCandela/Incidencias/internal/event"
	"github.com/AndreuSerraCandela/Incidencias/internal/gallery"
	"github.com/AndreuSerraCandela/Incidencias/internal/metrics"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
	"github.com/AndreuSerraCandela/Incidencias/internal/schema"
	"github.com/AndreuSerraCandela/Incidencias/internal/session"
	"github.com/AndreuSerraCandela/Incidencias/internal/status"
	"github.com/AndreuSerraCandela/Incidencias/internal/storage"
)

// Backend is the part of the incidence backend the engine calls.
type Backend interface {
	CreateIncidence(ctx context.Context, payload model.IncidencePayload) error
	ProcessImageAI(ctx context.Context, image string) (model.ProcessImageResponse, error)
	ProcessAudio(ctx context.Context, audioDataURI string) (model.ProcessAudioResponse, error)
	IncidenceTypes(ctx context.Context) (model.IncidenceTypesResponse, error)
	WaitUploadProcessed(ctx context.Context, filename string, interval time.Duration, attempts int) error
}

// PhotoReleaser deletes server-side photo copies.
type PhotoReleaser interface {
	DeletePhoto(ctx context.Context, ref model.RemoteRef) error
}

// Gallery is the read side of the photo gallery plus the mutations the engine
// performs after a submission settles.
type Gallery interface {
	Photos() []model.CapturedPhoto
	Primary() (model.CapturedPhoto, bool)
	View() gallery.View
	Reset()
	InvalidateRemote(ids []string)
	Hold(sent map[string]string)
	Unhold()
	Consume(sent map[string]string) []model.RemoteRef
	RemoteRefs() []model.RemoteRef
}

// Listener is a passive listener re-armed at the end of every cycle.
type Listener interface {
	Arm(ctx context.Context) error
}

// Stopper is a capture loop stopped when a cycle is reset.
type Stopper interface {
	Stop()
}

// Aborter is a capture session discarded when a cycle is reset.
type Aborter interface {
	Abort()
}

// AIState is the state of the AI-assisted classification flow.
type AIState string

const (
	AIIdle      AIState = "Idle"
	AIAnalyzing AIState = "SubmittingForAnalysis"
	AIAwaiting  AIState = "AwaitingUserConfirmation"
	AIConfirmed AIState = "Confirmed"
	AICancelled AIState = "Cancelled"
)

// Placeholders and defaults of the AI flow.
const (
	DefaultAIDescription  = "Sin incidencia visible"
	DefaultIncidenceType  = "EMT"
	defaultUploadInterval = 5 * time.Second
	defaultUploadAttempts = 60
)

// Options configures an Engine. Backend, Releaser, Gallery and Session are required.
type Options struct {
	Backend   Backend
	Releaser  PhotoReleaser
	Gallery   Gallery
	Session   *session.Session
	Status    *status.Notifier
	Journal   storage.Store
	Events    event.Publisher
	Validator *schema.Validator

	NFC      Listener // Re-armed after every cycle, optional
	QR       Stopper  // Stopped on reset, optional
	Recorder Aborter  // Aborted on reset, optional

	DeviceID             string
	StopPrefix           string // Prepended to stop numbers to build the resource
	UploadStatusInterval time.Duration
	UploadStatusAttempts int
}

// Snapshot is the engine's view of the current cycle.
type Snapshot struct {
	Gallery      gallery.View      `json:"gallery"`
	Session      session.Snapshot  `json:"session"`
	AI           AIState           `json:"aiState"`
	Submitting   bool              `json:"submitting"`
	Transcribing bool              `json:"transcribing"`
	Last         *model.Submission `json:"lastSubmission,omitempty"`
	Banner       *status.Banner    `json:"banner,omitempty"`
}

// Engine is the incident assembly and submission engine.
type Engine struct {
	opts    Options
	metrics *metrics.Metrics

	mu          sync.Mutex
	ai          AIState
	aiType      string // Incidence type requested when the AI flow started
	submitting  bool
	last        *model.Submission
	types       *model.IncidenceTypesResponse
	transcribes int // Transcriptions in flight

	bg sync.WaitGroup
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.Status == nil {
		opts.Status = status.New(5 * time.Second)
	}
	if opts.Journal == nil {
		opts.Journal = storage.NewMemory()
	}
	if opts.Events == nil {
		opts.Events = event.Noop()
	}
	if opts.StopPrefix == "" {
		opts.StopPrefix = "PARADA_"
	}
	if opts.UploadStatusInterval <= 0 {
		opts.UploadStatusInterval = defaultUploadInterval
	}
	if opts.UploadStatusAttempts <= 0 {
		opts.UploadStatusAttempts = defaultUploadAttempts
	}
	return &Engine{opts: opts, metrics: metrics.NewMetrics(), ai: AIIdle}
}

// Snapshot returns the state of the current cycle.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	snap := Snapshot{AI: e.ai, Submitting: e.submitting, Transcribing: e.transcribes > 0}
	if e.last != nil {
		l := *e.last
		snap.Last = &l
	}
	e.mu.Unlock()

	snap.Gallery = e.opts.Gallery.View()
	snap.Session = e.opts.Session.Snapshot()
	if b, ok := e.opts.Status.Current(); ok {
		snap.Banner = &b
	}
	return snap
}

// AIState returns the state of the AI flow.
func (e *Engine) AIState() AIState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ai
}

// Submissions pages through the submission journal.
func (e *Engine) Submissions(ctx context.Context, q model.SubmissionQuery) (*model.SubmissionPage, error) {
	return e.opts.Journal.ListSubmissions(ctx, q)
}

// Reset clears every piece of transient state and re-arms the passive listeners.
// Uploaded photos are kept on the server. Resetting twice equals resetting once.
func (e *Engine) Reset(ctx context.Context) {
	e.reset(ctx)
}

// Cancel abandons the current report: uploaded photos are released on the server
// on a best-effort basis, then the cycle is reset. Copies referenced by an
// incidence still being sent are left to that submission.
func (e *Engine) Cancel(ctx context.Context) {
	refs := e.opts.Gallery.RemoteRefs()
	e.reset(ctx)
	if len(refs) > 0 {
		e.releaseAll(ctx, refs, "cancel")
	}
	e.opts.Status.Info("Incidencia descartada")
}

func (e *Engine) reset(ctx context.Context) {
	if e.opts.QR != nil {
		e.opts.QR.Stop()
	}
	if e.opts.Recorder != nil {
		e.opts.Recorder.Abort()
	}
	e.opts.Gallery.Reset()
	e.opts.Session.Clear()

	e.mu.Lock()
	e.ai = AIIdle
	e.aiType = ""
	e.mu.Unlock()

	e.rearm(ctx)
}

func (e *Engine) rearm(ctx context.Context) {
	if e.opts.NFC == nil {
		return
	}
	if err := e.opts.NFC.Arm(context.WithoutCancel(ctx)); err != nil {
		slog.Debug("nfc listener not re-armed", "error", err)
	}
}

// Wait blocks until background dispatches, transcriptions and watchers finish.
func (e *Engine) Wait() {
	e.bg.Wait()
}
