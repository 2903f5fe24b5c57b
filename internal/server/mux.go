// Package server implements the local control API of the field capture agent.
// The PWA shell and operators drive the capture cycle through it: photos, scans,
// recordings, submissions and the AI confirmation flow.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AndreuSerraCandela/Incidencias/internal/auth"
	"github.com/AndreuSerraCandela/Incidencias/internal/device"
	"github.com/AndreuSerraCandela/Incidencias/internal/engine"
	errordefs "github.com/AndreuSerraCandela/Incidencias/internal/errors"
	"github.com/AndreuSerraCandela/Incidencias/internal/gallery"
	"github.com/AndreuSerraCandela/Incidencias/internal/metrics"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
	"github.com/AndreuSerraCandela/Incidencias/internal/recorder"
	"github.com/AndreuSerraCandela/Incidencias/internal/scan"
	"github.com/AndreuSerraCandela/Incidencias/internal/schema"
	"github.com/AndreuSerraCandela/Incidencias/internal/storage"
	"github.com/AndreuSerraCandela/Incidencias/internal/telemetry"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeySubject       ContextKey = "subject"       // Token subject of an authenticated request
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Largest accepted request body; photo imports carry base64 images
	maxBodyBytes = 25 << 20
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the control API drives. Engine, Gallery, Journal and
// Validator are required; the rest disable their routes when nil.
type Deps struct {
	Engine    *engine.Engine
	Gallery   *gallery.Manager
	Journal   storage.Store
	Validator *schema.Validator

	Camera    scan.VideoAcquirer // Photo capture
	Devices   *device.Manager    // Reports active streams
	QR        *scan.QRResolver
	NFC       *scan.NFCListener
	NFCReader *device.PushReader // Push-fed reader receiving tags over the API
	Recorder  *recorder.Recorder
	Photos    Pinger // Photo store checked by /readyz

	Verifier           *auth.Verifier // Nil disables authentication
	CORSAllowedOrigins []string
	DeviceID           string
}

// Mux handles HTTP requests for the control API.
type Mux struct {
	mux     *http.ServeMux
	d       Deps
	metrics *metrics.Metrics
}

// NewMux creates the control API and registers every route.
func NewMux(d Deps) *http.ServeMux {
	m := &Mux{
		mux:     http.NewServeMux(),
		d:       d,
		metrics: metrics.NewMetrics(),
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.route("/v1/state", http.MethodGet, m.handleState)

	m.route("/v1/photos", http.MethodPost, m.handleImportPhoto)
	m.route("/v1/photos/capture", http.MethodPost, m.handleCapturePhoto)
	m.route("/v1/photos/", http.MethodDelete, m.handleRemovePhoto)
	m.route("/v1/gallery/next", http.MethodPost, m.handleGalleryNext)
	m.route("/v1/gallery/prev", http.MethodPost, m.handleGalleryPrev)

	m.route("/v1/scan/qr/start", http.MethodPost, m.handleQRStart)
	m.route("/v1/scan/qr/stop", http.MethodPost, m.handleQRStop)
	m.route("/v1/scan/qr/capture", http.MethodPost, m.handleQRCapture)
	m.route("/v1/scan/nfc/arm", http.MethodPost, m.handleNFCArm)
	m.route("/v1/scan/nfc/tags", http.MethodPost, m.handleNFCTag)

	m.route("/v1/recording/start", http.MethodPost, m.handleRecordingStart)
	m.route("/v1/recording/stop", http.MethodPost, m.handleRecordingStop)
	m.route("/v1/pending/stop-number", http.MethodPut, m.handleCorrectStopNumber)

	m.route("/v1/incidence-types", http.MethodGet, m.handleIncidenceTypes)
	m.route("/v1/incidences", http.MethodPost, m.handleSubmit)
	m.route("/v1/ai/analyze", http.MethodPost, m.handleAIAnalyze)
	m.route("/v1/ai/confirm", http.MethodPost, m.handleAIConfirm)
	m.route("/v1/ai/cancel", http.MethodPost, m.handleAICancel)
	m.route("/v1/reset", http.MethodPost, m.handleReset)
	m.route("/v1/submissions", http.MethodGet, m.handleListSubmissions)
	m.route("/v1/uploads/", http.MethodPost, m.handleWatchUpload)

	return m.mux
}

func (m *Mux) route(pattern, method string, h http.HandlerFunc) {
	m.mux.HandleFunc(pattern, m.withMiddleware(pattern, m.method(method, h)))
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			err := errordefs.New(errordefs.FIELD_VALIDATION, "method not allowed", correlationID(r))
			err.HTTPStatus = http.StatusMethodNotAllowed
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// statusWriter remembers the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies CORS, correlation ids, authentication, tracing,
// request logging and metrics. route labels metrics and spans.
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		origin := r.Header.Get("Origin")
		allowed := origin != "" && m.originAllowed(origin)

		// Handle CORS preflight requests
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		// Add correlation ID if not present
		cid := r.Header.Get("X-Correlation-Id")
		if cid == "" {
			cid = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, cid))
		w.Header().Set("X-Correlation-Id", cid)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			status := strconv.Itoa(sw.status)
			m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
			m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		}()

		// Mutating requests need a token when authentication is enabled
		if m.d.Verifier != nil && r.Method != http.MethodGet {
			subject, err := m.authenticate(r)
			if err != nil {
				errorDef := errordefs.New(errordefs.FIELD_AUTHN, err.Error(), cid)
				m.writeErrorDef(sw, errorDef)
				m.logRequest(r, errorDef.HTTPStatus, time.Since(start), cid, err)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ContextKeySubject, subject))
		}

		ctx, span := telemetry.Tracer().Start(r.Context(), r.Method+" "+route)
		defer span.End()
		span.SetAttributes(attribute.String("correlation_id", cid))

		h(sw, r.WithContext(ctx))

		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
		m.logRequest(r, sw.status, time.Since(start), cid, nil)
	}
}

func (m *Mux) originAllowed(origin string) bool {
	for _, o := range m.d.CORSAllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// authenticate validates the bearer token and returns its subject.
func (m *Mux) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("invalid Authorization header format")
	}
	claims, err := m.d.Verifier.Validate(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpired):
			return "", errors.New("token expired")
		case errors.Is(err, auth.ErrInvalidIssuer):
			return "", errors.New("invalid token issuer")
		case errors.Is(err, auth.ErrMalformed):
			return "", errors.New("malformed token")
		default:
			return "", errors.New("invalid token")
		}
	}
	return claims.Subject, nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the agent error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// fail writes err, mapping anything outside the taxonomy to FIELD_INTERNAL.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	var def *errordefs.Error
	if !errors.As(err, &def) {
		slog.Error("unexpected control API failure", "path", r.URL.Path, "error", err)
		def = errordefs.New(errordefs.FIELD_INTERNAL, "error interno", "")
	}
	out := *def
	out.CorrelationID = correlationID(r)
	m.writeErrorDef(w, &out)
}

// failDevice writes an acquisition failure with its remediation message.
func (m *Mux) failDevice(w http.ResponseWriter, r *http.Request, err error) {
	var def *errordefs.Error
	if errors.As(err, &def) {
		m.fail(w, r, err)
		return
	}
	m.fail(w, r, device.AsFieldError(err))
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if subject, ok := r.Context().Value(ContextKeySubject).(string); ok && subject != "" {
		attrs = append(attrs, slog.String("subject", subject))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

func correlationID(r *http.Request) string {
	cid, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return cid
}

// decodeBody validates the request body against doc and decodes it into dst.
// An empty body is treated as an empty object.
func (m *Mux) decodeBody(w http.ResponseWriter, r *http.Request, doc string, dst interface{}) error {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errordefs.New(errordefs.FIELD_VALIDATION, "request body too large", "")
		}
		return errordefs.New(errordefs.FIELD_VALIDATION, "failed to read request body", "")
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}
	if !json.Valid(raw) {
		return errordefs.New(errordefs.FIELD_VALIDATION, "invalid JSON", "")
	}
	if doc != "" && m.d.Validator != nil {
		if _, err := m.d.Validator.Validate(doc, raw); err != nil {
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				return errordefs.NewWithDetails(errordefs.FIELD_VALIDATION, "request does not match schema", "", verr.Problems)
			}
			return err
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errordefs.New(errordefs.FIELD_VALIDATION, "invalid JSON", "")
	}
	return nil
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready when the journal and the photo store answer.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := []Pinger{m.d.Journal}
	if m.d.Photos != nil {
		checks = append(checks, m.d.Photos)
	}
	for _, c := range checks {
		if err := c.Ping(ctx); err != nil {
			slog.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// State is the full agent state returned by GET /v1/state.
type State struct {
	engine.Snapshot
	Recorder      recorder.State `json:"recorderState"`
	RecorderMode  recorder.Mode  `json:"recorderMode"`
	QR            scan.State     `json:"qrState"`
	NFC           scan.State     `json:"nfcState"`
	ActiveDevices []device.Kind  `json:"activeDevices"`
	DeviceID      string         `json:"deviceId"`
}

// handleState handles GET /v1/state
func (m *Mux) handleState(w http.ResponseWriter, r *http.Request) {
	st := State{
		Snapshot:      m.d.Engine.Snapshot(),
		Recorder:      recorder.StateIdle,
		QR:            scan.StateIdle,
		NFC:           scan.StateIdle,
		ActiveDevices: []device.Kind{},
		DeviceID:      m.d.DeviceID,
	}
	if m.d.Recorder != nil {
		st.Recorder = m.d.Recorder.State()
		st.RecorderMode = m.d.Recorder.Mode()
	}
	if m.d.QR != nil {
		st.QR = m.d.QR.State()
	}
	if m.d.NFC != nil {
		st.NFC = m.d.NFC.State()
	}
	if m.d.Devices != nil {
		st.ActiveDevices = append(st.ActiveDevices, m.d.Devices.Active()...)
	}
	m.writeSuccess(w, http.StatusOK, st)
}

type photoResponse struct {
	Photo   model.CapturedPhoto `json:"photo"`
	Gallery gallery.View        `json:"gallery"`
}

type importPhotoRequest struct {
	Image    string `json:"image"` // Data URI or bare base64
	Filename string `json:"filename"`
	Role     string `json:"role"`
	Mode     string `json:"mode"`
}

// handleImportPhoto handles POST /v1/photos
func (m *Mux) handleImportPhoto(w http.ResponseWriter, r *http.Request) {
	var req importPhotoRequest
	if err := m.decodeBody(w, r, schema.DocPhotoImport, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	raw, err := decodeImage(req.Image)
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.FIELD_VALIDATION, "image must be a data URI or base64", ""))
		return
	}

	photo, err := m.d.Gallery.Import(r.Context(), raw, req.Filename, model.ParsePhotoRole(req.Role), captureMode(req.Mode))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	slog.Info("photo imported", "photo_id", photo.ID, "name", photo.DisplayName, "primary", photo.Primary)
	m.writeSuccess(w, http.StatusCreated, photoResponse{Photo: photo, Gallery: m.d.Gallery.View()})
}

type capturePhotoRequest struct {
	Role   string `json:"role"`
	Mode   string `json:"mode"`
	Facing string `json:"facing"`
}

// handleCapturePhoto handles POST /v1/photos/capture
func (m *Mux) handleCapturePhoto(w http.ResponseWriter, r *http.Request) {
	if m.d.Camera == nil {
		m.fail(w, r, device.AsFieldError(device.ErrNotFound))
		return
	}
	var req capturePhotoRequest
	if err := m.decodeBody(w, r, "", &req); err != nil {
		m.fail(w, r, err)
		return
	}
	facing := device.FacingEnvironment
	if req.Facing == string(device.FacingUser) {
		facing = device.FacingUser
	}

	stream, err := m.d.Camera.AcquireVideoStream(r.Context(), facing, device.Resolution{Width: 1920, Height: 1080})
	if err != nil {
		m.failDevice(w, r, err)
		return
	}
	frame, err := stream.Frame(r.Context())
	device.Release(stream)
	if err != nil {
		m.failDevice(w, r, err)
		return
	}

	photo, err := m.d.Gallery.CaptureFrame(r.Context(), frame, model.ParsePhotoRole(req.Role), captureMode(req.Mode))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, photoResponse{Photo: photo, Gallery: m.d.Gallery.View()})
}

// handleRemovePhoto handles DELETE /v1/photos/{index}
func (m *Mux) handleRemovePhoto(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/v1/photos/"))
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.FIELD_VALIDATION, "photo index must be an integer", ""))
		return
	}
	if err := m.d.Gallery.Remove(r.Context(), index); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, m.d.Gallery.View())
}

func (m *Mux) handleGalleryNext(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, m.d.Gallery.Next())
}

func (m *Mux) handleGalleryPrev(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, m.d.Gallery.Prev())
}

type scannerState struct {
	State scan.State             `json:"state"`
	Last  *model.ScannedResource `json:"last,omitempty"`
}

// handleQRStart handles POST /v1/scan/qr/start
func (m *Mux) handleQRStart(w http.ResponseWriter, r *http.Request) {
	if m.d.QR == nil {
		m.fail(w, r, device.AsFieldError(device.ErrUnsupported))
		return
	}
	if err := m.d.QR.Start(context.WithoutCancel(r.Context())); err != nil {
		m.failDevice(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, scannerState{State: m.d.QR.State()})
}

func (m *Mux) handleQRStop(w http.ResponseWriter, r *http.Request) {
	if m.d.QR == nil {
		m.fail(w, r, device.AsFieldError(device.ErrUnsupported))
		return
	}
	m.d.QR.Stop()
	m.writeSuccess(w, http.StatusOK, scannerState{State: m.d.QR.State()})
}

// handleQRCapture handles POST /v1/scan/qr/capture
func (m *Mux) handleQRCapture(w http.ResponseWriter, r *http.Request) {
	if m.d.QR == nil {
		m.fail(w, r, device.AsFieldError(device.ErrUnsupported))
		return
	}
	res, err := m.d.QR.Capture(r.Context())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, scannerState{State: m.d.QR.State(), Last: &res})
}

// handleNFCArm handles POST /v1/scan/nfc/arm
func (m *Mux) handleNFCArm(w http.ResponseWriter, r *http.Request) {
	if m.d.NFC == nil {
		m.fail(w, r, device.AsFieldError(device.ErrUnsupported))
		return
	}
	if err := m.d.NFC.Arm(context.WithoutCancel(r.Context())); err != nil {
		m.failDevice(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, scannerState{State: m.d.NFC.State()})
}

// handleNFCTag handles POST /v1/scan/nfc/tags, feeding a tag to the push reader.
func (m *Mux) handleNFCTag(w http.ResponseWriter, r *http.Request) {
	if m.d.NFCReader == nil {
		m.fail(w, r, device.AsFieldError(device.ErrUnsupported))
		return
	}
	var tag device.Tag
	if err := m.decodeBody(w, r, schema.DocNFCTag, &tag); err != nil {
		m.fail(w, r, err)
		return
	}
	if err := m.d.NFCReader.Deliver(tag); err != nil {
		if errors.Is(err, device.ErrNotListening) {
			m.fail(w, r, errordefs.New(errordefs.FIELD_CONFLICT, "El lector NFC no está escuchando", ""))
			return
		}
		m.failDevice(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusAccepted, map[string]int{"records": len(tag.Records)})
}

type recordingStartRequest struct {
	Mode string `json:"mode"`
}

type recordingState struct {
	Started bool           `json:"started"`
	State   recorder.State `json:"state"`
	Mode    recorder.Mode  `json:"mode"`
}

// handleRecordingStart handles POST /v1/recording/start
func (m *Mux) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if m.d.Recorder == nil {
		m.fail(w, r, device.AsFieldError(device.ErrUnsupported))
		return
	}
	var req recordingStartRequest
	if err := m.decodeBody(w, r, "", &req); err != nil {
		m.fail(w, r, err)
		return
	}
	started, err := m.d.Recorder.Start(context.WithoutCancel(r.Context()), recorder.ParseMode(req.Mode))
	if err != nil {
		m.failDevice(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, recordingState{Started: started, State: m.d.Recorder.State(), Mode: m.d.Recorder.Mode()})
}

// handleRecordingStop handles POST /v1/recording/stop
func (m *Mux) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if m.d.Recorder == nil {
		m.fail(w, r, device.AsFieldError(device.ErrUnsupported))
		return
	}
	if err := m.d.Recorder.Stop(); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusAccepted, recordingState{State: m.d.Recorder.State(), Mode: m.d.Recorder.Mode()})
}

type stopNumberRequest struct {
	StopNumber string `json:"stopNumber"`
}

// handleCorrectStopNumber handles PUT /v1/pending/stop-number
func (m *Mux) handleCorrectStopNumber(w http.ResponseWriter, r *http.Request) {
	var req stopNumberRequest
	if err := m.decodeBody(w, r, "", &req); err != nil {
		m.fail(w, r, err)
		return
	}
	if err := m.d.Engine.CorrectStopNumber(req.StopNumber); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, m.d.Engine.Snapshot().Session)
}

// handleIncidenceTypes handles GET /v1/incidence-types
func (m *Mux) handleIncidenceTypes(w http.ResponseWriter, r *http.Request) {
	types, err := m.d.Engine.IncidenceTypes(r.Context())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, types)
}

// handleSubmit handles POST /v1/incidences. A dispatched submission answers 202;
// a submission held for AI confirmation answers 200 with the candidate.
func (m *Mux) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := m.decodeBody(w, r, schema.DocSubmit, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeResult(w, r, func(ctx context.Context) (engine.Result, error) {
		return m.d.Engine.Submit(ctx, req)
	})
}

// handleAIAnalyze handles POST /v1/ai/analyze
func (m *Mux) handleAIAnalyze(w http.ResponseWriter, r *http.Request) {
	c, err := m.d.Engine.Analyze(r.Context())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, c)
}

type aiConfirmRequest struct {
	StopNumber  string `json:"stopNumber"`
	Description string `json:"description"`
}

// handleAIConfirm handles POST /v1/ai/confirm
func (m *Mux) handleAIConfirm(w http.ResponseWriter, r *http.Request) {
	var req aiConfirmRequest
	if err := m.decodeBody(w, r, schema.DocAIConfirm, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeResult(w, r, func(ctx context.Context) (engine.Result, error) {
		return m.d.Engine.ConfirmAI(ctx, req.StopNumber, req.Description)
	})
}

func (m *Mux) handleAICancel(w http.ResponseWriter, r *http.Request) {
	if err := m.d.Engine.CancelAI(); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]engine.AIState{"aiState": m.d.Engine.AIState()})
}

func (m *Mux) writeResult(w http.ResponseWriter, r *http.Request, run func(context.Context) (engine.Result, error)) {
	res, err := run(r.Context())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == engine.OutcomeDispatched {
		status = http.StatusAccepted
	}
	m.writeSuccess(w, status, res)
}

// handleReset handles POST /v1/reset. Uploaded photos are released unless
// keepUploads=true is given.
func (m *Mux) handleReset(w http.ResponseWriter, r *http.Request) {
	if keep, _ := strconv.ParseBool(r.URL.Query().Get("keepUploads")); keep {
		m.d.Engine.Reset(r.Context())
	} else {
		m.d.Engine.Cancel(r.Context())
	}
	m.writeSuccess(w, http.StatusOK, m.d.Engine.Snapshot())
}

// handleListSubmissions handles GET /v1/submissions
func (m *Mux) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := model.SubmissionQuery{
		DeviceID: q.Get("deviceId"),
		Cursor:   q.Get("cursor"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			m.fail(w, r, errordefs.New(errordefs.FIELD_VALIDATION, "limit must be a positive integer", ""))
			return
		}
		query.Limit = limit
	}
	if v := q.Get("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			m.fail(w, r, errordefs.New(errordefs.FIELD_VALIDATION, "failed must be a boolean", ""))
			return
		}
		query.FailedOnly = failed
	}

	page, err := m.d.Engine.Submissions(r.Context(), query)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			m.fail(w, r, errordefs.New(errordefs.FIELD_VALIDATION, "invalid cursor", ""))
			return
		}
		m.fail(w, r, errordefs.Wrap(errordefs.FIELD_INTERNAL, "failed to list submissions", err))
		return
	}
	m.writeSuccess(w, http.StatusOK, page)
}

// handleWatchUpload handles POST /v1/uploads/{filename}/watch
func (m *Mux) handleWatchUpload(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/uploads/")
	filename, ok := strings.CutSuffix(path, "/watch")
	if !ok {
		m.fail(w, r, errordefs.New(errordefs.FIELD_NOT_FOUND, "route not found", ""))
		return
	}
	if err := m.d.Engine.WatchUpload(r.Context(), filename); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusAccepted, map[string]string{"filename": filename})
}

func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		_, data, err := model.DecodeDataURI(s)
		return data, err
	}
	return base64.StdEncoding.DecodeString(s)
}

func captureMode(s string) gallery.CaptureMode {
	if s == string(gallery.ModeRetake) {
		return gallery.ModeRetake
	}
	return gallery.ModeReport
}
