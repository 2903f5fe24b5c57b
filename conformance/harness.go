// Package conformance provides a fake incidence backend and a contract suite that
// every backend client must satisfy.
package conformance

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// Call is one request received by the fake backend.
type Call struct {
	Method   string
	Path     string
	DeviceID string
	Body     []byte
}

// FakeBackend is an in-process implementation of the incidence backend endpoints.
// Behaviour is scripted through its setters; every request is recorded.
type FakeBackend struct {
	server *httptest.Server

	mu             sync.Mutex
	calls          []Call
	photos         map[string]string // file_id -> url
	deleted        []string
	incidences     []model.IncidencePayload
	uploads        int
	failUploads    map[int]bool
	uploadGate     chan struct{}
	qrPayload      string
	qrError        string
	incidenceError string
	aiStop         *string
	aiDescription  *string
	aiRaw          string
	aiError        string
	transcription  model.ProcessAudioResponse
	types          []string
	defaultType    string
	statuses       []string
	statusPolls    int
}

// NewFakeBackend starts a fake backend on a loopback listener.
func NewFakeBackend() *FakeBackend {
	f := &FakeBackend{
		photos:      make(map[string]string),
		failUploads: make(map[int]bool),
		types:       []string{"EMT"},
		defaultType: "EMT",
		transcription: model.ProcessAudioResponse{
			Success:         true,
			TranscribedText: "parada 42 marquesina rota",
			Description:     "marquesina rota",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scan-qr", f.handleScanQR)
	mux.HandleFunc("/api/incidences", f.handleIncidences)
	mux.HandleFunc("/api/process-image-ai", f.handleProcessImage)
	mux.HandleFunc("/api/process-audio", f.handleProcessAudio)
	mux.HandleFunc("/api/convert-photo-to-url", f.handleConvertPhoto)
	mux.HandleFunc("/api/delete-photo-url", f.handleDeletePhoto)
	mux.HandleFunc("/api/incidence-types", f.handleIncidenceTypes)
	mux.HandleFunc("/api/upload-status/", f.handleUploadStatus)
	f.server = httptest.NewServer(f.record(mux))
	return f
}

// URL returns the base URL of the fake backend.
func (f *FakeBackend) URL() string { return f.server.URL }

// Close shuts down the fake backend and releases held uploads.
func (f *FakeBackend) Close() {
	f.mu.Lock()
	if f.uploadGate != nil {
		close(f.uploadGate)
		f.uploadGate = nil
	}
	f.mu.Unlock()
	f.server.Close()
}

// SetQRPayload scripts the code returned by scan-qr. Empty means no code found.
func (f *FakeBackend) SetQRPayload(payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrPayload = payload
}

// FailQR makes scan-qr answer success=false with msg. Empty clears the failure.
func (f *FakeBackend) FailQR(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrError = msg
}

// FailIncidences makes incidence creation fail with msg. Empty clears the failure.
func (f *FakeBackend) FailIncidences(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidenceError = msg
}

// FailUpload makes the n-th photo conversion (1-based) fail.
func (f *FakeBackend) FailUpload(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUploads[n] = true
}

// HoldUploads blocks photo conversions until the returned release func is called.
func (f *FakeBackend) HoldUploads() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.uploadGate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.uploadGate == gate {
				f.uploadGate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// SetAIResult scripts the classification result. Nil fields are returned as null.
func (f *FakeBackend) SetAIResult(stop, description *string, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aiStop, f.aiDescription, f.aiRaw = stop, description, raw
	f.aiError = ""
}

// FailAI makes classification fail with msg.
func (f *FakeBackend) FailAI(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aiError = msg
}

// SetTranscription scripts the process-audio response.
func (f *FakeBackend) SetTranscription(resp model.ProcessAudioResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcription = resp
}

// SetIncidenceTypes scripts the incidence-types response.
func (f *FakeBackend) SetIncidenceTypes(types []string, defaultType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types, f.defaultType = types, defaultType
}

// SetUploadStatuses scripts successive upload-status answers; the last one repeats.
func (f *FakeBackend) SetUploadStatuses(statuses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = statuses
	f.statusPolls = 0
}

// Calls returns the recorded requests whose path starts with prefix.
func (f *FakeBackend) Calls(prefix string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if strings.HasPrefix(c.Path, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Incidences returns the successfully created incidences.
func (f *FakeBackend) Incidences() []model.IncidencePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.IncidencePayload(nil), f.incidences...)
}

// Deleted returns the file ids received by delete-photo-url, in order.
func (f *FakeBackend) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Stored returns the file ids of photos currently held by the backend.
func (f *FakeBackend) Stored() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.photos))
	for id := range f.photos {
		ids = append(ids, id)
	}
	return ids
}

func (f *FakeBackend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		f.mu.Lock()
		f.calls = append(f.calls, Call{Method: r.Method, Path: r.URL.Path, DeviceID: r.Header.Get("X-Device-ID"), Body: body})
		f.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (f *FakeBackend) handleScanQR(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || !strings.HasPrefix(r.PostForm.Get("image_data"), "data:image/") {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "image_data requerido"})
		return
	}
	f.mu.Lock()
	payload, failure := f.qrPayload, f.qrError
	f.mu.Unlock()
	if failure != "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": failure})
		return
	}
	codes := []model.QRCode{}
	if payload != "" {
		codes = append(codes, model.QRCode{Data: payload, Type: "QRCODE"})
	}
	writeJSON(w, http.StatusOK, model.ScanQRResponse{Success: true, QRCodes: codes})
}

func (f *FakeBackend) handleIncidences(w http.ResponseWriter, r *http.Request) {
	var p model.IncidencePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "JSON inválido"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incidenceError != "" {
		writeJSON(w, http.StatusInternalServerError, model.CreateIncidenceResponse{Success: false, Error: f.incidenceError})
		return
	}
	f.incidences = append(f.incidences, p)
	writeJSON(w, http.StatusOK, model.CreateIncidenceResponse{Success: true})
}

func (f *FakeBackend) handleProcessImage(w http.ResponseWriter, r *http.Request) {
	var req model.ProcessImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "No se proporcionó imagen"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aiError != "" {
		writeJSON(w, http.StatusOK, model.ProcessImageResponse{Success: false, Error: f.aiError})
		return
	}
	writeJSON(w, http.StatusOK, model.ProcessImageResponse{
		Success: true, StopNumber: f.aiStop, Description: f.aiDescription, RawResponse: f.aiRaw,
	})
}

func (f *FakeBackend) handleProcessAudio(w http.ResponseWriter, r *http.Request) {
	var req model.ProcessAudioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !strings.HasPrefix(req.Audio, "data:audio/") {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "No se proporcionó audio"})
		return
	}
	f.mu.Lock()
	resp := f.transcription
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (f *FakeBackend) handleConvertPhoto(w http.ResponseWriter, r *http.Request) {
	var req model.ConvertPhotoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "No se proporcionó imagen"})
		return
	}

	f.mu.Lock()
	f.uploads++
	n := f.uploads
	gate := f.uploadGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUploads[n] {
		writeJSON(w, http.StatusInternalServerError, model.ConvertPhotoResponse{Success: false, Error: "error al convertir la foto"})
		return
	}
	id := fmt.Sprintf("file-%d", n)
	url := fmt.Sprintf("%s/files/%s/%s", f.server.URL, id, req.Filename)
	f.photos[id] = url
	writeJSON(w, http.StatusOK, model.ConvertPhotoResponse{Success: true, URL: url, FileID: id})
}

func (f *FakeBackend) handleDeletePhoto(w http.ResponseWriter, r *http.Request) {
	var req model.DeletePhotoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileID == "" {
		writeJSON(w, http.StatusBadRequest, model.DeletePhotoResponse{Success: false, Error: "No se proporcionó file_id"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, req.FileID)
	if _, ok := f.photos[req.FileID]; !ok {
		writeJSON(w, http.StatusNotFound, model.DeletePhotoResponse{Success: false, Error: "Foto no encontrada"})
		return
	}
	delete(f.photos, req.FileID)
	writeJSON(w, http.StatusOK, model.DeletePhotoResponse{Success: true})
}

func (f *FakeBackend) handleIncidenceTypes(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, model.IncidenceTypesResponse{Success: true, Types: f.types, DefaultType: f.defaultType})
}

func (f *FakeBackend) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := model.UploadStatusProcessed
	if len(f.statuses) > 0 {
		i := f.statusPolls
		if i >= len(f.statuses) {
			i = len(f.statuses) - 1
		}
		status = f.statuses[i]
	}
	f.statusPolls++
	writeJSON(w, http.StatusOK, model.UploadStatusResponse{Success: true, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
