// Package integration drives the whole agent through its control API over HTTP,
// against the in-process fake incidence backend.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/AndreuSerraCandela/Incidencias/conformance"
	"github.com/AndreuSerraCandela/Incidencias/internal/auth"
	"github.com/AndreuSerraCandela/Incidencias/internal/backend"
	"github.com/AndreuSerraCandela/Incidencias/internal/device"
	"github.com/AndreuSerraCandela/Incidencias/internal/engine"
	"github.com/AndreuSerraCandela/Incidencias/internal/event"
	"github.com/AndreuSerraCandela/Incidencias/internal/gallery"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
	"github.com/AndreuSerraCandela/Incidencias/internal/recorder"
	"github.com/AndreuSerraCandela/Incidencias/internal/scan"
	"github.com/AndreuSerraCandela/Incidencias/internal/schema"
	"github.com/AndreuSerraCandela/Incidencias/internal/server"
	"github.com/AndreuSerraCandela/Incidencias/internal/session"
	"github.com/AndreuSerraCandela/Incidencias/internal/status"
	"github.com/AndreuSerraCandela/Incidencias/internal/storage"
)

const testSecret = "integration-secret"

type agent struct {
	url      string
	token    string
	backend  *conformance.FakeBackend
	engine   *engine.Engine
	gallery  *gallery.Manager
	recorder *recorder.Recorder
	events   *event.Memory
}

// newAgent wires the agent the way the daemon does, with a WAV file as microphone.
func newAgent(t *testing.T) *agent {
	t.Helper()
	fb := conformance.NewFakeBackend()
	t.Cleanup(fb.Close)

	micPath := filepath.Join(t.TempDir(), "mic.wav")
	writeWAV(t, micPath, 8000, 12000) // one second of speech-level audio

	client := backend.New(fb.URL(), backend.Options{DeviceID: "device_it"})
	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	reader := device.NewPushReader(true)
	devices := device.NewManager(nil, device.WAVMicrophone{Path: micPath, ChunkDuration: 100 * time.Millisecond}, reader)
	sess := session.New()
	gal := gallery.New(client, gallery.Options{MaxDimension: 64})
	nfc := scan.NewNFCListener(devices, scan.NFCOptions{Marker: "IdQr/", Sink: sess})
	events := event.NewMemory()
	journal := storage.NewMemory()

	var eng *engine.Engine
	rec := recorder.New(devices, recorder.Options{
		MinDuration:     200 * time.Millisecond,
		SilenceDuration: 300 * time.Millisecond,
		SilenceLevel:    0.02,
		OnStopped: func(ctx context.Context, r recorder.Recording) {
			eng.HandleRecording(ctx, r)
		},
		OnError: func(err error) { eng.HandleRecorderError(err) },
	})
	eng = engine.New(engine.Options{
		Backend:   client,
		Releaser:  client,
		Gallery:   gal,
		Session:   sess,
		Status:    status.New(time.Minute),
		Journal:   journal,
		Events:    events,
		Validator: validator,
		NFC:       nfc,
		Recorder:  rec,
		DeviceID:  "device_it",
	})

	verifier := auth.NewVerifier(testSecret, "incidencias")
	srv := httptest.NewServer(server.NewMux(server.Deps{
		Engine:    eng,
		Gallery:   gal,
		Journal:   journal,
		Validator: validator,
		Devices:   devices,
		NFC:       nfc,
		NFCReader: reader,
		Recorder:  rec,
		Verifier:  verifier,
		DeviceID:  "device_it",
	}))
	t.Cleanup(func() {
		srv.Close()
		rec.Abort()
		eng.Wait()
		gal.Wait()
		nfc.Disarm()
	})

	token, err := verifier.Issue("operator-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return &agent{url: srv.URL, token: token, backend: fb, engine: eng, gallery: gal, recorder: rec, events: events}
}

func writeWAV(t *testing.T, path string, n, level int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	samples := make([]int, n)
	for i := range samples {
		samples[i] = level
	}
	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: 8000}, Data: samples, SourceBitDepth: 16}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func (a *agent) call(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.url+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	if env.Error != nil {
		t.Logf("%s %s: %s %s", method, path, env.Error.Code, env.Error.Message)
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("%s %s: decode data: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func photoDataURI(t *testing.T, c color.NRGBA) string {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(48, 32, c), imaging.JPEG); err != nil {
		t.Fatal(err)
	}
	return model.EncodeDataURI("image/jpeg", buf.Bytes())
}

func (a *agent) importPhoto(t *testing.T, role string) {
	t.Helper()
	body := map[string]string{"image": photoDataURI(t, color.NRGBA{R: 90, G: 160, A: 255}), "role": role}
	if code := a.call(t, http.MethodPost, "/v1/photos", body, nil); code != http.StatusCreated {
		t.Fatalf("import status = %d", code)
	}
	a.gallery.Wait()
}

func TestUnauthenticatedMutationRejected(t *testing.T) {
	a := newAgent(t)
	resp, err := http.Post(a.url+"/v1/reset", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRecordedReportIsSubmitted(t *testing.T) {
	a := newAgent(t)

	var started struct {
		Started bool `json:"started"`
	}
	if code := a.call(t, http.MethodPost, "/v1/recording/start", map[string]string{"mode": "auto"}, &started); code != http.StatusOK || !started.Started {
		t.Fatalf("recording start = %d %+v", code, started)
	}
	// one second of audio then generated silence ends the recording
	deadline := time.Now().Add(5 * time.Second)
	for a.recorder.State() == recorder.StateRecording && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	a.recorder.Wait()

	var st struct {
		Session session.Snapshot `json:"session"`
	}
	a.call(t, http.MethodGet, "/v1/state", nil, &st)
	if st.Session.Pending == nil || model.Deref(st.Session.Pending.StopNumber) != "42" {
		t.Fatalf("pending after recording = %+v", st.Session.Pending)
	}
	if len(a.backend.Calls("/api/process-audio")) != 1 {
		t.Errorf("transcriptions = %d, want 1", len(a.backend.Calls("/api/process-audio")))
	}

	a.importPhoto(t, "primary")
	var res engine.Result
	if code := a.call(t, http.MethodPost, "/v1/incidences", map[string]string{"description": "Marquesina rota"}, &res); code != http.StatusAccepted {
		t.Fatalf("submit status = %d", code)
	}
	a.engine.Wait()

	sent := a.backend.Incidences()
	if len(sent) != 1 {
		t.Fatalf("incidences = %d, want 1", len(sent))
	}
	p := sent[0]
	if model.Deref(p.Resource) != "PARADA_42" || p.Observation != "parada 42 marquesina rota" || p.Description != "Marquesina rota" {
		t.Errorf("payload = resource %q observation %q description %q", model.Deref(p.Resource), p.Observation, p.Description)
	}
	if len(p.Image) != 1 || !p.Image[0].IsRemote() {
		t.Errorf("images = %+v, want one uploaded reference", p.Image)
	}
	if len(a.backend.Calls("/api/process-image-ai")) != 0 {
		t.Error("AI classification ran despite audio context")
	}
	if len(a.events.Events(event.TypeIncidenceSubmitted)) != 1 {
		t.Error("no submitted event published")
	}

	// the cycle starts over
	a.call(t, http.MethodGet, "/v1/state", nil, &st)
	if !st.Session.Empty() {
		t.Errorf("session after success = %+v", st.Session)
	}
}

func TestFailedSubmissionRollsBackAndRetries(t *testing.T) {
	a := newAgent(t)
	a.backend.FailUpload(2)
	a.backend.FailIncidences("recurso no encontrado")

	a.importPhoto(t, "primary")
	a.importPhoto(t, "additional")
	stored := a.backend.Stored()
	if len(stored) != 1 {
		t.Fatalf("stored = %v, want one upload", stored)
	}

	// an NFC tag gives the report its resource
	a.call(t, http.MethodPost, "/v1/scan/nfc/arm", nil, nil)
	if code := a.call(t, http.MethodPost, "/v1/scan/nfc/tags", device.Tag{Records: []device.NFCRecord{{RecordType: "text", Data: "IdQr/900"}}}, nil); code != http.StatusAccepted {
		t.Fatalf("tag status = %d", code)
	}
	deadline := time.Now().Add(2 * time.Second)
	var st struct {
		Session session.Snapshot `json:"session"`
		Banner  *status.Banner   `json:"banner"`
	}
	for time.Now().Before(deadline) {
		a.call(t, http.MethodGet, "/v1/state", nil, &st)
		if st.Session.Scan != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st.Session.Scan == nil || st.Session.Scan.ResolvedResourceID != "900" {
		t.Fatalf("scan = %+v", st.Session.Scan)
	}

	if code := a.call(t, http.MethodPost, "/v1/incidences", map[string]string{"description": "Banco roto"}, nil); code != http.StatusAccepted {
		t.Fatalf("submit status = %d", code)
	}
	a.engine.Wait()

	if deleted := a.backend.Deleted(); len(deleted) != 1 || deleted[0] != stored[0] {
		t.Fatalf("deleted = %v, want exactly %v", deleted, stored)
	}
	a.call(t, http.MethodGet, "/v1/state", nil, &st)
	if st.Banner == nil || st.Banner.Message != "Error al enviar incidencia: recurso no encontrado" {
		t.Errorf("banner = %+v", st.Banner)
	}
	if st.Session.Scan == nil {
		t.Error("scan cleared after failure")
	}

	// the retry sends local data for both photos
	a.backend.FailIncidences("")
	if code := a.call(t, http.MethodPost, "/v1/incidences", map[string]string{"description": "Banco roto"}, nil); code != http.StatusAccepted {
		t.Fatalf("retry status = %d", code)
	}
	a.engine.Wait()
	sent := a.backend.Incidences()
	if len(sent) != 1 {
		t.Fatalf("incidences = %d, want 1", len(sent))
	}
	for i, img := range sent[0].Image {
		if img.IsRemote() || !strings.HasPrefix(img.File, "data:image/jpeg;base64,") {
			t.Errorf("image %d = %.40s, want local data", i, img.File)
		}
	}
	if model.Deref(sent[0].Resource) != "900" {
		t.Errorf("resource = %q, want 900", model.Deref(sent[0].Resource))
	}

	var page model.SubmissionPage
	a.call(t, http.MethodGet, "/v1/submissions?failed=true", nil, &page)
	if len(page.Submissions) != 1 || len(page.Submissions[0].RolledBack) != 1 {
		t.Errorf("failed submissions = %+v", page.Submissions)
	}
}
