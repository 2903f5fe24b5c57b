package engine

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/AndreuSerraCandela/Incidencias/internal/backend"
	errordefs "github.com/AndreuSerraCandela/Incidencias/internal/errors"
	"github.com/AndreuSerraCandela/Incidencias/internal/event"
	"github.com/AndreuSerraCandela/Incidencias/internal/gallery"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
	"github.com/AndreuSerraCandela/Incidencias/internal/recorder"
	"github.com/AndreuSerraCandela/Incidencias/internal/schema"
	"github.com/AndreuSerraCandela/Incidencias/internal/session"
	"github.com/AndreuSerraCandela/Incidencias/internal/status"
	"github.com/AndreuSerraCandela/Incidencias/internal/storage"
)

type fakeBackend struct {
	mu         sync.Mutex
	created    []model.IncidencePayload
	createErr  error
	aiImages   []string
	aiResp     model.ProcessImageResponse
	aiErr      error
	audioResp  model.ProcessAudioResponse
	audioErr   error
	types      model.IncidenceTypesResponse
	typesErr   error
	typesCalls int
	waitErr    error
	waited     []string

	// when set, calls signal on the entered channel and wait for the gate
	aiGate, aiEntered         chan struct{}
	createGate, createEntered chan struct{}
}

func pass(entered, gate chan struct{}) {
	if gate == nil {
		return
	}
	select {
	case entered <- struct{}{}:
	default:
	}
	<-gate
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		aiResp: model.ProcessImageResponse{Success: true, StopNumber: model.StringPtr("1171"), Description: model.StringPtr("Cristal roto")},
		types:  model.IncidenceTypesResponse{Success: true, Types: []string{"EMT", "LIMPIEZA"}, DefaultType: "EMT"},
	}
}

func (f *fakeBackend) CreateIncidence(ctx context.Context, p model.IncidencePayload) error {
	pass(f.createEntered, f.createGate)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, p)
	return f.createErr
}

func (f *fakeBackend) ProcessImageAI(ctx context.Context, image string) (model.ProcessImageResponse, error) {
	pass(f.aiEntered, f.aiGate)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aiImages = append(f.aiImages, image)
	return f.aiResp, f.aiErr
}

func (f *fakeBackend) ProcessAudio(ctx context.Context, audioDataURI string) (model.ProcessAudioResponse, error) {
	return f.audioResp, f.audioErr
}

func (f *fakeBackend) IncidenceTypes(ctx context.Context) (model.IncidenceTypesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typesCalls++
	return f.types, f.typesErr
}

func (f *fakeBackend) WaitUploadProcessed(ctx context.Context, filename string, interval time.Duration, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, filename)
	return f.waitErr
}

func (f *fakeBackend) incidences() []model.IncidencePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.IncidencePayload(nil), f.created...)
}

// fakeStore uploads to memory; upload attempts listed in fail are rejected.
type fakeStore struct {
	mu      sync.Mutex
	n       int
	fail    map[int]bool
	hold    map[int]chan struct{} // upload attempts that wait for their channel
	deleted []string
}

func (s *fakeStore) UploadPhoto(ctx context.Context, dataURI, filename string) (model.RemoteRef, error) {
	s.mu.Lock()
	s.n++
	n := s.n
	hold := s.hold[n]
	s.mu.Unlock()
	if hold != nil {
		<-hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[n] {
		return model.RemoteRef{}, errors.New("conversion failed")
	}
	id := fmt.Sprintf("file-%d", n)
	return model.RemoteRef{URL: "https://files.example/" + id, ServerID: id}, nil
}

func (s *fakeStore) DeletePhoto(ctx context.Context, ref model.RemoteRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ref.ServerID)
	return nil
}

func (s *fakeStore) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

type fakeNFC struct {
	mu   sync.Mutex
	arms int
}

func (n *fakeNFC) Arm(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.arms++
	return nil
}

func (n *fakeNFC) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.arms
}

type harness struct {
	engine  *Engine
	backend *fakeBackend
	store   *fakeStore
	gallery *gallery.Manager
	session *session.Session
	status  *status.Notifier
	journal storage.Store
	events  *event.Memory
	nfc     *fakeNFC
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	h := &harness{
		backend: newFakeBackend(),
		store:   &fakeStore{fail: map[int]bool{}},
		session: session.New(),
		status:  status.New(time.Minute),
		journal: storage.NewMemory(),
		events:  event.NewMemory(),
		nfc:     &fakeNFC{},
	}
	h.gallery = gallery.New(h.store, gallery.Options{})
	h.engine = New(Options{
		Backend:   h.backend,
		Releaser:  h.store,
		Gallery:   h.gallery,
		Session:   h.session,
		Status:    h.status,
		Journal:   h.journal,
		Events:    h.events,
		Validator: validator,
		NFC:       h.nfc,
		DeviceID:  "device_test",
	})
	return h
}

func (h *harness) capture(t *testing.T, role model.PhotoRole) model.CapturedPhoto {
	t.Helper()
	img := imaging.New(32, 24, color.NRGBA{G: 120, A: 255})
	p, err := h.gallery.CaptureFrame(context.Background(), img, role, gallery.ModeReport)
	if err != nil {
		t.Fatalf("CaptureFrame() error = %v", err)
	}
	h.gallery.Wait()
	for _, got := range h.gallery.Photos() {
		if got.ID == p.ID {
			return got
		}
	}
	t.Fatalf("photo %s missing from gallery", p.ID)
	return model.CapturedPhoto{}
}

func (h *harness) banner(t *testing.T) status.Banner {
	t.Helper()
	b, ok := h.status.Current()
	if !ok {
		t.Fatal("no status banner shown")
	}
	return b
}

func wantCode(t *testing.T, err error, code errordefs.ErrorCode) {
	t.Helper()
	if got := errordefs.CodeOf(err); got != code {
		t.Fatalf("error = %v (code %s), want %s", err, got, code)
	}
}

func TestSubmitRequiresPhoto(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Submit(context.Background(), SubmitRequest{Description: "x"})
	wantCode(t, err, errordefs.FIELD_MISSING_PHOTO)
	if n := len(h.backend.incidences()); n != 0 {
		t.Errorf("incidences sent = %d, want 0", n)
	}
}

func TestSubmitWithoutContextRunsAIFirst(t *testing.T) {
	h := newHarness(t)
	primary := h.capture(t, model.RolePrimary)
	h.backend.aiResp = model.ProcessImageResponse{Success: true, StopNumber: nil, Description: nil, RawResponse: "{}"}

	res, err := h.engine.Submit(context.Background(), SubmitRequest{Description: "algo"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Outcome != OutcomeAwaitingAI || res.Candidate == nil {
		t.Fatalf("Submit() = %+v, want awaiting AI confirmation", res)
	}
	if res.Candidate.StopNumber != "" || res.Candidate.Description != DefaultAIDescription {
		t.Errorf("candidate = %+v, want empty stop and placeholder description", res.Candidate)
	}
	if res.Candidate.PhotoID != primary.ID {
		t.Errorf("candidate photo = %s, want primary %s", res.Candidate.PhotoID, primary.ID)
	}
	if n := len(h.backend.incidences()); n != 0 {
		t.Errorf("incidences sent before confirmation = %d, want 0", n)
	}
	if got := h.engine.AIState(); got != AIAwaiting {
		t.Errorf("AIState() = %s, want %s", got, AIAwaiting)
	}
	// the uploaded primary is classified by URL
	if imgs := h.backend.aiImages; len(imgs) != 1 || imgs[0] != primary.Remote.URL {
		t.Errorf("classified images = %v, want [%s]", imgs, primary.Remote.URL)
	}

	_, err = h.engine.Submit(context.Background(), SubmitRequest{Description: "algo"})
	wantCode(t, err, errordefs.FIELD_CONFLICT)
}

func TestAIClassifiesOnlyThePrimaryPhoto(t *testing.T) {
	h := newHarness(t)
	h.capture(t, model.RoleAdditional)
	primary := h.capture(t, model.RolePrimary)
	h.capture(t, model.RoleAdditional)

	if _, err := h.engine.Analyze(context.Background()); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if imgs := h.backend.aiImages; len(imgs) != 1 || imgs[0] != primary.Remote.URL {
		t.Errorf("classified images = %v, want only the primary", imgs)
	}
}

func TestConfirmAIDispatches(t *testing.T) {
	h := newHarness(t)
	h.capture(t, model.RolePrimary)
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, SubmitRequest{IncidenceType: "LIMPIEZA"}); err != nil {
		t.Fatal(err)
	}

	_, err := h.engine.ConfirmAI(ctx, "", "Cristal roto")
	wantCode(t, err, errordefs.FIELD_MISSING_STOP_NUMBER)
	_, err = h.engine.ConfirmAI(ctx, "1171", " ")
	wantCode(t, err, errordefs.FIELD_MISSING_DESCRIPTION)

	res, err := h.engine.ConfirmAI(ctx, "1172", "Cristal roto")
	if err != nil {
		t.Fatalf("ConfirmAI() error = %v", err)
	}
	if res.Outcome != OutcomeDispatched {
		t.Fatalf("ConfirmAI() outcome = %s, want dispatched", res.Outcome)
	}
	h.engine.Wait()

	sent := h.backend.incidences()
	if len(sent) != 1 {
		t.Fatalf("incidences sent = %d, want 1", len(sent))
	}
	p := sent[0]
	if model.Deref(p.Resource) != "PARADA_1172" {
		t.Errorf("resource = %q, want PARADA_1172", model.Deref(p.Resource))
	}
	if p.Description != "Cristal roto" || p.Observation != "Parada 1172, Cristal roto" {
		t.Errorf("description/observation = %q / %q", p.Description, p.Observation)
	}
	if p.IncidenceType != "LIMPIEZA" {
		t.Errorf("incidenceType = %q, want LIMPIEZA", p.IncidenceType)
	}
	if p.State != model.StatePending || len(p.Audio) != 0 {
		t.Errorf("state/audio = %q / %v", p.State, p.Audio)
	}
}

func TestCancelAIDiscardsCandidate(t *testing.T) {
	h := newHarness(t)
	h.capture(t, model.RolePrimary)
	ctx := context.Background()

	if err := h.engine.CancelAI(); err == nil {
		t.Error("CancelAI() without analysis: expected error")
	}
	h.engine.Submit(ctx, SubmitRequest{Description: "x"})
	if err := h.engine.CancelAI(); err != nil {
		t.Fatalf("CancelAI() error = %v", err)
	}
	if h.session.Candidate() != nil || h.session.Pending() != nil {
		t.Error("candidate or pending data kept after cancel")
	}
	if _, err := h.engine.ConfirmAI(ctx, "1", "x"); err == nil {
		t.Error("ConfirmAI() after cancel: expected error")
	}
	h.engine.Wait()
	if n := len(h.backend.incidences()); n != 0 {
		t.Errorf("incidences sent = %d, want 0", n)
	}
}

func TestClassificationFailureSurfaced(t *testing.T) {
	h := newHarness(t)
	h.capture(t, model.RolePrimary)
	h.backend.aiErr = &backend.APIError{Endpoint: backend.PathProcessImageAI, Status: 500, Message: "modelo no disponible"}

	_, err := h.engine.Submit(context.Background(), SubmitRequest{Description: "x"})
	wantCode(t, err, errordefs.FIELD_CLASSIFICATION_FAILED)
	if b := h.banner(t); b.Level != status.LevelError {
		t.Errorf("banner = %+v, want error", b)
	}
	if got := h.engine.AIState(); got != AIIdle {
		t.Errorf("AIState() = %s, want Idle", got)
	}
}

func TestAudioStopNumberTakesPrecedenceOverScan(t *testing.T) {
	h := newHarness(t)
	h.capture(t, model.RolePrimary)
	h.session.SetScan(model.ScannedResource{RawPayload: "https://x/IdQr/42", SourceKind: model.ScanSourceQR, ResolvedResourceID: "42"})
	h.session.SetPending(h.session.Generation(), model.PendingIncidenceData{
		StopNumber: model.StringPtr("P7"),
		FullText:   model.StringPtr("parada 7 banco roto"),
		SourceKind: model.PendingAudio,
	})

	res, err := h.engine.Submit(context.Background(), SubmitRequest{Description: "Banco roto"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := model.Deref(res.Payload.Resource); got != "PARADA_P7" {
		t.Errorf("resource = %q, want PARADA_P7", got)
	}
	if res.Payload.Observation != "parada 7 banco roto" {
		t.Errorf("observation = %q", res.Payload.Observation)
	}
	h.engine.Wait()
}

func TestScanOnlyResource(t *testing.T) {
	h := newHarness(t)
	h.capture(t, model.RolePrimary)
	h.session.SetScan(model.ScannedResource{RawPayload: "https://x/IdQr/42", SourceKind: model.ScanSourceQR, ResolvedResourceID: "42"})

	res, err := h.engine.Submit(context.Background(), SubmitRequest{Description: "Farola"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := model.Deref(res.Payload.Resource); got != "42" {
		t.Errorf("resource = %q, want 42", got)
	}
	if res.Payload.Observation != "" {
		t.Errorf("observation = %q, want empty", res.Payload.Observation)
	}
	if len(h.backend.aiImages) != 0 {
		t.Error("AI classification called despite scan context")
	}
	h.engine.Wait()
}

func TestPendingWithoutStopFallsBackToScan(t *testing.T) {
	h := newHarness(t)
	h.capture(t, model.RolePrimary)
	h.session.SetScan(model.ScannedResource{SourceKind: model.ScanSourceNFC, ResolvedResourceID: "99"})
	h.session.SetPending(h.session.Generation(), model.PendingIncidenceData{SourceKind: model.PendingAudio})

	res, err := h.engine.Submit(context.Background(), SubmitRequest{Description: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if got := model.Deref(res.Payload.Resource); got != "99" {
		t.Errorf("resource = %q, want 99", got)
	}
	h.engine.Wait()
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	h.capture(t, model.RolePrimary)
	h.session.SetScan(model.ScannedResource{ResolvedResourceID: "1", SourceKind: model.ScanSourceQR})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, SubmitRequest{Description: "   "})
	wantCode(t, err, errordefs.FIELD_MISSING_DESCRIPTION)

	_, err = h.engine.Submit(ctx, SubmitRequest{Description: "x", IncidenceType: "OTRO"})
	wantCode(t, err, errordefs.FIELD_INVALID_TYPE)

	if n := len(h.backend.incidences()); n != 0 {
		t.Errorf("incidences sent = %d, want 0", n)
	}

	res, err := h.engine.Submit(ctx, SubmitRequest{Description: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payload.IncidenceType != "EMT" {
		t.Errorf("incidenceType = %q, want default EMT", res.Payload.IncidenceType)
	}
	h.engine.Wait()
	if h.backend.typesCalls != 1 {
		t.Errorf("incidence types fetched %d times, want 1 (cached)", h.backend.typesCalls)
	}
}

func TestAIDescriptionAcceptedDirectly(t *testing.T) {
	h := newHarness(t)
	h.capture(t, model.RolePrimary)
	h.session.SetPending(h.session.Generation(), model.PendingIncidenceData{
		StopNumber:  model.StringPtr("5"),
		Description: model.StringPtr("Papelera llena"),
		SourceKind:  model.PendingAI,
	})
	res, err := h.engine.Submit(context.Background(), SubmitRequest{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Payload.Description != "Papelera llena" {
		t.Errorf("description = %q, want AI description", res.Payload.Description)
	}
	h.engine.Wait()
}

func TestFailedSubmissionRollsBackUploadedPhotosOnly(t *testing.T) {
	h := newHarness(t)
	h.store.fail[2] = true
	uploaded := h.capture(t, model.RolePrimary)
	local := h.capture(t, model.RoleAdditional)
	h.session.SetScan(model.ScannedResource{ResolvedResourceID: "42", SourceKind: model.ScanSourceQR})
	h.backend.createErr = &backend.APIError{Endpoint: backend.PathIncidences, Status: 400, Message: "recurso desconocido"}

	res, err := h.engine.Submit(context.Background(), SubmitRequest{Description: "x"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.engine.Wait()

	if got := h.store.deletedIDs(); len(got) != 1 || got[0] != uploaded.Remote.ServerID {
		t.Errorf("deleted = %v, want only %s", got, uploaded.Remote.ServerID)
	}
	b := h.banner(t)
	if b.Level != status.LevelError || b.Message != "Error al enviar incidencia: recurso desconocido" {
		t.Errorf("banner = %+v", b)
	}

	// state is kept for a retry, with the released copy replaced by local data
	photos := h.gallery.Photos()
	if len(photos) != 2 || h.session.Scan() == nil {
		t.Fatalf("state cleared after failure: %d photos, scan %v", len(photos), h.session.Scan())
	}
	for _, p := range photos {
		if p.Remote != nil {
			t.Errorf("photo %s still references released copy", p.ID)
		}
	}
	if photos[1].ID != local.ID {
		t.Errorf("gallery order changed")
	}

	sub, err := h.journal.GetSubmission(context.Background(), res.SubmissionID)
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if sub.Succeeded || sub.Error != "recurso desconocido" || len(sub.RolledBack) != 1 {
		t.Errorf("journal entry = %+v", sub)
	}
	if n := len(h.events.Events(event.TypePhotosRolledBack)); n != 1 {
		t.Errorf("rollback events = %d, want 1", n)
	}
	if n := len(h.events.Events(event.TypeIncidenceFailed)); n != 1 {
		t.Errorf("failure events = %d, want 1", n)
	}
}

func TestFailedUploadFallsBackToLocalData(t *testing.T) {
	h := newHarness(t)
	h.store.fail[2] = true
	first := h.capture(t, model.RolePrimary)
	h.capture(t, model.RoleAdditional)
	h.session.SetScan(model.ScannedResource{ResolvedResourceID: "42", SourceKind: model.ScanSourceQR})

	res, err := h.engine.Submit(context.Background(), SubmitRequest{Description: "x"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.engine.Wait()

	images := res.Payload.Image
	if len(images) != 2 {
		t.Fatalf("images = %d, want 2", len(images))
	}
	if images[0].File != first.Remote.URL || images[0].FileID != first.Remote.ServerID {
		t.Errorf("images[0] = %+v, want remote reference", images[0])
	}
	if images[1].IsRemote() || !strings.HasPrefix(images[1].File, "data:image/jpeg;base64,") {
		t.Errorf("images[1] = %.40s..., want local data URI", images[1].File)
	}
	if got := h.store.deletedIDs(); len(got) != 0 {
		t.Errorf("deleted = %v, want none", got)
	}

	// success clears the cycle and re-arms NFC
	if h.gallery.Len() != 0 || !h.session.Snapshot().Empty() {
		t.Error("state not cleared after successful submission")
	}
	if h.nfc.count() != 1 {
		t.Errorf("NFC armed %d times, want 1", h.nfc.count())
	}
	if b := h.banner(t); b.Level != status.LevelSuccess {
		t.Errorf("banner = %+v, want success", b)
	}
	if n := len(h.events.Events(event.TypeIncidenceSubmitted)); n != 1 {
		t.Errorf("submitted events = %d, want 1", n)
	}
}

func TestSuccessKeepsWorkAddedDuringDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	uploadGate := make(chan struct{})
	h.store.hold = map[int]chan struct{}{2: uploadGate}

	first := h.capture(t, model.RolePrimary)
	second, err := h.gallery.CaptureFrame(ctx, imaging.New(16, 16, color.NRGBA{R: 200, A: 255}), model.RoleAdditional, gallery.ModeReport)
	if err != nil {
		t.Fatalf("CaptureFrame() error = %v", err)
	}
	h.session.SetScan(model.ScannedResource{ResolvedResourceID: "42", SourceKind: model.ScanSourceQR})

	h.backend.createGate = make(chan struct{})
	h.backend.createEntered = make(chan struct{}, 1)
	res, err := h.engine.Submit(ctx, SubmitRequest{Description: "Cristal roto"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-h.backend.createEntered

	// while the incidence is being sent: the local photo's upload lands, a new
	// report is started with a photo, a scan and a transcript
	close(uploadGate)
	next, err := h.gallery.CaptureFrame(ctx, imaging.New(16, 16, color.NRGBA{B: 200, A: 255}), model.RolePrimary, gallery.ModeReport)
	if err != nil {
		t.Fatalf("CaptureFrame() error = %v", err)
	}
	h.gallery.Wait()
	h.session.SetScan(model.ScannedResource{ResolvedResourceID: "77", SourceKind: model.ScanSourceNFC})
	if !h.session.SetPending(h.session.Generation(), model.PendingIncidenceData{StopNumber: model.StringPtr("P9"), FullText: model.StringPtr("parada 9"), SourceKind: model.PendingAudio}) {
		t.Fatal("transcript rejected during dispatch")
	}

	close(h.backend.createGate)
	h.engine.Wait()

	images := res.Payload.Image
	if len(images) != 2 || images[0].FileID != first.Remote.ServerID || images[1].IsRemote() {
		t.Fatalf("payload images = %+v, want first remote and second local", images)
	}

	photos := h.gallery.Photos()
	if len(photos) != 1 || photos[0].ID != next.ID || !photos[0].Primary {
		t.Fatalf("gallery after success = %d photos, want only the photo taken during dispatch", len(photos))
	}
	// the first copy belongs to the incidence; the late copy of the local photo is orphaned
	if got := h.store.deletedIDs(); len(got) != 1 || got[0] != "file-2" {
		t.Errorf("deleted = %v, want [file-2]", got)
	}
	if second.ID == next.ID {
		t.Fatal("photo ids collide")
	}

	snap := h.session.Snapshot()
	if snap.Scan == nil || snap.Scan.ResolvedResourceID != "77" {
		t.Errorf("scan after success = %+v, want the scan taken during dispatch", snap.Scan)
	}
	if snap.Pending == nil || model.Deref(snap.Pending.StopNumber) != "P9" {
		t.Errorf("pending after success = %+v, want the transcript taken during dispatch", snap.Pending)
	}
	if h.nfc.count() != 1 {
		t.Errorf("NFC armed %d times, want 1", h.nfc.count())
	}
	if b := h.banner(t); b.Level != status.LevelSuccess {
		t.Errorf("banner = %+v, want success", b)
	}
}

func TestCancelDuringDispatchKeepsReferencedPhotos(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.capture(t, model.RolePrimary)
	h.session.SetScan(model.ScannedResource{ResolvedResourceID: "42"})

	h.backend.createGate = make(chan struct{})
	h.backend.createEntered = make(chan struct{}, 1)
	if _, err := h.engine.Submit(ctx, SubmitRequest{Description: "x"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-h.backend.createEntered

	h.engine.Cancel(ctx)
	close(h.backend.createGate)
	h.engine.Wait()

	if got := h.store.deletedIDs(); len(got) != 0 {
		t.Errorf("deleted = %v, want %s kept for the created incidence", got, first.Remote.ServerID)
	}
	if h.gallery.Len() != 0 || !h.session.Snapshot().Empty() {
		t.Error("cancel did not clear the cycle")
	}
}

func TestConcurrentAnalysisSendsOneClassification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.capture(t, model.RolePrimary)

	h.backend.aiGate = make(chan struct{})
	h.backend.aiEntered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Analyze(ctx)
		done <- err
	}()
	<-h.backend.aiEntered

	if _, err := h.engine.Analyze(ctx); errordefs.CodeOf(err) != errordefs.FIELD_CONFLICT {
		t.Errorf("second Analyze() error = %v, want FIELD_CONFLICT", err)
	}
	if _, err := h.engine.Submit(ctx, SubmitRequest{Description: "x"}); errordefs.CodeOf(err) != errordefs.FIELD_CONFLICT {
		t.Errorf("Submit() during analysis error = %v, want FIELD_CONFLICT", err)
	}

	close(h.backend.aiGate)
	if err := <-done; err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	h.backend.mu.Lock()
	calls := len(h.backend.aiImages)
	h.backend.mu.Unlock()
	if calls != 1 {
		t.Errorf("classification calls = %d, want 1", calls)
	}
	if h.engine.AIState() != AIAwaiting {
		t.Errorf("AIState() = %v, want %v", h.engine.AIState(), AIAwaiting)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.capture(t, model.RolePrimary)
	h.session.SetScan(model.ScannedResource{ResolvedResourceID: "1"})
	h.session.SetPending(h.session.Generation(), model.PendingIncidenceData{SourceKind: model.PendingAudio})

	ctx := context.Background()
	h.engine.Reset(ctx)
	once := h.engine.Snapshot()
	h.engine.Reset(ctx)
	twice := h.engine.Snapshot()

	for i, s := range []Snapshot{once, twice} {
		if !s.Gallery.Empty || !s.Session.Empty() || s.AI != AIIdle {
			t.Errorf("snapshot %d after reset = %+v, want empty", i, s)
		}
	}
	if len(h.store.deletedIDs()) != 0 {
		t.Error("Reset released uploaded photos")
	}
}

func TestCancelReleasesUploads(t *testing.T) {
	h := newHarness(t)
	p := h.capture(t, model.RolePrimary)
	h.engine.Cancel(context.Background())

	if got := h.store.deletedIDs(); len(got) != 1 || got[0] != p.Remote.ServerID {
		t.Errorf("deleted = %v, want [%s]", got, p.Remote.ServerID)
	}
	if h.gallery.Len() != 0 {
		t.Error("gallery not cleared")
	}
}

func TestHandleRecordingStoresTranscript(t *testing.T) {
	h := newHarness(t)
	h.backend.audioResp = model.ProcessAudioResponse{
		Success:         true,
		TranscribedText: "parada 1171 marquesina rota",
		Description:     `{"parada": 1171, "incidencia": "marquesina rota"}`,
	}

	h.engine.HandleRecording(context.Background(), recorder.Recording{ID: "r1", WAV: []byte("RIFF")})

	p := h.session.Pending()
	if p == nil || p.SourceKind != model.PendingAudio {
		t.Fatalf("Pending() = %+v, want audio data", p)
	}
	if model.Deref(p.StopNumber) != "P1171" || model.Deref(p.Description) != "marquesina rota" {
		t.Errorf("pending = %q / %q", model.Deref(p.StopNumber), model.Deref(p.Description))
	}

	if err := h.engine.CorrectStopNumber(" P1200 "); err != nil {
		t.Fatalf("CorrectStopNumber() error = %v", err)
	}
	if got := model.Deref(h.session.Pending().StopNumber); got != "P1200" {
		t.Errorf("corrected stop = %q, want P1200", got)
	}
	wantCode(t, h.engine.CorrectStopNumber(""), errordefs.FIELD_MISSING_STOP_NUMBER)
}

func TestHandleRecordingFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.audioErr = errors.New("whisper down")
	h.engine.HandleRecording(context.Background(), recorder.Recording{ID: "r1"})

	if h.session.Pending() != nil {
		t.Error("pending data stored after transcription failure")
	}
	if b := h.banner(t); b.Level != status.LevelError {
		t.Errorf("banner = %+v, want error", b)
	}
	wantCode(t, h.engine.CorrectStopNumber("1"), errordefs.FIELD_CONFLICT)
}

func TestWatchUpload(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level status.Level
	}{
		{"processed", nil, status.LevelSuccess},
		{"gave up", fmt.Errorf("%w after 60 attempts", backend.ErrUploadNotProcessed), status.LevelWarning},
		{"broken", errors.New("boom"), status.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.backend.waitErr = tt.err
			if err := h.engine.WatchUpload(context.Background(), "foto.jpg"); err != nil {
				t.Fatalf("WatchUpload() error = %v", err)
			}
			h.engine.Wait()
			if b := h.banner(t); b.Level != tt.level {
				t.Errorf("banner = %+v, want %s", b, tt.level)
			}
		})
	}

	h := newHarness(t)
	wantCode(t, h.engine.WatchUpload(context.Background(), "../etc"), errordefs.FIELD_VALIDATION)
}
