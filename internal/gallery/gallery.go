// Package gallery owns the ordered photos of the report in progress. It keeps the
// primary photo at position 0, uploads every photo in the background to obtain a
// durable reference, and releases server-side copies when photos are removed.
package gallery

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/AndreuSerraCandela/Incidencias/internal/errors"
	"github.com/AndreuSerraCandela/Incidencias/internal/metrics"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
	"github.com/AndreuSerraCandela/Incidencias/internal/telemetry"
)

// Uploader turns photos into durable remote references and releases them.
type Uploader interface {
	UploadPhoto(ctx context.Context, imageDataURI, filename string) (model.RemoteRef, error)
	DeletePhoto(ctx context.Context, ref model.RemoteRef) error
}

// CaptureMode decides what happens to the previous primary photo when a new one is captured.
type CaptureMode string

const (
	// ModeReport demotes the previous primary to a regular entry.
	ModeReport CaptureMode = "report"
	// ModeRetake discards the previous primary, releasing its upload.
	ModeRetake CaptureMode = "retake"
)

// View is a read-only snapshot of the gallery for rendering.
type View struct {
	Photos       []model.CapturedPhoto `json:"photos"`
	Index        int                   `json:"index"`
	ShowControls bool                  `json:"showControls"`
	Empty        bool                  `json:"empty"`
}

// Options tunes a Manager.
type Options struct {
	MaxDimension  int           // Longest edge of stored photos
	JPEGQuality   int           // Quality of stored photos
	UploadTimeout time.Duration // Deadline of each background upload and deletion
	OnChange      func(View)    // Render hook, called after every mutation
}

// Manager is the photo gallery.
type Manager struct {
	uploader Uploader
	opts     Options
	metrics  *metrics.Metrics

	mu     sync.Mutex
	photos []*model.CapturedPhoto
	index  int
	held   map[string]string // photo id -> server id referenced by an in-flight incidence

	uploads sync.WaitGroup
}

// New creates an empty gallery.
func New(uploader Uploader, opts Options) *Manager {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = 1600
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 85
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 30 * time.Second
	}
	return &Manager{uploader: uploader, opts: opts, metrics: metrics.NewMetrics()}
}

// Import adds encoded image bytes to the gallery. A non-empty filename becomes
// the photo's display name, with the extension of the re-encoded JPEG.
func (m *Manager) Import(ctx context.Context, raw []byte, filename string, role model.PhotoRole, mode CaptureMode) (model.CapturedPhoto, error) {
	prepared, err := Prepare(raw, m.opts.MaxDimension, m.opts.JPEGQuality)
	if err != nil {
		return model.CapturedPhoto{}, err
	}
	prepared.Name = ImportedName(filename)
	return m.add(ctx, prepared, role, mode), nil
}

// CaptureFrame adds a camera frame to the gallery.
func (m *Manager) CaptureFrame(ctx context.Context, img image.Image, role model.PhotoRole, mode CaptureMode) (model.CapturedPhoto, error) {
	prepared, err := PrepareImage(img, m.opts.MaxDimension, m.opts.JPEGQuality)
	if err != nil {
		return model.CapturedPhoto{}, err
	}
	return m.add(ctx, prepared, role, mode), nil
}

// add inserts the photo synchronously, then starts its upload.
func (m *Manager) add(ctx context.Context, prepared Prepared, role model.PhotoRole, mode CaptureMode) model.CapturedPhoto {
	now := time.Now().UTC()
	id := ulid.Make().String()
	taken := prepared.TakenAt
	if taken.IsZero() {
		taken = now
	}
	name := prepared.Name
	if name == "" {
		name = DisplayName(taken, id)
	}
	p := &model.CapturedPhoto{
		ID:          id,
		LocalData:   prepared.Data,
		MimeType:    "image/jpeg",
		DisplayName: name,
		State:       model.UploadPending,
		CapturedAt:  now,
	}

	var discarded *model.CapturedPhoto
	m.mu.Lock()
	switch {
	case role == model.RolePrimary || len(m.photos) == 0:
		if len(m.photos) > 0 && m.photos[0].Primary {
			old := m.photos[0]
			old.Primary = false
			if mode == ModeRetake {
				discarded = m.detach(old)
				m.photos = m.photos[1:]
			}
		}
		p.Primary = true
		m.photos = append([]*model.CapturedPhoto{p}, m.photos...)
		m.index = 0
	default:
		m.photos = append(m.photos, p)
		m.index = len(m.photos) - 1
	}
	snapshot := p.Clone()
	m.mu.Unlock()

	m.notify()
	slog.Info("photo added", "photo_id", id, "primary", snapshot.Primary, "bytes", len(prepared.Data))

	if discarded != nil && discarded.Remote != nil {
		m.release(ctx, *discarded.Remote, "retake")
	}

	m.uploads.Add(1)
	go m.upload(context.WithoutCancel(ctx), id, snapshot.DataURI(), snapshot.DisplayName)
	return snapshot
}

// upload converts one photo. The result is applied only if the photo is still in
// the gallery; an upload that lands after removal is released again.
func (m *Manager) upload(ctx context.Context, id, dataURI, name string) {
	defer m.uploads.Done()

	ctx, span := telemetry.Tracer().Start(ctx, "gallery.upload")
	defer span.End()
	span.SetAttributes(attribute.String("photo.id", id))

	uctx, cancel := context.WithTimeout(ctx, m.opts.UploadTimeout)
	ref, err := m.uploader.UploadPhoto(uctx, dataURI, name)
	cancel()

	m.mu.Lock()
	p := m.find(id)
	if p == nil {
		m.mu.Unlock()
		if err == nil {
			m.metrics.PhotoUploadTotal.WithLabelValues("orphaned").Inc()
			slog.Info("upload finished for removed photo, releasing", "photo_id", id, "file_id", ref.ServerID)
			m.release(ctx, ref, "orphan")
		}
		return
	}
	if err != nil {
		p.State = model.UploadFailed
	} else {
		r := ref
		p.Remote = &r
		p.State = model.UploadUploaded
	}
	m.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.PhotoUploadTotal.WithLabelValues("failed").Inc()
		slog.Warn("photo upload failed, local data will be sent", "photo_id", id, "error", err)
	} else {
		m.metrics.PhotoUploadTotal.WithLabelValues("uploaded").Inc()
		slog.Debug("photo uploaded", "photo_id", id, "file_id", ref.ServerID)
	}
	m.notify()
}

// Remove deletes the photo at index. An uploaded photo is released on the server
// first; that release is best-effort and never blocks the removal.
func (m *Manager) Remove(ctx context.Context, index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.photos) {
		m.mu.Unlock()
		return errordefs.New(errordefs.FIELD_NOT_FOUND, fmt.Sprintf("no hay foto en la posición %d", index), "")
	}
	p := m.photos[index]
	id := p.ID
	var remote *model.RemoteRef
	if d := m.detach(p); d.Remote != nil {
		r := *d.Remote
		remote = &r
	}
	m.mu.Unlock()

	if remote != nil {
		m.release(ctx, *remote, "remove")
	}

	m.mu.Lock()
	if i := m.position(id); i >= 0 {
		wasPrimary := m.photos[i].Primary
		m.photos = append(m.photos[:i:i], m.photos[i+1:]...)
		if wasPrimary && len(m.photos) > 0 {
			m.photos[0].Primary = true
		}
		m.clampIndex()
	}
	m.mu.Unlock()

	m.notify()
	slog.Info("photo removed", "photo_id", id)
	return nil
}

// Reset empties the gallery without releasing server-side copies, which now
// belong to the created incidence.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.photos = nil
	m.index = 0
	m.mu.Unlock()
	m.notify()
}

// Hold marks photos as referenced by an in-flight incidence: sent maps photo ids
// to the server id the payload references, empty for local data. Removing a held
// photo does not release that server copy, which the submission's outcome owns.
func (m *Manager) Hold(sent map[string]string) {
	m.mu.Lock()
	m.held = sent
	m.mu.Unlock()
}

// Unhold ends the hold after a failed or superseded submission.
func (m *Manager) Unhold() {
	m.mu.Lock()
	m.held = nil
	m.mu.Unlock()
}

// Consume removes the photos that went into a created incidence and ends the
// hold. Photos added since stay for the next report. Server copies of consumed
// photos that the payload did not reference are returned for release.
func (m *Manager) Consume(sent map[string]string) []model.RemoteRef {
	var unreferenced []model.RemoteRef
	m.mu.Lock()
	kept := make([]*model.CapturedPhoto, 0, len(m.photos))
	for _, p := range m.photos {
		serverID, ok := sent[p.ID]
		if !ok {
			kept = append(kept, p)
			continue
		}
		if p.Remote != nil && p.Remote.ServerID != serverID {
			unreferenced = append(unreferenced, *p.Remote)
		}
	}
	m.photos = kept
	if len(m.photos) > 0 {
		m.photos[0].Primary = true
	}
	m.index = 0
	m.held = nil
	m.mu.Unlock()
	m.notify()
	return unreferenced
}

// RemoteRefs returns the server copies of gallery photos that no in-flight
// incidence references.
func (m *Manager) RemoteRefs() []model.RemoteRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []model.RemoteRef
	for _, p := range m.photos {
		if d := m.detach(p); d.Remote != nil {
			refs = append(refs, *d.Remote)
		}
	}
	return refs
}

// detach returns a copy of p whose Remote is cleared when an in-flight
// incidence references that copy. Callers hold m.mu.
func (m *Manager) detach(p *model.CapturedPhoto) *model.CapturedPhoto {
	c := *p
	if c.Remote != nil {
		if serverID, ok := m.held[c.ID]; ok && serverID == c.Remote.ServerID {
			c.Remote = nil
		}
	}
	return &c
}

// InvalidateRemote drops the remote reference of the given photos so that they are
// sent as local data next time. Used after their server copies were rolled back.
func (m *Manager) InvalidateRemote(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range ids {
		if p := m.find(id); p != nil {
			p.Remote = nil
			p.State = model.UploadFailed
		}
	}
	m.mu.Unlock()
	m.notify()
}

// Next moves the navigation index forward, wrapping around.
func (m *Manager) Next() View {
	m.mu.Lock()
	if n := len(m.photos); n > 0 {
		m.index = (m.index + 1) % n
	}
	m.mu.Unlock()
	m.notify()
	return m.View()
}

// Prev moves the navigation index backward, wrapping around.
func (m *Manager) Prev() View {
	m.mu.Lock()
	if n := len(m.photos); n > 0 {
		m.index = (m.index - 1 + n) % n
	}
	m.mu.Unlock()
	m.notify()
	return m.View()
}

// View returns a snapshot of the gallery.
func (m *Manager) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := View{
		Photos:       make([]model.CapturedPhoto, len(m.photos)),
		Index:        m.index,
		ShowControls: len(m.photos) > 1,
		Empty:        len(m.photos) == 0,
	}
	for i, p := range m.photos {
		v.Photos[i] = p.Clone()
	}
	return v
}

// Photos returns copies of the photos in display order.
func (m *Manager) Photos() []model.CapturedPhoto {
	return m.View().Photos
}

// Len returns the number of photos.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.photos)
}

// Primary returns the primary photo.
func (m *Manager) Primary() (model.CapturedPhoto, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.photos {
		if p.Primary {
			return p.Clone(), true
		}
	}
	return model.CapturedPhoto{}, false
}

// Wait blocks until every upload started so far has settled.
func (m *Manager) Wait() {
	m.uploads.Wait()
}

// release deletes a server-side copy, logging failures.
func (m *Manager) release(ctx context.Context, ref model.RemoteRef, reason string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.UploadTimeout)
	defer cancel()
	if err := m.uploader.DeletePhoto(dctx, ref); err != nil {
		m.metrics.PhotoRollbackTotal.WithLabelValues(reason, "failed").Inc()
		slog.Warn("photo release failed", "reason", reason, "file_id", ref.ServerID, "error", err)
		return
	}
	m.metrics.PhotoRollbackTotal.WithLabelValues(reason, "deleted").Inc()
}

func (m *Manager) find(id string) *model.CapturedPhoto {
	if i := m.position(id); i >= 0 {
		return m.photos[i]
	}
	return nil
}

func (m *Manager) position(id string) int {
	for i, p := range m.photos {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) clampIndex() {
	switch {
	case len(m.photos) == 0:
		m.index = 0
	case m.index >= len(m.photos):
		m.index = len(m.photos) - 1
	}
}

func (m *Manager) notify() {
	if m.opts.OnChange != nil {
		m.opts.OnChange(m.View())
	}
}
