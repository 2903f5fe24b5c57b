package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AndreuSerraCandela/Incidencias/internal/backend"
	errordefs "github.com/AndreuSerraCandela/Incidencias/internal/errors"
	"github.com/AndreuSerraCandela/Incidencias/internal/event"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
	"github.com/AndreuSerraCandela/Incidencias/internal/schema"
	"github.com/AndreuSerraCandela/Incidencias/internal/session"
	"github.com/AndreuSerraCandela/Incidencias/internal/telemetry"
)

// Outcome of a submit request.
type Outcome string

const (
	// OutcomeDispatched means the incidence is being sent in the background.
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeAwaitingAI means the primary photo was classified and the result
	// must be confirmed before anything is sent.
	OutcomeAwaitingAI Outcome = "awaiting_ai_confirmation"
)

// SubmitRequest carries the user's input for a submission.
type SubmitRequest struct {
	Description   string `json:"description"`
	IncidenceType string `json:"incidenceType"`
}

// Result is the synchronous answer to a submit request.
type Result struct {
	Outcome      Outcome                 `json:"outcome"`
	SubmissionID string                  `json:"submissionId,omitempty"`
	Payload      *model.IncidencePayload `json:"payload,omitempty"`
	Candidate    *model.AICandidate      `json:"aiCandidate,omitempty"`
}

// sentPhoto pairs a payload image with the gallery photo it came from.
type sentPhoto struct {
	photoID string
	ref     *model.RemoteRef
}

// Submit validates and assembles the incidence and dispatches it without waiting
// for the backend. When no scan, audio or AI context exists, the primary photo is
// classified first and the submission waits for ConfirmAI.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	photos := e.opts.Gallery.Photos()
	if len(photos) == 0 {
		e.metrics.SubmissionTotal.WithLabelValues("rejected").Inc()
		return Result{}, errordefs.New(errordefs.FIELD_MISSING_PHOTO, "Toma o importa una foto antes de enviar la incidencia", "")
	}

	e.mu.Lock()
	switch {
	case e.submitting:
		e.mu.Unlock()
		return Result{}, errordefs.New(errordefs.FIELD_CONFLICT, "Ya hay una incidencia enviándose", "")
	case e.ai == AIAnalyzing || e.ai == AIAwaiting:
		e.mu.Unlock()
		return Result{}, errordefs.New(errordefs.FIELD_CONFLICT, "Confirma o cancela el análisis de la imagen", "")
	}
	e.mu.Unlock()

	mark := e.opts.Session.Mark()
	if mark.Scan == nil && !mark.Pending.Active() {
		return e.analyzeForSubmit(ctx, req)
	}

	return e.dispatch(ctx, req, photos, mark)
}

func (e *Engine) dispatch(ctx context.Context, req SubmitRequest, photos []model.CapturedPhoto, mark session.Mark) (Result, error) {
	scan, pending := mark.Scan, mark.Pending
	description := strings.TrimSpace(req.Description)
	if description == "" && pending != nil && pending.SourceKind == model.PendingAI {
		description = strings.TrimSpace(model.Deref(pending.Description))
	}
	if description == "" {
		e.metrics.SubmissionTotal.WithLabelValues("rejected").Inc()
		return Result{}, errordefs.New(errordefs.FIELD_MISSING_DESCRIPTION, "La descripción es obligatoria para enviar la incidencia", "")
	}

	incidenceType, err := e.resolveType(ctx, req.IncidenceType)
	if err != nil {
		e.metrics.SubmissionTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	payload, sent := e.assemble(photos, scan, pending, description, incidenceType)
	if e.opts.Validator != nil {
		if _, err := e.opts.Validator.Validate(schema.DocIncidence, payload); err != nil {
			e.metrics.SubmissionTotal.WithLabelValues("rejected").Inc()
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				return Result{}, errordefs.NewWithDetails(errordefs.FIELD_SCHEMA_REJECT, "La incidencia no es válida", "", verr.Problems)
			}
			return Result{}, errordefs.Wrap(errordefs.FIELD_INTERNAL, "no se pudo validar la incidencia", err)
		}
	}

	e.mu.Lock()
	if e.submitting {
		e.mu.Unlock()
		return Result{}, errordefs.New(errordefs.FIELD_CONFLICT, "Ya hay una incidencia enviándose", "")
	}
	e.submitting = true
	e.mu.Unlock()
	e.opts.Gallery.Hold(heldPhotos(sent))

	sub := model.Submission{
		ID:            uuid.NewString(),
		DeviceID:      e.opts.DeviceID,
		IncidenceType: payload.IncidenceType,
		Resource:      payload.Resource,
		Description:   payload.Description,
		Observation:   payload.Observation,
		ImageCount:    len(payload.Image),
		StartedAt:     time.Now().UTC(),
	}
	for _, s := range sent {
		if s.ref != nil {
			sub.RemoteImages++
		}
	}
	if err := e.opts.Journal.RecordSubmission(ctx, sub); err != nil {
		slog.Warn("failed to journal submission", "submission_id", sub.ID, "error", err)
	}

	e.opts.Status.Progress("Enviando incidencia...")
	e.metrics.SubmissionTotal.WithLabelValues("dispatched").Inc()
	slog.Info("incidence dispatched",
		"submission_id", sub.ID,
		"type", payload.IncidenceType,
		"resource", model.Deref(payload.Resource),
		"images", sub.ImageCount,
		"remote_images", sub.RemoteImages)

	e.bg.Add(1)
	go e.deliver(context.WithoutCancel(ctx), mark, sub, payload, sent)

	return Result{Outcome: OutcomeDispatched, SubmissionID: sub.ID, Payload: &payload}, nil
}

// assemble builds the payload. The resource is the pending stop number when
// audio or AI data is active, else the scanned resource id, else null.
func (e *Engine) assemble(photos []model.CapturedPhoto, scan *model.ScannedResource, pending *model.PendingIncidenceData, description, incidenceType string) (model.IncidencePayload, []sentPhoto) {
	payload := model.IncidencePayload{
		State:         model.StatePending,
		IncidenceType: incidenceType,
		Description:   description,
		Image:         make([]model.ImageEntry, 0, len(photos)),
		Audio:         []model.ImageEntry{},
	}

	switch {
	case pending.Active() && strings.TrimSpace(model.Deref(pending.StopNumber)) != "":
		payload.Resource = model.StringPtr(e.opts.StopPrefix + strings.TrimSpace(*pending.StopNumber))
	case scan != nil && scan.ResolvedResourceID != "":
		payload.Resource = model.StringPtr(scan.ResolvedResourceID)
	}

	if pending.Active() {
		payload.Observation = model.Deref(pending.FullText)
	}

	sent := make([]sentPhoto, 0, len(photos))
	for i := range photos {
		p := &photos[i]
		payload.Image = append(payload.Image, p.Reference())
		s := sentPhoto{photoID: p.ID}
		if p.Remote != nil {
			r := *p.Remote
			s.ref = &r
		}
		sent = append(sent, s)
	}
	return payload, sent
}

// heldPhotos maps each sent photo to the server id its payload entry references.
func heldPhotos(sent []sentPhoto) map[string]string {
	held := make(map[string]string, len(sent))
	for _, s := range sent {
		held[s.photoID] = ""
		if s.ref != nil {
			held[s.photoID] = s.ref.ServerID
		}
	}
	return held
}

// deliver sends the payload and reconciles state with the outcome.
func (e *Engine) deliver(ctx context.Context, mark session.Mark, sub model.Submission, payload model.IncidencePayload, sent []sentPhoto) {
	defer e.bg.Done()

	ctx, span := telemetry.Tracer().Start(ctx, "engine.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("submission.id", sub.ID),
		attribute.Int("submission.images", sub.ImageCount),
	)

	err := e.opts.Backend.CreateIncidence(ctx, payload)
	sub.FinishedAt = time.Now().UTC()

	if err == nil {
		sub.Succeeded = true
		// the cycle is settled before another submission may start
		e.complete(ctx, mark, sent)
		e.finish(ctx, sub)
		e.metrics.SubmissionTotal.WithLabelValues("succeeded").Inc()
		if err := e.opts.Events.PublishIncidenceSubmitted(ctx, sub); err != nil {
			slog.Warn("failed to publish submission event", "submission_id", sub.ID, "error", err)
		}

		e.opts.Status.Success(fmt.Sprintf("Incidencia enviada correctamente (Tipo: %s)", payload.IncidenceType))
		slog.Info("incidence created", "submission_id", sub.ID)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	msg := backend.ServerMessage(err)
	sub.Error = msg

	var refs []model.RemoteRef
	var rolledIDs []string
	for _, s := range sent {
		if s.ref != nil {
			refs = append(refs, *s.ref)
			rolledIDs = append(rolledIDs, s.photoID)
		}
	}
	released, failed := e.releaseAll(ctx, refs, "submission_failed")
	sub.RolledBack = released
	// Released copies can no longer be referenced; a retry sends local data
	e.opts.Gallery.InvalidateRemote(rolledIDs)
	e.opts.Gallery.Unhold()

	e.finish(ctx, sub)
	e.metrics.SubmissionTotal.WithLabelValues("failed").Inc()
	if err := e.opts.Events.PublishIncidenceFailed(ctx, sub); err != nil {
		slog.Warn("failed to publish submission event", "submission_id", sub.ID, "error", err)
	}
	if len(refs) > 0 {
		rb := event.Rollback{SubmissionID: sub.ID, Photos: refs, Failed: failed}
		if err := e.opts.Events.PublishPhotosRolledBack(ctx, rb); err != nil {
			slog.Warn("failed to publish rollback event", "submission_id", sub.ID, "error", err)
		}
	}

	e.opts.Status.Error("Error al enviar incidencia: " + msg)
	slog.Error("incidence submission failed",
		"submission_id", sub.ID,
		"error", err,
		"rolled_back", len(released),
		"rollback_failed", len(failed))
}

// complete ends the cycle of a created incidence. Only what the payload consumed
// is cleared: photos, scans and recordings added while it was being sent stay for
// the next report. A reset during the dispatch already started a new cycle.
func (e *Engine) complete(ctx context.Context, mark session.Mark, sent []sentPhoto) {
	if !e.opts.Session.Consume(mark) {
		e.opts.Gallery.Unhold()
		return
	}
	if unreferenced := e.opts.Gallery.Consume(heldPhotos(sent)); len(unreferenced) > 0 {
		// uploads that landed after the payload was built with local data
		e.releaseAll(ctx, unreferenced, "unreferenced")
	}

	e.mu.Lock()
	if e.ai == AIConfirmed || e.ai == AICancelled {
		e.ai = AIIdle
		e.aiType = ""
	}
	e.mu.Unlock()

	e.rearm(ctx)
}

// finish stores the outcome and clears the in-flight flag.
func (e *Engine) finish(ctx context.Context, sub model.Submission) {
	if err := e.opts.Journal.FinishSubmission(ctx, sub); err != nil {
		slog.Warn("failed to journal submission outcome", "submission_id", sub.ID, "error", err)
	}
	e.mu.Lock()
	e.submitting = false
	e.last = &sub
	e.mu.Unlock()
}

// releaseAll deletes server-side copies. Failures are logged only.
func (e *Engine) releaseAll(ctx context.Context, refs []model.RemoteRef, reason string) (released, failed []string) {
	for _, ref := range refs {
		if err := e.opts.Releaser.DeletePhoto(ctx, ref); err != nil {
			e.metrics.PhotoRollbackTotal.WithLabelValues(reason, "failed").Inc()
			slog.Warn("photo rollback failed", "reason", reason, "file_id", ref.ServerID, "error", err)
			failed = append(failed, ref.ServerID)
			continue
		}
		e.metrics.PhotoRollbackTotal.WithLabelValues(reason, "deleted").Inc()
		released = append(released, ref.ServerID)
	}
	return released, failed
}

// resolveType validates an explicit incidence type against the backend's list,
// or picks the default type when none is given.
func (e *Engine) resolveType(ctx context.Context, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	types, err := e.IncidenceTypes(ctx)
	if err != nil {
		if requested != "" {
			slog.Warn("incidence types unavailable, sending requested type unchecked", "type", requested, "error", err)
			return requested, nil
		}
		return DefaultIncidenceType, nil
	}
	if requested == "" {
		if types.DefaultType != "" {
			return types.DefaultType, nil
		}
		if len(types.Types) > 0 {
			return types.Types[0], nil
		}
		return DefaultIncidenceType, nil
	}
	for _, t := range types.Types {
		if t == requested {
			return t, nil
		}
	}
	return "", errordefs.NewWithDetails(errordefs.FIELD_INVALID_TYPE,
		fmt.Sprintf("Tipo de incidencia desconocido: %s", requested), "", types.Types)
}

// IncidenceTypes returns the backend's incidence types. The first successful
// answer is cached for the life of the engine.
func (e *Engine) IncidenceTypes(ctx context.Context) (model.IncidenceTypesResponse, error) {
	e.mu.Lock()
	if e.types != nil {
		t := *e.types
		e.mu.Unlock()
		return t, nil
	}
	e.mu.Unlock()

	resp, err := e.opts.Backend.IncidenceTypes(ctx)
	if err != nil {
		return model.IncidenceTypesResponse{}, errordefs.Wrap(errordefs.FIELD_UPSTREAM, "no se pudieron obtener los tipos de incidencia", err)
	}
	e.mu.Lock()
	e.types = &resp
	e.mu.Unlock()
	return resp, nil
}
