package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AndreuSerraCandela/Incidencias/internal/backend"
	errordefs "github.com/AndreuSerraCandela/Incidencias/internal/errors"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
	"github.com/AndreuSerraCandela/Incidencias/internal/telemetry"
)

// Analyze sends the primary photo to AI classification and holds the result as
// a candidate awaiting confirmation.
func (e *Engine) Analyze(ctx context.Context) (model.AICandidate, error) {
	return e.analyze(ctx, "", false)
}

func (e *Engine) analyzeForSubmit(ctx context.Context, req SubmitRequest) (Result, error) {
	c, err := e.analyze(ctx, req.IncidenceType, true)
	if err != nil {
		return Result{}, err
	}
	e.metrics.SubmissionTotal.WithLabelValues("awaiting_ai").Inc()
	return Result{Outcome: OutcomeAwaitingAI, Candidate: &c}, nil
}

// analyze classifies the primary photo. A submission may not replace a candidate
// that is still awaiting confirmation; an explicit analysis may.
func (e *Engine) analyze(ctx context.Context, incidenceType string, forSubmit bool) (model.AICandidate, error) {
	primary, ok := e.opts.Gallery.Primary()
	if !ok {
		return model.AICandidate{}, errordefs.New(errordefs.FIELD_MISSING_PHOTO, "No hay foto principal para analizar", "")
	}

	gen := e.opts.Session.Generation()
	e.mu.Lock()
	switch {
	case e.ai == AIAnalyzing:
		e.mu.Unlock()
		return model.AICandidate{}, errordefs.New(errordefs.FIELD_CONFLICT, "Ya se está analizando la imagen", "")
	case forSubmit && e.ai == AIAwaiting:
		e.mu.Unlock()
		return model.AICandidate{}, errordefs.New(errordefs.FIELD_CONFLICT, "Confirma o cancela el análisis de la imagen", "")
	}
	e.ai = AIAnalyzing
	e.aiType = incidenceType
	e.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "engine.analyze")
	defer span.End()
	span.SetAttributes(attribute.String("photo.id", primary.ID), attribute.Bool("photo.uploaded", primary.Remote != nil))

	image := primary.DataURI()
	if primary.Remote != nil {
		image = primary.Remote.URL
	}

	progress := e.opts.Status.Progress("Analizando imagen con IA...")
	resp, err := e.opts.Backend.ProcessImageAI(ctx, image)
	e.opts.Status.Dismiss(progress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.setAI(AIIdle)
		msg := "Error al analizar la imagen: " + backend.ServerMessage(err)
		e.opts.Status.Error(msg)
		return model.AICandidate{}, errordefs.Wrap(errordefs.FIELD_CLASSIFICATION_FAILED, msg, err)
	}

	c := model.AICandidate{
		StopNumber:  strings.TrimSpace(model.Deref(resp.StopNumber)),
		Description: strings.TrimSpace(model.Deref(resp.Description)),
		RawResponse: resp.RawResponse,
		PhotoID:     primary.ID,
	}
	if c.Description == "" {
		c.Description = DefaultAIDescription
	}

	if !e.opts.Session.SetCandidate(gen, c) {
		e.setAI(AIIdle)
		return model.AICandidate{}, errordefs.New(errordefs.FIELD_CONFLICT, "La incidencia se reinició durante el análisis", "")
	}
	e.setAI(AIAwaiting)
	e.opts.Status.Info("Revisa y confirma el resultado del análisis")
	slog.Info("ai candidate ready", "photo_id", primary.ID, "stop_number", c.StopNumber)
	return c, nil
}

// ConfirmAI promotes the reviewed candidate to AI-sourced pending data and submits
// the incidence with the confirmed description.
func (e *Engine) ConfirmAI(ctx context.Context, stopNumber, description string) (Result, error) {
	stopNumber = strings.TrimSpace(stopNumber)
	description = strings.TrimSpace(description)

	if e.AIState() != AIAwaiting || e.opts.Session.Candidate() == nil {
		return Result{}, errordefs.New(errordefs.FIELD_CONFLICT, "No hay ningún análisis pendiente de confirmar", "")
	}
	if stopNumber == "" {
		return Result{}, errordefs.New(errordefs.FIELD_MISSING_STOP_NUMBER, "El número de parada es obligatorio", "")
	}
	if description == "" {
		return Result{}, errordefs.New(errordefs.FIELD_MISSING_DESCRIPTION, "La descripción es obligatoria", "")
	}

	gen := e.opts.Session.Generation()
	e.opts.Session.TakeCandidate()
	e.opts.Session.SetPending(gen, model.PendingIncidenceData{
		StopNumber:  model.StringPtr(stopNumber),
		Description: model.StringPtr(description),
		FullText:    model.StringPtr(fmt.Sprintf("Parada %s, %s", stopNumber, description)),
		SourceKind:  model.PendingAI,
	})

	e.mu.Lock()
	e.ai = AIConfirmed
	incidenceType := e.aiType
	e.mu.Unlock()

	return e.Submit(ctx, SubmitRequest{Description: description, IncidenceType: incidenceType})
}

// CancelAI discards the candidate. Nothing is submitted.
func (e *Engine) CancelAI() error {
	if e.opts.Session.TakeCandidate() == nil && e.AIState() != AIAwaiting {
		return errordefs.New(errordefs.FIELD_CONFLICT, "No hay ningún análisis pendiente", "")
	}
	e.mu.Lock()
	e.ai = AICancelled
	e.aiType = ""
	e.mu.Unlock()
	e.opts.Status.Info("Análisis cancelado")
	return nil
}

func (e *Engine) setAI(s AIState) {
	e.mu.Lock()
	e.ai = s
	e.mu.Unlock()
}
