package engine

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AndreuSerraCandela/Incidencias/internal/backend"
	"github.com/AndreuSerraCandela/Incidencias/internal/device"
	errordefs "github.com/AndreuSerraCandela/Incidencias/internal/errors"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
	"github.com/AndreuSerraCandela/Incidencias/internal/recorder"
	"github.com/AndreuSerraCandela/Incidencias/internal/telemetry"
)

// HandleRecording transcribes a finished recording and stores the result as
// audio-sourced pending data. It is the recorder's stop handler and runs once
// per recording.
func (e *Engine) HandleRecording(ctx context.Context, rec recorder.Recording) {
	e.bg.Add(1)
	defer e.bg.Done()

	gen := e.opts.Session.Generation()
	e.mu.Lock()
	e.transcribes++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.transcribes--
		e.mu.Unlock()
	}()

	ctx, span := telemetry.Tracer().Start(ctx, "engine.transcribe")
	defer span.End()
	span.SetAttributes(
		attribute.String("recording.id", rec.ID),
		attribute.String("recording.reason", rec.Reason),
		attribute.Int64("recording.duration_ms", rec.Duration.Milliseconds()),
	)

	progress := e.opts.Status.Progress("Procesando audio...")
	resp, err := e.opts.Backend.ProcessAudio(ctx, model.EncodeDataURI("audio/wav", rec.WAV))
	e.opts.Status.Dismiss(progress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			// recording discarded by a reset
			slog.Info("transcription cancelled", "recording_id", rec.ID)
			return
		}
		e.opts.Status.Error("Error al procesar el audio: " + backend.ServerMessage(err))
		slog.Error("transcription failed", "recording_id", rec.ID, "error", err)
		return
	}

	t := recorder.ParseTranscription(resp)
	if !e.opts.Session.SetPending(gen, *t.Pending()) {
		return
	}
	if t.StopNumber != "" {
		e.opts.Status.Success("Audio procesado: parada " + t.StopNumber)
	} else {
		e.opts.Status.Warning("Audio procesado sin número de parada, corrígelo antes de enviar")
	}
	slog.Info("transcription ready", "recording_id", rec.ID, "stop_number", t.StopNumber)
}

// HandleRecorderError reports a recording that aborted mid-session.
func (e *Engine) HandleRecorderError(err error) {
	e.opts.Status.Error(device.RemediationMessage(err))
}

// CorrectStopNumber replaces the stop number of the pending audio or AI data.
func (e *Engine) CorrectStopNumber(stop string) error {
	stop = strings.TrimSpace(stop)
	if stop == "" {
		return errordefs.New(errordefs.FIELD_MISSING_STOP_NUMBER, "El número de parada es obligatorio", "")
	}
	if !e.opts.Session.CorrectStopNumber(stop) {
		return errordefs.New(errordefs.FIELD_CONFLICT, "No hay datos de audio o IA que corregir", "")
	}
	return nil
}
