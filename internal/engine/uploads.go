package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/AndreuSerraCandela/Incidencias/internal/backend"
	errordefs "github.com/AndreuSerraCandela/Incidencias/internal/errors"
)

// WatchUpload polls the processing status of an uploaded file in the background
// and reports the outcome as a status banner.
func (e *Engine) WatchUpload(ctx context.Context, filename string) error {
	filename = strings.TrimSpace(filename)
	if filename == "" || strings.ContainsAny(filename, "/\\") {
		return errordefs.New(errordefs.FIELD_VALIDATION, "nombre de archivo no válido", "")
	}

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx := context.WithoutCancel(ctx)
		err := e.opts.Backend.WaitUploadProcessed(ctx, filename, e.opts.UploadStatusInterval, e.opts.UploadStatusAttempts)
		switch {
		case err == nil:
			e.opts.Status.Success("Foto enviada a Business Central correctamente")
		case errors.Is(err, backend.ErrUploadNotProcessed):
			e.opts.Status.Warning("Tiempo de espera agotado. Verifica el estado manualmente.")
		default:
			e.opts.Status.Error("Error al verificar estado de la subida")
		}
		slog.Info("upload status watch finished", "filename", filename, "error", err)
	}()
	return nil
}
