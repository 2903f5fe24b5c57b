package device

import (
	"errors"
	"io/fs"

	errordefs "github.com/AndreuSerraCandela/Incidencias/internal/errors"
)

// Acquisition failures shared by every adapter.
var (
	ErrPermissionDenied = errors.New("device permission denied")
	ErrNotFound         = errors.New("device not found")
	ErrDeviceBusy       = errors.New("device busy")
	ErrUnsupported      = errors.New("device constraints unsupported")
	ErrSecurityBlocked  = errors.New("device access blocked by security policy")
	ErrAborted          = errors.New("device acquisition aborted")
)

// RemediationMessage returns the user-facing remediation text for an acquisition failure.
func RemediationMessage(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Permiso denegado. Permite el acceso al dispositivo en la configuración y vuelve a intentarlo."
	case errors.Is(err, ErrNotFound):
		return "No se encontró ningún dispositivo compatible."
	case errors.Is(err, ErrDeviceBusy):
		return "El dispositivo está siendo usado por otra aplicación. Ciérrala y vuelve a intentarlo."
	case errors.Is(err, ErrUnsupported):
		return "El dispositivo no soporta la configuración solicitada."
	case errors.Is(err, ErrSecurityBlocked):
		return "Acceso bloqueado por seguridad. Usa una conexión segura (HTTPS)."
	case errors.Is(err, ErrAborted):
		return "La operación fue cancelada."
	default:
		return "No se pudo acceder al dispositivo."
	}
}

// AsFieldError maps an acquisition failure to the agent error taxonomy.
func AsFieldError(err error) *errordefs.Error {
	code := errordefs.FIELD_INTERNAL
	switch {
	case errors.Is(err, ErrPermissionDenied):
		code = errordefs.FIELD_PERMISSION_DENIED
	case errors.Is(err, ErrNotFound):
		code = errordefs.FIELD_DEVICE_NOT_FOUND
	case errors.Is(err, ErrDeviceBusy):
		code = errordefs.FIELD_DEVICE_BUSY
	case errors.Is(err, ErrUnsupported):
		code = errordefs.FIELD_UNSUPPORTED
	case errors.Is(err, ErrSecurityBlocked):
		code = errordefs.FIELD_SECURITY_BLOCKED
	case errors.Is(err, ErrAborted):
		code = errordefs.FIELD_ABORTED
	}
	return errordefs.Wrap(code, RemediationMessage(err), err)
}

// classifyFS maps filesystem errors of file-backed adapters onto the failure taxonomy.
func classifyFS(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return errors.Join(ErrNotFound, err)
	default:
		return errors.Join(ErrAborted, err)
	}
}
