// internal/identity/device.go
// Package identity provides the device identity sent to the backend with every request.
// The identifier is either configured explicitly or generated once and persisted
// next to the agent so that every incidence from a device carries the same id.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Prefix of generated device identifiers.
const Prefix = "device_"

// ErrEmpty is returned when a persisted identifier file holds no identifier.
var ErrEmpty = errors.New("device identifier file is empty")

// Resolve returns the device identifier.
// Parameters:
//   - configured: identifier from configuration; wins when non-empty
//   - path: file holding a previously generated identifier
//
// Returns:
//   - string: the device identifier
//   - error: when the file exists but cannot be read, or a new id cannot be persisted
func Resolve(configured, path string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}
	if path == "" {
		return "", errors.New("device identifier file path is required")
	}

	id, err := load(path)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrEmpty):
		// fall through to generation
	default:
		return "", err
	}

	id = Prefix + uuid.NewString()
	if err := persist(path, id); err != nil {
		return "", err
	}
	slog.Info("generated device identifier", "device_id", id, "path", path)
	return id, nil
}

func load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrEmpty
	}
	return id, nil
}

// persist writes id atomically through a temporary file in the same directory.
func persist(path, id string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create device id dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".device-id-*")
	if err != nil {
		return fmt.Errorf("create device id file: %w", err)
	}
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write device id: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close device id file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist device id: %w", err)
	}
	return nil
}
