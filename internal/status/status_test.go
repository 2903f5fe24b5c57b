package status

import (
	"testing"
	"time"
)

func TestBannerAutoDismiss(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	n := New(5 * time.Second)
	n.now = func() time.Time { return now }

	n.Error("Error al enviar")
	if b, ok := n.Current(); !ok || b.Level != LevelError {
		t.Fatalf("Current() = %+v, %v; want error banner", b, ok)
	}

	now = now.Add(5 * time.Second)
	if _, ok := n.Current(); ok {
		t.Errorf("Current() after ttl: banner still visible")
	}
}

func TestProgressBannerStaysUntilReplaced(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	n := New(time.Second)
	n.now = func() time.Time { return now }

	id := n.Progress("Enviando incidencia...")
	now = now.Add(time.Hour)
	if b, ok := n.Current(); !ok || b.ID != id {
		t.Fatalf("Current() = %+v, %v; want progress banner", b, ok)
	}

	n.Success("Incidencia creada")
	n.Dismiss(id)
	if b, ok := n.Current(); !ok || b.Level != LevelSuccess {
		t.Errorf("Dismiss of a replaced banner removed the current one: %+v, %v", b, ok)
	}
}
