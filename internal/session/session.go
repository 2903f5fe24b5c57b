// Package session holds the transient state of one report cycle: the latest scan
// result, the pending audio or AI fields and an AI candidate awaiting confirmation.
// Every slot keeps only the most recent value.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// Snapshot is a copy of the session state.
type Snapshot struct {
	CycleID   string                      `json:"cycleId"`
	Scan      *model.ScannedResource      `json:"scan"`
	Pending   *model.PendingIncidenceData `json:"pending"`
	Candidate *model.AICandidate          `json:"aiCandidate"`
}

// Session is the per-cycle context owned by the submission engine.
type Session struct {
	mu        sync.Mutex
	cycleID   string
	gen       uint64
	scan      *model.ScannedResource
	pending   *model.PendingIncidenceData
	candidate *model.AICandidate
	now       func() time.Time

	// bumped on every write of the matching slot
	scanSeq    uint64
	pendingSeq uint64
}

// Mark is the scan and pending data read for one submission, tagged so that
// Consume can tell whether the slots still hold exactly those values.
type Mark struct {
	Gen     uint64
	Scan    *model.ScannedResource
	Pending *model.PendingIncidenceData

	scanSeq    uint64
	pendingSeq uint64
}

// New starts an empty session.
func New() *Session {
	return &Session{cycleID: uuid.NewString(), now: time.Now}
}

// Generation identifies the current cycle. It changes on every Clear, so results
// computed for an earlier cycle can be recognised and dropped.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// SetScan replaces the scan result. QR and NFC share the slot.
func (s *Session) SetScan(r model.ScannedResource) {
	s.mu.Lock()
	prev := s.scan
	s.scan = &r
	s.scanSeq++
	s.mu.Unlock()
	if prev != nil {
		slog.Debug("scan result replaced", "previous_source", prev.SourceKind, "source", r.SourceKind)
	}
}

// Scan returns the scan result, if any.
func (s *Session) Scan() *model.ScannedResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scan == nil {
		return nil
	}
	c := *s.scan
	return &c
}

// SetPending replaces the pending fields if the session is still at generation gen.
// Audio and AI share the slot.
func (s *Session) SetPending(gen uint64, p model.PendingIncidenceData) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		slog.Info("dropping pending data from a previous cycle", "source", p.SourceKind)
		return false
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	s.pending = p.Clone()
	s.pendingSeq++
	return true
}

// Pending returns a copy of the pending fields, if any.
func (s *Session) Pending() *model.PendingIncidenceData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Clone()
}

// CorrectStopNumber replaces the stop number of the pending fields.
// It reports false when there are no active pending fields.
func (s *Session) CorrectStopNumber(stop string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending.Active() {
		return false
	}
	s.pending.StopNumber = model.StringPtr(stop)
	return true
}

// Mark reads the scan and pending slots together.
func (s *Session) Mark() Mark {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Mark{Gen: s.gen, Pending: s.pending.Clone(), scanSeq: s.scanSeq, pendingSeq: s.pendingSeq}
	if s.scan != nil {
		sc := *s.scan
		m.Scan = &sc
	}
	return m
}

// Consume ends the cycle of a created incidence. Only the slots still holding
// the values in m are cleared; results that arrived since belong to the next
// cycle and are kept, as is the generation. It reports false when the session
// was cleared after m was taken.
func (s *Session) Consume(m Mark) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Gen != s.gen {
		return false
	}
	if s.scanSeq == m.scanSeq {
		s.scan = nil
	}
	if s.pendingSeq == m.pendingSeq {
		s.pending = nil
	}
	s.cycleID = uuid.NewString()
	return true
}

// SetCandidate records an AI result awaiting confirmation if the session is still at gen.
func (s *Session) SetCandidate(gen uint64, c model.AICandidate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	s.candidate = &c
	return true
}

// Candidate returns the AI candidate, if any.
func (s *Session) Candidate() *model.AICandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return nil
	}
	c := *s.candidate
	return &c
}

// TakeCandidate removes and returns the AI candidate.
func (s *Session) TakeCandidate() *model.AICandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.candidate
	s.candidate = nil
	return c
}

// Clear empties every slot and starts a new cycle. Clearing twice is the same as once.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scan = nil
	s.pending = nil
	s.candidate = nil
	s.gen++
	s.cycleID = uuid.NewString()
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{CycleID: s.cycleID, Pending: s.pending.Clone()}
	if s.scan != nil {
		sc := *s.scan
		snap.Scan = &sc
	}
	if s.candidate != nil {
		c := *s.candidate
		snap.Candidate = &c
	}
	return snap
}

// Empty reports whether no slot holds a value.
func (s Snapshot) Empty() bool {
	return s.Scan == nil && s.Pending == nil && s.Candidate == nil
}
