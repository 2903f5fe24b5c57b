package model

import "time"

// ScanSource identifies the reader that produced a ScannedResource.
type ScanSource string

const (
	ScanSourceQR  ScanSource = "QR"
	ScanSourceNFC ScanSource = "NFC"
)

// ScannedResource is the normalised result of a QR or NFC read.
type ScannedResource struct {
	RawPayload         string     `json:"rawPayload"`         // Text as decoded from the code or tag
	SourceKind         ScanSource `json:"sourceKind"`         // QR or NFC
	ResolvedResourceID string     `json:"resolvedResourceId"` // Payload with the marker prefix stripped
	Type               string     `json:"type,omitempty"`     // Symbology or record type
	ScannedAt          time.Time  `json:"scannedAt"`
}

// PendingSource identifies the producer of candidate incidence fields.
type PendingSource string

const (
	PendingNone  PendingSource = "None"
	PendingAudio PendingSource = "Audio"
	PendingAI    PendingSource = "AI"
)

// PendingIncidenceData holds audio- or AI-derived candidate fields for the current cycle.
type PendingIncidenceData struct {
	StopNumber  *string       `json:"stopNumber"`
	Description *string       `json:"description"`
	FullText    *string       `json:"fullText"`
	SourceKind  PendingSource `json:"sourceKind"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Active reports whether the data came from audio or AI processing.
func (p *PendingIncidenceData) Active() bool {
	return p != nil && (p.SourceKind == PendingAudio || p.SourceKind == PendingAI)
}

// Clone returns a deep copy of p.
func (p *PendingIncidenceData) Clone() *PendingIncidenceData {
	if p == nil {
		return nil
	}
	c := *p
	c.StopNumber = cloneString(p.StopNumber)
	c.Description = cloneString(p.Description)
	c.FullText = cloneString(p.FullText)
	return &c
}

// AICandidate is a classification result awaiting user confirmation.
type AICandidate struct {
	StopNumber  string `json:"stopNumber"`            // Editable, empty when the service returned none
	Description string `json:"description"`           // Editable, placeholder when the service returned none
	RawResponse string `json:"rawResponse,omitempty"` // Model output shown for reference
	PhotoID     string `json:"photoId"`               // Primary photo that was classified
}

// ImageEntry is one photo reference of an outgoing incidence.
type ImageEntry struct {
	File   string `json:"file"`              // Remote URL or data URI
	Name   string `json:"name"`              // File name
	FileID string `json:"file_id,omitempty"` // Server identifier when File is remote
}

// IsRemote reports whether the entry references an uploaded photo.
func (e ImageEntry) IsRemote() bool { return e.FileID != "" }

// IncidencePayload is the body of POST /api/incidences.
type IncidencePayload struct {
	State         string       `json:"state"`
	IncidenceType string       `json:"incidenceType"`
	Observation   string       `json:"observation"`
	Description   string       `json:"description"`
	Resource      *string      `json:"resource"`
	Image         []ImageEntry `json:"image"`
	Audio         []ImageEntry `json:"audio"`
}

// StatePending is the only state assigned to newly created incidences.
const StatePending = "PENDING"

// Submission is a journal entry describing one dispatched incidence.
type Submission struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"deviceId"`
	IncidenceType string    `json:"incidenceType"`
	Resource      *string   `json:"resource"`
	Description   string    `json:"description"`
	Observation   string    `json:"observation"`
	ImageCount    int       `json:"imageCount"`
	RemoteImages  int       `json:"remoteImages"`
	Succeeded     bool      `json:"succeeded"`
	Error         string    `json:"error,omitempty"`
	RolledBack    []string  `json:"rolledBack,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the value behind p or the empty string.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	s := *p
	return &s
}

// SubmissionQuery filters the submission journal.
type SubmissionQuery struct {
	DeviceID   string // Only submissions of this device when set
	FailedOnly bool   // Only failed submissions
	Limit      int    // Page size, 25 by default, at most 100
	Cursor     string // Opaque position returned by the previous page
}

// SubmissionPage is one page of the submission journal, newest first.
type SubmissionPage struct {
	Submissions []Submission `json:"submissions"`
	NextCursor  string       `json:"nextCursor,omitempty"`
}
