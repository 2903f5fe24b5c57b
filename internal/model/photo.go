// internal/model/photo.go
// Package model defines the data structures used throughout the field capture agent.
// These structures represent the captured photos, scan results and candidate incidence
// fields that are merged into one outgoing incidence.
package model

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// UploadState tracks the conversion of a captured photo into a durable remote reference.
type UploadState int

const (
	UploadPending  UploadState = iota // Upload requested, not yet settled
	UploadUploaded                    // Remote reference obtained
	UploadFailed                      // Upload failed; local data is sent instead
)

func (s UploadState) String() string {
	switch s {
	case UploadPending:
		return "pending"
	case UploadUploaded:
		return "uploaded"
	case UploadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON documents.
func (s UploadState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// PhotoRole selects where a capture lands in the gallery.
type PhotoRole int

const (
	RolePrimary    PhotoRole = iota // Photo sent to AI classification, always at index 0
	RoleAdditional                  // Documentation photo appended at the end
)

// ParsePhotoRole maps a role name to a PhotoRole. Unknown names yield RoleAdditional.
func ParsePhotoRole(s string) PhotoRole {
	if s == "primary" || s == "ai" {
		return RolePrimary
	}
	return RoleAdditional
}

// RemoteRef is the durable server-side reference of an uploaded photo.
type RemoteRef struct {
	URL      string `json:"url"`      // Public URL of the stored photo
	ServerID string `json:"serverId"` // Identifier used for deletion (file_id)
}

// CapturedPhoto is one image held by the gallery.
// A photo is LocalOnly until Remote is set, after which it is Uploaded.
type CapturedPhoto struct {
	ID          string      `json:"id"`          // ULID assigned at capture
	LocalData   []byte      `json:"-"`           // Encoded JPEG bytes
	MimeType    string      `json:"mimeType"`    // MIME type of LocalData
	DisplayName string      `json:"displayName"` // File name shown and sent to the backend
	Remote      *RemoteRef  `json:"remote,omitempty"`
	State       UploadState `json:"uploadState"`
	Primary     bool        `json:"primary"`
	CapturedAt  time.Time   `json:"capturedAt"`
}

// Uploaded reports whether the photo carries a remote reference.
func (p *CapturedPhoto) Uploaded() bool { return p.Remote != nil }

// DataURI renders LocalData as a base64 data URI.
func (p *CapturedPhoto) DataURI() string {
	return EncodeDataURI(p.MimeType, p.LocalData)
}

// Reference returns the payload image entry for the photo: the remote reference when
// present, otherwise the local data for server-side conversion.
func (p *CapturedPhoto) Reference() ImageEntry {
	if p.Remote != nil {
		return ImageEntry{File: p.Remote.URL, Name: p.DisplayName, FileID: p.Remote.ServerID}
	}
	return ImageEntry{File: p.DataURI(), Name: p.DisplayName}
}

// Clone returns a copy that shares no mutable state with p.
func (p *CapturedPhoto) Clone() CapturedPhoto {
	c := *p
	if p.Remote != nil {
		r := *p.Remote
		c.Remote = &r
	}
	return c
}

// EncodeDataURI renders raw bytes as a data URI of the given MIME type.
func EncodeDataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI parses a base64 data URI, or plain base64, into its MIME type and bytes.
func DecodeDataURI(s string) (mimeType string, data []byte, err error) {
	payload := s
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return "", nil, errors.New("malformed data uri")
		}
		header := s[len("data:"):comma]
		if !strings.HasSuffix(header, ";base64") {
			return "", nil, errors.New("data uri is not base64 encoded")
		}
		mimeType = strings.TrimSuffix(header, ";base64")
		payload = s[comma+1:]
	}
	data, err = base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", nil, err
	}
	return mimeType, data, nil
}
