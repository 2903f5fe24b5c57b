package model

// Wire types of the incidence backend. Every response carries success and, on
// failure, a human readable error.

// QRCode is one decoded symbol.
type QRCode struct {
	Data string `json:"data"`
	Type string `json:"type"`
}

// ScanQRResponse is returned by POST /api/scan-qr.
type ScanQRResponse struct {
	Success bool     `json:"success"`
	QRCodes []QRCode `json:"qr_codes"`
	Error   string   `json:"error,omitempty"`
}

// CreateIncidenceResponse is returned by POST /api/incidences.
type CreateIncidenceResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ProcessImageRequest is the body of POST /api/process-image-ai.
type ProcessImageRequest struct {
	Image string `json:"image"`
}

// ProcessImageResponse is returned by POST /api/process-image-ai.
type ProcessImageResponse struct {
	Success     bool    `json:"success"`
	StopNumber  *string `json:"stop_number"`
	Description *string `json:"description"`
	RawResponse string  `json:"raw_response,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// ProcessAudioRequest is the body of POST /api/process-audio.
type ProcessAudioRequest struct {
	Audio string `json:"audio"`
}

// ProcessAudioResponse is returned by POST /api/process-audio.
type ProcessAudioResponse struct {
	Success         bool    `json:"success"`
	TranscribedText string  `json:"transcribed_text"`
	Description     string  `json:"description"`
	StopNumber      *string `json:"stop_number,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// ConvertPhotoRequest is the body of POST /api/convert-photo-to-url.
type ConvertPhotoRequest struct {
	Image    string `json:"image"`
	Filename string `json:"filename"`
}

// ConvertPhotoResponse is returned by POST /api/convert-photo-to-url.
type ConvertPhotoResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	FileID  string `json:"file_id"`
	Error   string `json:"error,omitempty"`
}

// DeletePhotoRequest is the body of POST /api/delete-photo-url.
type DeletePhotoRequest struct {
	FileID string `json:"file_id"`
	URL    string `json:"url,omitempty"`
}

// DeletePhotoResponse is returned by POST /api/delete-photo-url.
type DeletePhotoResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// IncidenceTypesResponse is returned by GET /api/incidence-types.
type IncidenceTypesResponse struct {
	Success     bool     `json:"success"`
	Types       []string `json:"types"`
	DefaultType string   `json:"default_type"`
	Error       string   `json:"error,omitempty"`
}

// UploadStatusResponse is returned by GET /api/upload-status/:filename.
type UploadStatusResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// UploadStatusProcessed terminates upload-status polling.
const UploadStatusProcessed = "file_processed"
