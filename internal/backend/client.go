// internal/backend/client.go
// Package backend provides a client for the incidence backend.
// It covers QR decoding, photo conversion and deletion, AI classification,
// audio transcription, incidence types, upload status and incidence creation.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AndreuSerraCandela/Incidencias/internal/metrics"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
	"github.com/AndreuSerraCandela/Incidencias/internal/telemetry"
)

// Endpoint paths of the incidence backend.
const (
	PathScanQR          = "/api/scan-qr"
	PathIncidences      = "/api/incidences"
	PathProcessImageAI  = "/api/process-image-ai"
	PathProcessAudio    = "/api/process-audio"
	PathConvertPhoto    = "/api/convert-photo-to-url"
	PathDeletePhoto     = "/api/delete-photo-url"
	PathIncidenceTypes  = "/api/incidence-types"
	PathUploadStatusDir = "/api/upload-status/"
)

// DeviceIDHeader carries the device identity on every request.
const DeviceIDHeader = "X-Device-ID"

var (
	// ErrNotFound is returned when the backend answers 404.
	ErrNotFound = errors.New("backend resource not found")
	// ErrNoQRCode is returned when a frame was decoded but contained no code.
	ErrNoQRCode = errors.New("no QR code detected")
	// ErrUploadNotProcessed is returned when upload-status polling gives up.
	ErrUploadNotProcessed = errors.New("upload not processed")
)

// APIError is a failure reported by the backend, either through a non-2xx status
// or a success=false body. Message holds the server-provided error text.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
}

// ServerMessage returns the server-provided error text of err when available,
// otherwise err.Error().
func ServerMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

// Options tunes a Client.
type Options struct {
	DeviceID        string        // Sent as X-Device-ID
	RequestTimeout  time.Duration // Deadline of ordinary calls
	AnalysisTimeout time.Duration // Deadline of AI classification and transcription
	HTTPClient      *http.Client  // Overrides the default client
}

// Client for interacting with the incidence backend.
type Client struct {
	base            string       // Base URL of the backend
	hc              *http.Client // HTTP client with custom configuration
	deviceID        string
	requestTimeout  time.Duration
	analysisTimeout time.Duration
	metrics         *metrics.Metrics
}

// New creates a backend client for baseURL.
// Per-call deadlines come from opts; zero values fall back to 30s and 120s.
func New(baseURL string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		transport := &http.Transport{
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
			MaxIdleConnsPerHost: 4,
		}
		hc = &http.Client{Transport: transport}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = 120 * time.Second
	}
	return &Client{
		base:            strings.TrimRight(baseURL, "/"),
		hc:              hc,
		deviceID:        opts.DeviceID,
		requestTimeout:  opts.RequestTimeout,
		analysisTimeout: opts.AnalysisTimeout,
		metrics:         metrics.NewMetrics(),
	}
}

// ScanQR submits a JPEG data URI for decoding and returns the detected codes.
// Returns ErrNoQRCode when the frame held no code.
func (c *Client) ScanQR(ctx context.Context, imageDataURI string) ([]model.QRCode, error) {
	form := url.Values{}
	form.Set("image_data", imageDataURI)

	var resp model.ScanQRResponse
	err := c.do(ctx, c.requestTimeout, http.MethodPost, PathScanQR,
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()), &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.QRCodes) == 0 {
		return nil, ErrNoQRCode
	}
	return resp.QRCodes, nil
}

// CreateIncidence posts an assembled incidence.
func (c *Client) CreateIncidence(ctx context.Context, payload model.IncidencePayload) error {
	var resp model.CreateIncidenceResponse
	return c.doJSON(ctx, c.requestTimeout, http.MethodPost, PathIncidences, payload, &resp)
}

// ProcessImageAI classifies an image given as data URI or URL.
func (c *Client) ProcessImageAI(ctx context.Context, image string) (model.ProcessImageResponse, error) {
	var resp model.ProcessImageResponse
	err := c.doJSON(ctx, c.analysisTimeout, http.MethodPost, PathProcessImageAI,
		model.ProcessImageRequest{Image: image}, &resp)
	return resp, err
}

// ProcessAudio transcribes a base64 audio data URI.
func (c *Client) ProcessAudio(ctx context.Context, audioDataURI string) (model.ProcessAudioResponse, error) {
	var resp model.ProcessAudioResponse
	err := c.doJSON(ctx, c.analysisTimeout, http.MethodPost, PathProcessAudio,
		model.ProcessAudioRequest{Audio: audioDataURI}, &resp)
	return resp, err
}

// UploadPhoto converts a photo into a durable remote reference.
func (c *Client) UploadPhoto(ctx context.Context, imageDataURI, filename string) (model.RemoteRef, error) {
	var resp model.ConvertPhotoResponse
	err := c.doJSON(ctx, c.requestTimeout, http.MethodPost, PathConvertPhoto,
		model.ConvertPhotoRequest{Image: imageDataURI, Filename: filename}, &resp)
	if err != nil {
		return model.RemoteRef{}, err
	}
	if resp.URL == "" {
		return model.RemoteRef{}, &APIError{Endpoint: PathConvertPhoto, Status: http.StatusOK, Message: "empty url"}
	}
	return model.RemoteRef{URL: resp.URL, ServerID: resp.FileID}, nil
}

// DeletePhoto releases an uploaded photo. A photo already gone counts as deleted.
func (c *Client) DeletePhoto(ctx context.Context, ref model.RemoteRef) error {
	var resp model.DeletePhotoResponse
	err := c.doJSON(ctx, c.requestTimeout, http.MethodPost, PathDeletePhoto,
		model.DeletePhotoRequest{FileID: ref.ServerID, URL: ref.URL}, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// IncidenceTypes lists the accepted incidence types and the default one.
func (c *Client) IncidenceTypes(ctx context.Context) (model.IncidenceTypesResponse, error) {
	var resp model.IncidenceTypesResponse
	err := c.do(ctx, c.requestTimeout, http.MethodGet, PathIncidenceTypes, "", nil, &resp)
	return resp, err
}

// UploadStatus returns the processing status of an uploaded file.
func (c *Client) UploadStatus(ctx context.Context, filename string) (string, error) {
	var resp model.UploadStatusResponse
	err := c.do(ctx, c.requestTimeout, http.MethodGet, PathUploadStatusDir+url.PathEscape(filename), "", nil, &resp)
	return resp.Status, err
}

// WaitUploadProcessed polls UploadStatus every interval until the status is
// file_processed, at most attempts times. Poll errors do not stop the loop.
func (c *Client) WaitUploadProcessed(ctx context.Context, filename string, interval time.Duration, attempts int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for i := 0; i < attempts; i++ {
		status, err := c.UploadStatus(ctx, filename)
		if err == nil && status == model.UploadStatusProcessed {
			return nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrUploadNotProcessed, attempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrUploadNotProcessed, attempts)
}

func (c *Client) doJSON(ctx context.Context, timeout time.Duration, method, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", path, err)
	}
	return c.do(ctx, timeout, method, path, "application/json", bytes.NewReader(body), out)
}

// do executes one request under its own deadline and decodes the JSON body into out.
// Non-2xx responses and success=false bodies become *APIError.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path, contentType string, body io.Reader, out interface{}) (err error) {
	endpoint := endpointLabel(path)
	ctx, span := telemetry.Tracer().Start(ctx, "backend "+endpoint)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("backend.endpoint", endpoint))

	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.BackendRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		c.metrics.BackendRequestTotal.WithLabelValues(endpoint, status).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.deviceID != "" {
		req.Header.Set(DeviceIDHeader, c.deviceID)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", path, err)
	}

	var env struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := env.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Endpoint: path, Status: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", path, err)
		}
	}
	if env.Success != nil && !*env.Success {
		return &APIError{Endpoint: path, Status: resp.StatusCode, Message: env.Error}
	}
	return nil
}

// endpointLabel keeps metric cardinality bounded for path-parameterised endpoints.
func endpointLabel(path string) string {
	if strings.HasPrefix(path, PathUploadStatusDir) {
		return PathUploadStatusDir + ":filename"
	}
	return path
}
