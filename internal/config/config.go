// Package config provides configuration loading and management for the field capture agent.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the
// process environment always takes precedence over the files.
func init() {
	// Shared development config
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the field capture agent.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // Control API port

	BackendURL      string        // Base URL of the incidence backend
	DeviceID        string        // Fixed device identifier; generated when empty
	DeviceIDFile    string        // Where a generated device identifier is persisted
	RequestTimeout  time.Duration // Timeout for ordinary backend calls
	AnalysisTimeout time.Duration // Timeout for AI classification and transcription

	QRScanInterval       time.Duration // Cadence of automatic QR frame sampling
	UploadStatusInterval time.Duration // Delay between upload-status polls
	UploadStatusAttempts int           // Maximum upload-status polls
	StatusTTL            time.Duration // Banner auto-dismiss interval

	RecorderMinDuration     time.Duration // Guaranteed window before silence detection
	RecorderSilenceDuration time.Duration // Sustained silence that ends automatic recording
	RecorderSilenceLevel    float64       // Normalised average amplitude considered silence

	PhotoMaxDimension int // Longest edge of prepared photos in pixels
	PhotoJPEGQuality  int // JPEG quality of prepared photos

	CameraDir      string // Directory of JPEG frames served by the file camera
	MicrophoneFile string // WAV file served by the file microphone

	StopPrefix string // Prefix applied to stop numbers to build the resource id
	QRMarker   string // Marker separating the resource id in QR payloads

	DatabaseDSN string // PostgreSQL DSN for the submission journal; memory when empty
	NATSURL     string // NATS server URL for capture events; no-op when empty

	S3Endpoint  string // S3-compatible endpoint for the photo store
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket; backend photo conversion when empty
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	S3PublicURL string // Public base URL of stored photos

	ControlJWTSecret string // HS256 secret for control API tokens; auth disabled when empty
	ControlJWTIssuer string // Expected issuer of control API tokens

	CORSAllowedOrigins []string // Allowed origins for the PWA shell
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv                  = "dev"
	defaultPort                 = "8090"
	defaultDeviceIDFile         = ".field-device-id"
	defaultRequestTimeout       = 30 * time.Second
	defaultAnalysisTimeout      = 120 * time.Second
	defaultQRScanInterval       = 500 * time.Millisecond
	defaultUploadStatusInterval = 5 * time.Second
	defaultUploadStatusAttempts = 60
	defaultStatusTTL            = 5 * time.Second
	defaultRecorderMin          = 2 * time.Second
	defaultRecorderSilence      = 3 * time.Second
	defaultRecorderLevel        = 0.02
	defaultPhotoMaxDimension    = 1600
	defaultPhotoJPEGQuality     = 85
	defaultStopPrefix           = "PARADA_"
	defaultQRMarker             = "IdQr/"
	defaultS3Region             = "us-east-1"
)

// Load reads environment variables and produces a Config suitable for wiring the agent.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                     getEnv("FIELD_ENV", defaultEnv),
		Port:                    getEnv("FIELD_PORT", defaultPort),
		BackendURL:              strings.TrimRight(getEnv("FIELD_BACKEND_URL", ""), "/"),
		DeviceID:                getEnv("FIELD_DEVICE_ID", ""),
		DeviceIDFile:            getEnv("FIELD_DEVICE_ID_FILE", defaultDeviceIDFile),
		CameraDir:               getEnv("FIELD_CAMERA_DIR", ""),
		MicrophoneFile:          getEnv("FIELD_MICROPHONE_FILE", ""),
		StopPrefix:              getEnv("FIELD_STOP_PREFIX", defaultStopPrefix),
		QRMarker:                getEnv("FIELD_QR_MARKER", defaultQRMarker),
		DatabaseDSN:             getEnv("FIELD_DB_DSN", ""),
		NATSURL:                 getEnv("FIELD_NATS_URL", ""),
		S3Endpoint:              getEnv("FIELD_S3_ENDPOINT", ""),
		S3Region:                getEnv("FIELD_S3_REGION", defaultS3Region),
		S3Bucket:                getEnv("FIELD_S3_BUCKET", ""),
		S3AccessKey:             getEnv("FIELD_S3_ACCESS_KEY", ""),
		S3SecretKey:             getEnv("FIELD_S3_SECRET_KEY", ""),
		S3PublicURL:             getEnv("FIELD_S3_PUBLIC_URL", ""),
		ControlJWTSecret:        getEnv("FIELD_CONTROL_JWT_SECRET", ""),
		ControlJWTIssuer:        getEnv("FIELD_CONTROL_JWT_ISSUER", ""),
		RecorderSilenceLevel:    defaultRecorderLevel,
		UploadStatusAttempts:    defaultUploadStatusAttempts,
		PhotoMaxDimension:       defaultPhotoMaxDimension,
		PhotoJPEGQuality:        defaultPhotoJPEGQuality,
		RequestTimeout:          defaultRequestTimeout,
		AnalysisTimeout:         defaultAnalysisTimeout,
		QRScanInterval:          defaultQRScanInterval,
		UploadStatusInterval:    defaultUploadStatusInterval,
		StatusTTL:               defaultStatusTTL,
		RecorderMinDuration:     defaultRecorderMin,
		RecorderSilenceDuration: defaultRecorderSilence,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FIELD_REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"FIELD_ANALYSIS_TIMEOUT", &cfg.AnalysisTimeout},
		{"FIELD_QR_SCAN_INTERVAL", &cfg.QRScanInterval},
		{"FIELD_UPLOAD_STATUS_INTERVAL", &cfg.UploadStatusInterval},
		{"FIELD_STATUS_TTL", &cfg.StatusTTL},
		{"FIELD_RECORDER_MIN_DURATION", &cfg.RecorderMinDuration},
		{"FIELD_RECORDER_SILENCE_DURATION", &cfg.RecorderSilenceDuration},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return cfg, fmt.Errorf("%s: invalid duration %q", d.key, v)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"FIELD_UPLOAD_STATUS_ATTEMPTS", &cfg.UploadStatusAttempts},
		{"FIELD_PHOTO_MAX_DIMENSION", &cfg.PhotoMaxDimension},
		{"FIELD_PHOTO_JPEG_QUALITY", &cfg.PhotoJPEGQuality},
	}
	for _, i := range ints {
		v, ok := os.LookupEnv(i.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return cfg, fmt.Errorf("%s: invalid positive integer %q", i.key, v)
		}
		*i.dst = parsed
	}

	if v, ok := os.LookupEnv("FIELD_RECORDER_SILENCE_THRESHOLD"); ok && v != "" {
		level, err := strconv.ParseFloat(v, 64)
		if err != nil || level <= 0 || level >= 1 {
			return cfg, fmt.Errorf("FIELD_RECORDER_SILENCE_THRESHOLD: must be in (0,1), got %q", v)
		}
		cfg.RecorderSilenceLevel = level
	}

	if cfg.PhotoJPEGQuality > 100 {
		return cfg, fmt.Errorf("FIELD_PHOTO_JPEG_QUALITY: must be at most 100")
	}

	if origins, ok := os.LookupEnv("FIELD_CORS_ALLOWED_ORIGINS"); ok && origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if o := strings.TrimSpace(origin); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	// Validate required parameters
	if cfg.BackendURL == "" {
		return cfg, fmt.Errorf("FIELD_BACKEND_URL is required")
	}

	return cfg, nil
}

// IsDev reports whether the agent runs in the development environment.
func (c Config) IsDev() bool { return c.Env == "dev" }

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}
