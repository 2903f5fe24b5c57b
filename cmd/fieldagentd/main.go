// Package main implements the entry point for the field capture agent.
// It wires the capture devices, the gallery, the submission engine and the
// control API, then serves until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AndreuSerraCandela/Incidencias/internal/auth"
	"github.com/AndreuSerraCandela/Incidencias/internal/backend"
	"github.com/AndreuSerraCandela/Incidencias/internal/config"
	"github.com/AndreuSerraCandela/Incidencias/internal/device"
	"github.com/AndreuSerraCandela/Incidencias/internal/engine"
	"github.com/AndreuSerraCandela/Incidencias/internal/event"
	"github.com/AndreuSerraCandela/Incidencias/internal/gallery"
	"github.com/AndreuSerraCandela/Incidencias/internal/identity"
	"github.com/AndreuSerraCandela/Incidencias/internal/media"
	"github.com/AndreuSerraCandela/Incidencias/internal/recorder"
	"github.com/AndreuSerraCandela/Incidencias/internal/scan"
	"github.com/AndreuSerraCandela/Incidencias/internal/schema"
	"github.com/AndreuSerraCandela/Incidencias/internal/server"
	"github.com/AndreuSerraCandela/Incidencias/internal/session"
	"github.com/AndreuSerraCandela/Incidencias/internal/status"
	"github.com/AndreuSerraCandela/Incidencias/internal/storage"
	"github.com/AndreuSerraCandela/Incidencias/internal/telemetry"
)

// version is set at build time.
var version = "dev"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if _, err := telemetry.InitTracer(telemetry.ServiceName, version, os.Stderr, cfg.IsDev()); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	deviceID, err := identity.Resolve(cfg.DeviceID, cfg.DeviceIDFile)
	if err != nil {
		logger.Error("failed to resolve device id", "error", err)
		os.Exit(1)
	}
	logger = logger.With("device_id", deviceID)
	slog.SetDefault(logger)

	ctx := context.Background()

	client := backend.New(cfg.BackendURL, backend.Options{
		DeviceID:        deviceID,
		RequestTimeout:  cfg.RequestTimeout,
		AnalysisTimeout: cfg.AnalysisTimeout,
	})

	// Photos go to the object store when one is configured, else through the
	// backend's conversion endpoint
	var uploader gallery.Uploader = client
	var photoStore *media.PhotoStore
	if cfg.S3Bucket != "" {
		photoStore, err = media.NewPhotoStore(ctx, media.Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			logger.Error("failed to initialize photo store", "error", err)
			os.Exit(1)
		}
		uploader = photoStore
	}

	// Initialize the submission journal (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}
	defer store.Close()

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL, deviceID)
	defer pub.Close()

	validator, err := schema.NewValidator()
	if err != nil {
		logger.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	var video device.VideoSource
	if cfg.CameraDir != "" {
		video = device.DirCamera{Dir: cfg.CameraDir}
	}
	var mic device.AudioSource
	if cfg.MicrophoneFile != "" {
		mic = device.WAVMicrophone{Path: cfg.MicrophoneFile, Realtime: true}
	}
	nfcReader := device.NewPushReader(true)
	devices := device.NewManager(video, mic, nfcReader)
	defer devices.ReleaseAll()

	notifier := status.New(cfg.StatusTTL)
	sess := session.New()
	gal := gallery.New(uploader, gallery.Options{
		MaxDimension:  cfg.PhotoMaxDimension,
		JPEGQuality:   cfg.PhotoJPEGQuality,
		UploadTimeout: cfg.RequestTimeout,
	})

	qr := scan.NewQRResolver(devices, client, scan.QROptions{
		Interval: cfg.QRScanInterval,
		Marker:   cfg.QRMarker,
		Sink:     sess,
	})
	nfc := scan.NewNFCListener(devices, scan.NFCOptions{
		Marker: cfg.QRMarker,
		Sink:   sess,
	})

	// The recorder hands finished recordings to the engine, which owns the recorder
	var eng *engine.Engine
	rec := recorder.New(devices, recorder.Options{
		MinDuration:     cfg.RecorderMinDuration,
		SilenceDuration: cfg.RecorderSilenceDuration,
		SilenceLevel:    cfg.RecorderSilenceLevel,
		OnStopped: func(ctx context.Context, r recorder.Recording) {
			eng.HandleRecording(ctx, r)
		},
		OnError: func(err error) {
			eng.HandleRecorderError(err)
		},
	})

	eng = engine.New(engine.Options{
		Backend:              client,
		Releaser:             uploader,
		Gallery:              gal,
		Session:              sess,
		Status:               notifier,
		Journal:              store,
		Events:               pub,
		Validator:            validator,
		NFC:                  nfc,
		QR:                   qr,
		Recorder:             rec,
		DeviceID:             deviceID,
		StopPrefix:           cfg.StopPrefix,
		UploadStatusInterval: cfg.UploadStatusInterval,
		UploadStatusAttempts: cfg.UploadStatusAttempts,
	})

	// NFC is armed from the start of the first cycle
	if err := nfc.Arm(ctx); err != nil {
		logger.Debug("nfc listener not armed", "error", err)
	}

	deps := server.Deps{
		Engine:             eng,
		Gallery:            gal,
		Journal:            store,
		Validator:          validator,
		Devices:            devices,
		QR:                 qr,
		NFC:                nfc,
		NFCReader:          nfcReader,
		Recorder:           rec,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		DeviceID:           deviceID,
	}
	if video != nil {
		deps.Camera = devices
	}
	if photoStore != nil {
		deps.Photos = photoStore
	}
	if cfg.ControlJWTSecret != "" {
		deps.Verifier = auth.NewVerifier(cfg.ControlJWTSecret, cfg.ControlJWTIssuer)
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     server.NewMux(deps),
		ReadTimeout: 30 * time.Second,
		// AI classification can hold a request for the analysis timeout
		WriteTimeout: cfg.AnalysisTimeout + 10*time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version, "backend", cfg.BackendURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	qr.Stop()
	rec.Abort()
	nfc.Disarm()

	// Let in-flight submissions settle, bounded by the shutdown deadline
	settled := make(chan struct{})
	go func() {
		eng.Wait()
		gal.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown deadline reached with background work pending")
	}

	logger.Info("server exited")
}
