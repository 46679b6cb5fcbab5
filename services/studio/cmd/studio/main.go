package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"characterstudio/internal/ratelimit"
	"characterstudio/internal/usertoken"
	"characterstudio/internal/util"
	"characterstudio/pkg/ai"
	"characterstudio/pkg/storage"
	"characterstudio/pkg/store"
	"characterstudio/services/studio/internal/app"
	"characterstudio/services/studio/internal/config"
	"characterstudio/services/studio/internal/server"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	characters, err := newCharacterStore(cfg)
	if err != nil {
		log.Fatalf("failed to init character store: %v", err)
	}
	objects, err := newObjectStore(cfg)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}
	gemini, err := ai.NewGeminiClient(ctx, ai.GeminiConfig{
		APIKey:        cfg.GeminiAPIKey,
		Backend:       cfg.GeminiBackend,
		Project:       cfg.GCPProject,
		Location:      cfg.GCPLocation,
		AnalysisModel: cfg.AnalysisModel,
		ImageModel:    cfg.ImageModel,
		BaseURL:       cfg.GeminiBaseURL,
		Timeout:       cfg.ModelTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init gemini client: %v", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     cfg.JWTLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	var limiter *ratelimit.FixedWindowLimiter
	if cfg.GenerationRateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "studio:ratelimit:generation", cfg.GenerationRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
		defer limiter.Close()
	}

	appCore, err := app.New(app.Config{
		Store:               characters,
		Objects:             objects,
		Analyzer:            gemini,
		Painter:             gemini,
		PresignExpiry:       cfg.PresignExpiry,
		PresignConcurrency:  cfg.PresignConcurrency,
		MaxImageBytes:       cfg.MaxUploadBytes,
		AllowedExtensions:   cfg.AllowedExtensions,
		GroundWithReference: cfg.GroundWithReference,
		MarkFallbackAsError: cfg.MarkFallbackAsError,
		EnforceOwnership:    cfg.EnforceOwnership,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:               appCore,
		TokenVerifier:     tokenVerifier,
		AllowedOrigins:    cfg.AllowedOrigins,
		TrustedProxies:    trustedProxies,
		GenerationLimiter: limiter,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Image generation can take well over a minute.
		WriteTimeout: cfg.ModelTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("studio server listening", "addr", addr,
		"memory_store", cfg.UsesMemoryStore(), "memory_objects", cfg.UsesMemoryObjects(),
		"rate_limited", limiter != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func newCharacterStore(cfg config.FileConfig) (store.CharacterStore, error) {
	if cfg.UsesMemoryStore() {
		slog.Warn("using in-memory character store; records are lost on restart")
		return store.NewMemoryStore(), nil
	}
	return store.NewGormStore(cfg.DatabaseURL)
}

func newObjectStore(cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.UsesMemoryObjects() {
		slog.Warn("using in-memory object store; uploads are lost on restart")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
}
