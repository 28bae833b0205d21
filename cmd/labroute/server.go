package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labroute/internal/config"
	"github.com/ehr/labroute/internal/domain/filter"
	"github.com/ehr/labroute/internal/domain/lineage"
	"github.com/ehr/labroute/internal/domain/pipeline"
	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/domain/settings"
	"github.com/ehr/labroute/internal/platform/auth"
	"github.com/ehr/labroute/internal/platform/blobstore"
	"github.com/ehr/labroute/internal/platform/db"
	"github.com/ehr/labroute/internal/platform/hl7v2"
	"github.com/ehr/labroute/internal/platform/middleware"
)

// schemaCacheTTL bounds how long a resolved schema is served after its
// documents change in the source.
const schemaCacheTTL = time.Minute

// app holds the wired server. close releases the database pool.
type app struct {
	echo   *echo.Echo
	engine *pipeline.Engine
	mllp   *hl7v2.MLLPServer
	pool   *pgxpool.Pool
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func schemaSource(cfg *config.Config, blobs blobstore.BlobStore) (schema.Source, error) {
	if cfg.SchemaSource == config.SchemaSourceFile {
		return schema.NewFileSource(os.DirFS(cfg.SchemaDir)), nil
	}
	if blobs == nil {
		store, err := blobstore.NewDirBlobStore(cfg.BlobDir)
		if err != nil {
			return nil, err
		}
		blobs = store
	}
	return schema.NewBlobSource(blobs, "schemas"), nil
}

func newBlobStore(cfg *config.Config) (blobstore.BlobStore, error) {
	if cfg.BlobDir == "" {
		return blobstore.NewInMemoryBlobStore(), nil
	}
	return blobstore.NewDirBlobStore(cfg.BlobDir)
}

// newApp wires every component from cfg. Settings are validated before any
// route is registered so a bad filter call never reaches traffic.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}

	repo := lineage.NewMemoryRepo()
	var pinger db.Pinger
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		pinger = pool
		repo = lineage.NewRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, lineage is kept in memory")
	}
	lineageSvc := lineage.NewService(repo, logger)
	if a.pool != nil {
		lineageSvc.SetTxBeginner(a.pool)
	}

	blobs, err := newBlobStore(cfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	source, err := schemaSource(cfg, blobs)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open schema source: %w", err)
	}
	resolver := schema.NewResolver(source, schema.WithTimeout(cfg.SchemaLoadTimeout), schema.WithLogger(logger))
	cache := schema.NewCache(resolver, schemaCacheTTL)

	s, err := settings.Load(cfg.SettingsFile)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := s.Validate(filter.DefaultRegistry()); err != nil {
		a.close()
		return nil, fmt.Errorf("invalid settings %s: %w", cfg.SettingsFile, err)
	}
	router := filter.NewRouter(filter.DefaultRegistry(), s.FilterDefaults(), logger)

	dispatcher := pipeline.NewDispatcher()
	dispatcher.Register(settings.TransportBlob, pipeline.NewBlobTransport(blobs))
	dispatcher.Register(settings.TransportNull, pipeline.NullTransport{})

	a.engine = pipeline.NewEngine(pipeline.Config{MaxParallelReceivers: cfg.MaxParallelReceivers}, pipeline.Deps{
		Settings:   s,
		Schemas:    cache,
		Router:     router,
		Lineage:    lineageSvc,
		Blobs:      blobs,
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())

	if cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		logger.Warn().Msg("no token verification key configured, every caller is granted admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.ReportBodyLimit))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pinger))

	api := e.Group("/api/v1")
	schema.NewHandler(resolver, cache).RegisterRoutes(api)
	filter.NewHandler(router).RegisterRoutes(api)
	settings.NewHandler(s, router).RegisterRoutes(api)
	lineage.NewHandler(lineageSvc).RegisterRoutes(api)
	pipeline.NewHandler(a.engine).RegisterRoutes(api)

	blobGroup := api.Group("", auth.RequireRole(auth.RoleOperator))
	blobstore.NewBlobHandler(blobs).RegisterRoutes(blobGroup)

	if cfg.MLLPAddr != "" {
		a.mllp = hl7v2.NewMLLPServer(cfg.MLLPAddr, a.engine.MLLPHandler(cfg.MLLPSender), logger)
	}

	a.echo = e
	logger.Info().
		Int("organizations", len(s.Organizations)).
		Str("schema_source", cfg.SchemaSource).
		Msg("routing engine ready")
	return a, nil
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.close()

	if a.mllp != nil {
		if err := a.mllp.Start(); err != nil {
			return fmt.Errorf("start MLLP listener: %w", err)
		}
		logger.Info().Str("addr", a.mllp.Addr()).Str("sender", cfg.MLLPSender).Msg("MLLP listener started")
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.mllp != nil {
		if err := a.mllp.Stop(); err != nil {
			logger.Error().Err(err).Msg("MLLP listener shutdown failed")
		}
	}
	if err := a.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
