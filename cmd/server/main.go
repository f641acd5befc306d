package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"valtimo-authz/internal/admin"
	"valtimo-authz/internal/auth"
	"valtimo-authz/internal/authz"
	"valtimo-authz/internal/config"
	"valtimo-authz/internal/engine"
	"valtimo-authz/internal/instrument"
	"valtimo-authz/internal/log"
	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if _, err := log.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error("server exited", zap.Error(err))
		log.Sync()
		cancel()
		os.Exit(1)
	}
	log.Sync()
}

// run wires the server and blocks until it is shut down.
func run(ctx context.Context, cfg *config.Config) error {
	log.Info("config loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("driver", cfg.Database.Driver),
		zap.String("database", cfg.Database.Name))

	// 2. Connect to database and bootstrap system tables
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Bootstrap(ctx, cfg.Authorization.AdminRole); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}

	// 3. Load resource types, relations and stored permissions
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.DB, reg); err != nil {
		log.Warn("failed to load metadata", zap.Error(err))
	}

	records := store.NewRecordStore(db, reg)
	mappers := authz.NewMapperRegistry()
	if err := mappers.LoadRelations(reg.AllRelations(), reg, records); err != nil {
		log.Warn("some relations were not registered as entity mappers", log.FieldComponent("authz"), zap.Error(err))
	}

	// 4. Apply declarative permission files
	if _, err := admin.DeployDir(ctx, store.NewPermissionStore(db), reg, cfg.Authorization.DeployPath); err != nil {
		return fmt.Errorf("deploy permissions from %s: %w", cfg.Authorization.DeployPath, err)
	}

	// 5. Authorization service
	svc := authz.NewService(reg, mappers,
		authz.WithEntityLoader(records),
		authz.WithUserDirectory(auth.NewUserStore(db)),
		authz.WithMetrics(authz.NewMetrics(prometheus.DefaultRegisterer)))

	// 6. Instrumentation
	buffer := instrument.NewEventBuffer(db.DB, db.Dialect, cfg.Instrumentation.BufferSize, cfg.Instrumentation.FlushIntervalMs)
	defer buffer.Stop()
	if cfg.Instrumentation.Enabled {
		instrument.StartCleanup(ctx, db.DB, db.Dialect, cfg.Instrumentation.RetentionDays, time.Hour)
	}

	// 7. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler:          engine.ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(cfg.Instrumentation, buffer))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// 8. Auth routes
	authHandler := auth.NewAuthHandler(db, cfg.JWTSecret)
	auth.RegisterAuthRoutes(app, authHandler)

	authMW := auth.AuthMiddleware(cfg.JWTSecret)
	adminMW := auth.RequireRole(cfg.Authorization.AdminRole)
	app.Get("/api/auth/me", authMW, authHandler.Me)

	// 9. Management API (admin role required)
	adminHandler := admin.NewHandler(db, reg, store.NewMigrator(db), records, mappers, cfg.Authorization.DeployPath)
	admin.RegisterAdminRoutes(app, adminHandler, authMW, adminMW)
	instrument.RegisterEventRoutes(app, instrument.NewEventHandler(db.DB, db.Dialect), authMW, adminMW)

	// 10. Permission checks and filtered resource reads
	engine.RegisterRoutes(app, engine.NewHandler(db, reg, records, svc), engine.NewPermissionHandler(svc), authMW)

	// 11. Start server
	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("shutdown", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info("starting server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return nil
}
