// Package main is the entry point for the sandboxd MCP server.
//
// Sandboxd is a sandbox orchestration server exposed over the Model Context
// Protocol (MCP). It provisions per-user Python sandboxes in isolated
// containers, executes code and terminal commands inside them, installs
// packages, moves files across the container boundary and serves generated
// files over a companion HTTP API. Ownership of every sandbox is persisted,
// and sandbox-addressed operations are gated on the caller's identity.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/fileapi"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/manager"
	"github.com/isdmx/sandboxd/mcpserver"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/store"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Prometheus collector with its own registry
			metrics.NewCollector,

			// Ownership store
			func(cfg *config.Config, log *zap.Logger) (*store.Store, error) {
				return store.Open(store.Config{Path: cfg.Store.Path}, log)
			},

			// Container provider based on config
			sandbox.NewProvider,

			// Sandbox capability components
			func(log *zap.Logger, st *store.Store, provider sandbox.Provider) *sandbox.Registry {
				return sandbox.NewRegistry(log, st, provider)
			},
			func(log *zap.Logger, provider sandbox.Provider, cfg *config.Config) *sandbox.Executor {
				return sandbox.NewExecutor(log, provider, cfg.ExecTimeout(), cfg.Files.ResultsDir)
			},
			func(log *zap.Logger, provider sandbox.Provider, cfg *config.Config) *sandbox.PackageManager {
				return sandbox.NewPackageManager(log, provider, cfg.InstallTimeout())
			},
			func(log *zap.Logger, provider sandbox.Provider, cfg *config.Config) *sandbox.Files {
				return sandbox.NewFiles(log, provider, cfg.ArchiveTimeout())
			},

			// Authorization gate over the ownership store
			func(log *zap.Logger, st *store.Store, cfg *config.Config) *manager.Gate {
				return manager.NewGate(log, st, cfg.Auth.RequireAuth, cfg.Auth.DefaultUserID)
			},

			// Orchestration manager
			func(
				log *zap.Logger,
				cfg *config.Config,
				gate *manager.Gate,
				st *store.Store,
				provider sandbox.Provider,
				registry *sandbox.Registry,
				exec *sandbox.Executor,
				packages *sandbox.PackageManager,
				files *sandbox.Files,
			) *manager.Manager {
				return manager.New(log, cfg, gate, st, provider, registry, exec, packages, files)
			},
			func(m *manager.Manager) mcpserver.Orchestrator { return m },

			// MCP Server
			mcpserver.New,

			// File API server
			func(log *zap.Logger, m *manager.Manager, collector *metrics.Collector, cfg *config.Config) *fileapi.Server {
				return fileapi.New(log, m, collector, cfg.Server.FileAPIAddr)
			},
		),

		// Run the file API alongside the MCP transport and release the
		// ownership store on shutdown.
		fx.Invoke(
			func(lc fx.Lifecycle, files *fileapi.Server, st *store.Store, log *zap.Logger) {
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						go func() {
							if err := files.Start(); err != nil {
								log.Error("file API server failed", zap.Error(err))
							}
						}()
						return nil
					},
					OnStop: func(ctx context.Context) error {
						return errors.Join(files.Shutdown(ctx), st.Close())
					},
				})
			},
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
