package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/acrylicshrimp/fathom/modelorchestrator"
	"github.com/acrylicshrimp/fathom/runtime/agent/model"
	"github.com/acrylicshrimp/fathom/runtime/agent/profile"
	profileinmem "github.com/acrylicshrimp/fathom/runtime/agent/profile/inmem"
	"github.com/acrylicshrimp/fathom/runtime/agent/profile/redisstore"
	"github.com/acrylicshrimp/fathom/runtime/agent/runlog/inmem"
	"github.com/acrylicshrimp/fathom/runtime/agent/scheduler"
	sessioninmem "github.com/acrylicshrimp/fathom/runtime/agent/session/inmem"
	"github.com/acrylicshrimp/fathom/runtime/agent/telemetry"
	"github.com/acrylicshrimp/fathom/runtime/agent/toolregistry"
	"github.com/acrylicshrimp/fathom/runtime/cronsource"
	"github.com/acrylicshrimp/fathom/runtime/facade"
	"github.com/acrylicshrimp/fathom/runtime/facade/httptransport"

	"github.com/redis/go-redis/v9"
)

var serverAddr string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Bind the Runtime Facade's RPC surface over HTTP",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverAddr, "addr", ":8080", "address to bind the HTTP server on")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		return configErr(err)
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return configErr(fmt.Errorf("build logger: %w", err))
	}
	defer zapLogger.Sync()
	logger := telemetry.NewZapLogger(zapLogger)
	tracer := telemetry.NewOTELTracer()
	metrics := telemetry.NewOTELMetrics()

	profiles, err := buildProfileStore()
	if err != nil {
		return configErr(err)
	}

	registry := toolregistry.New(toolregistry.HandlerContext{
		WorkspaceRoot: cfg.workspaceRoot,
		Profiles:      profiles,
	})
	if err := toolregistry.RegisterBuiltins(registry); err != nil {
		return configErr(fmt.Errorf("register built-in tools: %w", err))
	}

	executor := &toolregistry.Executor{
		Registry:      registry,
		WorkspaceRoot: cfg.workspaceRoot,
		Profiles:      profiles,
	}
	sched := scheduler.New(executor, cfg.taskParallelism)
	sched.SetLogger(logger)

	orch := modelorchestrator.New(cfg.client, modelorchestrator.DefaultRetryPolicy(), logger, tracer, metrics)

	f := facade.New(facade.Deps{
		Sessions:     sessioninmem.New(),
		Profiles:     profiles,
		RunLog:       inmem.New(),
		Scheduler:    sched,
		Registry:     registry,
		Orchestrator: orch,
		Logger:       logger,
		ModelClass:   model.ModelClassDefault,
	})

	cron := cronsource.New(f)
	cron.Start()
	defer cron.Stop()

	httpServer := httptransport.New(f)

	logger.Info(cmd.Context(), "fathom server starting", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, httpServer.Handler()); err != nil {
		return bindErr(fmt.Errorf("listen on %s: %w", serverAddr, err))
	}
	return nil
}

// buildProfileStore returns a Redis-backed profile store when REDIS_ADDR is
// set, otherwise an in-memory store (acceptable since the runtime carries no
// persistence guarantee across process restarts regardless of profile store
// choice).
func buildProfileStore() (profile.Store, error) {
	addr := envOrDefault("REDIS_ADDR", "")
	if addr == "" {
		return profileinmem.New(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return redisstore.New(rdb), nil
}
