package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nidhogg/warden/internal/api"
	"github.com/nidhogg/warden/internal/bus"
	"github.com/nidhogg/warden/internal/config"
	"github.com/nidhogg/warden/internal/embedding"
	"github.com/nidhogg/warden/internal/executor"
	"github.com/nidhogg/warden/internal/knowledge"
	"github.com/nidhogg/warden/internal/lifecycle"
	"github.com/nidhogg/warden/internal/notify"
	"github.com/nidhogg/warden/internal/planner"
	pgstore "github.com/nidhogg/warden/internal/store"
	"github.com/nidhogg/warden/internal/vectorstore"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Warden...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/warden.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Notifications
	notifyRouter := notify.NewRouter(notify.Channels{
		Default:    cfg.Notify.Channels.Default,
		Escalation: cfg.Notify.Channels.Escalation,
	}, logger)
	notifyRouter.Register(notify.NewLogSink(logger))
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		notifyRouter.Register(notify.NewSlackSink(cfg.Notify.Slack.BotToken, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		sink, dErr := notify.NewDiscordSink(cfg.Notify.Discord.BotToken, logger)
		if dErr != nil {
			logger.Warn("Discord unavailable, running without it", zap.Error(dErr))
		} else {
			notifyRouter.Register(sink)
		}
	}

	// Planner and executor
	plan := planner.New(planner.Config{DefaultChecks: cfg.Planner.DefaultChecks}, logger)
	exec := executor.New(executor.Config{
		StepTimeout: cfg.Executor.StepTimeout.Std(),
		WorkDir:     cfg.Executor.WorkDir,
		AllowUnsafe: cfg.Executor.AllowUnsafe,
	}, logger)

	// Lifecycle manager
	manager := lifecycle.NewManager(plan, exec, notifyRouter, lifecycle.Config{
		ApprovalTimeout: cfg.Lifecycle.ApprovalTimeout.Std(),
		PlanTimeout:     cfg.Lifecycle.PlanTimeout.Std(),
		MaxSteps:        cfg.Lifecycle.MaxSteps,
		MaxConcurrent:   cfg.Lifecycle.MaxConcurrent,
	}, logger)

	// PostgreSQL snapshot persistence
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			manager.SetPersister(ps)
		}
	}

	// Redis transition event stream
	var eventBus *bus.Bus
	if cfg.Database.Redis.URL != "" {
		b, busErr := bus.New(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(busErr))
		} else {
			eventBus = b
			manager.SetPublisher(b)
		}
	}

	// Knowledge base: vector store for plan reuse and failure signatures
	var base *knowledge.Base
	var vecClient *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" {
		qdrant, qErr := vectorstore.NewClient(vectorstore.QdrantConfig{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if qErr != nil {
			logger.Warn("Qdrant unavailable, running without knowledge base", zap.Error(qErr))
		} else {
			embedder, eErr := embedding.New(embedding.Config{
				Provider:  cfg.Embedding.Provider,
				Endpoint:  cfg.Embedding.Endpoint,
				Model:     cfg.Embedding.Model,
				APIKey:    cfg.Embedding.APIKey,
				Dimension: cfg.Embedding.Dimension,
			})
			if eErr != nil {
				logger.Warn("embedding provider misconfigured, running without knowledge base", zap.Error(eErr))
			} else {
				b := knowledge.NewBase(qdrant, embedder, knowledge.Config{
					MinReuseScore: cfg.Knowledge.MinReuseScore,
					TopK:          cfg.Knowledge.TopK,
				}, logger)
				if iErr := b.Init(context.Background()); iErr != nil {
					logger.Warn("knowledge base init failed", zap.Error(iErr))
				} else {
					base = b
					vecClient = qdrant
					plan.SetSource(b)
				}
			}
		}
	}

	// History graph
	var graph *knowledge.Graph
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := knowledge.NewGraph(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr == nil {
			gErr = g.Ping(context.Background())
		}
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without history graph", zap.Error(gErr))
		} else {
			graph = g
		}
	}

	if base != nil || graph != nil {
		manager.SetRecorder(knowledge.NewRecorder(base, graph, logger))
	}

	// Build HTTP handler
	handler := api.NewHandler(manager, base, graph, logger)

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Warden listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Warden...")
	ctx := context.Background()
	srv.Shutdown(ctx)
	notifyRouter.Close()
	if eventBus != nil {
		eventBus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
	if vecClient != nil {
		vecClient.Close()
	}
	if graph != nil {
		graph.Close(ctx)
	}
}
