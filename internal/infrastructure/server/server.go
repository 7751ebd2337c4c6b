package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/agent"
	apihttp "github.com/StudioForgeAI/AgentStudio/backend/internal/api/http"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/api/middleware"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/api/proxy"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/flow"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/permission"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/preview"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/session"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/view"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/infrastructure/config"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/infrastructure/monitoring"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/pkgmgr"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/storage/sqlite"
)

// Server wraps the HTTP server and all managers.
type Server struct {
	router      *gin.Engine
	sessions    *session.Manager
	preview     *preview.Manager
	view        *view.Manager
	flow        *flow.Manager
	store       *sqlite.Store
	logger      *logging.Logger
	config      *config.Config
	metrics     *monitoring.Metrics
	sweepCancel context.CancelFunc
}

// NewServer creates a new server instance.
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing AgentStudio backend",
		zap.String("port", cfg.Server.Port),
		zap.String("workspace_root", cfg.Workspace.Root),
		zap.String("agent_url", cfg.Agent.URL),
	)

	metrics := monitoring.NewMetrics()

	store, err := sqlite.New(cfg.Workspace.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	sessionManager := session.NewManager(store, session.ManagerConfig{
		Root:         cfg.Workspace.Root,
		TemplateDir:  cfg.Workspace.TemplateDir,
		LegacyPath:   cfg.Workspace.LegacyPath,
		DefaultModel: cfg.Agent.DefaultModel,
	}, logger)
	if err := sessionManager.Startup(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("session startup recovery: %w", err)
	}

	npm := pkgmgr.New()
	previewManager := preview.NewManager(npm, logger)
	flowManager := flow.NewManager(flow.Config{
		Port:     cfg.Flow.Port,
		UserDir:  cfg.Flow.UserDir,
		LocalBin: cfg.Flow.LocalBin,
	}, logger)
	viewManager := view.NewManager(npm, flowManager, cfg.View.ArchiveDir, logger)

	// Session deletion drops the session's flow document; sequenced here,
	// never called under the flow manager's lock.
	sessionManager.SetFlowCleanup(func(ctx context.Context, sid string) error {
		if res := flowManager.DeleteFlow(ctx, sid); !res.Success {
			return fmt.Errorf("delete session flow: %s", res.Message)
		}
		return nil
	})

	permissionManager := permission.NewManager(cfg.Agent.PermissionTimeout, logger)
	agentClient := agent.NewClient(cfg.Agent.URL, logger)
	executor := agent.NewExecutor(sessionManager, permissionManager, agentClient, logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rateCfg := middleware.DefaultRateLimitConfig()
		rateCfg.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rateCfg.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rateCfg))
	}

	handlers := apihttp.NewHandlers(
		sessionManager,
		executor,
		permissionManager,
		previewManager,
		viewManager,
		flowManager,
		proxy.New(logger),
		metrics,
		logger,
	)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Session lifecycle
	router.POST("/sessions", handlers.CreateSession)
	router.GET("/sessions", handlers.ListSessions)
	router.GET("/sessions/:id", handlers.GetSession)
	router.POST("/sessions/:id/close", handlers.CloseSession)
	router.DELETE("/sessions/:id", handlers.DeleteSession)
	router.POST("/sessions/:id/recover", handlers.RecoverSession)
	router.PATCH("/sessions/:id/name", handlers.RenameSession)

	// Transcript and turns
	router.GET("/sessions/:id/history", handlers.GetHistory)
	router.DELETE("/sessions/:id/history", handlers.ClearHistory)
	router.POST("/sessions/:id/messages", handlers.SendMessage)
	router.GET("/sessions/:id/stream", handlers.StreamMessage)

	// Tool permissions
	router.GET("/permissions", handlers.ListPermissions)
	router.POST("/permissions/:id/respond", handlers.RespondPermission)

	// Session flow documents
	router.POST("/sessions/:id/flow/import", handlers.ImportSessionFlow)
	router.DELETE("/sessions/:id/flow", handlers.DeleteSessionFlow)

	// Child server mounts: control verbs and proxying share one
	// wildcard per prefix.
	router.Any("/preview/:id/*path", handlers.PreviewEntry)
	router.Any("/view/:id/*path", handlers.ViewEntry)
	router.Any("/flow/*path", handlers.FlowEntry)

	srv := &Server{
		router:   router,
		sessions: sessionManager,
		preview:  previewManager,
		view:     viewManager,
		flow:     flowManager,
		store:    store,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}
	srv.startSweeps()

	logger.Info("Server initialized successfully")
	return srv, nil
}

// startSweeps runs the background maintenance loops: idle downgrade and
// stuck-busy recovery on one ticker, cancelled at shutdown.
func (s *Server) startSweeps() {
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel

	go func() {
		ticker := time.NewTicker(s.config.Sweep.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.sessions.RecoverStuckBusy(ctx, s.config.Sweep.StuckBusyAfter); n > 0 {
					s.logger.Warn("recovered stuck busy sessions", zap.Int("count", n))
				}
				if n := s.sessions.MarkIdleIfInactive(ctx, s.config.Sweep.IdleAfter); n > 0 {
					s.logger.Info("downgraded inactive sessions to idle", zap.Int("count", n))
				}
				total, busy := s.sessions.Count()
				s.metrics.SetSessionCounts(total, busy)
				s.metrics.SetServersRunning("preview", len(s.preview.List()))
				s.metrics.SetServersRunning("view", len(s.view.List()))
			}
		}
	}()
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close gracefully shuts down the server: sweeps stop, child servers are
// terminated, the store is closed. Teardown failures are logged, not
// returned; shutdown always completes.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	if s.sweepCancel != nil {
		s.sweepCancel()
	}

	s.preview.CleanupAll()
	s.view.CleanupAll()
	if s.flow.Stop() {
		s.logger.Info("Stopped flow editor")
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close session store", zap.Error(err))
	}

	s.logger.Sync()
	return nil
}
