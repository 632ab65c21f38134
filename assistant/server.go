// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"mira/platform/assistant/capability"
	"mira/platform/assistant/llm"
	"mira/platform/assistant/llm/anthropic"
	"mira/platform/assistant/llm/bedrock"
	"mira/platform/assistant/llm/openai"
	"mira/platform/assistant/rerank"
	"mira/platform/common/quota"
	"mira/platform/shared/logger"
)

// Server ties the orchestrator and its admin surfaces to HTTP routes.
type Server struct {
	orchestrator *Orchestrator
	analyzer     *Analyzer
	settings     *SettingsStore
	sessions     *SessionManager
	pool         *IndexPool
	providers    []llm.Provider
	auth         *Authenticator
	log          *logger.Logger
}

// ServerDeps bundles the collaborators a Server routes to.
type ServerDeps struct {
	Orchestrator *Orchestrator
	Analyzer     *Analyzer
	Settings     *SettingsStore
	Sessions     *SessionManager
	Pool         *IndexPool
	Providers    []llm.Provider
	Auth         *Authenticator
	Log          *logger.Logger
}

// NewServer assembles the HTTP layer.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		orchestrator: deps.Orchestrator,
		analyzer:     deps.Analyzer,
		settings:     deps.Settings,
		sessions:     deps.Sessions,
		pool:         deps.Pool,
		providers:    deps.Providers,
		auth:         deps.Auth,
		log:          deps.Log,
	}
}

func (s *Server) capabilityParse(name string) (capability.Capability, error) {
	c, err := capability.Parse(name)
	if err != nil {
		return "", NewFault(CodeContextBuildFailed, err.Error())
	}
	return c, nil
}

// Router builds the route table. Health and metrics are unauthenticated;
// everything under /api/v1 requires a bearer token.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Middleware)
	api.HandleFunc("/chat", s.handleChat).Methods("POST")
	api.HandleFunc("/chat/stream", s.handleChatStream).Methods("POST")
	api.HandleFunc("/analyze", s.handleAnalyze).Methods("POST")
	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handlePutSettings).Methods("PUT")
	api.HandleFunc("/conversations/clear", s.handleClearConversation).Methods("POST")
	api.HandleFunc("/documents", s.handleSubmitDocument).Methods("POST")
	api.HandleFunc("/providers/status", s.handleProviderStatus).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// Run is the service entry point: it wires every component from environment
// configuration, starts the HTTP server, and blocks until SIGTERM/SIGINT.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8086)
//   - DATABASE_URL: PostgreSQL connection string (required)
//   - REDIS_ADDR: Redis address for quota counters (optional)
//   - JWT_SECRET: HMAC secret for bearer tokens (required)
//   - AI_PROVIDER: anthropic | openai | bedrock (default: anthropic)
//   - AI_MODEL: model identifier passed to the provider
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY / BEDROCK_REGION: provider credentials
//   - RERANK_PROVIDER / RERANK_API_KEY / RERANK_API_URL: reranker settings
//   - DAILY_TOKEN_LIMIT: per-tenant daily budget, 0 disables enforcement
//   - AUDIT_STORAGE_POLICY: METADATA_ONLY (default) or FULL
//   - INDEX_WORKERS: ingestion worker count (default: 2)
func Run() {
	log := logger.New("mira-assistant")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Error("", "", "DATABASE_URL is required", nil)
		os.Exit(1)
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Error("", "", "JWT_SECRET is required", nil)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Error("", "", "failed to open database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	var rdb *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
	}

	provider, err := buildProvider()
	if err != nil {
		log.Error("", "", "failed to construct AI provider", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	quotaSvc := quota.New(db, rdb, provider.Name(), log)
	metered := llm.WithMetrics(provider, PromRecorder{}, quotaSvc, log)

	registry, err := buildRegistry()
	if err != nil {
		log.Error("", "", "failed to load capability config", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	reranker := buildReranker(log)
	settings := NewSettingsStore(db, log)
	knowledge := NewSQLKnowledgeStore(db)
	audit := NewAuditTrail(db, StoragePolicy(os.Getenv("AUDIT_STORAGE_POLICY")), log)
	pool := NewIndexPool(knowledge, envInt("INDEX_WORKERS", defaultIndexWorkers), log)

	store := NewSQLConversationStore(db)
	orch := NewOrchestrator(OrchestratorDeps{
		Provider:  metered,
		Registry:  registry,
		Resolver:  NewLayerResolver(NewSQLLayerStore(db)),
		Store:     store,
		Retriever: knowledge,
		Reranker:  reranker,
		Access:    NewSQLAccessChecker(db),
		Quota:     quotaSvc,
		Settings:  settings,
		Audit:     audit,
		Log:       log,
	}, OrchestratorConfig{
		Model:           os.Getenv("AI_MODEL"),
		DailyTokenLimit: int64(envInt("DAILY_TOKEN_LIMIT", 0)),
	})

	srv := NewServer(ServerDeps{
		Orchestrator: orch,
		Analyzer:     NewAnalyzer(knowledge, reranker, settings, db),
		Settings:     settings,
		Sessions:     NewSessionManager(store),
		Pool:         pool,
		Providers:    []llm.Provider{provider},
		Auth:         NewAuthenticator([]byte(secret)),
		Log:          log,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8086"
	}
	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming turns hold the connection open
	}

	go func() {
		log.Info("", "", "mira assistant listening", map[string]interface{}{"port": port, "provider": provider.Name()})
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("", "", "http server failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("", "", "shutting down", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	pool.Close()
	audit.Close()
	_ = db.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
}

func buildProvider() (llm.Provider, error) {
	factory := llm.NewFactory()
	factory.Register("anthropic", anthropic.New)
	factory.Register("openai", openai.New)
	factory.Register("bedrock", bedrock.New)

	name := os.Getenv("AI_PROVIDER")
	if name == "" {
		name = "anthropic"
	}
	cfg := llm.Config{
		Name:     name,
		Model:    os.Getenv("AI_MODEL"),
		Endpoint: os.Getenv("AI_ENDPOINT"),
		Region:   os.Getenv("BEDROCK_REGION"),
	}
	switch name {
	case "anthropic":
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return factory.Create(cfg)
}

func buildRegistry() (*capability.Registry, error) {
	path := os.Getenv("CAPABILITY_CONFIG")
	if path == "" {
		return capability.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return capability.Load(data)
}

func buildReranker(log *logger.Logger) rerank.Reranker {
	providerName := os.Getenv("RERANK_PROVIDER")
	if providerName == "" {
		return rerank.Noop{}
	}
	remote, err := rerank.NewRemote(rerank.RemoteConfig{
		Provider: providerName,
		Model:    os.Getenv("RERANK_MODEL"),
		APIKey:   os.Getenv("RERANK_API_KEY"),
		APIURL:   os.Getenv("RERANK_API_URL"),
	}, log)
	if err != nil {
		log.Warn("", "", "reranker misconfigured, reranking disabled", map[string]interface{}{"error": err.Error()})
		return rerank.Noop{}
	}
	return remote
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
