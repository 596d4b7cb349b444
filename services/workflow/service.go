package workflow

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	openai "github.com/sashabaranov/go-openai"
)

// Repo abstracts persistence for testability.
type Repo interface {
	Get(ctx context.Context, id string) (*Workflow, error)
	GetExecution(ctx context.Context, executionID string) (*ExecutionDetail, error)
}

// Config carries the collaborator settings the service needs beyond the
// database pool.
type Config struct {
	// OpenAIKey enables real agent-node completions; empty means mock.
	OpenAIKey string
	// InferenceURL is the remote single-node inference proxy; empty disables
	// model nodes.
	InferenceURL string
}

// Service wires together the repository and execution engine for the
// workflow domain.
type Service struct {
	repo   Repo
	engine *Engine
}

// NewService creates a Service with a PostgreSQL repository, the built-in
// executor registry, and a persistence listener on the engine's event bus.
func NewService(pool *pgxpool.Pool, cfg Config) (*Service, error) {
	repo := NewRepository(pool)

	var aiClient *openai.Client
	if cfg.OpenAIKey != "" {
		aiClient = openai.NewClient(cfg.OpenAIKey)
	}
	var inference InferenceClient
	if cfg.InferenceURL != "" {
		inference = NewHTTPInferenceClient(cfg.InferenceURL)
	}

	registry := NewDefaultRegistry(pool, aiClient, inference)
	engine := NewEngine(registry)
	AttachRecorder(engine, repo)

	return &Service{repo: repo, engine: engine}, nil
}

// Engine exposes the execution engine, mainly so callers can subscribe to
// lifecycle events or register additional node types.
func (s *Service) Engine() *Engine { return s.engine }

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}/execute", s.HandleExecuteWorkflow).Methods("POST")

	executions := parentRouter.PathPrefix("/executions").Subrouter()
	executions.Use(jsonMiddleware)
	executions.HandleFunc("/{id}", s.HandleGetExecution).Methods("GET")
}
