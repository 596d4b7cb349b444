package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles workflow and execution persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the workflow tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			nodes      JSONB NOT NULL DEFAULT '[]',
			edges      JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS executions (
			id           TEXT PRIMARY KEY,
			workflow_id  UUID NOT NULL,
			user_id      TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			node_results JSONB NOT NULL DEFAULT '{}',
			started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS execution_events (
			id           BIGSERIAL PRIMARY KEY,
			execution_id TEXT NOT NULL,
			type         TEXT NOT NULL,
			node_id      TEXT NOT NULL DEFAULT '',
			payload      JSONB NOT NULL DEFAULT '{}',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS execution_events_execution_id_idx
			ON execution_events (execution_id, id)
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts the sample weather-alert workflow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	nodesJSON, err := json.Marshal(sampleNodes)
	if err != nil {
		return fmt.Errorf("marshal seed nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(sampleEdges)
	if err != nil {
		return fmt.Errorf("marshal seed edges: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, name, nodes, edges)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, sampleWorkflowID, "Weather Alert Workflow", nodesJSON, edgesJSON)
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (r *Repository) Get(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var nodesJSON, edgesJSON []byte

	err := r.db.QueryRow(ctx, `
		SELECT id, name, nodes, edges, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id).Scan(&wf.ID, &wf.Name, &nodesJSON, &edgesJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	if err := json.Unmarshal(nodesJSON, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &wf.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	return &wf, nil
}

// CreateExecution appends a new execution row.
func (r *Repository) CreateExecution(ctx context.Context, execution *Execution) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, user_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, execution.ExecutionID, execution.WorkflowID, execution.UserID, execution.Status, execution.StartedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// UpdateExecutionStatus marks an execution's terminal state.
func (r *Repository) UpdateExecutionStatus(ctx context.Context, executionID string, status ExecutionStatus, completedAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE executions SET status = $2, completed_at = $3 WHERE id = $1
	`, executionID, status, completedAt)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	return nil
}

// UpdateNodeResult stores a node's last-known status and output on its
// execution row.
func (r *Repository) UpdateNodeResult(ctx context.Context, executionID string, result *NodeResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal node result: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		UPDATE executions
		SET node_results = jsonb_set(node_results, ARRAY[$2], $3::jsonb, true)
		WHERE id = $1
	`, executionID, result.NodeID, resultJSON)
	if err != nil {
		return fmt.Errorf("update node result: %w", err)
	}
	return nil
}

// AppendEvent writes one lifecycle event to the execution's log.
func (r *Repository) AppendEvent(ctx context.Context, executionID string, record EventRecord) error {
	payloadJSON, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO execution_events (execution_id, type, node_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, executionID, record.Type, record.NodeID, payloadJSON, record.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// GetExecution loads an execution row and its event log. Returns nil, nil
// if not found.
func (r *Repository) GetExecution(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	var detail ExecutionDetail
	err := r.db.QueryRow(ctx, `
		SELECT id, workflow_id, user_id, status, started_at, completed_at
		FROM executions WHERE id = $1
	`, executionID).Scan(
		&detail.ExecutionID, &detail.WorkflowID, &detail.UserID,
		&detail.Status, &detail.StartedAt, &detail.CompletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT type, node_id, payload, created_at
		FROM execution_events WHERE execution_id = $1 ORDER BY id
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("get execution events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record EventRecord
		var payloadJSON []byte
		if err := rows.Scan(&record.Type, &record.NodeID, &payloadJSON, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &record.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		detail.Events = append(detail.Events, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get execution events: %w", err)
	}
	return &detail, nil
}

// AttachRecorder subscribes the repository to the engine's lifecycle events
// so executions and their event logs are persisted. Writes are best-effort:
// a failure is logged and the in-memory run proceeds untouched.
func AttachRecorder(engine *Engine, repo *Repository) {
	persist := func(event Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		payload := map[string]any{}
		if event.Output != nil {
			payload["output"] = event.Output
		}
		if event.Err != nil {
			payload["error"] = event.Err.Error()
		}
		if event.Attempts > 0 {
			payload["attempts"] = event.Attempts
		}
		if event.Status != "" {
			payload["status"] = string(event.Status)
		}

		var err error
		switch event.Type {
		case EventWorkflowStarted:
			err = repo.CreateExecution(ctx, &Execution{
				ExecutionID: event.ExecutionID,
				WorkflowID:  event.WorkflowID,
				UserID:      event.UserID,
				Status:      ExecutionRunning,
				StartedAt:   event.Timestamp,
			})
		case EventWorkflowCompleted, EventWorkflowError:
			if event.ExecutionID != "" && event.Status != "" {
				err = repo.UpdateExecutionStatus(ctx, event.ExecutionID, event.Status, event.Timestamp)
			}
		}
		if err == nil && event.ExecutionID != "" {
			err = repo.AppendEvent(ctx, event.ExecutionID, EventRecord{
				Type:      event.Type,
				NodeID:    event.NodeID,
				Payload:   payload,
				Timestamp: event.Timestamp,
			})
		}
		if err != nil {
			slog.Error("Failed to persist workflow event", "type", event.Type, "executionId", event.ExecutionID, "error", err)
		}
	}

	for _, name := range []string{
		EventWorkflowStarted, EventWorkflowCompleted, EventWorkflowError,
		EventNodeStarted, EventNodeCompleted, EventNodeError,
	} {
		engine.On(name, persist)
	}

	recordResult := func(event Event, state NodeState) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		result := &NodeResult{
			NodeID:      event.NodeID,
			Output:      event.Output,
			Attempts:    event.Attempts,
			CompletedAt: event.Timestamp,
		}
		if event.Err != nil {
			result.Error = &ErrorInfo{Message: event.Err.Error()}
		}
		if err := repo.UpdateNodeResult(ctx, event.ExecutionID, result); err != nil {
			slog.Error("Failed to persist node result", "executionId", event.ExecutionID, "nodeId", event.NodeID, "state", state, "error", err)
		}
	}
	engine.On(EventNodeCompleted, func(event Event) { recordResult(event, NodeSucceeded) })
	engine.On(EventNodeError, func(event Event) { recordResult(event, NodeFailed) })
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

const sampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

// The sample graph is a diamond: the weather lookup and the agent summary
// run in parallel, join at the temperature check, and the alert email goes
// out only on the "true" branch.
var sampleNodes = []Node{
	{
		ID: "trigger", Type: "trigger",
		Position: Position{X: -160, Y: 300},
		Data: map[string]any{
			"label":       "Start",
			"description": "Begin weather check workflow",
		},
	},
	{
		ID: "weather", Type: "httpTool",
		Position: Position{X: 160, Y: 150},
		Data: map[string]any{
			"label":       "Weather API",
			"description": "Fetch current temperature for Sydney",
			"method":      "GET",
			"url":         "https://api.open-meteo.com/v1/forecast?latitude=-33.8688&longitude=151.2093&current_weather=true",
		},
	},
	{
		ID: "summary", Type: "agent",
		Position: Position{X: 160, Y: 450},
		Data: map[string]any{
			"label":        "Summarize",
			"description":  "Draft a short weather summary",
			"model":        "gpt-4o-mini",
			"systemPrompt": "You write one-sentence weather summaries.",
			"prompt":       "Summarize today's Sydney weather for an alert email.",
		},
	},
	{
		ID: "check", Type: "condition",
		Position: Position{X: 480, Y: 300},
		Data: map[string]any{
			"label":       "Check Temperature",
			"description": "Alert when it is hot",
			"value":       "{{weather.body.current_weather.temperature}}",
			"operator":    "greater_than",
			"threshold":   28,
		},
	},
	{
		ID: "alert", Type: "email",
		Position: Position{X: 800, Y: 150},
		Data: map[string]any{
			"label":       "Send Alert",
			"description": "Email weather alert notification",
			"to":          "alerts@example.com",
			"subject":     "Weather Alert",
			"body":        "{{summary.response}} (currently {{weather.body.current_weather.temperature}} degrees)",
		},
	},
}

var sampleEdges = []Edge{
	{ID: "e1", Source: "trigger", Target: "weather", Type: "smoothstep", Animated: true, Label: "Initialize"},
	{ID: "e2", Source: "trigger", Target: "summary", Type: "smoothstep", Animated: true, Label: "Initialize"},
	{ID: "e3", Source: "weather", Target: "check", Type: "smoothstep", Animated: true, Label: "Temperature Data"},
	{ID: "e4", Source: "summary", Target: "check", Type: "smoothstep", Animated: true, Label: "Summary"},
	{ID: "e5", Source: "check", Target: "alert", SourceHandle: "true", Type: "smoothstep", Animated: true, Label: "Condition Met"},
}
