package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	openai "github.com/sashabaranov/go-openai"
)

// NewDefaultRegistry creates a registry populated with all built-in node
// types. The pool may be nil when no query nodes are used; a nil OpenAI
// client makes the agent executor return mock responses.
func NewDefaultRegistry(pool *pgxpool.Pool, aiClient *openai.Client, inference InferenceClient) *Registry {
	registry := NewRegistry()
	registry.Register("trigger", &TriggerExecutor{})
	registry.Register("httpTool", NewHTTPToolExecutor())
	registry.Register("condition", &ConditionExecutor{})
	registry.Register("email", &EmailExecutor{})
	registry.Register("query", &QueryExecutor{pool: pool})
	registry.Register("agent", &AgentExecutor{client: aiClient})
	registry.Register("model", &ModelExecutor{client: inference})
	return registry
}

// TriggerExecutor handles the "trigger" node type, the no-op entry point of
// a graph.
type TriggerExecutor struct{}

func (e *TriggerExecutor) Execute(_ context.Context, _ Node, _ *ExecutionContext) (map[string]any, error) {
	return map[string]any{"message": "Workflow execution started"}, nil
}

// HTTPToolExecutor handles the "httpTool" node type: a single HTTP call
// described by the node's data.
type HTTPToolExecutor struct {
	httpClient *http.Client
}

// NewHTTPToolExecutor returns an executor with a 30-second timeout.
func NewHTTPToolExecutor() *HTTPToolExecutor {
	return &HTTPToolExecutor{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (e *HTTPToolExecutor) Execute(ctx context.Context, node Node, _ *ExecutionContext) (map[string]any, error) {
	url, _ := node.Data["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("httpTool node %q has no url", node.ID)
	}
	method, _ := node.Data["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := node.Data["body"]; ok && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := node.Data["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http tool request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("http tool returned status %d", resp.StatusCode)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = string(raw)
	}

	return map[string]any{
		"message":    fmt.Sprintf("%s %s returned %d", req.Method, url, resp.StatusCode),
		"statusCode": resp.StatusCode,
		"body":       decoded,
	}, nil
}

// ConditionExecutor handles the "condition" node type. It compares an
// interpolated numeric operand against a threshold and selects the "true"
// or "false" branch via the output's branch field.
type ConditionExecutor struct{}

func (e *ConditionExecutor) Execute(_ context.Context, node Node, _ *ExecutionContext) (map[string]any, error) {
	operand, ok := toFloat64(node.Data["value"])
	if !ok {
		return nil, fmt.Errorf("condition node %q operand is not a number", node.ID)
	}
	threshold, ok := toFloat64(node.Data["threshold"])
	if !ok {
		return nil, fmt.Errorf("condition node %q threshold is not a number", node.ID)
	}
	operator, _ := node.Data["operator"].(string)

	result := evaluateCondition(operand, operator, threshold)
	branch := "false"
	if result {
		branch = "true"
	}

	expression := fmt.Sprintf("%.1f %s %.1f", operand, operatorSymbol(operator), threshold)

	var message string
	if result {
		message = fmt.Sprintf("%.1f is %s %.1f - condition met", operand, operatorLabel(operator), threshold)
	} else {
		message = fmt.Sprintf("%.1f is not %s %.1f - condition not met", operand, operatorLabel(operator), threshold)
	}

	return map[string]any{
		"message":      message,
		"branch":       branch,
		"conditionMet": result,
		"conditionResult": map[string]any{
			"expression": expression,
			"result":     result,
			"value":      operand,
			"operator":   operator,
			"threshold":  threshold,
		},
	}, nil
}

// EmailExecutor handles the "email" node type. Templates in the node data
// have already been interpolated; it produces a mock email payload.
type EmailExecutor struct{}

func (e *EmailExecutor) Execute(_ context.Context, node Node, _ *ExecutionContext) (map[string]any, error) {
	to, _ := node.Data["to"].(string)
	if to == "" {
		return nil, fmt.Errorf("email node %q has no recipient", node.ID)
	}
	subject, _ := node.Data["subject"].(string)
	body, _ := node.Data["body"].(string)

	emailDraft := map[string]any{
		"to":        to,
		"from":      "workflows@example.com",
		"subject":   subject,
		"body":      body,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	return map[string]any{
		"message":    fmt.Sprintf("Email drafted for %s", to),
		"emailDraft": emailDraft,
		"emailSent":  true,
	}, nil
}

// QueryExecutor handles the "query" node type: a read-only SQL statement
// run against the service's connection pool.
type QueryExecutor struct {
	pool *pgxpool.Pool
}

func (e *QueryExecutor) Execute(ctx context.Context, node Node, _ *ExecutionContext) (map[string]any, error) {
	if e.pool == nil {
		return nil, fmt.Errorf("query node %q: no database configured", node.ID)
	}
	statement, _ := node.Data["statement"].(string)
	if statement == "" {
		return nil, fmt.Errorf("query node %q has no statement", node.ID)
	}

	rows, err := e.pool.Query(ctx, statement)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns := make([]string, 0, len(rows.FieldDescriptions()))
	for _, fd := range rows.FieldDescriptions() {
		columns = append(columns, fd.Name)
	}

	var records []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		record := make(map[string]any, len(columns))
		for i, column := range columns {
			record[column] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	return map[string]any{
		"message":  fmt.Sprintf("Query returned %d rows", len(records)),
		"rowCount": len(records),
		"rows":     records,
	}, nil
}

// AgentExecutor handles the "agent" node type: a chat completion through the
// OpenAI API. A nil client produces a deterministic mock response so graphs
// remain runnable without credentials.
type AgentExecutor struct {
	client *openai.Client
}

func (e *AgentExecutor) Execute(ctx context.Context, node Node, _ *ExecutionContext) (map[string]any, error) {
	prompt, _ := node.Data["prompt"].(string)
	model, _ := node.Data["model"].(string)
	if model == "" {
		model = openai.GPT4oMini
	}
	systemPrompt, _ := node.Data["systemPrompt"].(string)
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}

	if e.client == nil {
		mock := fmt.Sprintf("mock response for %q", prompt)
		return map[string]any{
			"message":  "Agent responded (mock)",
			"response": mock,
			"model":    model,
		}, nil
	}

	var temperature float32
	if t, ok := toFloat64(node.Data["temperature"]); ok {
		temperature = float32(t)
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("agent completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("agent returned no choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	return map[string]any{
		"message":  "Agent responded",
		"response": content,
		"model":    resp.Model,
		"tokens":   resp.Usage.TotalTokens,
	}, nil
}

// ModelExecutor handles the "model" node type: single-node inference proxied
// through the remote execution collaborator.
type ModelExecutor struct {
	client InferenceClient
}

func (e *ModelExecutor) Execute(ctx context.Context, node Node, ec *ExecutionContext) (map[string]any, error) {
	if e.client == nil {
		return nil, fmt.Errorf("model node %q: no inference client configured", node.ID)
	}

	req := InferenceRequest{
		NodeID:     node.ID,
		WorkflowID: ec.WorkflowID,
	}
	req.Endpoint, _ = node.Data["endpoint"].(string)
	req.Model, _ = node.Data["model"].(string)
	req.Prompt, _ = node.Data["prompt"].(string)
	req.SystemPrompt, _ = node.Data["systemPrompt"].(string)
	if options, ok := node.Data["options"].(map[string]any); ok {
		req.Options = options
	}

	result, err := e.client.Infer(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("model inference failed: %w", err)
	}

	return map[string]any{
		"message":  "Model responded",
		"response": result.Response,
		"model":    result.Metadata.Model,
		"tokens":   result.Metadata.Tokens,
		"duration": result.Metadata.Duration,
	}, nil
}

// evaluateCondition compares the operand against threshold using the given
// operator. Both values are rounded to 1 decimal place to avoid
// floating-point precision issues.
func evaluateCondition(operand float64, operator string, threshold float64) bool {
	v := math.Round(operand*10) / 10
	th := math.Round(threshold*10) / 10

	switch operator {
	case "greater_than":
		return v > th
	case "less_than":
		return v < th
	case "equals":
		return v == th
	case "greater_than_or_equal":
		return v >= th
	case "less_than_or_equal":
		return v <= th
	default:
		return false
	}
}

func operatorSymbol(op string) string {
	switch op {
	case "greater_than":
		return ">"
	case "less_than":
		return "<"
	case "equals":
		return "="
	case "greater_than_or_equal":
		return ">="
	case "less_than_or_equal":
		return "<="
	default:
		return "?"
	}
}

func operatorLabel(op string) string {
	switch op {
	case "greater_than":
		return "greater than"
	case "less_than":
		return "less than"
	case "equals":
		return "equal to"
	case "greater_than_or_equal":
		return "greater than or equal to"
	case "less_than_or_equal":
		return "less than or equal to"
	default:
		return op
	}
}

// toFloat64 converts an any value to float64, handling strings produced by
// interpolation as well as numeric types.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
