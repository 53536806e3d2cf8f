package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"

	"pharmasentinel/internal/config"
	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/ports"
)

var fenceExpr = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// DedalusClient implements ports.StructuredCaller against OpenAI-compatible
// chat-completion APIs. Responses are decoded strictly: unknown fields in
// the model's JSON are rejected so the dynamic boundary stays checked.
type DedalusClient struct {
	endpoint   string
	model      string
	apiKeys    []string
	nextKey    atomic.Uint64
	httpClient *http.Client
}

var _ ports.StructuredCaller = (*DedalusClient)(nil)

// NewDedalusClient builds a client from configuration. Multiple API keys are
// rotated across calls so concurrent stages spread their quota.
func NewDedalusClient(cfg config.LLMConfig) *DedalusClient {
	return &DedalusClient{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKeys:  cfg.APIKeys,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Call posts the role prompt plus schema contract and decodes the reply into
// out. Fenced-code wrapping is tolerated; anything else that fails the
// strict decode surfaces as *domain.MalformedResponseError.
func (c *DedalusClient) Call(ctx context.Context, rolePrompt string, schema any, payload any, out any) error {
	if len(c.apiKeys) == 0 || c.endpoint == "" || c.model == "" {
		return &domain.ExternalCallError{Collaborator: "llm", Err: fmt.Errorf("client misconfigured")}
	}

	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	userJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	systemPrompt := fmt.Sprintf(`%s

You MUST respond with a valid JSON object that conforms to the following schema.
Do NOT include any other text, explanations, or markdown code fences.

JSON Schema:
%s`, rolePrompt, schemaJSON)

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(userJSON)},
		},
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.pickKey())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.ExternalCallError{Collaborator: "llm", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &domain.ExternalCallError{
			Collaborator: "llm",
			Err:          fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(detail))),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return &domain.MalformedResponseError{Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return &domain.MalformedResponseError{Err: fmt.Errorf("empty completion")}
	}

	content := stripFences(parsed.Choices[0].Message.Content)
	return DecodeStrict(content, out)
}

func (c *DedalusClient) pickKey() string {
	idx := c.nextKey.Add(1) - 1
	return c.apiKeys[idx%uint64(len(c.apiKeys))]
}

// DecodeStrict unmarshals content into out, rejecting unknown fields.
func DecodeStrict(content string, out any) error {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &domain.MalformedResponseError{Raw: content, Err: err}
	}
	return nil
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.Contains(content, "```") {
		return content
	}
	if m := fenceExpr.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	return content
}
