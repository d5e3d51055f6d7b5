// Package history implements the stateless REST client for a task's chat:
// message pages, posting, participants, permission and stats. It is also the
// fallback delivery path when the real-time channel is down, so none of its
// operations retry automatically and none of its errors are fatal to a
// session.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskhive/taskchat/internal/auth"
	"github.com/taskhive/taskchat/internal/observability"
	"github.com/taskhive/taskchat/pkg/models"
)

const tracerName = "github.com/taskhive/taskchat/internal/history"

// Config holds configuration for the history client.
type Config struct {
	// BaseURL is the REST API root (required).
	BaseURL string

	// Credential supplies the bearer token (required).
	Credential *auth.Credential

	// Timeout bounds each request (default: 10s).
	Timeout time.Duration

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger

	// Metrics is an optional metrics set.
	Metrics *observability.Metrics

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client is the REST client for task chat history.
type Client struct {
	baseURL string
	cred    *auth.Credential
	http    *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewClient creates a history client with the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("history: base URL is required")
	}
	if cfg.Credential == nil {
		return nil, fmt.Errorf("history: credential is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NopMetrics()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cred:    cfg.Credential,
		http:    httpClient,
		logger:  cfg.Logger.With("component", "history"),
		metrics: cfg.Metrics,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

type pageResponse struct {
	TaskID   int64            `json:"task_id"`
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
	Count    int              `json:"count"`
}

type participantsResponse struct {
	TaskID       int64                `json:"task_id"`
	Participants []models.Participant `json:"participants"`
	Count        int                  `json:"count"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// LoadPage fetches one page of messages, oldest first. A 403 maps to a
// permission error; the caller never retries automatically.
func (c *Client) LoadPage(ctx context.Context, taskID int64, limit, offset int) (models.Page, error) {
	path := fmt.Sprintf("/tasks/%d/messages?limit=%d&offset=%d", taskID, limit, offset)

	var resp pageResponse
	err := c.getJSON(ctx, "messages", path, &resp)
	if err != nil {
		return models.Page{}, err
	}
	return models.Page{Messages: resp.Messages, HasMore: resp.HasMore}, nil
}

// PostMessage creates a message through REST and returns the stored message.
// Empty-after-trim content is rejected before any network call.
func (c *Client) PostMessage(ctx context.Context, taskID int64, content string) (models.Message, error) {
	trimmed, ok := models.ValidateContent(content)
	if !ok {
		return models.Message{}, models.ErrValidation("message content is required")
	}

	var msg models.Message
	path := fmt.Sprintf("/tasks/%d/messages", taskID)
	if err := c.postJSON(ctx, "post_message", path, postMessageRequest{Content: trimmed}, &msg); err != nil {
		return models.Message{}, err
	}
	if msg.TaskID == 0 {
		msg.TaskID = taskID
	}
	return msg, nil
}

// LoadParticipants fetches the users allowed to take part in the task chat.
func (c *Client) LoadParticipants(ctx context.Context, taskID int64) ([]models.Participant, error) {
	var resp participantsResponse
	path := fmt.Sprintf("/tasks/%d/chat/participants", taskID)
	if err := c.getJSON(ctx, "participants", path, &resp); err != nil {
		return nil, err
	}
	return resp.Participants, nil
}

// Stats fetches the chat statistics for a task.
func (c *Client) Stats(ctx context.Context, taskID int64) (models.ChatStats, error) {
	var stats models.ChatStats
	path := fmt.Sprintf("/tasks/%d/chat/stats", taskID)
	if err := c.getJSON(ctx, "stats", path, &stats); err != nil {
		return models.ChatStats{}, err
	}
	return stats, nil
}

// CheckPermission reports whether the user may access the task's chat.
// A 403 response means "no permission", not an error.
func (c *Client) CheckPermission(ctx context.Context, taskID int64) (bool, error) {
	var stats models.ChatStats
	path := fmt.Sprintf("/tasks/%d/chat/stats", taskID)
	err := c.getJSON(ctx, "permission", path, &stats)
	if err != nil {
		if models.IsPermission(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, out any) error {
	return c.do(ctx, endpoint, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, endpoint, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.ErrNetwork("encode request", err)
	}
	return c.do(ctx, endpoint, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, body []byte, out any) error {
	ctx, span := c.tracer.Start(ctx, "history."+endpoint,
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		))
	defer span.End()

	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.RequestDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.ErrNetwork("build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cred.Token())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return models.ErrNetwork(fmt.Sprintf("request %s failed", path), err)
	}
	defer resp.Body.Close()

	status = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusForbidden {
		span.SetStatus(codes.Error, resp.Status)
		return models.ErrPermission("access denied for " + path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(detail) > 0 {
			return models.ErrNetwork(fmt.Sprintf("request %s failed: %s (%s)",
				path, resp.Status, strings.TrimSpace(string(detail))), nil)
		}
		return models.ErrNetwork(fmt.Sprintf("request %s failed: %s", path, resp.Status), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.ErrNetwork(fmt.Sprintf("decode %s", path), err)
	}
	return nil
}
