package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultKieBaseURL = "https://api.kie.ai/api/v1"
	maxKieBodyBytes   = 4 << 20
)

type KieOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// KieClient talks to the job based image generation API.
type KieClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewKie(opts KieOptions) *KieClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultKieBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &KieClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

type kieEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createTaskInput struct {
	Prompt       string   `json:"prompt"`
	AspectRatio  string   `json:"aspect_ratio,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
	ImageInput   []string `json:"image_input,omitempty"`
	Resolution   string   `json:"resolution,omitempty"`
}

type createTaskPayload struct {
	Model string          `json:"model"`
	Input createTaskInput `json:"input"`
}

func (c *KieClient) CreateTask(ctx context.Context, req TaskRequest) (string, error) {
	if c.apiKey == "" {
		return "", ConfigError("Kie.ai", "KIE_API_KEY")
	}
	payload := createTaskPayload{
		Model: req.Model,
		Input: createTaskInput{
			Prompt:       req.Prompt,
			AspectRatio:  req.AspectRatio,
			OutputFormat: req.OutputFormat,
			ImageInput:   req.ImageInputs,
			Resolution:   req.Resolution,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	env, err := c.do(ctx, http.MethodPost, c.baseURL+"/jobs/createTask", body)
	if err != nil {
		return "", err
	}
	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.TaskID == "" {
		return "", ParseError("Kie.ai returned no task id", err)
	}
	return data.TaskID, nil
}

func (c *KieClient) RecordInfo(ctx context.Context, taskID string) (TaskRecord, error) {
	if c.apiKey == "" {
		return TaskRecord{}, ConfigError("Kie.ai", "KIE_API_KEY")
	}
	endpoint := c.recordInfoEndpoint(taskID) + "?taskId=" + url.QueryEscape(taskID)
	env, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return TaskRecord{}, err
	}
	var data map[string]any
	if err := json.Unmarshal(env.Data, &data); err != nil || data == nil {
		return TaskRecord{}, ParseError("Kie.ai returned no task data", err)
	}
	rec := normalizeTaskRecord(data)
	if rec.TaskID == "" {
		rec.TaskID = taskID
	}
	return rec, nil
}

// Playground tasks are served from a different status endpoint.
func (c *KieClient) recordInfoEndpoint(taskID string) string {
	if strings.Contains(taskID, "nano-banana") || strings.HasPrefix(taskID, "task_") {
		return c.baseURL + "/playground/recordInfo"
	}
	return c.baseURL + "/jobs/recordInfo"
}

func (c *KieClient) do(ctx context.Context, method, endpoint string, body []byte) (kieEnvelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return kieEnvelope{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return kieEnvelope{}, UpstreamError("Kie.ai", "REQUEST_FAILED", err.Error(), err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxKieBodyBytes))
	if err != nil {
		return kieEnvelope{}, UpstreamError("Kie.ai", "READ_FAILED", err.Error(), err)
	}

	var env kieEnvelope
	decodeErr := json.Unmarshal(raw, &env)
	if httpResp.StatusCode >= 400 {
		msg := env.Msg
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		c.logger.Warn("kie_http_error", "endpoint", endpoint, "status", httpResp.StatusCode, "msg", msg)
		return kieEnvelope{}, UpstreamError("Kie.ai", fmt.Sprintf("HTTP_%d", httpResp.StatusCode), msg, nil)
	}
	if decodeErr != nil {
		return kieEnvelope{}, ParseError("Kie.ai response is not valid JSON", decodeErr)
	}
	if env.Code != http.StatusOK {
		return kieEnvelope{}, UpstreamError("Kie.ai", fmt.Sprintf("CODE_%d", env.Code), env.Msg, nil)
	}
	return env, nil
}

func normalizeTaskRecord(data map[string]any) TaskRecord {
	return TaskRecord{
		TaskID:      firstString(data, "taskId"),
		State:       firstString(data, "status", "state"),
		ImageURL:    extractImageURL(data),
		FailMessage: firstString(data, "error", "message", "failMsg"),
	}
}

// extractImageURL checks the known response shapes in priority order.
func extractImageURL(data map[string]any) string {
	output, _ := data["output"].(map[string]any)
	result, _ := data["result"].(map[string]any)

	candidates := []string{
		stringAt(output, "image_url"),
		stringAt(output, "url"),
		stringAt(result, "url"),
		stringAt(data, "imageUrl"),
		stringAt(data, "url"),
		firstOfList(output["images"]),
		firstOfList(data["output"]),
		resultJSONURL(data["resultJson"]),
	}
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

func resultJSONURL(v any) string {
	var obj map[string]any
	switch t := v.(type) {
	case string:
		if t == "" {
			return ""
		}
		if err := json.Unmarshal([]byte(t), &obj); err != nil {
			return ""
		}
	case map[string]any:
		obj = t
	default:
		return ""
	}
	return firstOfList(obj["resultUrls"])
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringAt(m, k); s != "" {
			return s
		}
	}
	return ""
}

func stringAt(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func firstOfList(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	s, _ := list[0].(string)
	return strings.TrimSpace(s)
}

// IsConfiguration reports whether err is a missing-credential failure.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
