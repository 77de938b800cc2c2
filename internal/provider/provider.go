package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Error kinds. A *Error unwraps to exactly one of these plus its cause.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrUpstream          = errors.New("upstream error")
	ErrParse             = errors.New("parse error")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrGenerationTimeout = errors.New("generation timed out")
)

type Error struct {
	Kind        error
	Code        string
	Retryable   bool
	UserMessage string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func ConfigError(service, key string) *Error {
	return &Error{
		Kind:        ErrConfiguration,
		Code:        "NOT_CONFIGURED",
		UserMessage: fmt.Sprintf("%s not configured (%s missing)", service, key),
	}
}

func UpstreamError(service, code, message string, cause error) *Error {
	if message == "" {
		message = "Unknown error"
	}
	return &Error{
		Kind:        ErrUpstream,
		Code:        code,
		Retryable:   true,
		UserMessage: fmt.Sprintf("%s error: %s", service, message),
		Err:         cause,
	}
}

func ParseError(message string, cause error) *Error {
	return &Error{
		Kind:        ErrParse,
		Code:        "PARSE_FAILED",
		UserMessage: message,
		Err:         cause,
	}
}

// Message returns the user facing text of err, unwrapping a *Error when present.
func Message(err error) string {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.UserMessage
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

type CompletionRequest struct {
	System      string
	Prompt      string
	ImageURL    string
	JSON        bool
	Temperature float32
	MaxTokens   int
}

// TextModel is the vision/text completion gateway.
type TextModel interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type TaskRequest struct {
	Model        string
	Prompt       string
	AspectRatio  string
	OutputFormat string
	ImageInputs  []string
	Resolution   string
}

// TaskRecord is a job status normalized at the gateway boundary.
type TaskRecord struct {
	TaskID      string
	State       string
	ImageURL    string
	FailMessage string
}

type ImageGateway interface {
	CreateTask(ctx context.Context, req TaskRequest) (string, error)
	RecordInfo(ctx context.Context, taskID string) (TaskRecord, error)
}

type HostedImage struct {
	URL      string `json:"url"`
	PublicID string `json:"publicId"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Rehoster copies images into durable CDN storage.
type Rehoster interface {
	RehostURL(ctx context.Context, sourceURL, publicID string) (HostedImage, error)
	Upload(ctx context.Context, body io.Reader, publicID, contentType string) (HostedImage, error)
}
