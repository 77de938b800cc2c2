package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"adgen/server/internal/provider"
)

type scriptedSource struct {
	calls   int
	records []provider.TaskRecord
	errs    []error
}

func (s *scriptedSource) RecordInfo(ctx context.Context, taskID string) (provider.TaskRecord, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return provider.TaskRecord{}, s.errs[i]
	}
	if i < len(s.records) {
		return s.records[i], nil
	}
	return provider.TaskRecord{TaskID: taskID, State: "running"}, nil
}

func TestClassify(t *testing.T) {
	cases := map[string]Status{
		"success":    StatusSuccess,
		"done":       StatusSuccess,
		"completed":  StatusSuccess,
		"fail":       StatusFail,
		"failed":     StatusFail,
		"error":      StatusFail,
		"waiting":    StatusQueued,
		"queuing":    StatusQueued,
		"queue":      StatusQueued,
		"queued":     StatusQueued,
		"running":    StatusGenerating,
		"processing": StatusGenerating,
		"":           StatusGenerating,
		"mystery":    StatusGenerating,
	}
	for raw, want := range cases {
		if got := Classify(raw); got != want {
			t.Errorf("Classify(%q)=%s want %s", raw, got, want)
		}
		if got := Classify(raw); got.Terminal() != (want == StatusSuccess || want == StatusFail) {
			t.Errorf("Terminal mismatch for %q", raw)
		}
	}
}

func TestWaitSuccess(t *testing.T) {
	src := &scriptedSource{records: []provider.TaskRecord{
		{State: "queuing"},
		{State: "running"},
		{State: "done", ImageURL: "https://img.example.com/1.png"},
	}}
	p := New(src, Options{Interval: 0, MaxAttempts: 60})

	var seen []Status
	url, err := p.Wait(context.Background(), "job-1", func(s Status) { seen = append(seen, s) })
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if url != "https://img.example.com/1.png" {
		t.Fatalf("url=%q", url)
	}
	if src.calls != 3 {
		t.Fatalf("calls=%d", src.calls)
	}
	want := []Status{StatusQueued, StatusGenerating, StatusSuccess}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen=%v", seen)
		}
	}
}

func TestWaitTerminalFailure(t *testing.T) {
	src := &scriptedSource{records: []provider.TaskRecord{
		{State: "running"},
		{State: "failed", FailMessage: "nsfw content"},
	}}
	p := New(src, Options{Interval: 0})
	_, err := p.Wait(context.Background(), "job-2", nil)
	if !errors.Is(err, provider.ErrGenerationFailed) {
		t.Fatalf("expected generation failed, got %v", err)
	}
	if provider.Message(err) != "nsfw content" {
		t.Fatalf("message=%q", provider.Message(err))
	}
}

func TestWaitTimeoutAfterBudget(t *testing.T) {
	src := &scriptedSource{}
	p := New(src, Options{Interval: 0, MaxAttempts: DefaultMaxAttempts})
	_, err := p.Wait(context.Background(), "job-3", nil)
	if !errors.Is(err, provider.ErrGenerationTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if src.calls != 60 {
		t.Fatalf("expected 60 attempts, got %d", src.calls)
	}
}

func TestWaitSwallowsTransientErrors(t *testing.T) {
	netErr := errors.New("connection reset")
	src := &scriptedSource{
		errs: []error{netErr, provider.UpstreamError("Kie.ai", "HTTP_502", "bad gateway", nil), nil},
		records: []provider.TaskRecord{
			{}, {},
			{State: "success", ImageURL: "https://img.example.com/ok.png"},
		},
	}
	p := New(src, Options{Interval: 0, MaxAttempts: 5})
	url, err := p.Wait(context.Background(), "job-4", nil)
	if err != nil {
		t.Fatalf("transient errors must not abort: %v", err)
	}
	if url == "" || src.calls != 3 {
		t.Fatalf("url=%q calls=%d", url, src.calls)
	}
}

func TestWaitTransientErrorsCountAgainstBudget(t *testing.T) {
	boom := errors.New("dns failure")
	src := &scriptedSource{errs: []error{boom, boom, boom}}
	p := New(src, Options{Interval: 0, MaxAttempts: 3})
	if _, err := p.Wait(context.Background(), "job-5", nil); !errors.Is(err, provider.ErrGenerationTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestWaitConfigurationErrorAborts(t *testing.T) {
	src := &scriptedSource{errs: []error{provider.ConfigError("Kie.ai", "KIE_API_KEY")}}
	p := New(src, Options{Interval: 0, MaxAttempts: 10})
	if _, err := p.Wait(context.Background(), "job-6", nil); !errors.Is(err, provider.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("calls=%d", src.calls)
	}
}

func TestWaitSuccessWithoutURLFailsLoudly(t *testing.T) {
	src := &scriptedSource{records: []provider.TaskRecord{{State: "success"}}}
	p := New(src, Options{Interval: 0})
	if _, err := p.Wait(context.Background(), "job-7", nil); !errors.Is(err, provider.ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	src := &scriptedSource{}
	p := New(src, Options{Interval: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx, "job-8", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
