package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"adgen/server/internal/concept"
	"adgen/server/internal/events"
	"adgen/server/internal/model"
	"adgen/server/internal/pipeline"
	"adgen/server/internal/poller"
	"adgen/server/internal/provider"
	"adgen/server/internal/session"
	"adgen/server/internal/token"
)

type stubLLM struct {
	err error
}

func (s *stubLLM) Complete(ctx context.Context, req provider.CompletionRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if !req.JSON {
		return "A bright studio shot of the product", nil
	}
	items := make([]map[string]string, 10)
	for i := range items {
		items[i] = map[string]string{
			"ad_copy":      fmt.Sprintf("Slogan %d", i+1),
			"product":      "Fizz Cola",
			"character":    "skater",
			"visual_guide": "neon street",
		}
	}
	raw, _ := json.Marshal(map[string]any{"ads": items})
	return string(raw), nil
}

type stubImages struct {
	mu    sync.Mutex
	tasks int
}

func (s *stubImages) CreateTask(ctx context.Context, req provider.TaskRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks++
	return fmt.Sprintf("task-%d", s.tasks), nil
}

func (s *stubImages) RecordInfo(ctx context.Context, taskID string) (provider.TaskRecord, error) {
	return provider.TaskRecord{
		TaskID:   taskID,
		State:    "success",
		ImageURL: "https://tmp.example.com/" + taskID + ".png",
	}, nil
}

type stubMedia struct{}

func (stubMedia) RehostURL(ctx context.Context, sourceURL, publicID string) (provider.HostedImage, error) {
	return provider.HostedImage{URL: "https://cdn.example.com/" + publicID + ".png", PublicID: publicID}, nil
}

func (stubMedia) Upload(ctx context.Context, body io.Reader, publicID, contentType string) (provider.HostedImage, error) {
	return provider.HostedImage{URL: "https://cdn.example.com/" + publicID + ".png", PublicID: publicID}, nil
}

func setupTestRouter(t *testing.T, llm provider.TextModel) *http.ServeMux {
	t.Helper()
	sessions := session.NewStore(time.Hour)
	hub := events.NewHub()
	images := &stubImages{}
	gen := concept.NewGenerator(llm, slog.Default())
	poll := poller.New(images, poller.Options{Interval: 0, MaxAttempts: 3})
	pipe := pipeline.NewService(sessions, hub, gen, images, stubMedia{}, poll, slog.Default(), pipeline.Options{RowDelay: 0})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pipe.Shutdown(ctx)
	})
	s := NewServer(Deps{
		Sessions: sessions,
		Tokens:   token.NewService("test-secret", time.Hour),
		Concepts: gen,
		Pipeline: pipe,
		Hub:      hub,
		Images:   images,
		Media:    stubMedia{},
		Settings: Settings{MediaFolder: "ad-genesis"},
		Logger:   slog.Default(),
	})

	mux := http.NewServeMux()
	mux.Handle("/", s.Router())
	return mux
}

func doJSON(t *testing.T, router http.Handler, method, path, handle string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if handle != "" {
		req.Header.Set("Authorization", "Bearer "+handle)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type sessionEnvelope struct {
	Data struct {
		Session model.Session `json:"session"`
		Running bool          `json:"running"`
	} `json:"data"`
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) model.Session {
	t.Helper()
	var env sessionEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode session response: %v body=%s", err, rec.Body.String())
	}
	return env.Data.Session
}

func createSession(t *testing.T, router http.Handler) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			SessionToken string `json:"session_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if resp.Data.SessionToken == "" {
		t.Fatalf("empty session token")
	}
	return resp.Data.SessionToken
}

func configureAndBuildTable(t *testing.T, router http.Handler, handle string) model.Session {
	t.Helper()
	rec := doJSON(t, router, http.MethodPut, "/api/v1/session/step", handle, map[string]any{"step": "setup"})
	if rec.Code != http.StatusOK {
		t.Fatalf("step setup status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPut, "/api/v1/session/config", handle, map[string]any{
		"ad_count":     10,
		"product_name": "Fizz Cola",
		"watermark":    "@fizz",
		"colors":       []map[string]string{{"hex": "#ff0000", "name": "Red"}},
		"style":        "bold",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("config status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPost, "/api/v1/session/table", handle, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("table status=%d body=%s", rec.Code, rec.Body.String())
	}
	return decodeSession(t, rec)
}

func TestSessionRequiresHandle(t *testing.T) {
	router := setupTestRouter(t, &stubLLM{})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/session", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodGet, "/api/v1/session", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status=%d", rec.Code)
	}
	var env struct {
		Error   APIError `json:"error"`
		TraceID string   `json:"trace_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.TraceID == "" || env.Error.Code == "" {
		t.Fatalf("unexpected envelope: %s", rec.Body.String())
	}
}

func TestWizardFlowGeneratesAndExports(t *testing.T) {
	router := setupTestRouter(t, &stubLLM{})
	handle := createSession(t, router)

	sess := configureAndBuildTable(t, router, handle)
	if sess.Step != model.StepReview {
		t.Fatalf("step=%s want review", sess.Step)
	}
	if len(sess.Rows) != 10 || sess.Rows[0].Index != "01" || sess.Rows[0].TextWatermark != "@fizz" {
		t.Fatalf("unexpected table: %+v", sess.Rows)
	}

	rec := doJSON(t, router, http.MethodPatch, "/api/v1/session/rows/1", handle, map[string]any{"ad_copy": "Edited"})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch row status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := decodeSession(t, rec).Rows[1].AdCopy; got != "Edited" {
		t.Fatalf("ad_copy=%q", got)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/session/generation/start", handle, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status=%d body=%s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doJSON(t, router, http.MethodGet, "/api/v1/session", handle, nil)
		sess = decodeSession(t, rec)
		if sess.Step == model.StepComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("generation did not complete: step=%s progress=%v", sess.Step, sess.GenerationProgress)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sess.GenerationProgress != 100 || len(sess.CompletedImages) != 10 {
		t.Fatalf("progress=%v images=%d", sess.GenerationProgress, len(sess.CompletedImages))
	}
	for _, r := range sess.Rows {
		if r.Status != model.RowComplete || !strings.HasPrefix(r.ImageURL, "https://cdn.example.com/") {
			t.Fatalf("row %s not rehosted: %+v", r.Index, r)
		}
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/session/export.csv", handle, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status=%d body=%s", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "fizz-cola-ads.csv") {
		t.Fatalf("content-disposition=%q", cd)
	}
	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 11 || records[0][0] != "index" || records[2][1] != "Edited" {
		t.Fatalf("unexpected csv: %v", records[:2])
	}
}

func TestTableGenerationErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not configured", provider.ConfigError("OpenAI", "OPENAI_API_KEY"), http.StatusServiceUnavailable, "NOT_CONFIGURED"},
		{"upstream", provider.UpstreamError("OpenAI", "rate_limited", "slow down", nil), http.StatusBadGateway, "GENERATION_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := setupTestRouter(t, &stubLLM{err: tc.err})
			handle := createSession(t, router)
			doJSON(t, router, http.MethodPut, "/api/v1/session/step", handle, map[string]any{"step": "setup"})
			doJSON(t, router, http.MethodPut, "/api/v1/session/config", handle, map[string]any{"product_name": "Fizz Cola"})

			rec := doJSON(t, router, http.MethodPost, "/api/v1/session/table", handle, nil)
			if rec.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
			var env struct {
				Error APIError `json:"error"`
			}
			_ = json.Unmarshal(rec.Body.Bytes(), &env)
			if env.Error.Code != tc.code {
				t.Fatalf("code=%s want %s", env.Error.Code, tc.code)
			}

			rec = doJSON(t, router, http.MethodGet, "/api/v1/session", handle, nil)
			if got := decodeSession(t, rec); got.Step != model.StepSetup || len(got.Rows) != 0 {
				t.Fatalf("failed generation mutated session: step=%s rows=%d", got.Step, len(got.Rows))
			}
		})
	}
}

func TestStartRequiresReview(t *testing.T) {
	router := setupTestRouter(t, &stubLLM{})
	handle := createSession(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/session/generation/start", handle, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPut, "/api/v1/session/step", handle, map[string]any{"step": "complete"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("skip step status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestResetRestoresInitialState(t *testing.T) {
	router := setupTestRouter(t, &stubLLM{})
	handle := createSession(t, router)
	before := configureAndBuildTable(t, router, handle)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/session/reset", handle, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status=%d body=%s", rec.Code, rec.Body.String())
	}
	after := decodeSession(t, rec)
	if after.ID != before.ID {
		t.Fatalf("reset changed session id")
	}
	if after.Step != model.StepWelcome || len(after.Rows) != 0 || after.Config.ProductName != "" {
		t.Fatalf("reset left state behind: %+v", after)
	}
}

func TestZipRequiresCompletedImages(t *testing.T) {
	router := setupTestRouter(t, &stubLLM{})
	handle := createSession(t, router)
	configureAndBuildTable(t, router, handle)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/session/download.zip", handle, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestBootstrapListsOptions(t *testing.T) {
	router := setupTestRouter(t, &stubLLM{})
	rec := doJSON(t, router, http.MethodGet, "/api/v1/bootstrap", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp struct {
		Data struct {
			AdCounts []int `json:"ad_counts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data.AdCounts) == 0 {
		t.Fatalf("no ad counts: %s", rec.Body.String())
	}
}

// gatedLLM holds the first JSON completion after arm until release closes.
type gatedLLM struct {
	stubLLM
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLLM) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
}

func (g *gatedLLM) Complete(ctx context.Context, req provider.CompletionRequest) (string, error) {
	g.mu.Lock()
	hold := g.armed && req.JSON
	if hold {
		g.armed = false
	}
	g.mu.Unlock()
	if !hold {
		return g.stubLLM.Complete(ctx, req)
	}
	close(g.entered)
	<-g.release
	return `{"ad_copy":"REGENERATED","character":"robot","visual_guide":"studio"}`, nil
}

func TestRegenerateRowRejectsChangedSession(t *testing.T) {
	cases := []struct {
		name   string
		method string
		path   string
		code   string
	}{
		{"generation started", http.MethodPost, "/api/v1/session/generation/start", "INVALID_STEP"},
		{"table replaced", http.MethodPost, "/api/v1/session/table", "SESSION_CHANGED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			llm := &gatedLLM{entered: make(chan struct{}), release: make(chan struct{})}
			router := setupTestRouter(t, llm)
			handle := createSession(t, router)
			configureAndBuildTable(t, router, handle)

			llm.arm()
			done := make(chan *httptest.ResponseRecorder, 1)
			go func() {
				done <- doJSON(t, router, http.MethodPost, "/api/v1/session/rows/9/regenerate", handle, nil)
			}()
			select {
			case <-llm.entered:
			case <-time.After(3 * time.Second):
				t.Fatalf("regenerate never reached the model")
			}

			rec := doJSON(t, router, tc.method, tc.path, handle, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("%s status=%d body=%s", tc.path, rec.Code, rec.Body.String())
			}
			close(llm.release)

			var regen *httptest.ResponseRecorder
			select {
			case regen = <-done:
			case <-time.After(3 * time.Second):
				t.Fatalf("regenerate never returned")
			}
			if regen.Code != http.StatusConflict {
				t.Fatalf("regenerate status=%d body=%s", regen.Code, regen.Body.String())
			}
			var env struct {
				Error APIError `json:"error"`
			}
			_ = json.Unmarshal(regen.Body.Bytes(), &env)
			if env.Error.Code != tc.code {
				t.Fatalf("code=%s want %s", env.Error.Code, tc.code)
			}

			sess := decodeSession(t, doJSON(t, router, http.MethodGet, "/api/v1/session", handle, nil))
			if sess.Rows[9].AdCopy == "REGENERATED" {
				t.Fatalf("regenerated concept landed on a changed session: %+v", sess.Rows[9])
			}
		})
	}
}

func TestAuthenticatedResponsesRenewHandle(t *testing.T) {
	router := setupTestRouter(t, &stubLLM{})
	handle := createSession(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/session", handle, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	renewed := rec.Header().Get("X-Session-Token")
	if renewed == "" || rec.Header().Get("X-Session-Expires-In") != "3600" {
		t.Fatalf("missing renewed handle headers: %v", rec.Header())
	}
	rec = doJSON(t, router, http.MethodGet, "/api/v1/session", renewed, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("renewed handle rejected: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/session", "", nil)
	if rec.Header().Get("X-Session-Token") != "" {
		t.Fatalf("unauthenticated response carried a handle")
	}
}
