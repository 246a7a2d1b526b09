package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/surveykit/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points the CLI commands at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

func TestTrackCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /track": `{"status":"ok"}`,
	})
	useServer(t, ts)

	if err := execute(t, "track", "signup"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/track" {
		t.Errorf("request = %s %s, want POST /track", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["action"] != "signup" {
		t.Errorf("body.action = %q, want signup", body["action"])
	}
}

func TestTrackCommand_InvalidCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"message":"invalid code: abc","type":"invalid_code"}}`))
	}))
	defer ts.Close()

	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}, nil
	}
	defer func() { newAPIClient = orig }()

	err := execute(t, "track", "abc")
	if err == nil {
		t.Fatal("expected error for invalid code")
	}
	if !strings.Contains(err.Error(), "invalid_code") || !strings.Contains(err.Error(), "422") {
		t.Errorf("error = %q, want status and type", err.Error())
	}
}

func TestTrackCommand_MissingArgs(t *testing.T) {
	err := execute(t, "track")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention args", err.Error())
	}
}

func TestTrackCommand_NoWait(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /track": `{"status":"accepted"}`,
	})
	useServer(t, ts)

	if err := execute(t, "track", "signup", "--no-wait"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// reset the flag for later tests sharing rootCmd
	trackCmd.Flags().Set("no-wait", "false")

	if ts.requests[0].Path != "/track?wait=false" {
		t.Errorf("path = %q, want /track?wait=false", ts.requests[0].Path)
	}
}

func TestAttrSetCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /attributes": `{"status":"ok"}`,
	})
	useServer(t, ts)

	if err := execute(t, "attr", "set", "plan", "pro"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["key"] != "plan" || body["value"] != "pro" {
		t.Errorf("body = %v", body)
	}
}

func TestClickCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /click": `{"status":"ok"}`,
	})
	useServer(t, ts)

	err := execute(t, "click",
		"--url", "https://example.com",
		"--html", `<a class="cta">Go</a>`,
		"--ancestor", `<nav class="top">`,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		URL       string   `json:"url"`
		HTML      string   `json:"html"`
		Ancestors []string `json:"ancestors"`
	}
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.HTML != `<a class="cta">Go</a>` || len(body.Ancestors) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestSurveyAnswerCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /survey/s-1/answer": `{"status":"recorded"}`,
	})
	useServer(t, ts)

	if err := execute(t, "survey", "answer", "s-1", "q1", "5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["questionId"] != "q1" || body["value"] != float64(5) {
		t.Errorf("body = %v", body)
	}
}

func TestAnswerValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"5", float64(5)},
		{"true", true},
		{"great", "great"},
		{`"quoted"`, "quoted"},
	}
	for _, tt := range tests {
		if got := answerValue(tt.raw); got != tt.want {
			t.Errorf("answerValue(%q) = %v (%T), want %v", tt.raw, got, got, tt.want)
		}
	}
	if got, ok := answerValue(`["a","b"]`).([]any); !ok || len(got) != 2 {
		t.Errorf("array answer = %v", got)
	}
}

func TestDisplaysList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /displays": `[{"id":"d-1","surveyId":"s-1","attemptId":"att-0001-long","displayedAt":"2026-01-01T00:00:00Z"}]`,
	})

	resp, err := ts.client().get(ctx, "/displays?limit=5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var displays []displayEntry
	if err := decodeJSON(resp, &displays); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(displays) != 1 || displays[0].SurveyID != "s-1" {
		t.Errorf("displays = %+v", displays)
	}
	if ts.requests[0].Path != "/displays?limit=5" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
	if shortID(displays[0].AttemptID) != "att-0001" {
		t.Errorf("shortID = %q", shortID(displays[0].AttemptID))
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`plain failure`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/state")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "plain failure") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Bridge.Port = 4100
	cfg.Environment.ID = "env-1"

	found := 0
	for _, k := range config.ShowAll(cfg) {
		if (k.Key == "bridge.port" && k.Value == "4100") || (k.Key == "environment.id" && k.Value == "env-1") {
			found++
		}
	}
	if found != 2 {
		t.Errorf("found %d of 2 expected keys in ShowAll output", found)
	}
}

func TestLogLevel(t *testing.T) {
	if logLevel("DEBUG").String() != "DEBUG" {
		t.Error("debug level not recognized")
	}
	if logLevel("verbose").String() != "INFO" {
		t.Error("unknown level should fall back to info")
	}
}
