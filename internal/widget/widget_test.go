package widget

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/surveykit/internal/display"
	"github.com/kalambet/surveykit/internal/errs"
	"github.com/kalambet/surveykit/internal/remote"
	"github.com/kalambet/surveykit/internal/storage"
)

const serviceState = `{
	"version":"v1",
	"person":{"id":"p-1"},
	"session":{"id":"sess-1","personId":"p-1"},
	"actionClasses":[
		{"id":"ac-1","name":"signup","type":"code","key":"signup"},
		{"id":"ac-2","name":"pricing","type":"urlMatch","url":{"rule":"contains","value":"/pricing"}},
		{"id":"ac-3","name":"upgrade","type":"code","key":"upgrade"}
	],
	"surveys":[
		{"id":"s-signup","status":"inProgress","triggers":[{"actionClass":"signup"}],"recontact":{"displayOption":"respondMultiple"}},
		{"id":"s-pricing","status":"inProgress","triggers":[{"actionClass":"pricing"}],"recontact":{"displayOption":"respondMultiple"}}
	]
}`

// fakeService imitates the client API of the survey service.
type fakeService struct {
	mu        sync.Mutex
	state     string
	calls     []string
	responses []remote.ResponseUpdate
	attrs     map[string]string
}

func newService(t *testing.T, stateJSON string) (*fakeService, *httptest.Server) {
	t.Helper()
	svc := &fakeService{state: stateJSON, attrs: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/client/{env}/state", func(w http.ResponseWriter, r *http.Request) {
		svc.record(r)
		svc.mu.Lock()
		body := `{"data":` + svc.state + `}`
		svc.mu.Unlock()
		w.Write([]byte(body))
	})
	mux.HandleFunc("POST /api/v1/client/{env}/people/{id}/attributes", func(w http.ResponseWriter, r *http.Request) {
		svc.record(r)
		var body struct{ Key, Value string }
		json.NewDecoder(r.Body).Decode(&body)
		svc.mu.Lock()
		svc.attrs[body.Key] = body.Value
		svc.mu.Unlock()
		w.Write([]byte(`{"data":{}}`))
	})
	mux.HandleFunc("POST /api/v1/client/{env}/displays", func(w http.ResponseWriter, r *http.Request) {
		svc.record(r)
		w.Write([]byte(`{"data":{"id":"disp-1"}}`))
	})
	mux.HandleFunc("POST /api/v1/client/{env}/responses", func(w http.ResponseWriter, r *http.Request) {
		svc.record(r)
		svc.addResponse(r)
		w.Write([]byte(`{"data":{"id":"resp-1"}}`))
	})
	mux.HandleFunc("PUT /api/v1/client/{env}/responses/{id}", func(w http.ResponseWriter, r *http.Request) {
		svc.record(r)
		svc.addResponse(r)
		w.Write([]byte(`{"data":{}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return svc, srv
}

func (s *fakeService) record(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)
}

func (s *fakeService) addResponse(r *http.Request) {
	var u remote.ResponseUpdate
	json.NewDecoder(r.Body).Decode(&u)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, u)
}

type fakeRenderer struct {
	mu     sync.Mutex
	mounts []display.Mount
}

func (r *fakeRenderer) Mount(_ context.Context, m display.Mount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mounts = append(r.mounts, m)
	return nil
}

func (r *fakeRenderer) Unmount(string) {}

func (r *fakeRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mounts)
}

func newRuntime(t *testing.T) (*Runtime, *storage.Store, *fakeRenderer) {
	t.Helper()
	history, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { history.Close() })
	renderer := &fakeRenderer{}
	return New(history, renderer, nil), history, renderer
}

func wait(t *testing.T, op *Op) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := op.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("operation did not finish")
	}
	return err
}

func initRuntime(t *testing.T, rt *Runtime, host string) {
	t.Helper()
	op, err := rt.Init(InitConfig{EnvironmentID: "env-1", APIHost: host})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := wait(t, op); err != nil {
		t.Fatalf("Init op: %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })
}

func TestInit_RequiredFields(t *testing.T) {
	rt, _, _ := newRuntime(t)
	if _, err := rt.Init(InitConfig{APIHost: "http://localhost"}); err == nil {
		t.Error("Init without environment id succeeded")
	}
	if _, err := rt.Init(InitConfig{EnvironmentID: "env-1"}); err == nil {
		t.Error("Init without api host succeeded")
	}
	if err := wait(t, rt.Track("signup")); err != ErrNotInitialized {
		t.Errorf("Track before Init = %v, want ErrNotInitialized", err)
	}
}

func TestInit_TwiceSameEnvironmentIsNoop(t *testing.T) {
	_, srv := newService(t, serviceState)
	rt, _, _ := newRuntime(t)
	initRuntime(t, rt, srv.URL)

	op, err := rt.Init(InitConfig{EnvironmentID: "env-1", APIHost: srv.URL})
	if err != nil || wait(t, op) != nil {
		t.Errorf("second Init = %v", err)
	}
	if _, err := rt.Init(InitConfig{EnvironmentID: "env-2", APIHost: srv.URL}); err == nil {
		t.Error("Init for another environment succeeded while initialized")
	}
}

func TestTrack_DisplaysSurveyAndDeliversResponses(t *testing.T) {
	svc, srv := newService(t, serviceState)
	rt, history, renderer := newRuntime(t)
	initRuntime(t, rt, srv.URL)

	if got := rt.State().Version; got != "v1" {
		t.Fatalf("State version = %q, want v1", got)
	}
	if err := wait(t, rt.Track("signup")); err != nil {
		t.Fatalf("Track: %v", err)
	}

	cur, ok := rt.Current()
	if !ok || cur.SurveyID != "s-signup" {
		t.Fatalf("Current = %+v, want s-signup", cur)
	}
	if renderer.count() != 1 {
		t.Errorf("mounts = %d, want 1", renderer.count())
	}

	if err := rt.Answer("s-signup", "q1", "great"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := rt.Complete("s-signup"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	svc.mu.Lock()
	responses := append([]remote.ResponseUpdate(nil), svc.responses...)
	svc.mu.Unlock()
	if len(responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(responses))
	}
	if responses[0].Finished || !responses[1].Finished {
		t.Errorf("finished flags = %v, %v; want false, true", responses[0].Finished, responses[1].Finished)
	}
	if rt.Phase("s-signup") != display.Completed {
		t.Errorf("Phase = %s, want completed", rt.Phase("s-signup"))
	}

	displays, err := history.ListDisplays("env-1", 10)
	if err != nil || len(displays) != 1 {
		t.Errorf("displays = %v, %v; want one record", displays, err)
	}
}

func TestTrack_InvalidCode(t *testing.T) {
	_, srv := newService(t, serviceState)
	rt, _, renderer := newRuntime(t)
	initRuntime(t, rt, srv.URL)

	err := wait(t, rt.Track("abc123"))
	if !errs.Is(err, errs.KindInvalidCode) {
		t.Fatalf("Track err = %v, want invalid_code", err)
	}
	if renderer.count() != 0 {
		t.Errorf("mounts = %d, want 0", renderer.count())
	}
}

func TestInit_NewSessionFiresAutomaticAction(t *testing.T) {
	const withWelcome = `{
		"person":{"id":"p-1"},
		"session":{"id":"sess-1","personId":"p-1"},
		"actionClasses":[{"id":"ac-9","name":"New Session","type":"automatic"}],
		"surveys":[{"id":"s-welcome","status":"inProgress","triggers":[{"actionClass":"New Session"}]}]
	}`
	_, srv := newService(t, withWelcome)
	rt, _, _ := newRuntime(t)
	initRuntime(t, rt, srv.URL)

	if cur, ok := rt.Current(); !ok || cur.SurveyID != "s-welcome" {
		t.Errorf("Current = %+v, want s-welcome", cur)
	}
}

func TestRegisterRouteChange_EvaluatesPageRules(t *testing.T) {
	svc, srv := newService(t, serviceState)
	rt, _, _ := newRuntime(t)
	initRuntime(t, rt, srv.URL)

	if err := wait(t, rt.RegisterRouteChange("https://example.com/pricing")); err != nil {
		t.Fatalf("RegisterRouteChange: %v", err)
	}
	if cur, ok := rt.Current(); !ok || cur.SurveyID != "s-pricing" {
		t.Errorf("Current = %+v, want s-pricing", cur)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	fetches := 0
	for _, c := range svc.calls {
		if c == "GET /api/v1/client/env-1/state" {
			fetches++
		}
	}
	if fetches != 2 {
		t.Errorf("state fetches = %d, want init + route change", fetches)
	}
}

func TestSetEmail(t *testing.T) {
	svc, srv := newService(t, serviceState)
	rt, _, _ := newRuntime(t)
	initRuntime(t, rt, srv.URL)

	if err := wait(t, rt.SetEmail("ada@example.com")); err != nil {
		t.Fatalf("SetEmail: %v", err)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.attrs["email"] != "ada@example.com" {
		t.Errorf("remote email = %q", svc.attrs["email"])
	}
}

func TestLogout_ResetsAndAllowsReinit(t *testing.T) {
	_, srv := newService(t, serviceState)
	rt, history, _ := newRuntime(t)
	initRuntime(t, rt, srv.URL)

	if err := wait(t, rt.Track("signup")); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := wait(t, rt.Logout()); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if !rt.State().Empty() {
		t.Error("state not empty after Logout")
	}
	if err := wait(t, rt.Track("signup")); err != ErrNotInitialized {
		t.Errorf("Track after Logout = %v, want ErrNotInitialized", err)
	}
	if _, err := history.LoadSnapshot("env-1"); err != storage.ErrNotFound {
		t.Errorf("cached snapshot survived Logout: %v", err)
	}
	if displays, _ := history.ListDisplays("env-1", 10); len(displays) != 0 {
		t.Errorf("displays survived Logout: %d", len(displays))
	}

	initRuntime(t, rt, srv.URL)
	if rt.State().Version != "v1" {
		t.Error("runtime not usable after re-Init")
	}
}

func TestInit_UsesCacheWithoutNewSession(t *testing.T) {
	svc, srv := newService(t, serviceState)
	rt, history, _ := newRuntime(t)
	initRuntime(t, rt, srv.URL)
	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rt2 := New(history, &fakeRenderer{}, nil)
	initRuntime(t, rt2, srv.URL)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	fetches := 0
	for _, c := range svc.calls {
		if c == "GET /api/v1/client/env-1/state" {
			fetches++
		}
	}
	if fetches != 1 {
		t.Errorf("state fetches = %d, want cached snapshot reused", fetches)
	}
}
