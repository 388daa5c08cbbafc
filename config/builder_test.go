package config

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jpalmerr/apiprobe"
)

// call is one request recorded by fakeCaller.
type call struct {
	delay  time.Duration
	method string
	path   string
	params url.Values
}

// response is the outcome fakeCaller hands to a callback.
type response struct {
	err    error
	result any
}

// fakeCaller records calls and answers them synchronously.
type fakeCaller struct {
	mu        sync.Mutex
	calls     []call
	responses map[string]response
}

func (f *fakeCaller) CallAfter(_ context.Context, delay time.Duration, method, path string, params url.Values, cb apiprobe.Callback) {
	f.mu.Lock()
	f.calls = append(f.calls, call{delay: delay, method: method, path: path, params: params})
	resp, ok := f.responses[path]
	f.mu.Unlock()

	if !ok {
		resp = response{result: map[string]any{"ok": true}}
	}
	cb(resp.err, resp.result, nil)
}

func (f *fakeCaller) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, len(f.calls))
	for i, c := range f.calls {
		paths[i] = c.path
	}
	return paths
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReporter(buf *bytes.Buffer) *apiprobe.Reporter {
	return apiprobe.NewReporter(buf, "api", testLogger())
}

// runAll invokes every operation in order.
func runAll(t *testing.T, ops []apiprobe.Operation) {
	t.Helper()
	for i, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("operation %d returned error: %v", i, err)
		}
	}
}

func TestBuildOperations_Probes(t *testing.T) {
	cfg := &Config{
		BaseURL: "https://api.example.com",
		Probes: []ProbeConfig{
			{Name: "showUser", Path: "/1/users/show.json", Params: map[string]string{"screen_name": "polotek"}},
			{Name: "update", Method: "POST", Path: "/1/statuses/update.json"},
		},
	}

	caller := &fakeCaller{}
	var diag bytes.Buffer
	ops, err := BuildOperations(context.Background(), cfg, caller, newTestReporter(&diag))
	if err != nil {
		t.Fatalf("BuildOperations() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2", len(ops))
	}

	// building must not start any call
	if len(caller.calls) != 0 {
		t.Fatalf("calls before run = %d, want 0", len(caller.calls))
	}

	runAll(t, ops)

	if len(caller.calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2", len(caller.calls))
	}
	first := caller.calls[0]
	if first.method != "" || first.path != "/1/users/show.json" || first.params.Get("screen_name") != "polotek" {
		t.Errorf("first call = %+v", first)
	}
	if caller.calls[1].method != "POST" || caller.calls[1].params != nil {
		t.Errorf("second call = %+v", caller.calls[1])
	}
	if diag.Len() != 0 {
		t.Errorf("unexpected diagnostics: %q", diag.String())
	}
}

func TestBuildOperations_ReportsFailures(t *testing.T) {
	cfg := &Config{
		Probes: []ProbeConfig{
			{Name: "friends", Path: "/1/friends.json"},
			{Name: "missing", Path: "/1/missing.json"},
			{Name: "profileImage", Path: "/1/profile_image.json", AcceptStatus: []int{302}},
		},
	}

	caller := &fakeCaller{responses: map[string]response{
		"/1/friends.json":       {result: []any{}},
		"/1/missing.json":       {err: &apiprobe.TransportError{StatusCode: 404, Body: `{"error":"Not found","request":"/1/missing.json"}`}},
		"/1/profile_image.json": {err: &apiprobe.TransportError{StatusCode: 302, Body: "redirect"}},
	}}
	var diag bytes.Buffer
	ops, err := BuildOperations(context.Background(), cfg, caller, newTestReporter(&diag))
	if err != nil {
		t.Fatalf("BuildOperations() error = %v", err)
	}
	runAll(t, ops)

	want := "<api.friends>\n ValidationError: expected a non-empty list, got an empty list\n\n\n\n" +
		"<api.missing>\n Not found (404): /1/missing.json\n\n\n"
	if diag.String() != want {
		t.Errorf("diagnostics = %q, want %q", diag.String(), want)
	}
}

func TestBuildOperations_FollowUps(t *testing.T) {
	cfg := &Config{
		Probes: []ProbeConfig{
			{
				Name:   "update",
				Method: "POST",
				Path:   "/1/statuses/update.json",
				Then: []FollowUpConfig{
					{Name: "show", Path: "/1/statuses/show/{{.id_str}}.json"},
					{
						Name:   "destroy",
						Method: "POST",
						Path:   "/1/statuses/destroy/{{.id_str}}.json",
						Params: map[string]string{"trim_user": "{{.user.id}}"},
						Delay:  Duration(100 * time.Millisecond),
					},
				},
			},
		},
	}

	caller := &fakeCaller{responses: map[string]response{
		"/1/statuses/update.json": {result: map[string]any{
			"id_str": "30489217779896320",
			"user":   map[string]any{"id": "7"},
		}},
	}}
	var diag bytes.Buffer
	ops, err := BuildOperations(context.Background(), cfg, caller, newTestReporter(&diag))
	if err != nil {
		t.Fatalf("BuildOperations() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1 (follow-ups are not queued)", len(ops))
	}
	runAll(t, ops)

	want := []string{
		"/1/statuses/update.json",
		"/1/statuses/show/30489217779896320.json",
		"/1/statuses/destroy/30489217779896320.json",
	}
	if got := caller.paths(); !reflect.DeepEqual(got, want) {
		t.Errorf("paths = %v, want %v", got, want)
	}

	destroy := caller.calls[2]
	if destroy.delay != 100*time.Millisecond {
		t.Errorf("destroy delay = %v, want 100ms", destroy.delay)
	}
	if destroy.params.Get("trim_user") != "7" {
		t.Errorf("destroy params = %v", destroy.params)
	}
	if diag.Len() != 0 {
		t.Errorf("unexpected diagnostics: %q", diag.String())
	}
}

func TestBuildOperations_FollowUpEscapesPathValues(t *testing.T) {
	cfg := &Config{
		Probes: []ProbeConfig{
			{
				Name: "update",
				Path: "/1/statuses/update.json",
				Then: []FollowUpConfig{{
					Name:   "destroy",
					Path:   "/1/statuses/destroy/{{.id_str}}.json",
					Params: map[string]string{"id": "{{.id_str}}"},
				}},
			},
		},
	}

	caller := &fakeCaller{responses: map[string]response{
		"/1/statuses/update.json": {result: map[string]any{"id_str": "a/b%c"}},
	}}
	ops, err := BuildOperations(context.Background(), cfg, caller, newTestReporter(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("BuildOperations() error = %v", err)
	}
	runAll(t, ops)

	want := []string{"/1/statuses/update.json", "/1/statuses/destroy/a%2Fb%25c.json"}
	if got := caller.paths(); !reflect.DeepEqual(got, want) {
		t.Errorf("paths = %v, want %v", got, want)
	}
	if got := caller.calls[1].params.Get("id"); got != "a/b%c" {
		t.Errorf("params id = %q, want raw value a/b%%c", got)
	}
}

func TestBuildOperations_ExpectError(t *testing.T) {
	cfg := &Config{
		Probes: []ProbeConfig{
			{Name: "missing", Path: "/1/missing.json", ExpectError: true},
			{Name: "present", Path: "/1/present.json", ExpectError: true},
		},
	}

	caller := &fakeCaller{responses: map[string]response{
		"/1/missing.json": {err: &apiprobe.TransportError{StatusCode: 404, Body: `{"error":"Not found","request":"/1/missing.json"}`}},
	}}
	var diag bytes.Buffer
	ops, err := BuildOperations(context.Background(), cfg, caller, newTestReporter(&diag))
	if err != nil {
		t.Fatalf("BuildOperations() error = %v", err)
	}
	runAll(t, ops)

	want := "<api.present>\n ValidationError: expected the call to fail, got a result\n\n\n\n"
	if diag.String() != want {
		t.Errorf("diagnostics = %q, want %q", diag.String(), want)
	}
}

func TestBuildOperations_FollowUpFromList(t *testing.T) {
	cfg := &Config{
		Probes: []ProbeConfig{
			{
				Name: "timeline",
				Path: "/1/statuses/home_timeline.json",
				Then: []FollowUpConfig{{Name: "show", Path: "/1/statuses/show/{{.id_str}}.json"}},
			},
		},
	}

	caller := &fakeCaller{responses: map[string]response{
		"/1/statuses/home_timeline.json": {result: []any{
			map[string]any{"id_str": "1"},
			map[string]any{"id_str": "2"},
		}},
	}}
	ops, err := BuildOperations(context.Background(), cfg, caller, newTestReporter(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("BuildOperations() error = %v", err)
	}
	runAll(t, ops)

	if got := caller.paths(); len(got) != 2 || got[1] != "/1/statuses/show/1.json" {
		t.Errorf("paths = %v, want follow-up rendered from first element", got)
	}
}

func TestBuildOperations_FollowUpSkippedOnFailure(t *testing.T) {
	cfg := &Config{
		Probes: []ProbeConfig{
			{
				Name: "update",
				Path: "/1/statuses/update.json",
				Then: []FollowUpConfig{{Name: "destroy", Path: "/1/statuses/destroy/{{.id_str}}.json"}},
			},
		},
	}

	caller := &fakeCaller{responses: map[string]response{
		"/1/statuses/update.json": {err: &apiprobe.TransportError{StatusCode: 500, Body: "oops"}},
	}}
	var diag bytes.Buffer
	ops, err := BuildOperations(context.Background(), cfg, caller, newTestReporter(&diag))
	if err != nil {
		t.Fatalf("BuildOperations() error = %v", err)
	}
	runAll(t, ops)

	if got := caller.paths(); len(got) != 1 {
		t.Errorf("paths = %v, want only the parent call", got)
	}
	if diag.String() != "<api.update>\n (500): oops\n\n\n" {
		t.Errorf("diagnostics = %q", diag.String())
	}
}

func TestBuildOperations_FollowUpMissingField(t *testing.T) {
	cfg := &Config{
		Probes: []ProbeConfig{
			{
				Name: "update",
				Path: "/1/statuses/update.json",
				Then: []FollowUpConfig{{Name: "destroy", Path: "/1/statuses/destroy/{{.id_str}}.json"}},
			},
		},
	}

	caller := &fakeCaller{responses: map[string]response{
		"/1/statuses/update.json": {result: map[string]any{"id": 1}},
	}}
	var diag bytes.Buffer
	ops, err := BuildOperations(context.Background(), cfg, caller, newTestReporter(&diag))
	if err != nil {
		t.Fatalf("BuildOperations() error = %v", err)
	}
	runAll(t, ops)

	if got := caller.paths(); len(got) != 1 {
		t.Errorf("paths = %v, want follow-up not started", got)
	}
	if !strings.HasPrefix(diag.String(), "<api.update.destroy>\n TemplateError: path: ") {
		t.Errorf("diagnostics = %q, want template error under follow-up tag", diag.String())
	}
}

func TestBuildOperations_Grid(t *testing.T) {
	cfg := &Config{
		Grids: []GridConfig{
			{
				Name:         "lookup",
				PathTemplate: "/1/users/{{.user}}.{{.format}}",
				Params:       map[string]string{"screen_name": "{{.user}}"},
				Dimensions: map[string][]string{
					"user":   {"alice", "bob smith"},
					"format": {"json"},
				},
			},
		},
	}

	caller := &fakeCaller{}
	ops, err := BuildOperations(context.Background(), cfg, caller, newTestReporter(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("BuildOperations() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2", len(ops))
	}
	runAll(t, ops)

	// path values are escaped, params are not
	want := []string{"/1/users/alice.json", "/1/users/bob%20smith.json"}
	if got := caller.paths(); !reflect.DeepEqual(got, want) {
		t.Errorf("paths = %v, want %v", got, want)
	}
	if got := caller.calls[1].params.Get("screen_name"); got != "bob smith" {
		t.Errorf("screen_name = %q, want %q", got, "bob smith")
	}
}

func TestBuildOperations_GridTemplateExecutionError(t *testing.T) {
	cfg := &Config{
		Grids: []GridConfig{
			{
				Name:         "lookup",
				PathTemplate: "/1/users/{{.missing}}.json",
				Dimensions:   map[string][]string{"user": {"alice"}},
			},
		},
	}

	_, err := BuildOperations(context.Background(), cfg, &fakeCaller{}, newTestReporter(&bytes.Buffer{}))
	if err == nil {
		t.Fatal("BuildOperations() expected error for missing template key, got nil")
	}
	if !strings.Contains(err.Error(), "template execution failed") {
		t.Errorf("error = %v, want template execution failure", err)
	}
}

func TestBuildOperations_EmptyConfig(t *testing.T) {
	ops, err := BuildOperations(context.Background(), &Config{}, &fakeCaller{}, newTestReporter(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("BuildOperations() error = %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("len(ops) = %d, want 0", len(ops))
	}
}

func TestGridProbeName(t *testing.T) {
	got := gridProbeName("lookup", map[string]string{"user": "alice", "format": "json"})
	if got != "lookup.json.alice" {
		t.Errorf("gridProbeName() = %q, want %q", got, "lookup.json.alice")
	}
}

func TestCartesianProduct_DeterministicOrder(t *testing.T) {
	dims := map[string][]string{
		"user":   {"alice", "bob"},
		"format": {"json", "xml"},
	}

	want := []map[string]string{
		{"format": "json", "user": "alice"},
		{"format": "json", "user": "bob"},
		{"format": "xml", "user": "alice"},
		{"format": "xml", "user": "bob"},
	}

	// run several times; map iteration order must not leak into the result
	for i := 0; i < 10; i++ {
		if got := cartesianProduct(dims); !reflect.DeepEqual(got, want) {
			t.Fatalf("cartesianProduct() = %v, want %v", got, want)
		}
	}

	if cartesianProduct(nil) != nil {
		t.Error("cartesianProduct(nil) should be nil")
	}
}

func TestNewClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		if got := r.Header.Get("User-Agent"); got != "apiprobe" {
			t.Errorf("User-Agent = %q, want apiprobe", got)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	cfg := &Config{
		BaseURL:     server.URL,
		Timeout:     Duration(2 * time.Second),
		Headers:     map[string]string{"User-Agent": "apiprobe"},
		Credentials: Credentials{Username: "polotek", Password: "secret", Token: "tok"},
	}

	client, err := NewClient(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	if _, _, err := client.Do(context.Background(), http.MethodGet, "/", nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}

func TestNewClient_OAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		if !strings.HasPrefix(got, "OAuth ") || !strings.Contains(got, `oauth_consumer_key="ck"`) {
			t.Errorf("Authorization = %q, want OAuth header for consumer ck", got)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	cfg := &Config{
		BaseURL: server.URL,
		Credentials: Credentials{
			Username: "polotek",
			Password: "secret",
			OAuth: &OAuthCredentials{
				ConsumerKey:       "ck",
				ConsumerSecret:    "cs",
				AccessToken:       "at",
				AccessTokenSecret: "as",
			},
		},
	}

	client, err := NewClient(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	if _, _, err := client.Do(context.Background(), http.MethodGet, "/", nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}

func TestRunnerOptions(t *testing.T) {
	cfg := &Config{
		TagPrefix:     "Twitter",
		BatchSize:     3,
		BatchInterval: Duration(200 * time.Millisecond),
	}

	runner, err := apiprobe.New(append(RunnerOptions(cfg), apiprobe.WithLogger(testLogger()))...)
	if err != nil {
		t.Fatalf("apiprobe.New() error = %v", err)
	}

	if runner.BatchSize() != 3 {
		t.Errorf("BatchSize() = %d, want 3", runner.BatchSize())
	}
	if runner.BatchInterval() != 200*time.Millisecond {
		t.Errorf("BatchInterval() = %v, want 200ms", runner.BatchInterval())
	}
	if got := runner.Reporter().Tag("x"); got != "<Twitter.x>" {
		t.Errorf("Tag() = %q, want <Twitter.x>", got)
	}
}

func TestRunnerOptions_Defaults(t *testing.T) {
	runner, err := apiprobe.New(RunnerOptions(&Config{})...)
	if err != nil {
		t.Fatalf("apiprobe.New() error = %v", err)
	}
	if runner.BatchSize() != 1 || runner.BatchInterval() != time.Second {
		t.Errorf("defaults = %d, %v, want 1, 1s", runner.BatchSize(), runner.BatchInterval())
	}
	if got := runner.Reporter().Tag("x"); got != "<api.x>" {
		t.Errorf("Tag() = %q, want <api.x>", got)
	}
}
