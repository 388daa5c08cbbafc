package apiprobe

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_Defaults(t *testing.T) {
	runner, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if runner.BatchSize() != 1 {
		t.Errorf("BatchSize() = %d, want 1", runner.BatchSize())
	}
	if runner.BatchInterval() != time.Second {
		t.Errorf("BatchInterval() = %v, want 1s", runner.BatchInterval())
	}
	if got := runner.Reporter().Tag("showUser"); got != "<api.showUser>" {
		t.Errorf("Tag() = %q, want <api.showUser>", got)
	}
}

func TestNew_Options(t *testing.T) {
	runner, err := New(
		WithBatchSize(3),
		WithBatchInterval(250*time.Millisecond),
		WithTagPrefix("Twitter"),
		WithLogger(testLogger()),
		WithDiagnostics(&bytes.Buffer{}),
		WithRegisterer(prometheus.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if runner.BatchSize() != 3 {
		t.Errorf("BatchSize() = %d, want 3", runner.BatchSize())
	}
	if runner.BatchInterval() != 250*time.Millisecond {
		t.Errorf("BatchInterval() = %v, want 250ms", runner.BatchInterval())
	}
	if got := runner.Reporter().Tag("update"); got != "<Twitter.update>" {
		t.Errorf("Tag() = %q, want <Twitter.update>", got)
	}
}

func TestNew_ZeroKeepsDefaults(t *testing.T) {
	runner, err := New(WithBatchSize(0), WithBatchInterval(0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if runner.BatchSize() != 1 {
		t.Errorf("BatchSize() = %d, want 1", runner.BatchSize())
	}
	if runner.BatchInterval() != time.Second {
		t.Errorf("BatchInterval() = %v, want 1s", runner.BatchInterval())
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	tests := []struct {
		name    string
		opt     Option
		wantErr string
	}{
		{name: "negative batch size", opt: WithBatchSize(-1), wantErr: "batch size cannot be negative"},
		{name: "negative interval", opt: WithBatchInterval(-time.Second), wantErr: "batch interval cannot be negative"},
		{name: "nil logger", opt: WithLogger(nil), wantErr: "logger cannot be nil"},
		{name: "nil diagnostics", opt: WithDiagnostics(nil), wantErr: "diagnostics writer cannot be nil"},
		{name: "nil registerer", opt: WithRegisterer(nil), wantErr: "registerer cannot be nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opt)
			if err == nil {
				t.Fatal("New() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunner_Run_InvokesInOrder(t *testing.T) {
	runner, err := New(
		WithBatchSize(2),
		WithBatchInterval(5*time.Millisecond),
		WithLogger(testLogger()),
		WithDiagnostics(&bytes.Buffer{}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var mu sync.Mutex
	var order []int
	ops := make([]Operation, 5)
	for i := range ops {
		ops[i] = func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}
	}

	if err := runner.Run(context.Background(), ops); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("invoked %d operations, want 5", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("order[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestRunner_Run_Empty(t *testing.T) {
	runner, err := New(WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background(), nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() with no operations did not return")
	}
}

// TestRunner_Run_FailureIsolation verifies that a throwing operation is
// reported under the generic tag while the rest of its batch and the next
// batch still run.
func TestRunner_Run_FailureIsolation(t *testing.T) {
	var diag safeBuffer
	reg := prometheus.NewRegistry()
	runner, err := New(
		WithBatchSize(3),
		WithBatchInterval(10*time.Millisecond),
		WithLogger(testLogger()),
		WithDiagnostics(&diag),
		WithRegisterer(reg),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var mu sync.Mutex
	var ran []string
	record := func(name string) Operation {
		return func() error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}
	}

	ops := []Operation{
		record("a"),
		func() error { return errors.New("boom") },
		record("c"),
		func() error { panic("kaboom") },
		record("e"),
	}

	if err := runner.Run(context.Background(), ops); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	got := strings.Join(ran, ",")
	mu.Unlock()
	if got != "a,c,e" {
		t.Errorf("ran = %q, want %q", got, "a,c,e")
	}

	out := diag.String()
	if !strings.Contains(out, "<batch>\n boom\n\n\n") {
		t.Errorf("diagnostics missing returned error block:\n%s", out)
	}
	if !strings.Contains(out, "<batch>\n panic: kaboom (correlation_id: ") {
		t.Errorf("diagnostics missing panic block:\n%s", out)
	}
	if runner.Reporter().Failures() != 2 {
		t.Errorf("Failures() = %d, want 2", runner.Reporter().Failures())
	}

	expected := `
# HELP apiprobe_operation_failures_total Total number of reported operation failures
# TYPE apiprobe_operation_failures_total counter
apiprobe_operation_failures_total{class="generic",operation="<batch>"} 1
apiprobe_operation_failures_total{class="panic",operation="<batch>"} 1
# HELP apiprobe_operations_invoked_total Total number of operations invoked by the batch scheduler
# TYPE apiprobe_operations_invoked_total counter
apiprobe_operations_invoked_total 5
# HELP apiprobe_ticks_total Total number of scheduler ticks
# TYPE apiprobe_ticks_total counter
apiprobe_ticks_total 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"apiprobe_operation_failures_total", "apiprobe_operations_invoked_total", "apiprobe_ticks_total"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

// TestRunner_Run_DoesNotWaitForCallbacks verifies that Run returns once every
// operation is invoked, while asynchronous completions may still be pending.
func TestRunner_Run_DoesNotWaitForCallbacks(t *testing.T) {
	var diag safeBuffer
	runner, err := New(
		WithBatchSize(1),
		WithBatchInterval(time.Millisecond),
		WithLogger(testLogger()),
		WithDiagnostics(&diag),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	release := make(chan struct{})
	finished := make(chan struct{})
	handler := runner.Reporter().Handler("slow")

	ops := []Operation{
		func() error {
			go func() {
				<-release
				handler(nil, []any{}, nil)
				close(finished)
			}()
			return nil
		},
	}

	if err := runner.Run(context.Background(), ops); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diag.String() != "" {
		t.Errorf("expected no diagnostics before completion, got %q", diag.String())
	}

	close(release)
	<-finished

	if want := "<api.slow>\n ValidationError: expected a non-empty list, got an empty list\n\n\n\n"; diag.String() != want {
		t.Errorf("diagnostic = %q, want %q", diag.String(), want)
	}
}

func TestRunner_Run_ContextCancelled(t *testing.T) {
	runner, err := New(
		WithBatchSize(1),
		WithBatchInterval(time.Hour),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var mu sync.Mutex
	invoked := 0
	op := func() error {
		mu.Lock()
		invoked++
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = runner.Run(ctx, []Operation{op, op, op})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if invoked != 1 {
		t.Errorf("invoked = %d, want 1 before cancellation", invoked)
	}
}
