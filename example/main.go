package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/apiprobe"
	"github.com/jpalmerr/apiprobe/internal/mockapi"
	"github.com/jpalmerr/apiprobe/internal/restclient"
)

func main() {
	// start mock API (see internal/mockapi)
	go func() {
		if err := http.ListenAndServe(":9999", mockapi.New(mockapi.WithLatency(150*time.Millisecond))); err != nil {
			slog.Error("mock server error", "error", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	client, err := restclient.New("http://localhost:9999")
	if err != nil {
		slog.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	runner, err := apiprobe.New(
		apiprobe.WithBatchSize(3),
		apiprobe.WithBatchInterval(500*time.Millisecond),
		apiprobe.WithTagPrefix("Mock"),
	)
	if err != nil {
		slog.Error("failed to create runner", "error", err)
		os.Exit(1)
	}
	reporter := runner.Reporter()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	call := func(name, method, path string, params url.Values, opts ...apiprobe.HandlerOption) apiprobe.Operation {
		handler := reporter.Handler(name, opts...)
		return func() error {
			client.Call(ctx, method, path, params, handler)
			return nil
		}
	}

	// post a status, then destroy it once its id is known
	destroy := apiprobe.OnSuccess(func(result any, _ *http.Response) {
		status, _ := result.(map[string]any)
		id, _ := status["id_str"].(string)
		client.CallAfter(ctx, 100*time.Millisecond, http.MethodPost, "/1/statuses/destroy/"+id+".json", nil,
			reporter.Handler("destroy"))
	})

	ops := []apiprobe.Operation{
		call("showUser", http.MethodGet, "/1/users/show.json", url.Values{"screen_name": {"polotek"}}),
		call("homeTimeline", http.MethodGet, "/1/statuses/home_timeline.json", nil),
		call("update", http.MethodPost, "/1/statuses/update.json", url.Values{"status": {"hello from apiprobe"}}, destroy),
		call("profileImage", http.MethodGet, "/1/users/profile_image/polotek", nil, apiprobe.AcceptStatus(http.StatusFound)),
		call("missingUser", http.MethodGet, "/1/users/missing.json", nil, apiprobe.ExpectFailure()),
		// the next three fail on purpose
		call("friendIDs", http.MethodGet, "/1/friends/ids.json", nil),
		call("broken", http.MethodGet, "/1/broken.json", nil),
		call("missing", http.MethodGet, "/1/missing.json", nil),
		func() error { return apiprobe.NewFault("TypeError", "operation built without a client") },
	}

	fmt.Println()
	fmt.Println("  apiprobe demo: 9 operations, 3 per batch every 500ms")
	fmt.Println("  Expect diagnostics for friendIDs, broken, missing and one <batch> failure")
	fmt.Println()

	if err := runner.Run(ctx, ops); err != nil {
		slog.Error("run interrupted", "error", err)
		os.Exit(1)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Wait(waitCtx); err != nil {
		slog.Warn("in-flight calls still pending", "error", err)
	}

	fmt.Printf("\n  %d failure(s) reported\n", reporter.Failures())
}
