// Standalone mock API server for trying the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/apiprobe run -c example/probes.yaml
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jpalmerr/apiprobe/internal/mockapi"
)

func main() {
	fmt.Println("Mock API server starting on :9999")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	handler := mockapi.New(mockapi.WithLatency(200 * time.Millisecond))
	if err := http.ListenAndServe(":9999", handler); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
