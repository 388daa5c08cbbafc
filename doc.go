// Package apiprobe provides a resilient batched probe runner for REST APIs.
//
// apiprobe invokes a queue of independent, asynchronous operations against a
// live service a few at a time, reports each failure without aborting the
// run, and renders every kind of error (HTTP status errors with a response
// body, network failures, panics, empty results) as one readable diagnostic.
//
// # Quick Start
//
// Build a runner, wrap each call's completion in a handler, and run:
//
//	runner, _ := apiprobe.New(
//	    apiprobe.WithBatchSize(3),
//	    apiprobe.WithBatchInterval(time.Second),
//	    apiprobe.WithTagPrefix("Twitter"),
//	)
//
//	showUser := runner.Reporter().Handler("showUser")
//	ops := []apiprobe.Operation{
//	    func() error {
//	        client.Call(ctx, "GET", "/1/users/show.json", params, showUser)
//	        return nil
//	    },
//	}
//
//	runner.Run(ctx, ops) // blocks until every operation has been invoked
//
// # Diagnostics
//
// Failures are written as text blocks:
//
//	<Twitter.showUser>
//	 Not found (404): /1/users/show.json
//
// The tag is the operation name for failures reported by a handler, and
// "<batch>" for errors returned (or panics raised) while invoking an
// operation. See [NormalizeError] for how each error shape is rendered.
//
// # Handlers
//
// [Reporter.Handler] builds the error-first [Callback] for an operation. A
// callback fails when it receives an error, a nil result, or an empty list;
// it is silent otherwise. [AcceptStatus] and [OnSuccess] adjust that.
//
// # Architecture
//
// apiprobe consists of several packages:
//
//   - internal/batch: The batch scheduler owning the operation queue
//   - internal/restclient: REST client that reports through callbacks
//   - internal/metrics: Prometheus collectors for runs
//   - config: YAML probe files and the builder turning them into operations
//   - cmd/apiprobe: The command-line runner
//
// The internal packages are not part of the public API and may change
// without notice.
package apiprobe
