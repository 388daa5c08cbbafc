// Package restclient provides the REST API client used by apiprobe probes.
//
// This package is internal to apiprobe. It builds and authenticates
// requests against a single base URL, decodes JSON responses, and turns
// failed requests into [apiprobe.TransportError] values so they render
// through the same normalizer as every other failure.
//
// The main components are:
//
//   - [Client]: HTTP client wrapper with auth, timeouts and size limits
//   - [WithOAuth1]: OAuth 1.0a request signing
//   - [Client.Call]: Asynchronous request reporting through a callback
//   - [Client.Wait]: Waits for all in-flight asynchronous requests
//
// A Client is created once and handed to every operation that needs it;
// there is no package-level client.
package restclient
