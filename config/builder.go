package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"text/template"
	"time"

	"github.com/jpalmerr/apiprobe"
	"github.com/jpalmerr/apiprobe/internal/restclient"
)

// Caller starts asynchronous API calls. [restclient.Client] implements it.
type Caller interface {
	CallAfter(ctx context.Context, delay time.Duration, method, path string, params url.Values, cb apiprobe.Callback)
}

// NewClient creates the REST client described by cfg.
func NewClient(cfg *Config, logger *slog.Logger) (*restclient.Client, error) {
	var opts []restclient.Option

	if logger != nil {
		opts = append(opts, restclient.WithLogger(logger))
	}
	if cfg.Timeout != 0 {
		opts = append(opts, restclient.WithTimeout(cfg.Timeout.Duration()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, restclient.WithHeaders(cfg.Headers))
	}
	if cfg.Credentials.Username != "" {
		opts = append(opts, restclient.WithBasicAuth(cfg.Credentials.Username, cfg.Credentials.Password))
	}
	if cfg.Credentials.Token != "" {
		opts = append(opts, restclient.WithBearerToken(cfg.Credentials.Token))
	}
	if o := cfg.Credentials.OAuth; o != nil {
		opts = append(opts, restclient.WithOAuth1(restclient.OAuth1{
			ConsumerKey:       o.ConsumerKey,
			ConsumerSecret:    o.ConsumerSecret,
			AccessToken:       o.AccessToken,
			AccessTokenSecret: o.AccessTokenSecret,
			RequestTokenURL:   o.RequestTokenURL,
			AccessTokenURL:    o.AccessTokenURL,
			AuthorizeURL:      o.AuthorizeURL,
		}))
	}

	return restclient.New(cfg.BaseURL, opts...)
}

// RunnerOptions converts the batch settings of cfg into runner options.
func RunnerOptions(cfg *Config) []apiprobe.Option {
	opts := []apiprobe.Option{
		apiprobe.WithBatchSize(cfg.BatchSize),
		apiprobe.WithBatchInterval(cfg.BatchInterval.Duration()),
	}
	if cfg.TagPrefix != "" {
		opts = append(opts, apiprobe.WithTagPrefix(cfg.TagPrefix))
	}
	return opts
}

// BuildOperations converts parsed configuration into runner operations.
//
// It returns one operation per probe followed by one per grid cell, in file
// order. Each operation starts its call on client and reports the outcome
// through reporter. Follow-ups are scheduled from the parent's success hook.
func BuildOperations(ctx context.Context, cfg *Config, client Caller, reporter *apiprobe.Reporter) ([]apiprobe.Operation, error) {
	var ops []apiprobe.Operation

	for _, pc := range cfg.Probes {
		follow, err := buildFollowUps(ctx, pc, client, reporter)
		if err != nil {
			return nil, err
		}

		handlerOpts := []apiprobe.HandlerOption{apiprobe.AcceptStatus(pc.AcceptStatus...)}
		if pc.ExpectError {
			handlerOpts = append(handlerOpts, apiprobe.ExpectFailure())
		}
		if len(follow) > 0 {
			handlerOpts = append(handlerOpts, apiprobe.OnSuccess(func(result any, _ *http.Response) {
				for _, f := range follow {
					f.schedule(result)
				}
			}))
		}

		ops = append(ops, callOperation(ctx, client, pc.Method, pc.Path, toValues(pc.Params),
			reporter.Handler(pc.Name, handlerOpts...)))
	}

	for _, gc := range cfg.Grids {
		cells, err := expandGrid(gc)
		if err != nil {
			return nil, err
		}
		for _, cell := range cells {
			ops = append(ops, callOperation(ctx, client, gc.Method, cell.path, toValues(cell.params),
				reporter.Handler(cell.name, apiprobe.AcceptStatus(gc.AcceptStatus...))))
		}
	}

	return ops, nil
}

// callOperation returns an operation that starts one call and returns at once.
func callOperation(ctx context.Context, client Caller, method, path string, params url.Values, cb apiprobe.Callback) apiprobe.Operation {
	return func() error {
		client.CallAfter(ctx, 0, method, path, params, cb)
		return nil
	}
}

// followUp is a compiled follow-up call.
type followUp struct {
	ctx      context.Context
	client   Caller
	reporter *apiprobe.Reporter
	name     string
	method   string
	delay    time.Duration
	path     *template.Template
	params   map[string]*template.Template
	handler  apiprobe.Callback
}

func buildFollowUps(ctx context.Context, pc ProbeConfig, client Caller, reporter *apiprobe.Reporter) ([]*followUp, error) {
	follow := make([]*followUp, 0, len(pc.Then))
	for _, fc := range pc.Then {
		name := pc.Name + "." + fc.Name

		path, err := template.New(name).Option("missingkey=error").Parse(fc.Path)
		if err != nil {
			return nil, fmt.Errorf("probe (%s): follow-up %s: %w", pc.Name, fc.Name, err)
		}
		params := make(map[string]*template.Template, len(fc.Params))
		for k, v := range fc.Params {
			pt, err := template.New(k).Option("missingkey=error").Parse(v)
			if err != nil {
				return nil, fmt.Errorf("probe (%s): follow-up %s: params[%s]: %w", pc.Name, fc.Name, k, err)
			}
			params[k] = pt
		}

		follow = append(follow, &followUp{
			ctx:      ctx,
			client:   client,
			reporter: reporter,
			name:     name,
			method:   fc.Method,
			delay:    fc.Delay.Duration(),
			path:     path,
			params:   params,
			handler:  reporter.Handler(name, apiprobe.AcceptStatus(fc.AcceptStatus...)),
		})
	}
	return follow, nil
}

// schedule renders the follow-up against the parent's result and starts it
// after its delay. Values rendered into the path are path-escaped; params
// get the raw values. A render failure is reported under the follow-up's tag.
func (f *followUp) schedule(parent any) {
	data := templateData(parent)

	var buf bytes.Buffer
	if err := f.path.Execute(&buf, escapePathValues(data)); err != nil {
		f.reporter.Report(f.reporter.Tag(f.name), apiprobe.NewFault("TemplateError", "path: %v", err))
		return
	}

	params := make(url.Values, len(f.params))
	for k, pt := range f.params {
		var pbuf bytes.Buffer
		if err := pt.Execute(&pbuf, data); err != nil {
			f.reporter.Report(f.reporter.Tag(f.name), apiprobe.NewFault("TemplateError", "params[%s]: %v", k, err))
			return
		}
		params.Set(k, pbuf.String())
	}

	f.client.CallAfter(f.ctx, f.delay, f.method, buf.String(), params, f.handler)
}

// templateData picks the value follow-up templates are rendered against:
// the parent's JSON object, or the first object of a JSON array.
func templateData(result any) any {
	switch v := result.(type) {
	case map[string]any:
		return v
	case []any:
		if len(v) > 0 {
			if obj, ok := v[0].(map[string]any); ok {
				return obj
			}
		}
	}
	return nil
}

// escapePathValues returns a copy of v with every string path-escaped, so a
// value cannot add segments or escapes to a follow-up path.
func escapePathValues(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = escapePathValues(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = escapePathValues(e)
		}
		return out
	case string:
		return url.PathEscape(val)
	case json.Number:
		return json.Number(url.PathEscape(val.String()))
	default:
		return v
	}
}

// toValues converts a params map to url.Values. A nil or empty map yields nil.
func toValues(m map[string]string) url.Values {
	if len(m) == 0 {
		return nil
	}
	values := make(url.Values, len(m))
	for _, k := range sortedKeys(m) {
		values.Set(k, m[k])
	}
	return values
}
