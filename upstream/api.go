package upstream

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/jkoelker/solara-proxy/log"
	"github.com/jkoelker/solara-proxy/tracing"
)

// Query parameters that belong to the gateway and are never forwarded.
const (
	targetParam   = "target"
	callbackParam = "callback"
	typesParam    = "types"
)

// APIForwarder forwards query-only GET requests to a fixed JSON API.
type APIForwarder struct {
	client           *http.Client
	base             *url.URL
	defaultUserAgent string
}

// NewAPIForwarder creates an APIForwarder for baseURL. A nil client uses
// http.DefaultClient.
func NewAPIForwarder(client *http.Client, baseURL, defaultUserAgent string) (*APIForwarder, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse API base URL: %w", err)
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &APIForwarder{
		client:           client,
		base:             base,
		defaultUserAgent: defaultUserAgent,
	}, nil
}

// BuildURL merges query onto the base URL. target and callback are dropped,
// and for repeated keys the last value wins. It returns ErrMissingParameter
// when the merged query has no types parameter.
func (f *APIForwarder) BuildURL(query url.Values) (*url.URL, error) {
	merged := f.base.Query()

	for key, values := range query {
		if key == targetParam || key == callbackParam || len(values) == 0 {
			continue
		}

		merged.Set(key, values[len(values)-1])
	}

	if !merged.Has(typesParam) {
		return nil, ErrMissingParameter
	}

	outbound := *f.base
	outbound.RawQuery = merged.Encode()

	return &outbound, nil
}

// ServeHTTP forwards the request query and streams the JSON response back.
func (f *APIForwarder) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()

	target, err := f.BuildURL(request.URL.Query())
	if err != nil {
		WriteError(ctx, writer, err)

		return
	}

	ctx, span := tracing.StartSpan(ctx, "upstream.api")
	defer span.End()

	tracing.SetAttributes(ctx, "upstream.host", target.Host, "http.method", http.MethodGet)

	outbound, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		WriteError(ctx, writer, fmt.Errorf("failed to create API request: %w", err))

		return
	}

	outbound.Header.Set("User-Agent", userAgent(request, f.defaultUserAgent))
	outbound.Header.Set("Accept", "application/json")

	resp, err := do(ctx, f.client, outbound, apiUpstream)
	if err != nil {
		log.Error(ctx, err, "API fetch failed", "host", target.Host)
		WriteError(ctx, writer, err)

		return
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	headers, _ := SanitizeHeaders(resp.Header)
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", apiContentType)
	}

	stream(ctx, writer, resp, headers, apiUpstream)
}
