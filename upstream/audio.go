package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jkoelker/solara-proxy/log"
	"github.com/jkoelker/solara-proxy/metrics"
	"github.com/jkoelker/solara-proxy/tracing"
)

// maxRedirects matches the net/http default redirect limit.
const maxRedirects = 10

// Upstream names used in logs, metrics and spans.
const (
	audioUpstream = "audio"
	apiUpstream   = "api"
)

// AudioPolicy decides which audio targets may be fetched and how.
type AudioPolicy struct {
	// AllowedHosts are lowercase hostnames; subdomains are allowed too.
	AllowedHosts []string

	// UpstreamScheme is forced onto every outbound request. Empty keeps the
	// inbound scheme.
	UpstreamScheme string

	// Referer is sent on every outbound request.
	Referer string

	// DefaultUserAgent is sent when the client sent no User-Agent.
	DefaultUserAgent string
}

// Allows reports whether hostname is an allowed host or a subdomain of one.
func (p AudioPolicy) Allows(hostname string) bool {
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return false
	}

	for _, allowed := range p.AllowedHosts {
		if hostname == allowed || strings.HasSuffix(hostname, "."+allowed) {
			return true
		}
	}

	return false
}

// NormalizeTarget parses raw and applies the policy. It returns
// ErrInvalidTarget for unparsable URLs, non-http(s) schemes and hosts outside
// the allow-list.
func (p AudioPolicy) NormalizeTarget(raw string) (*url.URL, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	target.Scheme = strings.ToLower(target.Scheme)
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, target.Scheme)
	}

	if !p.Allows(target.Hostname()) {
		return nil, fmt.Errorf("%w: host %q is not allowed", ErrInvalidTarget, target.Hostname())
	}

	if p.UpstreamScheme != "" {
		target.Scheme = p.UpstreamScheme
	}

	return target, nil
}

// AudioProxy streams audio from allow-listed hosts, passing Range requests
// through so seeking works.
type AudioProxy struct {
	client *http.Client
	policy AudioPolicy
}

// NewAudioProxy creates an AudioProxy. A nil client uses http.DefaultClient.
// The client is copied so that redirects are only followed to allow-listed
// hosts.
func NewAudioProxy(client *http.Client, policy AudioPolicy) *AudioProxy {
	if client == nil {
		client = http.DefaultClient
	}

	restricted := *client
	restricted.CheckRedirect = policy.checkRedirect(client.CheckRedirect)

	return &AudioProxy{client: &restricted, policy: policy}
}

// checkRedirect rejects redirects leaving the allow-list before deferring to
// next, or to the default hop limit when next is nil.
func (p AudioPolicy) checkRedirect(next func(*http.Request, []*http.Request) error) func(*http.Request, []*http.Request) error {
	return func(request *http.Request, via []*http.Request) error {
		if host := request.URL.Hostname(); !p.Allows(host) {
			return fmt.Errorf("%w: %s", ErrRedirectNotAllowed, host)
		}

		if next != nil {
			return next(request, via)
		}

		if len(via) >= maxRedirects {
			return ErrTooManyRedirects
		}

		return nil
	}
}

// ServeTarget fetches target with the inbound method and streams the
// response back.
func (p *AudioProxy) ServeTarget(writer http.ResponseWriter, request *http.Request, rawTarget string) {
	ctx := request.Context()

	target, err := p.policy.NormalizeTarget(rawTarget)
	if err != nil {
		log.Debug(ctx, "Rejected audio target", "error", err.Error())
		WriteError(ctx, writer, err)

		return
	}

	resp, err := p.fetch(ctx, request, target)
	if err != nil {
		log.Error(ctx, err, "Audio fetch failed", "host", target.Host)
		WriteError(ctx, writer, err)

		return
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	headers, hadCacheControl := SanitizeHeaders(resp.Header)
	if !hadCacheControl {
		headers.Set("Cache-Control", audioCacheControl)
	}

	stream(ctx, writer, resp, headers, audioUpstream)
}

func (p *AudioProxy) fetch(ctx context.Context, inbound *http.Request, target *url.URL) (*http.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "upstream.audio")
	defer span.End()

	tracing.SetAttributes(ctx, "upstream.host", target.Host, "http.method", inbound.Method)

	outbound, err := http.NewRequestWithContext(ctx, inbound.Method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	outbound.Header.Set("User-Agent", userAgent(inbound, p.policy.DefaultUserAgent))
	outbound.Header.Set("Referer", p.policy.Referer)

	if rangeHeader := inbound.Header.Get("Range"); rangeHeader != "" {
		outbound.Header.Set("Range", rangeHeader)
	}

	return do(ctx, p.client, outbound, audioUpstream)
}

// do sends outbound and records the outcome. Transport failures are wrapped
// in ErrUpstreamFetch.
func do(ctx context.Context, client *http.Client, outbound *http.Request, upstream string) (*http.Response, error) {
	start := time.Now()

	resp, err := client.Do(outbound)
	if err != nil {
		metrics.RecordUpstreamRequest(ctx, upstream, 0, start)
		tracing.SetError(ctx, err)

		return nil, fmt.Errorf("%w: %w", ErrUpstreamFetch, err)
	}

	metrics.RecordUpstreamRequest(ctx, upstream, resp.StatusCode, start)
	tracing.SetAttributes(ctx, "http.status_code", strconv.Itoa(resp.StatusCode))
	tracing.SetOK(ctx)

	return resp, nil
}

// stream writes headers and status, then copies the body unbuffered.
func stream(
	ctx context.Context,
	writer http.ResponseWriter,
	resp *http.Response,
	headers http.Header,
	upstream string,
) {
	copyHeaders(writer.Header(), headers)
	writer.WriteHeader(resp.StatusCode)

	// Headers are sent; a failed copy is usually a client disconnect
	if _, err := io.Copy(writer, resp.Body); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug(ctx, "Upstream body copy ended early", "upstream", upstream, "error", err.Error())
	}
}

func userAgent(request *http.Request, fallback string) string {
	if agent := request.Header.Get("User-Agent"); agent != "" {
		return agent
	}

	return fallback
}
