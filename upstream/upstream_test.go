package upstream_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/solara-proxy/upstream"
)

const testAPIBase = "https://music-api.example.com/api.php"

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(request *http.Request) (*http.Response, error) {
	return f(request)
}

// fakeClient returns a client whose transport records the last request and
// answers with respond.
func fakeClient(respond func(*http.Request) (*http.Response, error)) (*http.Client, *atomic.Pointer[http.Request]) {
	var last atomic.Pointer[http.Request]

	client := &http.Client{
		Transport: roundTripFunc(func(request *http.Request) (*http.Response, error) {
			last.Store(request)

			return respond(request)
		}),
	}

	return client, &last
}

func response(status int, body string, headers map[string]string) *http.Response {
	header := make(http.Header)
	for name, value := range headers {
		header.Set(name, value)
	}

	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testPolicy() upstream.AudioPolicy {
	return upstream.AudioPolicy{
		AllowedHosts:     []string{"kuwo.cn"},
		UpstreamScheme:   "http",
		Referer:          "https://www.kuwo.cn/",
		DefaultUserAgent: "Mozilla/5.0",
	}
}

func TestNormalizeTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		scheme  string
		want    string
		wantErr bool
	}{
		{name: "ExactHost", raw: "http://kuwo.cn/a.mp3", scheme: "http", want: "http://kuwo.cn/a.mp3"},
		{name: "Subdomain", raw: "https://er-sycdn.kuwo.cn/x/a.mp3?x=1", scheme: "http", want: "http://er-sycdn.kuwo.cn/x/a.mp3?x=1"},
		{name: "UpperCaseHost", raw: "http://SYCDN.KUWO.CN/a.mp3", scheme: "http", want: "http://SYCDN.KUWO.CN/a.mp3"},
		{name: "PreserveScheme", raw: "https://kuwo.cn/a.mp3", scheme: "", want: "https://kuwo.cn/a.mp3"},
		{name: "WithPort", raw: "http://kuwo.cn:8080/a.mp3", scheme: "http", want: "http://kuwo.cn:8080/a.mp3"},
		{name: "EvilHost", raw: "http://evil.com/a.mp3", wantErr: true},
		{name: "SuffixOnly", raw: "http://notkuwo.cn/a.mp3", wantErr: true},
		{name: "AllowedAsSubdomain", raw: "http://kuwo.cn.evil.com/a.mp3", wantErr: true},
		{name: "FTP", raw: "ftp://kuwo.cn/a.mp3", wantErr: true},
		{name: "Relative", raw: "/a.mp3", wantErr: true},
		{name: "Garbage", raw: "http://%zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			policy := testPolicy()
			policy.UpstreamScheme = tt.scheme

			target, err := policy.NormalizeTarget(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, upstream.ErrInvalidTarget)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, target.String())
		})
	}
}

func TestAudioProxyRangePassthrough(t *testing.T) {
	t.Parallel()

	client, last := fakeClient(func(*http.Request) (*http.Response, error) {
		return response(http.StatusPartialContent, "0123", map[string]string{
			"Content-Type":  "audio/mpeg",
			"Content-Range": "bytes 0-3/100",
			"Accept-Ranges": "bytes",
			"Set-Cookie":    "session=1",
			"Server":        "kuwo",
		}), nil
	})

	proxy := upstream.NewAudioProxy(client, testPolicy())

	request := httptest.NewRequest(http.MethodGet, "/proxy", nil)
	request.Header.Set("Range", "bytes=0-3")
	request.Header.Set("User-Agent", "SolaraTest/1.0")

	recorder := httptest.NewRecorder()
	proxy.ServeTarget(recorder, request, "https://sycdn.kuwo.cn/a.mp3")

	assert.Equal(t, http.StatusPartialContent, recorder.Code)
	assert.Equal(t, "0123", recorder.Body.String())
	assert.Equal(t, "bytes 0-3/100", recorder.Header().Get("Content-Range"))
	assert.Equal(t, "bytes", recorder.Header().Get("Accept-Ranges"))
	assert.Equal(t, "audio/mpeg", recorder.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600", recorder.Header().Get("Cache-Control"))
	assert.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, recorder.Header().Get("Set-Cookie"))
	assert.Empty(t, recorder.Header().Get("Server"))

	outbound := last.Load()
	require.NotNil(t, outbound)
	assert.Equal(t, "http://sycdn.kuwo.cn/a.mp3", outbound.URL.String())
	assert.Equal(t, http.MethodGet, outbound.Method)
	assert.Equal(t, "bytes=0-3", outbound.Header.Get("Range"))
	assert.Equal(t, "SolaraTest/1.0", outbound.Header.Get("User-Agent"))
	assert.Equal(t, "https://www.kuwo.cn/", outbound.Header.Get("Referer"))
}

func TestAudioProxyDefaults(t *testing.T) {
	t.Parallel()

	client, last := fakeClient(func(*http.Request) (*http.Response, error) {
		return response(http.StatusOK, "", map[string]string{"Cache-Control": "max-age=60"}), nil
	})

	proxy := upstream.NewAudioProxy(client, testPolicy())

	request := httptest.NewRequest(http.MethodHead, "/proxy", nil)
	request.Header.Del("User-Agent")

	recorder := httptest.NewRecorder()
	proxy.ServeTarget(recorder, request, "http://kuwo.cn/a.mp3")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "max-age=60", recorder.Header().Get("Cache-Control"))

	outbound := last.Load()
	require.NotNil(t, outbound)
	assert.Equal(t, http.MethodHead, outbound.Method)
	assert.Equal(t, "Mozilla/5.0", outbound.Header.Get("User-Agent"))
	assert.Empty(t, outbound.Header.Get("Range"))
}

func TestAudioProxyInvalidTarget(t *testing.T) {
	t.Parallel()

	var called atomic.Bool

	client, _ := fakeClient(func(*http.Request) (*http.Response, error) {
		called.Store(true)

		return response(http.StatusOK, "", nil), nil
	})

	proxy := upstream.NewAudioProxy(client, testPolicy())

	recorder := httptest.NewRecorder()
	proxy.ServeTarget(recorder, httptest.NewRequest(http.MethodGet, "/proxy", nil), "http://evil.com/a.mp3")

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "Invalid target", recorder.Body.String())
	assert.False(t, called.Load())
}

func TestAudioProxyFetchError(t *testing.T) {
	t.Parallel()

	client, _ := fakeClient(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	proxy := upstream.NewAudioProxy(client, testPolicy())

	recorder := httptest.NewRecorder()
	proxy.ServeTarget(recorder, httptest.NewRequest(http.MethodGet, "/proxy", nil), "http://kuwo.cn/a.mp3")

	assert.Equal(t, http.StatusBadGateway, recorder.Code)
	assert.Equal(t, "Upstream fetch error", recorder.Body.String())
}

func TestAudioProxyRedirects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		location  string
		wantCode  int
		wantHosts []string
	}{
		{
			name:      "AllowListed",
			location:  "http://other.kuwo.cn/b.mp3",
			wantCode:  http.StatusOK,
			wantHosts: []string{"kuwo.cn", "other.kuwo.cn"},
		},
		{
			name:      "OffAllowList",
			location:  "http://attacker.example/b.mp3",
			wantCode:  http.StatusBadGateway,
			wantHosts: []string{"kuwo.cn"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var (
				mu    sync.Mutex
				hosts []string
			)

			client, _ := fakeClient(func(request *http.Request) (*http.Response, error) {
				mu.Lock()
				hosts = append(hosts, request.URL.Hostname())
				mu.Unlock()

				if request.URL.Hostname() == "kuwo.cn" {
					return response(http.StatusFound, "", map[string]string{"Location": tt.location}), nil
				}

				return response(http.StatusOK, "audio", map[string]string{"Content-Type": "audio/mpeg"}), nil
			})

			proxy := upstream.NewAudioProxy(client, testPolicy())

			recorder := httptest.NewRecorder()
			proxy.ServeTarget(recorder, httptest.NewRequest(http.MethodGet, "/proxy", nil), "http://kuwo.cn/a.mp3")

			assert.Equal(t, tt.wantCode, recorder.Code)

			mu.Lock()
			defer mu.Unlock()

			assert.Equal(t, tt.wantHosts, hosts)
		})
	}
}

func TestAPIForwarderMissingTypes(t *testing.T) {
	t.Parallel()

	var called atomic.Bool

	client, _ := fakeClient(func(*http.Request) (*http.Response, error) {
		called.Store(true)

		return response(http.StatusOK, "{}", nil), nil
	})

	forwarder, err := upstream.NewAPIForwarder(client, testAPIBase, "Mozilla/5.0")
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	forwarder.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/proxy?name=x&target=", nil))

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "Missing types", recorder.Body.String())
	assert.False(t, called.Load())
}

func TestAPIForwarderStripsGatewayParams(t *testing.T) {
	t.Parallel()

	client, last := fakeClient(func(*http.Request) (*http.Response, error) {
		return response(http.StatusOK, `{"ok":true}`, map[string]string{"X-Upstream": "1"}), nil
	})

	forwarder, err := upstream.NewAPIForwarder(client, testAPIBase, "Mozilla/5.0")
	require.NoError(t, err)

	request := httptest.NewRequest(
		http.MethodGet,
		"/proxy?types=search&name=a&name=b&target=ignored&callback=jsonp",
		nil,
	)
	request.Header.Set("User-Agent", "SolaraTest/1.0")

	recorder := httptest.NewRecorder()
	forwarder.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"ok":true}`, recorder.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", recorder.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", recorder.Header().Get("Cache-Control"))
	assert.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, recorder.Header().Get("X-Upstream"))

	outbound := last.Load()
	require.NotNil(t, outbound)

	query := outbound.URL.Query()
	assert.Equal(t, "search", query.Get("types"))
	assert.Equal(t, []string{"b"}, query["name"])
	assert.False(t, query.Has("target"))
	assert.False(t, query.Has("callback"))
	assert.Equal(t, "music-api.example.com", outbound.URL.Host)
	assert.Equal(t, "/api.php", outbound.URL.Path)
	assert.Equal(t, http.MethodGet, outbound.Method)
	assert.Equal(t, "application/json", outbound.Header.Get("Accept"))
	assert.Equal(t, "SolaraTest/1.0", outbound.Header.Get("User-Agent"))
}

func TestAPIForwarderPreservesStatus(t *testing.T) {
	t.Parallel()

	client, _ := fakeClient(func(*http.Request) (*http.Response, error) {
		return response(http.StatusServiceUnavailable, "busy", map[string]string{"Content-Type": "text/plain"}), nil
	})

	forwarder, err := upstream.NewAPIForwarder(client, testAPIBase, "Mozilla/5.0")
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	forwarder.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/proxy?types=url", nil))

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, "busy", recorder.Body.String())
	assert.Equal(t, "text/plain", recorder.Header().Get("Content-Type"))
}

func TestAPIForwarderFetchError(t *testing.T) {
	t.Parallel()

	client, _ := fakeClient(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dns failure")
	})

	forwarder, err := upstream.NewAPIForwarder(client, testAPIBase, "Mozilla/5.0")
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	forwarder.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/proxy?types=url", nil))

	assert.Equal(t, http.StatusBadGateway, recorder.Code)
	assert.Equal(t, "Upstream fetch error", recorder.Body.String())
}

func TestSanitizeHeaders(t *testing.T) {
	t.Parallel()

	in := http.Header{}
	in.Set("ETag", `"abc"`)
	in.Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
	in.Set("Content-Length", "10")
	in.Set("Access-Control-Allow-Origin", "https://kuwo.cn")
	in.Set("Set-Cookie", "a=b")

	out, hadCacheControl := upstream.SanitizeHeaders(in)

	assert.False(t, hadCacheControl)
	assert.Equal(t, `"abc"`, out.Get("Etag"))
	assert.Equal(t, "10", out.Get("Content-Length"))
	assert.Equal(t, "no-store", out.Get("Cache-Control"))
	assert.Equal(t, "*", out.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, out.Get("Set-Cookie"))
	assert.Len(t, out, 5)
}
