package webapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/eventloop"
)

// ForbiddenFetchHeaders are dropped from outgoing script requests.
var ForbiddenFetchHeaders = map[string]bool{
	"host":                true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"upgrade":             true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"x-forwarded-for":     true,
	"x-forwarded-host":    true,
	"x-forwarded-proto":   true,
	"x-real-ip":           true,
}

// FetchOptions configures the fetch builtin.
type FetchOptions struct {
	Timeout      time.Duration
	MaxBytes     int64
	AllowPrivate bool
	// Transport overrides the HTTP transport. When nil a transport is built
	// that refuses private addresses unless AllowPrivate is set.
	Transport http.RoundTripper
}

// FetchOptionsFromConfig derives fetch options from the engine config.
func FetchOptionsFromConfig(cfg core.EngineConfig) FetchOptions {
	return FetchOptions{
		Timeout:      time.Duration(cfg.FetchTimeoutSec) * time.Second,
		MaxBytes:     int64(cfg.MaxResponseBytes),
		AllowPrivate: cfg.FetchAllowPrivate,
	}
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 10 * 1024 * 1024
	}
	if o.Transport == nil {
		if o.AllowPrivate {
			o.Transport = http.DefaultTransport
		} else {
			o.Transport = &http.Transport{
				DialContext:         ssrfSafeDialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 4,
			}
		}
	}
	return o
}

// fetchArgs is what the JS side of fetch sends to __fetchStart.
type fetchArgs struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"` // base64
}

// fetchResult is the payload a successful fetch settles with.
type fetchResult struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	URL        string            `json:"url"`
	Body       string            `json:"body"` // base64
}

const fetchJS = `
(function() {
	function decodeFetch(ok, payload) {
		if (!ok) return new TypeError(payload);
		var r = JSON.parse(payload);
		var bytes = r.body ? __b64ToBytes(r.body) : new Uint8Array(0);
		return {
			status: r.status,
			statusText: r.statusText,
			ok: r.status >= 200 && r.status < 300,
			headers: r.headers,
			url: r.url,
			text: function() { return Promise.resolve(new TextDecoder().decode(bytes)); },
			json: function() {
				try { return Promise.resolve(JSON.parse(new TextDecoder().decode(bytes))); }
				catch (e) { return Promise.reject(e); }
			},
			bytes: function() { return Promise.resolve(bytes.slice()); },
		};
	}

	globalThis.fetch = function(input, init) {
		var opts = init || {};
		var headers = {};
		if (opts.headers && typeof opts.headers === 'object') {
			for (var k in opts.headers) {
				if (Object.prototype.hasOwnProperty.call(opts.headers, k)) headers[k.toLowerCase()] = String(opts.headers[k]);
			}
		}
		var body = '';
		if (opts.body !== undefined && opts.body !== null) {
			if (typeof opts.body === 'string') {
				body = __bytesToB64(new TextEncoder().encode(opts.body));
			} else {
				try { body = __bytesToB64(opts.body); }
				catch (e) { return Promise.reject(new TypeError('fetch: unsupported body type')); }
			}
		}
		var args = JSON.stringify({
			url: String(input),
			method: opts.method ? String(opts.method).toUpperCase() : 'GET',
			headers: headers,
			body: body,
		});
		var id;
		try {
			id = __fetchStart(String(globalThis.__requestID || ''), args);
		} catch (e) {
			return Promise.reject(e);
		}
		return __deferred(id, decodeFetch);
	};
})();
`

var fetchSeq atomic.Uint64

// FetchSetup returns a setup function installing fetch with opts. Each call
// counts against the request's fetch budget and suspends the handler until
// the response body is read.
func FetchSetup(opts FetchOptions) func(core.JSRuntime, *eventloop.EventLoop) error {
	opts = opts.withDefaults()
	return func(rt core.JSRuntime, el *eventloop.EventLoop) error {
		return setupFetch(rt, el, opts)
	}
}

func setupFetch(rt core.JSRuntime, el *eventloop.EventLoop, opts FetchOptions) error {
	client := &http.Client{
		Transport: opts.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 20 {
				return fmt.Errorf("too many redirects")
			}
			if !opts.AllowPrivate && IsPrivateHostname(req.URL.String()) {
				return fmt.Errorf("redirect to private IP address is not allowed")
			}
			return nil
		},
	}

	// __fetchStart(reqID, argsJSON) -> completion id
	if err := rt.RegisterFunc("__fetchStart", func(reqIDStr, argsJSON string) (string, error) {
		reqID := core.ParseReqID(reqIDStr)
		state := core.GetRequestState(reqID)
		if state == nil {
			return "", fmt.Errorf("fetch is only available while handling a request")
		}
		if state.MaxFetches > 0 && state.FetchCount >= state.MaxFetches {
			return "", fmt.Errorf("exceeded maximum fetch requests (%d)", state.MaxFetches)
		}
		state.FetchCount++

		var args fetchArgs
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("fetch: parsing arguments: %w", err)
		}
		if args.URL == "" {
			return "", fmt.Errorf("fetch requires a URL")
		}
		u, err := url.Parse(args.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "", fmt.Errorf("fetch: unsupported URL %q", args.URL)
		}
		if !opts.AllowPrivate && IsPrivateHostname(args.URL) {
			return "", fmt.Errorf("fetch to private IP addresses is not allowed")
		}

		var body io.Reader
		if args.Body != "" {
			raw, err := base64.StdEncoding.DecodeString(args.Body)
			if err != nil {
				return "", fmt.Errorf("fetch: decoding body: %w", err)
			}
			body = strings.NewReader(string(raw))
		}

		ctx, cancel := context.WithTimeout(state.Ctx, opts.Timeout)
		cancelID := core.RegisterFetchCancel(reqID, cancel)

		req, err := http.NewRequestWithContext(ctx, args.Method, args.URL, body)
		if err != nil {
			core.RemoveFetchCancel(reqID, cancelID)
			cancel()
			return "", fmt.Errorf("fetch: %w", err)
		}
		for k, v := range args.Headers {
			if ForbiddenFetchHeaders[k] {
				continue
			}
			req.Header.Set(k, v)
		}

		id := fmt.Sprintf("f-%d", fetchSeq.Add(1))
		epoch := el.BeginAsync()
		go func() {
			defer cancel()
			defer core.RemoveFetchCancel(reqID, cancelID)
			payload, err := doFetch(client, req, opts.MaxBytes)
			if err != nil {
				el.Complete(epoch, eventloop.Completion{ID: id, OK: false, Payload: err.Error()})
				return
			}
			el.Complete(epoch, eventloop.Completion{ID: id, OK: true, Payload: payload})
		}()
		return id, nil
	}); err != nil {
		return err
	}

	return rt.Eval(fetchJS)
}

func doFetch(client *http.Client, req *http.Request, maxBytes int64) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("fetch: request timed out")
		}
		return "", fmt.Errorf("fetch: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("fetch: reading body: %v", err)
	}
	if int64(len(raw)) > maxBytes {
		return "", fmt.Errorf("fetch: response body exceeds %d bytes", maxBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vals := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	res := fetchResult{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    headers,
		URL:        resp.Request.URL.String(),
		Body:       base64.StdEncoding.EncodeToString(raw),
	}
	out, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// IsPrivateHostname is a non-resolving check for obviously private hosts
// and literal private addresses. Unparseable URLs count as private.
func IsPrivateHostname(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return IsPrivateIP(ip)
	}
	return false
}

// ssrfSafeDialContext checks the resolved address at connect time so a
// public name that resolves to a private address is refused.
func ssrfSafeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip.IP) {
			continue
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
	}
	return nil, fmt.Errorf("fetch to private IP addresses is not allowed")
}

var privateRanges = mustParseCIDRs(
	"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
	"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
	"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
	"240.0.0.0/4",
	"::/128", "::1/128", "fc00::/7", "fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("invalid CIDR: " + c)
		}
		out = append(out, n)
	}
	return out
}

// IsPrivateIP reports whether ip is loopback, link-local or in a private
// or reserved range.
func IsPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
