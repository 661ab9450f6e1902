// Package fetchcap implements the outbound-HTTP capability (spec §4.4):
// host allow/block lists, manual redirect chasing so a redirect cannot
// bounce to a private address, and a streaming size cap on the response
// body. Grounded on the teacher pack's web-fetch tool (manual
// CheckRedirect re-running SSRF validation on every hop), adapted to
// route host/IP classification through the shared security catalog
// instead of an ad hoc checker.
package fetchcap

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/behrlich/capsule/internal/catalog"
	"github.com/behrlich/capsule/internal/errs"
	"github.com/behrlich/capsule/internal/events"
)

const (
	defaultResponseCap = 10 << 20 // 10 MiB
	defaultTimeout      = 30 * time.Second
	defaultRatePerMin   = 60
	maxRedirectHops     = 5
)

// blockedRequestHeaders are names the skill may never set directly; the
// capability still allows its own default headers to carry these.
var blockedRequestHeaders = map[string]bool{
	"host":            true,
	"authorization":   true,
	"cookie":          true,
	"x-forwarded-for": true,
	"x-real-ip":       true,
}

// hostPattern is one entry of an allow/block host set: "*.example.com",
// "10.*", or an exact host.
type hostPattern string

func (p hostPattern) matches(host string) bool {
	pat := string(p)
	switch {
	case strings.HasPrefix(pat, "*."):
		suffix := pat[1:] // ".example.com"
		return strings.EqualFold(host, pat[2:]) || strings.HasSuffix(strings.ToLower(host), strings.ToLower(suffix))
	case strings.HasSuffix(pat, "*"):
		return strings.HasPrefix(host, strings.TrimSuffix(pat, "*"))
	default:
		return strings.EqualFold(host, pat)
	}
}

// Config configures a Capability.
type Config struct {
	AllowedHosts []string
	BlockedHosts []string
	// AllowedSchemes defaults to {"https"}.
	AllowedSchemes []string

	ResponseCap   int64
	Timeout       time.Duration
	RatePerMinute int

	DefaultHeaders map[string]string

	// AllowPrivateNetworks disables the default private/CGNAT/link-local
	// IP block. Cloud-metadata addresses stay blocked regardless. Exists
	// for operators running fetch against an internal service mesh; a
	// public-facing deployment should leave this false.
	AllowPrivateNetworks bool

	Sink events.Sink
}

// Capability is a ready-to-use fetch capability. One Capability instance
// tracks its own rate window, so it should be scoped per-execution the
// same way the other capabilities are.
type Capability struct {
	allowed        []hostPattern
	blocked        []hostPattern
	schemes        map[string]bool
	responseCap    int64
	timeout        time.Duration
	ratePerMinute  int
	defaultHeaders map[string]string
	allowPrivate   bool
	sink           events.Sink

	mu      sync.Mutex
	window  []time.Time
	client  *http.Client
}

// New builds a Capability from cfg.
func New(cfg Config) *Capability {
	allowed := make([]hostPattern, 0, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		allowed = append(allowed, hostPattern(h))
	}
	blocked := make([]hostPattern, 0, len(cfg.BlockedHosts))
	for _, h := range cfg.BlockedHosts {
		blocked = append(blocked, hostPattern(h))
	}
	schemes := map[string]bool{}
	if len(cfg.AllowedSchemes) == 0 {
		schemes["https"] = true
	} else {
		for _, s := range cfg.AllowedSchemes {
			schemes[strings.ToLower(s)] = true
		}
	}
	responseCap := cfg.ResponseCap
	if responseCap == 0 {
		responseCap = defaultResponseCap
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	rate := cfg.RatePerMinute
	if rate == 0 {
		rate = defaultRatePerMin
	}
	sink := cfg.Sink
	if sink == nil {
		sink = events.Null
	}

	c := &Capability{
		allowed:        allowed,
		blocked:        blocked,
		schemes:        schemes,
		responseCap:    responseCap,
		timeout:        timeout,
		ratePerMinute:  rate,
		defaultHeaders: cfg.DefaultHeaders,
		allowPrivate:   cfg.AllowPrivateNetworks,
		sink:           sink,
	}
	c.client = &http.Client{
		Timeout:       timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	return c
}

// Response is the validated result of a fetch. Body is not buffered: it
// streams the underlying connection directly, and enforces the response
// cap as the consumer reads rather than up front (spec §5 resource
// policy, §4.4 step 9). The consumer must Close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	FinalURL   string
}

// cappedBody re-wraps a response body so a cap violation is discovered
// during consumer reads and aborts the connection immediately, instead of
// buffering the whole response to find out. It reads through an
// io.LimitReader capped at limit+1: the underlying stream can only ever
// supply that (limit+1)th byte if the real body is larger than the cap,
// so crossing `limit` in the running total is exactly the overflow
// signal, and a body that is exactly cap-sized reaches a normal io.EOF
// instead.
type cappedBody struct {
	rc     io.ReadCloser
	lr     io.Reader
	limit  int64
	total  int64
	closed bool
}

func newCappedBody(rc io.ReadCloser, limit int64) *cappedBody {
	return &cappedBody{rc: rc, lr: io.LimitReader(rc, limit+1), limit: limit}
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := b.lr.Read(p)
	b.total += int64(n)
	if b.total > b.limit {
		b.abort()
		return n, errs.Fetch("Response body exceeded size cap")
	}
	return n, err
}

func (b *cappedBody) abort() {
	if !b.closed {
		b.closed = true
		b.rc.Close()
	}
}

func (b *cappedBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.rc.Close()
}

// Fetch validates rawURL, the method, and headers, then executes the
// request, manually chasing redirects through the same admission path so
// a redirect can never bounce into a private network.
func (c *Capability) Fetch(ctx context.Context, method, rawURL string, headers map[string]string, body io.Reader) (*Response, error) {
	if err := c.checkRate(); err != nil {
		return nil, err
	}

	target := rawURL
	for hop := 0; ; hop++ {
		if hop > maxRedirectHops {
			return nil, c.deny(target, "Too many redirects")
		}
		parsed, err := c.admit(target)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, parsed.String(), body)
		if err != nil {
			return nil, c.deny(target, "Malformed request: "+err.Error())
		}
		c.applyHeaders(req, headers)

		c.sink.Emit(events.Record{Kind: events.Request, Domain: "fetch", Operation: method, Target: parsed.String()})
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, c.deny(target, "Request failed: "+err.Error())
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, c.deny(target, "Redirect with no Location header")
			}
			next, err := parsed.Parse(loc)
			if err != nil {
				return nil, c.deny(loc, "Malformed redirect target")
			}
			target = next.String()
			continue
		}

		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > c.responseCap {
				resp.Body.Close()
				return nil, c.deny(target, "Declared Content-Length exceeds cap")
			}
		}

		c.sink.Emit(events.Record{Kind: events.Response, Domain: "fetch", Operation: method, Target: parsed.String()})
		body := newCappedBody(resp.Body, c.responseCap)
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body, FinalURL: parsed.String()}, nil
	}
}

// admit runs spec §4.4 steps 1-3: parse, scheme check, host classification.
func (c *Capability) admit(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, c.deny(rawURL, "Malformed URL")
	}
	if !c.schemes[strings.ToLower(parsed.Scheme)] {
		return nil, c.deny(rawURL, "Scheme not permitted: "+parsed.Scheme)
	}

	host := parsed.Hostname()
	if catalog.IsBlockedHostname(host) {
		return nil, c.deny(rawURL, "Blocked hostname")
	}
	if ip := net.ParseIP(host); ip != nil {
		if catalog.IsCloudMetadataIP(host) {
			return nil, c.deny(rawURL, "Host resolves to a cloud metadata address")
		}
		if !c.allowPrivate && catalog.IsPrivateIP(host) {
			return nil, c.deny(rawURL, "Host resolves to a private address")
		}
	}
	for _, b := range c.blocked {
		if b.matches(host) {
			return nil, c.deny(rawURL, "Host matches blocked pattern")
		}
	}
	if len(c.allowed) > 0 {
		ok := false
		for _, a := range c.allowed {
			if a.matches(host) {
				ok = true
				break
			}
		}
		if !ok {
			return nil, c.deny(rawURL, "Host not in allowed set")
		}
	}
	return parsed, nil
}

func (c *Capability) applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range c.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		if blockedRequestHeaders[strings.ToLower(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
}

// checkRate slides a one-minute window over prior calls.
func (c *Capability) checkRate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := c.window[:0]
	for _, t := range c.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.window = kept
	if len(c.window) >= c.ratePerMinute {
		retryAfter := c.window[0].Add(time.Minute).Sub(now)
		c.sink.Emit(events.Record{Kind: events.RateLimited, Domain: "fetch", Detail: "Per-minute fetch rate exceeded"})
		e := errs.Fetch("Per-minute fetch rate exceeded")
		e.RetryAfter = retryAfter
		return e
	}
	c.window = append(c.window, now)
	return nil
}

func (c *Capability) deny(target, reason string) error {
	c.sink.Emit(events.Record{Kind: events.Blocked, Domain: "fetch", Target: target, Detail: reason})
	return errs.Fetch(reason)
}
