// Package session owns the rotating-proxy HTTP session. One session is
// reused for a bounded number of requests, then recycled so the proxy
// rotates the egress address; any transport failure also forces a recycle.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"cnascan/internal/common"
	"cnascan/internal/interfaces"
)

// IPInfo is the response of the egress-IP check endpoint.
type IPInfo struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
	City    string `json:"city"`
}

// ipLogEntry is one line of the JSONL egress-IP log.
type ipLogEntry struct {
	Timestamp           string  `json:"timestamp"`
	IPData              *IPInfo `json:"ip_data"`
	SessionRequestCount int     `json:"session_request_count"`
}

// Manager maintains the transport session behind a request budget.
// It is owned by the batch driver goroutine and is not safe for
// concurrent use.
type Manager struct {
	config     common.SessionConfig
	proxyURL   string
	ipCheckURL string
	userAgent  string
	store      interfaces.BlobStore
	logger     arbor.ILogger
	limiter    *rate.Limiter

	// newClient is swapped in tests to avoid real proxy configuration.
	newClient func() (*resty.Client, error)

	client    *resty.Client
	useCount  int
	currentIP string
}

// NewManager creates a session manager. store may be nil, in which case
// egress-IP log entries are only written to the logger.
func NewManager(config common.SessionConfig, proxy common.ProxyConfig, registry common.RegistryConfig, store interfaces.BlobStore, logger arbor.ILogger) *Manager {
	m := &Manager{
		config:     config,
		proxyURL:   proxy.URL(),
		ipCheckURL: registry.IPCheckURL,
		userAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
		store:      store,
		logger:     logger,
	}
	if config.RequestsPerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}
	m.newClient = m.buildClient
	return m
}

// buildClient constructs a proxied resty client with a fresh cookie jar
// and the Cloudflare bypass transport.
func (m *Manager) buildClient() (*resty.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	client := resty.New()
	client.SetProxy(m.proxyURL)
	client.SetCookieJar(jar)
	client.SetTimeout(m.config.RequestTimeout)
	client.SetHeader("User-Agent", m.userAgent)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	return client, nil
}

// Acquire returns the current session, creating a new one when none
// exists or the request budget is exhausted. Every call counts against
// the budget.
func (m *Manager) Acquire(ctx context.Context) (*resty.Client, error) {
	if m.client == nil || m.useCount >= m.config.MaxRequestsPerSession {
		if m.client != nil {
			m.logger.Info().
				Int("requests", m.useCount).
				Msg("Closing session after budget exhaustion")
			m.closeClient()
		}

		client, err := m.newClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create proxied session: %w", err)
		}
		m.client = client
		m.useCount = 0

		// Observability only: a failed probe does not fail the session.
		if info := m.probeIP(ctx); info != nil {
			m.currentIP = info.IP
			m.logger.Info().
				Str("ip", info.IP).
				Str("city", info.City).
				Str("country", info.Country).
				Msg("New proxied session created")
			m.saveIPLog(info)
		} else {
			m.currentIP = "unknown"
			m.logger.Warn().Msg("New proxied session created, egress IP unknown")
		}
	}

	m.useCount++
	return m.client, nil
}

// Invalidate drops the current session so the next Acquire builds a
// fresh one. Called on any transport-level failure.
func (m *Manager) Invalidate() {
	m.closeClient()
	m.useCount = 0
	m.currentIP = ""
}

func (m *Manager) closeClient() {
	if m.client == nil {
		return
	}
	// Best effort: resty has no close, but idle connections can be shed.
	m.client.GetClient().CloseIdleConnections()
	m.client = nil
}

// Close releases the session.
func (m *Manager) Close() {
	m.closeClient()
}

// UseCount reports how many requests the current session has served.
func (m *Manager) UseCount() int { return m.useCount }

// CurrentIP returns the last known egress address.
func (m *Manager) CurrentIP() string { return m.currentIP }

// probeIP queries the IP check endpoint through the current session.
func (m *Manager) probeIP(ctx context.Context) *IPInfo {
	if m.ipCheckURL == "" || m.client == nil {
		return nil
	}
	resp, err := m.client.R().SetContext(ctx).Get(m.ipCheckURL)
	if err != nil || resp.StatusCode() != http.StatusOK {
		m.logger.Warn().Err(err).Msg("Failed to check egress IP")
		return nil
	}
	var info IPInfo
	if err := json.Unmarshal(resp.Body(), &info); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to decode egress IP response")
		return nil
	}
	return &info
}

// saveIPLog appends a JSONL entry to the daily egress-IP log.
func (m *Manager) saveIPLog(info *IPInfo) {
	if m.store == nil {
		return
	}
	entry := ipLogEntry{
		Timestamp:           time.Now().Format("2006-01-02 15:04:05"),
		IPData:              info,
		SessionRequestCount: m.useCount,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	key := fmt.Sprintf("logs/proxy_ip_log_%s.jsonl", time.Now().Format("20060102"))
	if err := m.store.Append(key, line); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("Failed to append egress IP log")
	}
}

// Verify checks that the proxy connection works by probing the IP
// endpoint through a fresh session.
func (m *Manager) Verify(ctx context.Context) bool {
	if _, err := m.Acquire(ctx); err != nil {
		return false
	}
	return m.probeIP(ctx) != nil
}

// Request performs an HTTP request with the fixed-delay retry loop. Any
// transport failure or non-2xx response invalidates the session, waits
// RetryDelay, and retries; after MaxRetries attempts the last error is
// returned. A 2xx response returns immediately.
func (m *Manager) Request(ctx context.Context, method, url string, opts interfaces.RequestOptions) (*interfaces.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= m.config.MaxRetries; attempt++ {
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		client, err := m.Acquire(ctx)
		if err != nil {
			lastErr = err
			m.logger.Warn().Int("attempt", attempt).Err(err).Msg("Failed to acquire session")
			if !m.waitRetry(ctx, attempt) {
				break
			}
			continue
		}

		if m.useCount%10 == 1 {
			m.logger.Info().
				Int("request", m.useCount).
				Int("budget", m.config.MaxRequestsPerSession).
				Str("ip", m.currentIP).
				Msg("Session request progress")
		}

		req := client.R().SetContext(ctx)
		for k, v := range opts.Headers {
			req.SetHeader(k, v)
		}
		for name, value := range opts.Cookies {
			req.SetCookie(&http.Cookie{Name: name, Value: value})
		}
		if opts.JSON != nil {
			req.SetHeader("Content-Type", "application/json")
			req.SetBody(opts.JSON)
		}

		resp, err := req.Execute(method, url)
		if err == nil && resp.StatusCode() >= 200 && resp.StatusCode() < 300 {
			return &interfaces.Response{StatusCode: resp.StatusCode(), Body: resp.Body()}, nil
		}

		if err != nil {
			lastErr = fmt.Errorf("request to %s failed: %w", url, err)
		} else {
			httpErr := &HTTPError{StatusCode: resp.StatusCode(), Body: string(resp.Body()), URL: url}
			// Authentication-class failures are not transport failures:
			// retrying with a recycled session cannot fix an expired
			// token, so surface them to the caller immediately.
			if httpErr.IsAuthFailure() {
				return nil, httpErr
			}
			lastErr = httpErr
		}

		m.logger.Warn().
			Int("attempt", attempt).
			Str("url", url).
			Err(lastErr).
			Msg("Request attempt failed, recycling session")
		m.Invalidate()

		if attempt < m.config.MaxRetries && !m.waitRetry(ctx, attempt) {
			break
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", m.config.MaxRetries, lastErr)
}

// waitRetry sleeps the fixed retry delay, honoring cancellation.
func (m *Manager) waitRetry(ctx context.Context, attempt int) bool {
	m.logger.Debug().
		Int("attempt", attempt).
		Str("delay", m.config.RetryDelay.String()).
		Msg("Waiting before retry")
	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.config.RetryDelay):
		return true
	}
}

// HTTPError is a non-2xx response surfaced as an error so the retry loop
// and the auth-expiry check can inspect the status code.
type HTTPError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// IsAuthFailure reports whether the response indicates expired bootstrap
// credentials: 401/403/419 or a token-related error message.
func (e *HTTPError) IsAuthFailure() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, 419:
		return true
	}
	return strings.Contains(strings.ToLower(e.Body), "token")
}
