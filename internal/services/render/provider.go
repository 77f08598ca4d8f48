// Package render provides browser-rendered access to the registry:
// bootstrap authentication artifacts and sociedade modal content. The
// registry only populates modals after script execution, so a plain HTTP
// fetch cannot see them.
package render

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"cnascan/internal/common"
	"cnascan/internal/models"
)

const (
	tokenFieldName   = "__RequestVerificationToken"
	extractionMethod = "specific_modal_parser"
)

// Provider owns one browser instance reached through the rotating proxy.
// Each operation runs in a fresh tab so a wedged page never poisons the
// next call.
type Provider struct {
	config   common.BrowserConfig
	proxy    common.ProxyConfig
	baseURL  string
	logger   arbor.ILogger
	backend  string
	browser  context.Context
	cancels  []context.CancelFunc
	shutdown bool
}

// NewProvider starts a browser through the proxy. It attempts the
// full-featured Chrome configuration first and falls back to a minimal
// headless configuration; if both fail the provider is unusable and the
// error is terminal.
func NewProvider(config common.BrowserConfig, proxy common.ProxyConfig, registry common.RegistryConfig, logger arbor.ILogger) (*Provider, error) {
	p := &Provider{
		config:  config,
		proxy:   proxy,
		baseURL: registry.BaseURL,
		logger:  logger,
	}

	if err := p.startBrowser("chrome", p.chromeOptions()); err != nil {
		logger.Warn().Err(err).Msg("Primary browser backend failed, trying fallback")
		if err := p.startBrowser("headless-shell", p.fallbackOptions()); err != nil {
			return nil, fmt.Errorf("no browser backend available: %w", err)
		}
	}

	logger.Info().Str("backend", p.backend).Msg("Render session provider initialized")
	return p, nil
}

// chromeOptions is the full configuration with automation indicators
// suppressed, mirroring what the registry tolerates from real browsers.
func (p *Provider) chromeOptions() []chromedp.ExecAllocatorOption {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.config.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("excludeSwitches", "enable-automation"),
		chromedp.Flag("useAutomationExtension", false),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(p.config.UserAgent),
	)
	if p.proxy.Host != "" {
		// Credentials cannot be embedded in --proxy-server; they are
		// supplied through the fetch domain on auth challenges.
		opts = append(opts, chromedp.ProxyServer("http://"+p.proxy.Host))
	}
	return opts
}

// fallbackOptions is the minimal configuration used when the primary
// backend cannot start.
func (p *Provider) fallbackOptions() []chromedp.ExecAllocatorOption {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(p.config.UserAgent),
	)
	if p.proxy.Host != "" {
		opts = append(opts, chromedp.ProxyServer("http://"+p.proxy.Host))
	}
	return opts
}

// startBrowser creates the allocator and browser context and verifies the
// backend can actually navigate.
func (p *Provider) startBrowser(backend string, opts []chromedp.ExecAllocatorOption) error {
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("browser %s failed startup test: %w", backend, err)
	}

	p.backend = backend
	p.browser = browserCtx
	p.cancels = []context.CancelFunc{browserCancel, allocatorCancel}
	return nil
}

// newTab opens a fresh tab with proxy auth handling enabled.
func (p *Provider) newTab(timeout time.Duration) (context.Context, context.CancelFunc, error) {
	tabCtx, tabCancel := chromedp.NewContext(p.browser)
	timeoutCtx, timeoutCancel := context.WithTimeout(tabCtx, timeout)

	cancel := func() {
		timeoutCancel()
		tabCancel()
	}

	if p.proxy.Username != "" {
		if err := chromedp.Run(timeoutCtx, fetch.Enable().WithHandleAuthRequests(true)); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("failed to enable fetch domain: %w", err)
		}
		p.listenForAuthChallenges(timeoutCtx)
	}

	return timeoutCtx, cancel, nil
}

// listenForAuthChallenges answers proxy auth challenges with the
// configured credentials and resumes paused requests.
func (p *Provider) listenForAuthChallenges(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				execCtx := cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Target)
				err := fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: p.proxy.Username,
					Password: p.proxy.Password,
				}).Do(execCtx)
				if err != nil {
					p.logger.Warn().Err(err).Msg("Failed to answer proxy auth challenge")
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				execCtx := cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Target)
				if err := fetch.ContinueRequest(ev.RequestID).Do(execCtx); err != nil {
					p.logger.Debug().Err(err).Msg("Failed to continue paused request")
				}
			}()
		}
	})
}

// BootstrapAuth navigates to the registry home page and harvests the
// session cookies plus the anti-forgery token. The whole sequence is
// retried a fixed number of times; the tab is always torn down.
func (p *Provider) BootstrapAuth(ctx context.Context) (*models.AuthArtifacts, error) {
	var lastErr error

	for attempt := 1; attempt <= p.config.MaxRetries; attempt++ {
		p.logger.Info().Int("attempt", attempt).Msg("Fetching bootstrap cookies and token")

		artifacts, err := p.bootstrapOnce(ctx)
		if err == nil {
			p.logger.Info().Int("cookies", len(artifacts.Cookies)).Msg("Bootstrap auth obtained")
			return artifacts, nil
		}

		lastErr = err
		p.logger.Warn().Int("attempt", attempt).Err(err).Msg("Bootstrap attempt failed")
		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.config.RetryDelay):
			}
		}
	}

	return nil, fmt.Errorf("failed to get bootstrap auth after %d attempts: %w", p.config.MaxRetries, lastErr)
}

func (p *Provider) bootstrapOnce(ctx context.Context) (*models.AuthArtifacts, error) {
	tabCtx, cancel, err := p.newTab(p.config.PageTimeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	err = chromedp.Run(tabCtx,
		chromedp.Navigate(p.baseURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(p.config.SettleDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry home page: %w", err)
	}

	cookies, err := p.harvestCookies(tabCtx)
	if err != nil {
		return nil, err
	}

	token, err := p.findToken(tabCtx)
	if err != nil {
		return nil, err
	}

	return &models.AuthArtifacts{Cookies: cookies, Token: token}, nil
}

// harvestCookies collects the tab's cookies into a name->value map.
func (p *Provider) harvestCookies(ctx context.Context) (map[string]string, error) {
	cookieMap := make(map[string]string)
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			cookieMap[c.Name] = c.Value
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to harvest cookies: %w", err)
	}
	return cookieMap, nil
}

// findToken locates the anti-forgery token: first via a bounded wait on
// the live DOM element, then by parsing the static page markup.
func (p *Provider) findToken(ctx context.Context) (string, error) {
	selector := fmt.Sprintf(`input[name=%q]`, tokenFieldName)

	waitCtx, waitCancel := context.WithTimeout(ctx, 20*time.Second)
	defer waitCancel()

	var token string
	var ok bool
	err := chromedp.Run(waitCtx,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.AttributeValue(selector, "value", &token, &ok, chromedp.ByQuery),
	)
	if err == nil && ok && token != "" {
		return token, nil
	}

	p.logger.Debug().Err(err).Msg("Live token wait failed, parsing page source")

	var pageHTML string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &pageHTML, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page source for token fallback: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return "", fmt.Errorf("failed to parse page source: %w", err)
	}
	token = doc.Find(selector).AttrOr("value", "")
	if token == "" {
		return "", fmt.Errorf("verification token not found in page")
	}
	return token, nil
}

// RenderAndExtract navigates to a detail URL, waits for the modal to
// become visible, and extracts its fields. All failures are reported
// inside the result; no error ever escapes so one broken modal cannot
// abort a lawyer's processing.
func (p *Provider) RenderAndExtract(ctx context.Context, url string) *models.ModalExtraction {
	var lastErr error

	for attempt := 1; attempt <= p.config.MaxRetries; attempt++ {
		p.logger.Debug().Int("attempt", attempt).Str("url", url).Msg("Rendering sociedade modal")

		modalHTML, err := p.renderOnce(ctx, url)
		if err == nil {
			data := ExtractModalData(modalHTML)
			score := 3
			if data.FirmName != "" {
				score = 5
			}
			return &models.ModalExtraction{
				ExtractionMethod:  extractionMethod,
				ContentLoaded:     true,
				Timestamp:         time.Now().UTC(),
				URL:               url,
				ModalData:         data,
				ExtractionSuccess: score,
			}
		}

		lastErr = err
		p.logger.Warn().Int("attempt", attempt).Str("url", url).Err(err).Msg("Modal render failed")
		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				attempt = p.config.MaxRetries
			case <-time.After(p.config.RetryDelay):
			}
		}
	}

	return &models.ModalExtraction{
		ExtractionMethod:  extractionMethod,
		ContentLoaded:     false,
		Error:             lastErr.Error(),
		Timestamp:         time.Now().UTC(),
		URL:               url,
		ExtractionSuccess: 0,
	}
}

func (p *Provider) renderOnce(ctx context.Context, url string) (string, error) {
	tabCtx, cancel, err := p.newTab(p.config.ModalWait + p.config.SettleDelay + p.config.PageTimeout)
	if err != nil {
		return "", err
	}
	defer cancel()

	var modalHTML string
	err = chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitVisible(".modal-content", chromedp.ByQuery),
		chromedp.Sleep(p.config.SettleDelay),
		chromedp.OuterHTML(".modal-content", &modalHTML, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("modal did not appear at %s: %w", url, err)
	}
	return modalHTML, nil
}

// Shutdown tears down the browser.
func (p *Provider) Shutdown() {
	if p.shutdown {
		return
	}
	p.shutdown = true
	for _, cancel := range p.cancels {
		cancel()
	}
	p.logger.Info().Str("backend", p.backend).Msg("Render session provider shut down")
}
