package interfaces

import (
	"context"

	"cnascan/internal/models"
)

// SessionService owns the rotating-proxy transport session. Request
// retries internally with a fixed delay and recycles the session on any
// transport failure; a returned error means all attempts were exhausted.
type SessionService interface {
	Request(ctx context.Context, method, url string, opts RequestOptions) (*Response, error)
	Verify(ctx context.Context) bool
	Close()
}

// RequestOptions carries per-request headers, cookies, and an optional
// JSON body.
type RequestOptions struct {
	Headers map[string]string
	Cookies map[string]string
	JSON    any
}

// Response is the subset of an HTTP response the pipeline consumes.
type Response struct {
	StatusCode int
	Body       []byte
}

// RenderService provides browser-rendered access to the registry: the
// bootstrap authentication artifacts and rendered modal content.
type RenderService interface {
	// BootstrapAuth opens a render session through the proxy and harvests
	// session cookies plus the anti-forgery token from the registry home
	// page. Fails terminally when no token can be found.
	BootstrapAuth(ctx context.Context) (*models.AuthArtifacts, error)

	// RenderAndExtract navigates to a detail URL, waits for the modal to
	// become visible, and extracts its fields. Failures are reported
	// inside the result (ContentLoaded=false), never as an error.
	RenderAndExtract(ctx context.Context, url string) *models.ModalExtraction

	Shutdown()
}
