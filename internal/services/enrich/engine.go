// Package enrich turns a bare lawyer record into an enriched one by
// querying the registry search and detail endpoints and resolving every
// sociedade stub into a complete detail document.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"cnascan/internal/common"
	"cnascan/internal/interfaces"
	"cnascan/internal/models"
)

// authFailure is implemented by transport errors that indicate expired
// bootstrap credentials rather than a flaky connection.
type authFailure interface {
	IsAuthFailure() bool
}

func isAuthFailure(err error) bool {
	var af authFailure
	return errors.As(err, &af) && af.IsAuthFailure()
}

// Engine enriches lawyer records. Enrichment is best effort per record:
// the partially built record is always returned, and the second return
// value tells the caller whether the bootstrap credentials are still
// usable.
type Engine struct {
	session    interfaces.SessionService
	fetcher    *PartnershipFetcher
	registry   common.RegistryConfig
	maxRetries int
	retryDelay time.Duration
	logger     arbor.ILogger
}

// NewEngine creates an enrichment engine. The retry settings cover the
// search-miss loop; transport retries live inside the session service.
func NewEngine(session interfaces.SessionService, fetcher *PartnershipFetcher, registry common.RegistryConfig, sessionCfg common.SessionConfig, logger arbor.ILogger) *Engine {
	return &Engine{
		session:    session,
		fetcher:    fetcher,
		registry:   registry,
		maxRetries: sessionCfg.MaxRetries,
		retryDelay: sessionCfg.RetryDelay,
		logger:     logger,
	}
}

// Enrich processes one lawyer record. state and insc are the cleaned
// lookup keys, which may differ from the record's stored fields. The
// returned bool is false only on an authentication-class failure, which
// tells the driver to re-bootstrap credentials and retry once.
func (e *Engine) Enrich(ctx context.Context, record *models.LawyerRecord, state, insc string, auth *models.AuthArtifacts) (*models.LawyerRecord, bool) {
	enriched := record.Clone()
	enriched.Processed = true
	enriched.SetHasSociety(false)
	enriched.CorrectedFullName = ""
	enriched.SocietyLink = ""
	enriched.SocietyBasicDetails = nil
	enriched.SocietyCompleteDetails = nil

	hit, ok, sessionValid := e.search(ctx, state, insc, auth)
	if !sessionValid {
		return enriched, false
	}
	if !ok {
		// A search miss is not a session failure: the record stays
		// finalized with no partnership data.
		return enriched, true
	}

	if hit.Nome != "" && !strings.EqualFold(hit.Nome, record.FullName) {
		enriched.CorrectedFullName = hit.Nome
	}
	enriched.SocietyLink = e.registry.AbsoluteURL(hit.DetailUrl)

	stubs, sessionValid := e.fetchDetail(ctx, enriched.SocietyLink, auth)
	if !sessionValid {
		return enriched, false
	}
	if len(stubs) == 0 {
		return enriched, true
	}

	enriched.SetHasSociety(true)
	enriched.SocietyBasicDetails = stubs
	enriched.SocietyCompleteDetails = e.fetcher.FetchAll(ctx, stubs, state, insc, record.FullName)

	e.logger.Info().
		Str("insc", insc).
		Str("state", state).
		Int("sociedades", len(stubs)).
		Int("complete", len(enriched.SocietyCompleteDetails)).
		Msg("Lawyer record enriched")

	return enriched, true
}

// search posts a registry search for the registration number. It retries
// empty or unsuccessful responses the fixed number of times; transport
// retries already happened inside the session service, so a transport
// error ends the loop immediately.
func (e *Engine) search(ctx context.Context, state, insc string, auth *models.AuthArtifacts) (models.SearchHit, bool, bool) {
	opts := interfaces.RequestOptions{
		Headers: map[string]string{
			"Referer":          e.registry.BaseURL + "/",
			"X-Requested-With": "XMLHttpRequest",
		},
		Cookies: auth.Cookies,
		JSON:    models.NewSearchRequest(auth.Token, insc, state),
	}

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		resp, err := e.session.Request(ctx, http.MethodPost, e.registry.SearchURL(), opts)
		if err != nil {
			if isAuthFailure(err) {
				e.logger.Warn().Str("insc", insc).Err(err).Msg("Search rejected, credentials expired")
				return models.SearchHit{}, false, false
			}
			e.logger.Warn().Str("insc", insc).Err(err).Msg("Search failed after transport retries")
			return models.SearchHit{}, false, true
		}

		var search models.SearchResponse
		if err := json.Unmarshal(resp.Body, &search); err != nil {
			e.logger.Warn().Str("insc", insc).Err(err).Msg("Search response not decodable")
		} else if search.Success && len(search.Data) > 0 {
			return search.Data[0], true, true
		}

		e.logger.Debug().
			Str("insc", insc).
			Str("state", state).
			Int("attempt", attempt).
			Msg("Search returned no results")
		if attempt < e.maxRetries && !e.wait(ctx) {
			break
		}
	}

	e.logger.Warn().Str("insc", insc).Str("state", state).Msg("No registry entry found")
	return models.SearchHit{}, false, true
}

// fetchDetail retrieves the lawyer detail payload and extracts the
// sociedade stub list. The second return value is false on an
// authentication-class failure.
func (e *Engine) fetchDetail(ctx context.Context, detailURL string, auth *models.AuthArtifacts) ([]models.PartnershipStub, bool) {
	resp, err := e.session.Request(ctx, http.MethodGet, detailURL, interfaces.RequestOptions{
		Cookies: auth.Cookies,
	})
	if err != nil {
		if isAuthFailure(err) {
			e.logger.Warn().Str("url", detailURL).Err(err).Msg("Detail fetch rejected, credentials expired")
			return nil, false
		}
		e.logger.Warn().Str("url", detailURL).Err(err).Msg("Detail fetch failed after transport retries")
		return nil, true
	}

	var detail models.DetailResponse
	if err := json.Unmarshal(resp.Body, &detail); err != nil {
		e.logger.Warn().Str("url", detailURL).Err(err).Msg("Detail response not decodable")
		return nil, true
	}
	if !detail.Success {
		return nil, true
	}

	stubs, err := detail.SociedadesList()
	if err != nil {
		e.logger.Warn().Str("url", detailURL).Err(err).Msg("Detail payload not decodable")
		return nil, true
	}
	return stubs, true
}

// wait sleeps the fixed retry delay, honoring cancellation.
func (e *Engine) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(e.retryDelay):
		return true
	}
}
