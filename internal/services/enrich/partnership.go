package enrich

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"cnascan/internal/common"
	"cnascan/internal/interfaces"
	"cnascan/internal/models"
)

var keyUnsafe = regexp.MustCompile(`[^A-Za-z0-9]+`)

// PartnershipFetcher resolves sociedade stubs into complete detail
// documents through the render service and persists each one as it is
// fetched, so individual results survive a crash independently of the
// batch checkpoints.
type PartnershipFetcher struct {
	render   interfaces.RenderService
	store    interfaces.BlobStore
	registry common.RegistryConfig
	workers  int
	logger   arbor.ILogger
}

// NewPartnershipFetcher creates a fetcher. store may be nil in tests.
func NewPartnershipFetcher(render interfaces.RenderService, store interfaces.BlobStore, registry common.RegistryConfig, workers int, logger arbor.ILogger) *PartnershipFetcher {
	if workers < 1 {
		workers = 1
	}
	return &PartnershipFetcher{
		render:   render,
		store:    store,
		registry: registry,
		workers:  workers,
		logger:   logger,
	}
}

// FetchAll resolves all stubs for one lawyer. Fetches run on a bounded
// pool of workers but results come back in stub order, not completion
// order; failed fetches are logged and skipped.
func (f *PartnershipFetcher) FetchAll(ctx context.Context, stubs []models.PartnershipStub, state, insc, lawyerName string) []models.PartnershipDetail {
	results := make([]*models.PartnershipDetail, len(stubs))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < f.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = f.fetchOne(ctx, stubs[i], state, insc, lawyerName)
			}
		}()
	}

	for i := range stubs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	details := make([]models.PartnershipDetail, 0, len(stubs))
	for _, d := range results {
		if d != nil {
			details = append(details, *d)
		}
	}
	return details
}

// fetchOne renders one sociedade modal and assembles the detail document.
// Returns nil when the modal content never loaded; a panic in the render
// path is contained here so one bad stub cannot take down the pool.
func (f *PartnershipFetcher) fetchOne(ctx context.Context, stub models.PartnershipStub, state, insc, lawyerName string) (detail *models.PartnershipDetail) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().
				Str("sociedade", stub.Insc).
				Str("lawyer", insc).
				Msg(fmt.Sprintf("Panic while fetching sociedade detail: %v", r))
			detail = nil
		}
	}()

	url := f.registry.AbsoluteURL(stub.Url)
	extraction := f.render.RenderAndExtract(ctx, url)
	if !extraction.ContentLoaded {
		f.logger.Warn().
			Str("sociedade", stub.Insc).
			Str("url", url).
			Str("error", extraction.Error).
			Msg("Sociedade modal content never loaded, skipping")
		return nil
	}

	detail = &models.PartnershipDetail{
		LawyerInfo: models.LawyerInfo{
			LawyerName:  lawyerName,
			LawyerState: state,
			LawyerInsc:  insc,
		},
		BasicInfo: models.BasicInfo{
			Insc:      stub.Insc,
			NomeSoci:  stub.NomeSoci,
			IdtSoci:   stub.IdtSoci,
			SiglUf:    stub.SiglUf,
			SourceURL: url,
		},
		ModalData:   *extraction,
		ProcessedAt: time.Now().UTC(),
	}

	f.persist(detail, state, insc, stub.Insc)
	return detail
}

// persist stores the individual detail document. Persistence failures are
// logged, not fatal: the detail still rides along in the batch checkpoint.
func (f *PartnershipFetcher) persist(detail *models.PartnershipDetail, state, insc, stubInsc string) {
	if f.store == nil {
		return
	}
	key := fmt.Sprintf("sociedade_%s_%s_%s_%d.json",
		sanitizeKeyPart(state), sanitizeKeyPart(insc), sanitizeKeyPart(stubInsc), time.Now().Unix())
	if err := f.store.PutPartnership(key, detail); err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("Failed to persist sociedade detail")
	}
}

// sanitizeKeyPart collapses anything outside [A-Za-z0-9] to underscores so
// the key is safe as a filename on the local mirror.
func sanitizeKeyPart(s string) string {
	if s == "" {
		return "unknown"
	}
	return keyUnsafe.ReplaceAllString(s, "_")
}
