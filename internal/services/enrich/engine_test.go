package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"cnascan/internal/common"
	"cnascan/internal/interfaces"
	"cnascan/internal/models"
	"cnascan/internal/services/session"
)

// step is one scripted exchange of the fake session.
type step struct {
	resp *interfaces.Response
	err  error
}

// fakeSession replays scripted responses and records every request.
type fakeSession struct {
	steps    []step
	requests []string
}

func (f *fakeSession) Request(_ context.Context, method, url string, _ interfaces.RequestOptions) (*interfaces.Response, error) {
	f.requests = append(f.requests, method+" "+url)
	if len(f.steps) == 0 {
		return nil, fmt.Errorf("unexpected request %s %s", method, url)
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s.resp, s.err
}

func (f *fakeSession) Verify(context.Context) bool { return true }

func (f *fakeSession) Close() {}

// fakeRender returns a loaded modal for every URL except those listed in
// broken, and records the order URLs were requested in.
type fakeRender struct {
	mu     sync.Mutex
	broken map[string]bool
	urls   []string
}

func (f *fakeRender) BootstrapAuth(context.Context) (*models.AuthArtifacts, error) {
	return &models.AuthArtifacts{Cookies: map[string]string{}, Token: "tok"}, nil
}

func (f *fakeRender) RenderAndExtract(_ context.Context, url string) *models.ModalExtraction {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	if f.broken[url] {
		return &models.ModalExtraction{ContentLoaded: false, Error: "modal never appeared", URL: url}
	}
	return &models.ModalExtraction{
		ContentLoaded:     true,
		URL:               url,
		ModalData:         &models.ModalData{FirmName: "FIRM AT " + url},
		ExtractionSuccess: 5,
		Timestamp:         time.Now().UTC(),
	}
}

func (f *fakeRender) Shutdown() {}

// fakeStore records partnership puts.
type fakeStore struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeStore) Put(key string, _ []byte, _ string) (string, error) { return key, nil }

func (f *fakeStore) Append(string, []byte) error { return nil }

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) PutPartnership(key string, _ *models.PartnershipDetail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func jsonResp(t *testing.T, v any) *interfaces.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return &interfaces.Response{StatusCode: http.StatusOK, Body: body}
}

func registryConfig() common.RegistryConfig {
	return common.RegistryConfig{BaseURL: "https://registry.test", SearchPath: "/Home/Search"}
}

func sessionConfig() common.SessionConfig {
	return common.SessionConfig{MaxRetries: 3, RetryDelay: time.Millisecond}
}

func newEngine(sess interfaces.SessionService, render interfaces.RenderService, store interfaces.BlobStore) *Engine {
	logger := arbor.NewLogger()
	fetcher := NewPartnershipFetcher(render, store, registryConfig(), 2, logger)
	return NewEngine(sess, fetcher, registryConfig(), sessionConfig(), logger)
}

func testAuth() *models.AuthArtifacts {
	return &models.AuthArtifacts{
		Cookies: map[string]string{"ASP.NET_SessionId": "abc"},
		Token:   "tok-1",
	}
}

func TestEnrichFullPath(t *testing.T) {
	stubs := []models.PartnershipStub{
		{Insc: "100", NomeSoci: "FIRM A", Url: "/Home/RenderDetail?id=100"},
		{Insc: "200", NomeSoci: "FIRM B", Url: "/Home/RenderDetail?id=200"},
	}
	detailData, err := json.Marshal(models.DetailData{Sociedades: stubs})
	require.NoError(t, err)

	sess := &fakeSession{steps: []step{
		{resp: jsonResp(t, models.SearchResponse{
			Success: true,
			Data:    []models.SearchHit{{Nome: "MARIA APARECIDA SILVA", DetailUrl: "/Home/Detail?id=1"}},
		})},
		{resp: jsonResp(t, models.DetailResponse{Success: true, Data: detailData})},
	}}
	render := &fakeRender{}
	store := &fakeStore{}

	record := &models.LawyerRecord{FullName: "Maria A. Silva", Insc: "185929", State: "MG"}
	enriched, sessionValid := newEngine(sess, render, store).Enrich(context.Background(), record, "MG", "185929", testAuth())

	assert.True(t, sessionValid)
	assert.True(t, enriched.Processed)
	assert.True(t, enriched.HasSocietyTrue())
	assert.Equal(t, "MARIA APARECIDA SILVA", enriched.CorrectedFullName)
	assert.Equal(t, "https://registry.test/Home/Detail?id=1", enriched.SocietyLink)
	assert.Equal(t, stubs, enriched.SocietyBasicDetails)

	require.Len(t, enriched.SocietyCompleteDetails, 2)
	// Stub order, not completion order.
	assert.Equal(t, "100", enriched.SocietyCompleteDetails[0].BasicInfo.Insc)
	assert.Equal(t, "200", enriched.SocietyCompleteDetails[1].BasicInfo.Insc)
	assert.Equal(t, "185929", enriched.SocietyCompleteDetails[0].LawyerInfo.LawyerInsc)
	assert.Equal(t, "https://registry.test/Home/RenderDetail?id=100", enriched.SocietyCompleteDetails[0].BasicInfo.SourceURL)

	assert.Len(t, store.keys, 2)
	for _, key := range store.keys {
		assert.Regexp(t, `^sociedade_MG_185929_\d+_\d+\.json$`, key)
	}

	// Input record never mutated.
	assert.False(t, record.Processed)
	assert.Nil(t, record.HasSociety)
}

func TestEnrichNameMatchCaseInsensitive(t *testing.T) {
	sess := &fakeSession{steps: []step{
		{resp: jsonResp(t, models.SearchResponse{
			Success: true,
			Data:    []models.SearchHit{{Nome: "JOÃO PEDRO", DetailUrl: "/Home/Detail?id=2"}},
		})},
		{resp: jsonResp(t, models.DetailResponse{Success: true})},
	}}

	record := &models.LawyerRecord{FullName: "joão pedro", Insc: "1", State: "SP"}
	enriched, sessionValid := newEngine(sess, &fakeRender{}, &fakeStore{}).Enrich(context.Background(), record, "SP", "1", testAuth())

	assert.True(t, sessionValid)
	assert.Empty(t, enriched.CorrectedFullName, "case-only difference is not a correction")
	assert.False(t, enriched.HasSocietyTrue())
}

func TestEnrichSearchMissRetriesThenFinalizes(t *testing.T) {
	empty := jsonResp(t, models.SearchResponse{Success: true})
	sess := &fakeSession{steps: []step{{resp: empty}, {resp: empty}, {resp: empty}}}

	record := &models.LawyerRecord{FullName: "X", Insc: "7", State: "RJ"}
	enriched, sessionValid := newEngine(sess, &fakeRender{}, &fakeStore{}).Enrich(context.Background(), record, "RJ", "7", testAuth())

	assert.True(t, sessionValid, "a search miss is not a session failure")
	assert.Len(t, sess.requests, 3, "empty results retried up to the limit")
	assert.True(t, enriched.Processed)
	require.NotNil(t, enriched.HasSociety)
	assert.False(t, *enriched.HasSociety)
	assert.Empty(t, enriched.SocietyLink)
}

func TestEnrichDetailAuthFailure(t *testing.T) {
	sess := &fakeSession{steps: []step{
		{resp: jsonResp(t, models.SearchResponse{
			Success: true,
			Data:    []models.SearchHit{{Nome: "X", DetailUrl: "/Home/Detail?id=3"}},
		})},
		{err: &session.HTTPError{StatusCode: http.StatusUnauthorized, URL: "https://registry.test/Home/Detail?id=3"}},
	}}

	record := &models.LawyerRecord{FullName: "X", Insc: "9", State: "BA"}
	enriched, sessionValid := newEngine(sess, &fakeRender{}, &fakeStore{}).Enrich(context.Background(), record, "BA", "9", testAuth())

	assert.False(t, sessionValid, "auth failure must surface so the driver re-bootstraps")
	assert.True(t, enriched.Processed)
	assert.NotEmpty(t, enriched.SocietyLink, "partially built record is still returned")
}

func TestEnrichTransportFailureIsNotAuthFailure(t *testing.T) {
	sess := &fakeSession{steps: []step{
		{err: fmt.Errorf("request failed after 4 attempts: %w",
			&session.HTTPError{StatusCode: http.StatusBadGateway, URL: "https://registry.test/Home/Search"})},
	}}

	record := &models.LawyerRecord{FullName: "X", Insc: "5", State: "SP"}
	enriched, sessionValid := newEngine(sess, &fakeRender{}, &fakeStore{}).Enrich(context.Background(), record, "SP", "5", testAuth())

	assert.True(t, sessionValid)
	assert.True(t, enriched.Processed)
	assert.False(t, enriched.HasSocietyTrue())
}

func TestFetchAllSkipsUnloadedModals(t *testing.T) {
	stubs := []models.PartnershipStub{
		{Insc: "1", Url: "/d/1"},
		{Insc: "2", Url: "/d/2"},
		{Insc: "3", Url: "/d/3"},
	}
	render := &fakeRender{broken: map[string]bool{"https://registry.test/d/2": true}}
	store := &fakeStore{}
	fetcher := NewPartnershipFetcher(render, store, registryConfig(), 2, arbor.NewLogger())

	details := fetcher.FetchAll(context.Background(), stubs, "MG", "185929", "MARIA")

	require.Len(t, details, 2)
	assert.Equal(t, "1", details[0].BasicInfo.Insc)
	assert.Equal(t, "3", details[1].BasicInfo.Insc)
	assert.Len(t, store.keys, 2, "failed fetches are never persisted")
	assert.Len(t, render.urls, 3)
}

func TestSanitizeKeyPart(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"185929", "185929"},
		{"12.345-N", "12_345_N"},
		{"", "unknown"},
		{"a b/c", "a_b_c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeKeyPart(tt.in))
	}
}
