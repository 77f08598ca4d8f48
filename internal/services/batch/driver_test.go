package batch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"cnascan/internal/common"
	"cnascan/internal/interfaces"
	"cnascan/internal/models"
	"cnascan/internal/services/eligibility"
	"cnascan/internal/services/enrich"
)

// fakeSession answers every search with an empty result set so records
// finalize without partnership data. verified records whether the proxy
// check ran.
type fakeSession struct {
	verified bool
	requests int
}

func (f *fakeSession) Request(context.Context, string, string, interfaces.RequestOptions) (*interfaces.Response, error) {
	f.requests++
	body, _ := json.Marshal(models.SearchResponse{Success: true})
	return &interfaces.Response{StatusCode: 200, Body: body}, nil
}

func (f *fakeSession) Verify(context.Context) bool {
	f.verified = true
	return true
}

func (f *fakeSession) Close() {}

type fakeRender struct {
	bootstraps int
}

func (f *fakeRender) BootstrapAuth(context.Context) (*models.AuthArtifacts, error) {
	f.bootstraps++
	return &models.AuthArtifacts{Cookies: map[string]string{"s": "1"}, Token: "tok"}, nil
}

func (f *fakeRender) RenderAndExtract(_ context.Context, url string) *models.ModalExtraction {
	return &models.ModalExtraction{ContentLoaded: true, URL: url, ModalData: &models.ModalData{}}
}

func (f *fakeRender) Shutdown() {}

// fakeStore captures every Put in order.
type fakeStore struct {
	mu   sync.Mutex
	keys []string
	data map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}}
}

func (f *fakeStore) Put(key string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.data[key] = data
	return key, nil
}

func (f *fakeStore) Append(string, []byte) error { return nil }

func (f *fakeStore) PutPartnership(string, *models.PartnershipDetail) error { return nil }

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) keyMatching(substr string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if strings.Contains(k, substr) {
			return k
		}
	}
	return ""
}

func boolPtr(v bool) *bool { return &v }

func writeBatchFile(t *testing.T, records []*models.LawyerRecord) string {
	t.Helper()
	data, err := json.Marshal(records)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "batch_01.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func newTestDriver(store *fakeStore, sess *fakeSession, render *fakeRender, batchCfg common.BatchConfig) *Driver {
	logger := arbor.NewLogger()
	registry := common.RegistryConfig{BaseURL: "https://registry.test", SearchPath: "/Home/Search"}
	sessionCfg := common.SessionConfig{MaxRetries: 1, RetryDelay: time.Millisecond}

	fetcher := enrich.NewPartnershipFetcher(render, store, registry, 2, logger)
	engine := enrich.NewEngine(sess, fetcher, registry, sessionCfg, logger)
	classifier := eligibility.New(batchCfg.FixStateFromID, logger)

	d := NewDriver(batchCfg, sess, render, engine, classifier, store, logger)
	d.exit = func(int) {}
	return d
}

func completeRecord() *models.LawyerRecord {
	return &models.LawyerRecord{
		FullName:   "COMPLETA DA SILVA",
		Insc:       "111",
		State:      "MG",
		OabID:      "MG_111",
		Processed:  true,
		HasSociety: boolPtr(true),
		SocietyBasicDetails: []models.PartnershipStub{
			{Insc: "900", NomeSoci: "FIRM"},
		},
		SocietyCompleteDetails: []models.PartnershipDetail{
			{BasicInfo: models.BasicInfo{Insc: "900"}},
		},
	}
}

func TestRunThreeRecordClassification(t *testing.T) {
	records := []*models.LawyerRecord{
		completeRecord(),
		{
			// External id says SP, stored state says RJ: mismatch wins even
			// over a complete-looking record, and its data is discarded.
			FullName:   "MISMATCH DE SOUZA",
			Insc:       "222",
			State:      "RJ",
			OabID:      "SP_222",
			Processed:  true,
			HasSociety: boolPtr(true),
			SocietyBasicDetails: []models.PartnershipStub{
				{Insc: "901"},
			},
			SocietyCompleteDetails: []models.PartnershipDetail{
				{BasicInfo: models.BasicInfo{Insc: "901"}},
			},
		},
		{FullName: "NOVATO PEREIRA", Insc: "333", State: "BA", OabID: "BA_333"},
	}
	path := writeBatchFile(t, records)

	store := newFakeStore()
	sess := &fakeSession{}
	render := &fakeRender{}
	d := newTestDriver(store, sess, render, common.BatchConfig{
		CheckpointEvery: 400,
		Workers:         2,
		FixStateFromID:  true,
	})

	require.NoError(t, d.Run(context.Background(), path))

	assert.True(t, sess.verified)
	assert.Equal(t, 1, render.bootstraps)
	// One search per eligible record; the complete one costs no requests.
	assert.Equal(t, 2, sess.requests)

	finalKey := store.keyMatching("_FINAL_")
	require.NotEmpty(t, finalKey)
	assert.Regexp(t, `^lawyers_enhanced_batch_01_FINAL_\d{8}_\d{6}\.json$`, finalKey)

	var out []*models.LawyerRecord
	require.NoError(t, json.Unmarshal(store.data[finalKey], &out))
	require.Len(t, out, 3)

	// Record 1 untouched, in its original position.
	assert.Equal(t, records[0], out[0])

	// Record 2 reprocessed under the corrected state with stale data gone.
	assert.Equal(t, "SP", out[1].State)
	assert.True(t, out[1].Processed)
	require.NotNil(t, out[1].HasSociety)
	assert.False(t, *out[1].HasSociety)
	assert.Empty(t, out[1].SocietyBasicDetails)
	assert.Empty(t, out[1].SocietyCompleteDetails)

	// Record 3 processed for the first time.
	assert.True(t, out[2].Processed)
	require.NotNil(t, out[2].HasSociety)
}

func TestRunNothingToProcessSkipsNetwork(t *testing.T) {
	path := writeBatchFile(t, []*models.LawyerRecord{completeRecord()})

	store := newFakeStore()
	sess := &fakeSession{}
	render := &fakeRender{}
	d := newTestDriver(store, sess, render, common.BatchConfig{CheckpointEvery: 400, Workers: 2, FixStateFromID: true})

	require.NoError(t, d.Run(context.Background(), path))

	assert.False(t, sess.verified, "no proxy check when nothing needs processing")
	assert.Zero(t, render.bootstraps)
	assert.NotEmpty(t, store.keyMatching("_FINAL_"))
}

func TestRunPeriodicCheckpoints(t *testing.T) {
	records := []*models.LawyerRecord{
		{FullName: "A", Insc: "1", State: "MG"},
		{FullName: "B", Insc: "2", State: "MG"},
		{FullName: "C", Insc: "3", State: "MG"},
	}
	path := writeBatchFile(t, records)

	store := newFakeStore()
	d := newTestDriver(store, &fakeSession{}, &fakeRender{}, common.BatchConfig{CheckpointEvery: 2, Workers: 2})

	require.NoError(t, d.Run(context.Background(), path))

	assert.NotEmpty(t, store.keyMatching("_part_001_"))
	assert.Empty(t, store.keyMatching("_part_002_"), "only one full interval elapsed")
	assert.NotEmpty(t, store.keyMatching("_FINAL_"))
}

func TestEmergencyFlushWritesSnapshotAndErrors(t *testing.T) {
	store := newFakeStore()
	d := newTestDriver(store, &fakeSession{}, &fakeRender{}, common.BatchConfig{CheckpointEvery: 400, Workers: 2})

	state := NewRunState()
	state.AppendResult(&models.LawyerRecord{Insc: "1", State: "MG"})
	state.AppendError("record 2 (MG): boom")

	checkpointer := NewCheckpointer(store, "batch_01", arbor.NewLogger())
	d.emergencyFlush(checkpointer, state)

	emergencyKey := store.keyMatching("_EMERGENCY_")
	require.NotEmpty(t, emergencyKey)
	var out []*models.LawyerRecord
	require.NoError(t, json.Unmarshal(store.data[emergencyKey], &out))
	assert.Len(t, out, 1)

	errKey := store.keyMatching("error_log_batch_01_emergency_")
	require.NotEmpty(t, errKey)
	assert.Equal(t, "record 2 (MG): boom\n", string(store.data[errKey]))
}

func TestLoadRecordsErrors(t *testing.T) {
	_, err := LoadRecords(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	_, err = LoadRecords(bad)
	require.Error(t, err)
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/data/lawyers_mg.json", "lawyers_mg"},
		{"batch_07.json", "batch_07"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, BaseName(tt.in))
		})
	}
}

func TestRunStateSnapshotIsolation(t *testing.T) {
	state := NewRunState()
	state.AppendResult(&models.LawyerRecord{Insc: "1"})

	results, errs := state.Snapshot()
	state.AppendResult(&models.LawyerRecord{Insc: "2"})
	state.AppendError("late error")

	assert.Len(t, results, 1, "snapshot must not see later appends")
	assert.Empty(t, errs)
	assert.Equal(t, 2, state.ResultCount())
}
