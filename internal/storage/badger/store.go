// Package badger implements the durable blob store on an embedded Badger
// database. Every write is mirrored to a local directory so results can
// be recovered with plain filesystem tools even if the database is lost;
// if the mirror write itself fails, one retry is made under an
// "emergency_" prefix.
package badger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"cnascan/internal/common"
	"cnascan/internal/models"
)

// Blob is a stored object. Key carries the configured prefix.
type Blob struct {
	Key         string `badgerhold:"key"`
	ContentType string
	Data        []byte
	UpdatedAt   time.Time
}

// PartnershipRecord wraps an individual sociedade document with indexed
// lookup fields so partial results can be queried after a crashed run.
type PartnershipRecord struct {
	Key         string `badgerhold:"key"`
	LawyerInsc  string `badgerhold:"index"`
	LawyerState string `badgerhold:"index"`
	Detail      *models.PartnershipDetail
	StoredAt    time.Time
}

// Store implements interfaces.BlobStore.
type Store struct {
	db       *badgerhold.Store
	prefix   string
	localDir string
	logger   arbor.ILogger
}

// New opens the store at the configured path.
func New(config common.StorageConfig, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(config.BadgerPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = config.BadgerPath
	options.ValueDir = config.BadgerPath
	options.Logger = nil

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	logger.Debug().Str("path", config.BadgerPath).Msg("Blob store opened")

	return &Store{
		db:       db,
		prefix:   config.Prefix,
		localDir: config.LocalDir,
		logger:   logger,
	}, nil
}

func (s *Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put stores data under key with overwrite semantics and mirrors it to
// the local directory. The returned locator identifies the durable copy.
func (s *Store) Put(key string, data []byte, contentType string) (string, error) {
	blob := &Blob{
		Key:         s.fullKey(key),
		ContentType: contentType,
		Data:        data,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.db.Upsert(blob.Key, blob); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", blob.Key, err)
	}

	s.mirrorWrite(key, data)
	return "badger://" + blob.Key, nil
}

// Append appends a line (newline added) to the object at key, creating
// it when absent. Used for the JSONL egress-IP log.
func (s *Store) Append(key string, line []byte) error {
	full := s.fullKey(key)

	var blob Blob
	err := s.db.Get(full, &blob)
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to read %s for append: %w", full, err)
	}
	if err == badgerhold.ErrNotFound {
		blob = Blob{Key: full, ContentType: "application/x-ndjson"}
	}

	blob.Data = append(blob.Data, line...)
	blob.Data = append(blob.Data, '\n')
	blob.UpdatedAt = time.Now().UTC()

	if err := s.db.Upsert(full, &blob); err != nil {
		return fmt.Errorf("failed to append to %s: %w", full, err)
	}

	s.mirrorAppend(key, line)
	return nil
}

// PutPartnership stores an indexed sociedade document plus a JSON mirror
// file.
func (s *Store) PutPartnership(key string, detail *models.PartnershipDetail) error {
	record := &PartnershipRecord{
		Key:         s.fullKey(key),
		LawyerInsc:  detail.LawyerInfo.LawyerInsc,
		LawyerState: detail.LawyerInfo.LawyerState,
		Detail:      detail,
		StoredAt:    time.Now().UTC(),
	}
	if err := s.db.Upsert(record.Key, record); err != nil {
		return fmt.Errorf("failed to store partnership %s: %w", record.Key, err)
	}

	if data, err := marshalIndented(detail); err == nil {
		s.mirrorWrite(key, data)
	}
	return nil
}

// GetBlob returns the stored object for key, or nil when absent.
func (s *Store) GetBlob(key string) (*Blob, error) {
	var blob Blob
	err := s.db.Get(s.fullKey(key), &blob)
	if err == badgerhold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return &blob, nil
}

// PartnershipsByLawyer returns all stored sociedade documents for one
// registration number, used to resume after a crashed run.
func (s *Store) PartnershipsByLawyer(insc string) ([]PartnershipRecord, error) {
	var records []PartnershipRecord
	err := s.db.Find(&records, badgerhold.Where("LawyerInsc").Eq(insc).Index("LawyerInsc"))
	if err != nil {
		return nil, fmt.Errorf("failed to query partnerships for %s: %w", insc, err)
	}
	return records, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying badger database for maintenance tooling.
func (s *Store) DB() *badger.DB {
	return s.db.Badger()
}

func marshalIndented(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// mirrorWrite writes the local filesystem copy. Failure falls back to an
// emergency-prefixed filename; a second failure is only logged, the
// Badger copy is already durable.
func (s *Store) mirrorWrite(key string, data []byte) {
	if s.localDir == "" {
		return
	}
	name := filepath.Base(key)
	path := filepath.Join(s.localDir, name)
	if err := os.WriteFile(path, data, 0644); err == nil {
		return
	}

	emergency := filepath.Join(s.localDir, "emergency_"+name)
	if err := os.WriteFile(emergency, data, 0644); err != nil {
		s.logger.Warn().Err(err).Str("path", emergency).Msg("Local mirror write failed")
	}
}

func (s *Store) mirrorAppend(key string, line []byte) {
	if s.localDir == "" {
		return
	}
	path := filepath.Join(s.localDir, filepath.Base(key))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Local mirror append failed")
		return
	}
	defer f.Close()
	f.Write(line)
	f.Write([]byte("\n"))
}
