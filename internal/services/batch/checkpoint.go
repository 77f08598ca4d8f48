package batch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"cnascan/internal/interfaces"
	"cnascan/internal/models"
)

// Checkpointer writes the periodic, final, and emergency snapshots of a
// batch run plus the plain-text error log. Filenames encode the batch
// base name, a part number or FINAL/EMERGENCY tag, and a timestamp, so
// successive runs never overwrite each other.
type Checkpointer struct {
	store    interfaces.BlobStore
	baseName string
	logger   arbor.ILogger
}

// NewCheckpointer creates a checkpointer for one batch. baseName is the
// input filename without directory or extension.
func NewCheckpointer(store interfaces.BlobStore, baseName string, logger arbor.ILogger) *Checkpointer {
	return &Checkpointer{
		store:    store,
		baseName: baseName,
		logger:   logger,
	}
}

func timestamp() string {
	return time.Now().Format("20060102_150405")
}

// SavePart writes a numbered periodic checkpoint.
func (c *Checkpointer) SavePart(records []*models.LawyerRecord, part int) error {
	key := fmt.Sprintf("lawyers_enhanced_%s_part_%03d_%s.json", c.baseName, part, timestamp())
	return c.save(key, records)
}

// SaveFinal writes the end-of-run snapshot.
func (c *Checkpointer) SaveFinal(records []*models.LawyerRecord) error {
	key := fmt.Sprintf("lawyers_enhanced_%s_FINAL_%s.json", c.baseName, timestamp())
	return c.save(key, records)
}

// SaveEmergency writes an interrupt-time snapshot.
func (c *Checkpointer) SaveEmergency(records []*models.LawyerRecord) error {
	key := fmt.Sprintf("lawyers_enhanced_%s_EMERGENCY_%s.json", c.baseName, timestamp())
	return c.save(key, records)
}

func (c *Checkpointer) save(key string, records []*models.LawyerRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	locator, err := c.store.Put(key, data, "application/json")
	if err != nil {
		return fmt.Errorf("failed to store checkpoint %s: %w", key, err)
	}
	c.logger.Info().
		Str("locator", locator).
		Int("records", len(records)).
		Msg("Checkpoint saved")
	return nil
}

// SaveErrorLog writes the run's error lines as plain text. A nil slice is
// a no-op.
func (c *Checkpointer) SaveErrorLog(errors []string, emergency bool) error {
	if len(errors) == 0 {
		return nil
	}
	tag := ""
	if emergency {
		tag = "_emergency"
	}
	key := fmt.Sprintf("error_log_%s%s_%s.txt", c.baseName, tag, timestamp())

	locator, err := c.store.Put(key, []byte(strings.Join(errors, "\n")+"\n"), "text/plain")
	if err != nil {
		return fmt.Errorf("failed to store error log %s: %w", key, err)
	}
	c.logger.Info().
		Str("locator", locator).
		Int("errors", len(errors)).
		Msg("Error log saved")
	return nil
}
