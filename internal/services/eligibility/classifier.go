// Package eligibility decides, per lawyer record, whether it still needs
// (re)processing and why. Rules are evaluated in fixed priority order and
// the first match wins.
package eligibility

import (
	"github.com/ternarybob/arbor"

	"cnascan/internal/models"
	"cnascan/internal/regions"
)

// Reason explains a classification outcome.
type Reason string

const (
	ReasonStateMismatch        Reason = "state_mismatch"
	ReasonNotProcessed         Reason = "not_processed"
	ReasonIncompleteSociety    Reason = "incomplete_society"
	ReasonSocietyStatusUnknown Reason = "society_status_unknown"
	ReasonComplete             Reason = "complete"
)

// Classifier evaluates records against the reprocessing rules.
type Classifier struct {
	// fixStateFromID enables the highest-priority rule: cross-check the
	// stored state against the state embedded in the external identifier.
	fixStateFromID bool
	logger         arbor.ILogger
}

// New creates a classifier. fixStateFromID selects whether the external-id
// state cross-check participates in classification.
func New(fixStateFromID bool, logger arbor.ILogger) *Classifier {
	return &Classifier{fixStateFromID: fixStateFromID, logger: logger}
}

// Classify returns whether the record needs processing and the first
// matching reason.
func (c *Classifier) Classify(record *models.LawyerRecord) (bool, Reason) {
	if c.fixStateFromID && record.OabID != "" {
		if correct, ok := regions.FromExternalID(record.OabID); ok && correct != record.State {
			c.logger.Warn().
				Str("oab_id", record.OabID).
				Str("stored_state", record.State).
				Str("correct_state", correct).
				Msg("State disagrees with external identifier")
			return true, ReasonStateMismatch
		}
	}

	if !record.Processed {
		return true, ReasonNotProcessed
	}

	if record.HasSocietyTrue() {
		if len(record.SocietyBasicDetails) == 0 || len(record.SocietyCompleteDetails) == 0 {
			return true, ReasonIncompleteSociety
		}
	}

	if record.HasSociety == nil {
		return true, ReasonSocietyStatusUnknown
	}

	return false, ReasonComplete
}

// Reset strips all derived state from a record before it is re-queued.
// Used on state mismatch: partnership data collected under the wrong
// state must never survive a state correction.
func Reset(record *models.LawyerRecord) {
	record.Processed = false
	record.SetHasSociety(false)
	record.CorrectedFullName = ""
	record.SocietyLink = ""
	record.SocietyBasicDetails = nil
	record.SocietyCompleteDetails = nil
}

// CorrectState returns the state the record should be processed under.
// In fix-state mode the external identifier wins over the stored field.
func (c *Classifier) CorrectState(record *models.LawyerRecord) (string, bool) {
	if c.fixStateFromID && record.OabID != "" {
		if correct, ok := regions.FromExternalID(record.OabID); ok {
			return correct, true
		}
	}
	return regions.Clean(record.State)
}
