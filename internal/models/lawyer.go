package models

// LawyerRecord represents one registry entry from an input batch file.
// Field names mirror the batch JSON produced by earlier collection runs,
// so enriched output stays byte-compatible with existing data.
type LawyerRecord struct {
	ID       string `json:"id,omitempty"`
	FullName string `json:"full_name"`
	Insc     string `json:"insc"`
	State    string `json:"state"`
	OabID    string `json:"oab_id,omitempty"` // composite "UF_NNNNNN", cross-checks State

	Processed bool `json:"processed"`

	// HasSociety is tri-state: nil means the society status was never
	// determined, which makes the record re-eligible for processing.
	HasSociety *bool `json:"has_society"`

	CorrectedFullName      string              `json:"corrected_full_name,omitempty"`
	SocietyLink            string              `json:"society_link,omitempty"`
	SocietyBasicDetails    []PartnershipStub   `json:"society_basic_details,omitempty"`
	SocietyCompleteDetails []PartnershipDetail `json:"society_complete_details,omitempty"`
}

// Clone returns a deep copy of the record. Enrichment always works on a
// clone so the input slice is never mutated in place.
func (r *LawyerRecord) Clone() *LawyerRecord {
	clone := *r
	if r.HasSociety != nil {
		v := *r.HasSociety
		clone.HasSociety = &v
	}
	if r.SocietyBasicDetails != nil {
		clone.SocietyBasicDetails = append([]PartnershipStub{}, r.SocietyBasicDetails...)
	}
	if r.SocietyCompleteDetails != nil {
		clone.SocietyCompleteDetails = append([]PartnershipDetail{}, r.SocietyCompleteDetails...)
	}
	return &clone
}

// SetHasSociety records a definite society status.
func (r *LawyerRecord) SetHasSociety(v bool) {
	r.HasSociety = &v
}

// HasSocietyTrue reports whether the record is known to have partnerships.
func (r *LawyerRecord) HasSocietyTrue() bool {
	return r.HasSociety != nil && *r.HasSociety
}
