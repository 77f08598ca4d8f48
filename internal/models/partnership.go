package models

import "time"

// PartnershipStub is the raw sociedade reference returned by the registry
// detail endpoint. Field names reproduce the registry wire format exactly
// and must not be renamed. Immutable once stored on a record.
type PartnershipStub struct {
	Insc     string `json:"Insc"`
	NomeSoci string `json:"NomeSoci"`
	IdtSoci  string `json:"IdtSoci"`
	SiglUf   string `json:"SiglUf"`
	Url      string `json:"Url"`
}

// Partner is one row of the partner table inside a sociedade modal.
type Partner struct {
	Numero     string `json:"numero"`
	Nome       string `json:"nome"`
	NomeSocial string `json:"nome_social"`
	Tipo       string `json:"tipo"`
	CnaLink    string `json:"cna_link"`
}

// ModalData holds the fields parsed out of a rendered sociedade modal.
// Missing markup yields empty fields, never a parse error.
type ModalData struct {
	FirmName  string    `json:"firm_name"`
	Inscricao string    `json:"inscricao"`
	Estado    string    `json:"estado"`
	Situacao  string    `json:"situacao"`
	Endereco  string    `json:"endereco"`
	Telefones string    `json:"telefones"`
	Socios    []Partner `json:"socios"`
}

// ModalExtraction wraps ModalData with extraction metadata. A failed render
// is reported through ContentLoaded=false and Error, not through a Go error,
// so one broken modal can never abort a lawyer's processing.
type ModalExtraction struct {
	ExtractionMethod  string     `json:"extraction_method"`
	ContentLoaded     bool       `json:"content_loaded"`
	Error             string     `json:"error,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
	URL               string     `json:"url"`
	ModalData         *ModalData `json:"modal_data,omitempty"`
	ExtractionSuccess int        `json:"extraction_success"`
}

// LawyerInfo identifies the lawyer a partnership document belongs to.
type LawyerInfo struct {
	LawyerName  string `json:"lawyer_name"`
	LawyerState string `json:"lawyer_state"`
	LawyerInsc  string `json:"lawyer_insc"`
}

// BasicInfo carries the stub fields plus the resolved absolute source URL.
type BasicInfo struct {
	Insc      string `json:"Insc"`
	NomeSoci  string `json:"NomeSoci"`
	IdtSoci   string `json:"IdtSoci"`
	SiglUf    string `json:"SiglUf"`
	SourceURL string `json:"source_url"`
}

// PartnershipDetail is the terminal, fully enriched sociedade document.
type PartnershipDetail struct {
	LawyerInfo  LawyerInfo      `json:"lawyer_info"`
	BasicInfo   BasicInfo       `json:"basic_info"`
	ModalData   ModalExtraction `json:"modal_data"`
	ProcessedAt time.Time       `json:"processed_at"`
}
