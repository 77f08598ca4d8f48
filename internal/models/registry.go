package models

import "encoding/json"

// SearchRequest is the JSON body accepted by the registry search endpoint.
// The shape is fixed by the target site and reproduced bit-for-bit.
type SearchRequest struct {
	Token    string `json:"__RequestVerificationToken"`
	IsMobile string `json:"IsMobile"`
	NomeAdvo string `json:"NomeAdvo"`
	Insc     string `json:"Insc"`
	Uf       string `json:"Uf"`
	TipoInsc string `json:"TipoInsc"`
}

// NewSearchRequest builds a search body for a registration number and state.
func NewSearchRequest(token, insc, uf string) SearchRequest {
	return SearchRequest{
		Token:    token,
		IsMobile: "false",
		NomeAdvo: "",
		Insc:     insc,
		Uf:       uf,
		TipoInsc: "",
	}
}

// SearchHit is one result entry from the search endpoint.
type SearchHit struct {
	Nome      string `json:"Nome"`
	Insc      string `json:"Insc"`
	UF        string `json:"UF"`
	TipoInsc  string `json:"TipoInsc"`
	DetailUrl string `json:"DetailUrl"`
}

// SearchResponse is the registry search envelope.
type SearchResponse struct {
	Success bool        `json:"Success"`
	Data    []SearchHit `json:"Data"`
}

// DetailData is the payload of the detail endpoint. Sociedades may be
// absent, null, or empty; all three mean the lawyer has no partnerships.
type DetailData struct {
	Sociedades []PartnershipStub `json:"Sociedades"`
}

// DetailResponse is the registry detail envelope. Data is kept raw until
// Success has been checked because the site returns mixed shapes on error.
type DetailResponse struct {
	Success bool            `json:"Success"`
	Data    json.RawMessage `json:"Data"`
}

// SociedadesList decodes the detail payload and returns the stub list,
// which may be nil.
func (d *DetailResponse) SociedadesList() ([]PartnershipStub, error) {
	if len(d.Data) == 0 {
		return nil, nil
	}
	var data DetailData
	if err := json.Unmarshal(d.Data, &data); err != nil {
		return nil, err
	}
	return data.Sociedades, nil
}
