package render

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"cnascan/internal/models"
)

// ExtractModalData parses the fields of a rendered sociedade modal. It is
// a pure function over the markup: missing nodes yield empty fields and
// unparseable markup yields an empty ModalData, never an error, so it can
// be unit tested on literal fixtures with no browser involved.
func ExtractModalData(modalHTML string) *models.ModalData {
	result := &models.ModalData{}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(modalHTML))
	if err != nil {
		return result
	}

	result.FirmName = strings.TrimSpace(doc.Find(".modal-title b").First().Text())
	result.Situacao = strings.TrimSpace(doc.Find(".label").First().Text())

	result.Inscricao = labeledField(doc, "Inscrição:")
	result.Estado = labeledField(doc, "Estado:")
	result.Endereco = labeledField(doc, "Endereço:")
	result.Telefones = labeledField(doc, "Telefones:")

	doc.Find(".socContainer tr").Each(func(_ int, row *goquery.Selection) {
		cols := row.Find("td")
		if cols.Length() < 4 {
			return
		}
		result.Socios = append(result.Socios, models.Partner{
			Numero:     strings.TrimSpace(cols.Eq(0).Text()),
			Nome:       strings.TrimSpace(cols.Eq(1).Text()),
			NomeSocial: strings.TrimSpace(cols.Eq(2).Text()),
			Tipo:       strings.TrimSpace(cols.Eq(3).Text()),
			CnaLink:    row.AttrOr("data-cnalink", ""),
		})
	})

	return result
}

// labeledField finds a bold node containing the label, takes the trimmed
// text of its parent, and strips the label prefix.
func labeledField(doc *goquery.Document, label string) string {
	var value string
	doc.Find("b").EachWithBreak(func(_ int, b *goquery.Selection) bool {
		if !strings.Contains(b.Text(), label) {
			return true
		}
		text := strings.TrimSpace(b.Parent().Text())
		value = strings.TrimSpace(strings.Replace(text, label, "", 1))
		return false
	})
	return value
}
