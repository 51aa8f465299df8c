package capture

import (
	"encoding/json"
	"fmt"

	"github.com/jonathan/court-capture/internal/schemas"
)

// Page is one upstream response.
type Page struct {
	Number     int               `json:"number"`
	Items      []json.RawMessage `json:"-"`
	TotalItems int               `json:"total_items"`
	TotalPages int               `json:"total_pages"`
	Raw        json.RawMessage   `json:"raw"`
}

type envelope struct {
	Pagina         *int              `json:"pagina"`
	TamanhoPagina  *int              `json:"tamanhoPagina"`
	QtdPaginas     *int              `json:"qtdPaginas"`
	TotalRegistros *int              `json:"totalRegistros"`
	Resultado      []json.RawMessage `json:"resultado"`
}

// DecodePage validates a PJE paginated envelope and extracts its items.
// A missing or null resultado is only accepted when totalRegistros is 0.
func DecodePage(number int, raw []byte) (*Page, error) {
	if err := schemas.ValidatePageEnvelope(raw); err != nil {
		return nil, &MalformedResponseError{Page: number, Reason: err.Error(), Payload: raw}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &MalformedResponseError{Page: number, Reason: err.Error(), Payload: raw}
	}

	total := 0
	if env.TotalRegistros != nil {
		total = *env.TotalRegistros
	}
	if env.Resultado == nil {
		if total != 0 {
			return nil, &MalformedResponseError{
				Page:    number,
				Reason:  fmt.Sprintf("resultado missing with totalRegistros=%d", total),
				Payload: raw,
			}
		}
		env.Resultado = []json.RawMessage{}
	}
	if env.TotalRegistros == nil {
		total = len(env.Resultado)
	}

	pages := 0
	if env.QtdPaginas != nil {
		pages = *env.QtdPaginas
	}

	return &Page{
		Number:     number,
		Items:      env.Resultado,
		TotalItems: total,
		TotalPages: pages,
		Raw:        append(json.RawMessage(nil), raw...),
	}, nil
}
