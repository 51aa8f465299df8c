// Package pje describes the PJE datasets the pipeline captures and turns each one
// into a page fetcher over an authenticated session.
package pje

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/jonathan/court-capture/internal/capture"
	"github.com/jonathan/court-capture/internal/retry"
	"github.com/jonathan/court-capture/internal/session"
	"github.com/jonathan/court-capture/internal/types"
)

// dateLayout is the date format the hearings endpoint expects.
const dateLayout = "2006-01-02"

// Filters narrows a capture. Hearing datasets require both dates.
type Filters struct {
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
}

// Dataset knows the endpoint and parameters of one capturable dataset.
type Dataset struct {
	Kind types.DatasetKind
	// NeedsDateRange marks datasets that reject requests without DateFrom/DateTo.
	NeedsDateRange bool

	path   func(ident session.Identity) string
	params url.Values
	// pageParam and sizeParam name the pagination parameters of the endpoint.
	pageParam string
	sizeParam string
}

const (
	hearingsPath = "/pauta-usuarios-externos"
	panelPath    = "/paineladvogado/%d/processos"
)

func hearings(kind types.DatasetKind, situation string) Dataset {
	return Dataset{
		Kind:           kind,
		NeedsDateRange: true,
		path:           func(session.Identity) string { return hearingsPath },
		params:         url.Values{"codigoSituacao": {situation}, "ordenacao": {"asc"}},
		pageParam:      "numeroPagina",
		sizeParam:      "tamanhoPagina",
	}
}

func panel(kind types.DatasetKind, params url.Values) Dataset {
	params.Set("ordenacaoCrescente", "false")
	return Dataset{
		Kind:      kind,
		path:      func(id session.Identity) string { return fmt.Sprintf(panelPath, id.LawyerID) },
		params:    params,
		pageParam: "pagina",
		sizeParam: "tamanhoPagina",
	}
}

var datasets = map[types.DatasetKind]Dataset{
	types.KindHearingsScheduled: hearings(types.KindHearingsScheduled, "M"),
	types.KindHearingsHeld:      hearings(types.KindHearingsHeld, "F"),
	types.KindHearingsCancelled: hearings(types.KindHearingsCancelled, "C"),
	types.KindPendingInDeadline: panel(types.KindPendingInDeadline, url.Values{
		"tipoPainelAdvogado": {"2"}, "idPainelAdvogadoEnum": {"2"}, "agrupadorExpediente": {"N"},
	}),
	types.KindPendingNoDeadline: panel(types.KindPendingNoDeadline, url.Values{
		"tipoPainelAdvogado": {"2"}, "idPainelAdvogadoEnum": {"2"}, "agrupadorExpediente": {"I"},
	}),
	types.KindDocket:   panel(types.KindDocket, url.Values{"tipoPainelAdvogado": {"1"}}),
	types.KindArchived: panel(types.KindArchived, url.Values{"tipoPainelAdvogado": {"5"}}),
}

// UnknownKindError is returned by Lookup for unsupported kinds.
type UnknownKindError struct {
	Kind types.DatasetKind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown dataset kind %q", e.Kind)
}

// Lookup returns the dataset for kind.
func Lookup(kind types.DatasetKind) (Dataset, error) {
	d, ok := datasets[kind]
	if !ok {
		return Dataset{}, &UnknownKindError{Kind: kind}
	}
	return d, nil
}

// Kinds lists every supported dataset kind in stable order.
func Kinds() []types.DatasetKind {
	kinds := make([]types.DatasetKind, 0, len(datasets))
	for k := range datasets {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// ValidateFilters checks f against the dataset's requirements.
func (d Dataset) ValidateFilters(f Filters) error {
	if !d.NeedsDateRange {
		return nil
	}
	if f.DateFrom == nil || f.DateTo == nil {
		return fmt.Errorf("%s requires date_from and date_to", d.Kind)
	}
	if f.DateTo.Before(*f.DateFrom) {
		return fmt.Errorf("date_to %s is before date_from %s", f.DateTo.Format(dateLayout), f.DateFrom.Format(dateLayout))
	}
	return nil
}

// Path returns the endpoint path, relative to the profile API root.
func (d Dataset) Path(ident session.Identity) string {
	return d.path(ident)
}

// Query builds the parameters for one page.
func (d Dataset) Query(f Filters, page, size int) url.Values {
	q := make(url.Values, len(d.params)+4)
	for k, v := range d.params {
		q[k] = slices.Clone(v)
	}
	if d.NeedsDateRange && f.DateFrom != nil && f.DateTo != nil {
		q.Set("dataInicio", f.DateFrom.Format(dateLayout))
		q.Set("dataFim", f.DateTo.Format(dateLayout))
	}
	q.Set(d.pageParam, strconv.Itoa(page))
	q.Set(d.sizeParam, strconv.Itoa(size))
	return q
}

// Fetcher returns a page fetcher over sess. Each page request, including its
// decode, runs under policy.
func (d Dataset) Fetcher(sess session.Session, f Filters, policy retry.Policy, logger *slog.Logger) capture.PageFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	path := d.Path(sess.Identity())
	if policy.Name == "" {
		policy.Name = "pje." + string(d.Kind)
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}

	return func(ctx context.Context, page, size int) (*capture.Page, error) {
		return retry.Do(ctx, policy, func(ctx context.Context) (*capture.Page, error) {
			raw, err := sess.Get(ctx, path, d.Query(f, page, size))
			if err != nil {
				var notJSON *session.NotJSONError
				if errors.As(err, &notJSON) {
					return nil, &capture.MalformedResponseError{Page: page, Reason: notJSON.Error(), Payload: notJSON.Body}
				}
				return nil, err
			}
			p, err := capture.DecodePage(page, raw)
			if err != nil {
				var malformed *capture.MalformedResponseError
				if errors.As(err, &malformed) {
					logger.ErrorContext(ctx, "malformed upstream page",
						"dataset", d.Kind, "page", page, "reason", malformed.Reason, "payload_excerpt", malformed.Excerpt())
				}
				return nil, err
			}
			return p, nil
		})
	}
}
