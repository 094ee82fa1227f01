// Package sheets reads the schedule table from a Google spreadsheet.
package sheets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"remindbot/pkg/logx"
)

var (
	// ErrSourceFetch marks every failure to produce a table. Callers keep their
	// previous cache and skip dispatch for the cycle.
	ErrSourceFetch = errors.New("source fetch failed")
	// ErrEmptyRange is returned when the sheet range holds no rows at all.
	ErrEmptyRange = errors.Mark(errors.New("sheet range is empty"), ErrSourceFetch)
)

// Source yields the raw table. Row 0 is the header row. Rows may be ragged.
type Source interface {
	Fetch(ctx context.Context) ([][]string, error)
}

// Target names the document and range to read.
type Target struct {
	SpreadsheetID string
	Range         string
}

// Credentials selects how the Sheets API client authenticates. A credentials
// file wins over an API key.
type Credentials struct {
	File   string
	APIKey string
}

type valuesFunc func(ctx context.Context, spreadsheetID, rng string) ([][]any, error)

// GoogleSource reads values through the Sheets v4 API. The target can be
// swapped at runtime after an env reload.
type GoogleSource struct {
	log logx.Logger
	get valuesFunc

	mu     sync.RWMutex
	target Target
}

// NewGoogleSource builds the API client eagerly so credential problems surface
// at startup rather than on the first trigger.
func NewGoogleSource(ctx context.Context, creds Credentials, target Target, log logx.Logger) (*GoogleSource, error) {
	var opts []option.ClientOption
	switch {
	case strings.TrimSpace(creds.File) != "":
		opts = append(opts, option.WithCredentialsFile(strings.TrimSpace(creds.File)))
	case strings.TrimSpace(creds.APIKey) != "":
		opts = append(opts, option.WithAPIKey(strings.TrimSpace(creds.APIKey)))
	default:
		return nil, errors.New("sheets: either a credentials file or an API key is required")
	}
	opts = append(opts, option.WithScopes(gsheets.SpreadsheetsReadonlyScope))

	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "sheets: create service")
	}
	get := func(ctx context.Context, id, rng string) ([][]any, error) {
		resp, err := svc.Spreadsheets.Values.Get(id, rng).
			ValueRenderOption("FORMATTED_VALUE").
			Context(ctx).
			Do()
		if err != nil {
			return nil, err
		}
		return resp.Values, nil
	}
	return newGoogleSource(get, target, log), nil
}

func newGoogleSource(get valuesFunc, target Target, log logx.Logger) *GoogleSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &GoogleSource{log: log, get: get, target: target}
}

// SetTarget changes the document or range read by subsequent fetches.
func (s *GoogleSource) SetTarget(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target != t {
		s.log.Info("sheet target changed", logx.String("spreadsheet", t.SpreadsheetID), logx.String("range", t.Range))
	}
	s.target = t
}

// Target returns the current document and range.
func (s *GoogleSource) Target() Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

func (s *GoogleSource) Fetch(ctx context.Context) ([][]string, error) {
	t := s.Target()
	if strings.TrimSpace(t.SpreadsheetID) == "" {
		return nil, errors.Mark(errors.New("spreadsheet id is empty"), ErrSourceFetch)
	}
	values, err := s.get(ctx, t.SpreadsheetID, t.Range)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read %s", t.Range), ErrSourceFetch)
	}
	if len(values) == 0 {
		return nil, ErrEmptyRange
	}
	return stringify(values), nil
}

func stringify(values [][]any) [][]string {
	out := make([][]string, len(values))
	for i, row := range values {
		r := make([]string, len(row))
		for j, v := range row {
			r[j] = cellString(v)
		}
		out[i] = r
	}
	return out
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprint(x)
	default:
		return fmt.Sprint(x)
	}
}

// StaticSource serves a fixed table. It backs tests and dry runs.
type StaticSource struct {
	mu    sync.Mutex
	table [][]string
	err   error
	calls int
}

func NewStaticSource(table [][]string) *StaticSource {
	return &StaticSource{table: table}
}

// Set replaces the table and the error returned by Fetch.
func (s *StaticSource) Set(table [][]string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table, s.err = table, err
}

// Calls reports how many times Fetch ran.
func (s *StaticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StaticSource) Fetch(ctx context.Context) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, errors.Mark(err, ErrSourceFetch)
	}
	if s.err != nil {
		return nil, errors.Mark(s.err, ErrSourceFetch)
	}
	if len(s.table) == 0 {
		return nil, ErrEmptyRange
	}
	out := make([][]string, len(s.table))
	for i, r := range s.table {
		out[i] = append([]string(nil), r...)
	}
	return out, nil
}
