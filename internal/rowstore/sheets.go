// Package rowstore reads and appends sale rows in a Google spreadsheet.
package rowstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"

	"payout-sheet-sync/internal/config"
)

var (
	// ErrRead marks a failed snapshot read. It aborts the run.
	ErrRead = errors.New("failed to read rows")
	// ErrAppend marks a failed row append
	ErrAppend = errors.New("failed to append row")
)

const (
	valueInputRaw  = "RAW"
	insertDataRows = "INSERT_ROWS"
)

// Sheets is a row store backed by one range of a spreadsheet
type Sheets struct {
	service       *sheets.Service
	spreadsheetID string
	rng           string
}

// NewSheets creates a Sheets API row store. Credentials are passed in opts.
func NewSheets(ctx context.Context, cfg *config.SheetsConfig, opts ...option.ClientOption) (*Sheets, error) {
	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sheets service: %w", err)
	}

	return &Sheets{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		rng:           cfg.Range,
	}, nil
}

// ReadRange returns every row currently in the range, each cell as text
func (s *Sheets) ReadRange(ctx context.Context) ([][]string, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("%w from %s: %v", ErrRead, s.rng, err)
	}

	rows := make([][]string, 0, len(resp.Values))
	for _, values := range resp.Values {
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = fmt.Sprint(v)
		}
		rows = append(rows, row)
	}

	logrus.Debugf("Read %d existing rows from %s", len(rows), s.rng)
	return rows, nil
}

// AppendRow inserts one row after the last row of the range
func (s *Sheets) AppendRow(ctx context.Context, row []string) error {
	values := make([]interface{}, len(row))
	for i, cell := range row {
		values[i] = cell
	}

	_, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.rng, &sheets.ValueRange{
		Values: [][]interface{}{values},
	}).
		ValueInputOption(valueInputRaw).
		InsertDataOption(insertDataRows).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("%w to %s: %v", ErrAppend, s.rng, err)
	}

	return nil
}
