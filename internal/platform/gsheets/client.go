package gsheets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/fraterny/quest-backend/internal/platform/ctxutil"
	"github.com/fraterny/quest-backend/internal/platform/logger"
)

// Sink replaces the contents of one spreadsheet tab with a fresh grid.
// The exporter treats the sheet as a derived view, so every write clears
// the range first and rewrites it whole.
type Sink interface {
	Replace(ctx context.Context, tab string, rows [][]any) error
}

type sink struct {
	log           *logger.Logger
	svc           *sheets.Service
	spreadsheetID string
}

func NewSink(ctx context.Context, log *logger.Logger) (Sink, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	spreadsheetID := strings.TrimSpace(os.Getenv("SHEETS_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, fmt.Errorf("missing SHEETS_SPREADSHEET_ID")
	}

	ctx = ctxutil.Default(ctx)

	var opts []option.ClientOption
	if creds := strings.TrimSpace(os.Getenv("SHEETS_CREDENTIALS_FILE")); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}

	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return &sink{
		log:           log.With("client", "SheetsSink"),
		svc:           svc,
		spreadsheetID: spreadsheetID,
	}, nil
}

func (s *sink) Replace(ctx context.Context, tab string, rows [][]any) error {
	if s == nil || s.svc == nil {
		return fmt.Errorf("sheets sink unavailable")
	}
	tab = strings.TrimSpace(tab)
	if tab == "" {
		return fmt.Errorf("gsheets: tab name required")
	}

	ctx = ctxutil.Default(ctx)
	rangeRef := tab + "!A1"

	if _, err := s.svc.Spreadsheets.Values.
		Clear(s.spreadsheetID, tab, &sheets.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return fmt.Errorf("gsheets: clear %q: %w", tab, err)
	}

	if len(rows) == 0 {
		return nil
	}

	body := &sheets.ValueRange{Values: rows}
	if _, err := s.svc.Spreadsheets.Values.
		Update(s.spreadsheetID, rangeRef, body).
		ValueInputOption("RAW").
		Context(ctx).Do(); err != nil {
		return fmt.Errorf("gsheets: update %q: %w", tab, err)
	}

	s.log.Debug("Replaced sheet tab", "tab", tab, "rows", len(rows))
	return nil
}
