package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"finledger/internal/audit"
	"finledger/internal/core"
	"finledger/internal/log"
	ports "finledger/internal/sheets"
)

// DefaultAuditSheet is the tab audit rows are appended to.
const DefaultAuditSheet = "Audit"

type Config struct {
	SpreadsheetID string
	// SheetName defaults to DefaultAuditSheet.
	SheetName string
	// Inline service account JSON takes precedence over CredentialsFile.
	CredentialsJSON string
	CredentialsFile string
	Logger          *log.Logger
}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	auditSheet    string
	logger        *log.Logger
}

var _ ports.AuditWriter = (*Client)(nil)

// New creates a Sheets client authenticated with a service account.
// When neither credential is configured GOOGLE_APPLICATION_CREDENTIALS is
// used as the file path.
func New(ctx context.Context, cfg Config) (*Client, error) {
	spreadsheetID := strings.TrimSpace(cfg.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	sheet := strings.TrimSpace(cfg.SheetName)
	if sheet == "" {
		sheet = DefaultAuditSheet
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentExport)

	credentialsJSON, err := loadCredentials(ctx, logger, cfg)
	if err != nil {
		return nil, err
	}
	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	logger.InfoContext(ctx, "Google Sheets service created", "spreadsheet_id", spreadsheetID, "sheet", sheet)
	return &Client{svc: svc, spreadsheetID: spreadsheetID, auditSheet: sheet, logger: logger}, nil
}

func loadCredentials(ctx context.Context, logger *log.Logger, cfg Config) ([]byte, error) {
	inline := strings.TrimSpace(cfg.CredentialsJSON)
	file := strings.TrimSpace(cfg.CredentialsFile)
	if inline == "" && file == "" {
		file = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	switch {
	case inline != "":
		logger.DebugContext(ctx, "Using inline JSON credentials", "json_length", len(inline))
		return []byte(inline), nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		logger.DebugContext(ctx, "Read credentials file", "path", file, "size", len(b))
		return b, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}
}

// AppendAuditEntries appends one row per entry below the last used row of
// the audit sheet. An empty batch writes nothing.
func (c *Client) AppendAuditEntries(ctx context.Context, entries []core.AuditEntry) (string, error) {
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}
	if len(entries) == 0 {
		return "", nil
	}

	rng := fmt.Sprintf("%s!A:%s", c.auditSheet, lastColumn())
	vr := &gsheet.ValueRange{Values: auditRows(entries)}
	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("append audit rows to sheet %s: %w", c.auditSheet, err)
	}

	ref := rng
	if resp.Updates != nil && resp.Updates.UpdatedRange != "" {
		ref = resp.Updates.UpdatedRange
	}
	c.logger.InfoContext(ctx, "Appended audit rows", log.FieldOperation, log.OpExport, "rows", len(entries), "range", ref)
	return ref, nil
}

func auditRows(entries []core.AuditEntry) [][]any {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		cells := audit.Row(e)
		row := make([]any, len(cells))
		for i, v := range cells {
			row[i] = v
		}
		rows = append(rows, row)
	}
	return rows
}

// lastColumn is the sheet column letter of the last export column.
func lastColumn() string {
	return string(rune('A' + len(audit.ExportHeader) - 1))
}
