// Command audit-export dumps one owner's audit trail as CSV on stdout, or
// appends it to the configured spreadsheet.
//
// Usage:
//
//	audit-export -owner u1 [-from 2024-03-01] [-to 2024-03-31] [-sheets] [-dry-run]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"finledger/internal/backend"
	"finledger/internal/cli"
	"finledger/internal/core"
	"finledger/internal/log"
	"finledger/internal/sheets"
	gsheet "finledger/internal/sheets/google"
	"finledger/internal/sheets/memory"
)

func main() {
	owner := flag.String("owner", "", "owner whose audit trail is exported (required)")
	from := flag.String("from", "", "first day to include (YYYY-MM-DD)")
	to := flag.String("to", "", "last day to include (YYYY-MM-DD)")
	toSheets := flag.Bool("sheets", false, "append to the Google spreadsheet instead of writing CSV")
	dryRun := flag.Bool("dry-run", false, "with -sheets, build the rows without calling the API")
	flag.Parse()

	cfg, logger := cli.LoadAndValidateConfig(log.ComponentExport)
	// stdout carries the CSV; keep logs off it.
	logger = log.New(log.Config{
		Component: log.ComponentExport,
		Handler:   slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	}).WithComponent(log.ComponentExport)

	if *owner == "" {
		fmt.Fprintln(os.Stderr, "audit-export: -owner is required")
		flag.Usage()
		os.Exit(2)
	}
	start, end, err := parseRange(*from, *to)
	if err != nil {
		fmt.Fprintln(os.Stderr, "audit-export:", err)
		os.Exit(2)
	}

	ctx := context.Background()
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	// The export only reads; never publish to the broker.
	backendCfg.AMQPURL = ""
	be, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err)
		os.Exit(1)
	}
	defer be.Close()

	if !*toSheets {
		out := bufio.NewWriter(os.Stdout)
		if err := be.Service.ExportAudit(ctx, *owner, start, end, out); err != nil {
			logger.Error("Audit export failed", log.FieldOwnerID, *owner, log.FieldError, err)
			os.Exit(1)
		}
		if err := out.Flush(); err != nil {
			logger.Error("Write CSV failed", log.FieldError, err)
			os.Exit(1)
		}
		return
	}

	entries, err := be.Service.AuditTrail(ctx, *owner, start, end)
	if err != nil {
		logger.Error("Load audit trail failed", log.FieldOwnerID, *owner, log.FieldError, err)
		os.Exit(1)
	}

	var writer sheets.AuditWriter
	if *dryRun {
		writer = memory.New()
	} else {
		client, err := gsheet.New(ctx, gsheet.Config{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleAuditSheetName,
			CredentialsJSON: cfg.GoogleServiceAccountJSON,
			CredentialsFile: cfg.GoogleServiceAccountFile,
			Logger:          logger,
		})
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", log.FieldError, err)
			os.Exit(1)
		}
		writer = client
	}

	updated, err := writer.AppendAuditEntries(ctx, entries)
	if err != nil {
		logger.Error("Append audit entries failed", log.FieldOwnerID, *owner, log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Audit entries exported",
		log.FieldOwnerID, *owner, "entries", len(entries), "range", updated, "dry_run", *dryRun)
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if from != "" {
		if start, err = time.Parse(core.DateLayout, from); err != nil {
			return start, end, fmt.Errorf("invalid -from %q: %w", from, core.ErrInvalidDate)
		}
	}
	if to != "" {
		if end, err = time.Parse(core.DateLayout, to); err != nil {
			return start, end, fmt.Errorf("invalid -to %q: %w", to, core.ErrInvalidDate)
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return start, end, fmt.Errorf("-to %s is before -from %s", to, from)
	}
	return start, end, nil
}
