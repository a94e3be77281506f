package sheets

import (
	"context"

	"finledger/internal/core"
)

// Ports for outbound adapters.
type (
	// AuditWriter appends audit entries to an external sheet and returns
	// the range that was written.
	AuditWriter interface {
		AppendAuditEntries(ctx context.Context, entries []core.AuditEntry) (rangeRef string, err error)
	}
)
