package filter

import "fmt"

// AuditContext names the receiver a filter runs for.
type AuditContext struct {
	Organization string
	Receiver     string
	Type         Type
}

func (a AuditContext) receiver() string {
	return a.Organization + "." + a.Receiver
}

// AuditEntry records why one row did not reach a receiver.
type AuditEntry struct {
	Organization string   `json:"organization"`
	Receiver     string   `json:"receiver"`
	FilterType   Type     `json:"filterType,omitempty"`
	Function     string   `json:"function"`
	Args         []string `json:"args"`
	ItemID       string   `json:"itemId"`
	Index        int      `json:"index"`
	Message      string   `json:"message"`
}

func newAuditEntry(ctx AuditContext, c Call, row Row) AuditEntry {
	return AuditEntry{
		Organization: ctx.Organization,
		Receiver:     ctx.Receiver,
		FilterType:   ctx.Type,
		Function:     c.Name,
		Args:         c.Args,
		ItemID:       row.ID(),
		Index:        row.Index(),
		Message: fmt.Sprintf("For %s, filter %s filtered out item %s at index %d",
			ctx.receiver(), c, row.ID(), row.Index()),
	}
}

// Apply runs f over rows and returns the surviving rows in order plus one
// audit entry per dropped row. It never fails: predicates treat missing
// or malformed values as no data.
func Apply(f *Filter, rows []Row, ctx AuditContext) ([]Row, []AuditEntry) {
	kept := make([]Row, 0, len(rows))
	var audit []AuditEntry
	for _, row := range rows {
		ok, by := f.Check(row)
		if ok {
			kept = append(kept, row)
			continue
		}
		audit = append(audit, newAuditEntry(ctx, *by, row))
	}
	return kept, audit
}
