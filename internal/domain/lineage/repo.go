package lineage

import (
	"context"

	"github.com/google/uuid"
)

// ReportFilter narrows ListReports. Empty fields match everything.
type ReportFilter struct {
	Stage    Stage
	Receiver string
}

// Repository persists actions, reports and lineage edges.
type Repository interface {
	InsertAction(ctx context.Context, a *Action) error
	// InsertReport stores r unless its id is taken. It reports whether a
	// row was written; an existing report is never modified.
	InsertReport(ctx context.Context, r *Report) (bool, error)
	GetReport(ctx context.Context, id uuid.UUID) (*Report, error)
	GetReports(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Report, error)
	ListReports(ctx context.Context, f ReportFilter, limit, offset int) ([]*Report, int, error)
	// InsertEdge stores e unless the child already has an edge. It reports
	// whether a row was written.
	InsertEdge(ctx context.Context, e *Edge) (bool, error)
	// GetParent returns the edge of child, or nil for a root.
	GetParent(ctx context.Context, child uuid.UUID) (*Edge, error)
	GetParents(ctx context.Context, children []uuid.UUID) (map[uuid.UUID]*Edge, error)
	GetChildren(ctx context.Context, parents []uuid.UUID) ([]*Edge, error)
}
