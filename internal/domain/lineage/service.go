package lineage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labroute/internal/platform/db"
)

// maxDepth bounds walks over a graph that should be acyclic but is read
// from storage that might not be.
const maxDepth = 10000

// Service maintains the report lineage graph.
type Service struct {
	repo   Repository
	tx     db.TxBeginner
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// SetTxBeginner makes CreateReport write the report and its edge in one
// transaction.
func (s *Service) SetTxBeginner(b db.TxBeginner) {
	s.tx = b
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, s.tx, fn)
}

// StartAction records one stage invocation.
func (s *Service) StartAction(ctx context.Context, stage Stage, params string) (*Action, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	a := &Action{ID: uuid.New(), Stage: stage, CreatedAt: s.now().UTC(), Params: params}
	if err := s.repo.InsertAction(ctx, a); err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}
	return a, nil
}

// CreateReport stores r and, when parent is not uuid.Nil, the edge from
// parent to r under r's action. A missing ID or timestamp is filled in.
// Retrying with an identical report is accepted and keeps the stored
// timestamp; any other report under a taken id is ErrReportExists.
func (s *Service) CreateReport(ctx context.Context, r *Report, parent uuid.UUID) error {
	if r.ActionID == uuid.Nil {
		return fmt.Errorf("report needs an action")
	}
	if !r.Stage.Valid() {
		return fmt.Errorf("unknown stage %q", r.Stage)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	return s.inTx(ctx, func(ctx context.Context) error {
		inserted, err := s.repo.InsertReport(ctx, r)
		if err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
		if !inserted {
			stored, err := s.repo.GetReport(ctx, r.ID)
			if err != nil {
				return fmt.Errorf("get report %s: %w", r.ID, err)
			}
			if !sameReport(stored, r) {
				return fmt.Errorf("%w: %s", ErrReportExists, r.ID)
			}
			r.CreatedAt = stored.CreatedAt
		}
		if parent == uuid.Nil {
			return nil
		}
		return s.RecordEdge(ctx, parent, r.ID, r.ActionID, r.CreatedAt)
	})
}

// RecordEdge adds the edge parent -> child. Recording the same edge again is
// a no-op; a second, different parent for child is ErrDuplicateParent and an
// edge that would close a loop is ErrCycle.
func (s *Service) RecordEdge(ctx context.Context, parent, child, action uuid.UUID, at time.Time) error {
	if parent == uuid.Nil || child == uuid.Nil {
		return fmt.Errorf("edge needs both a parent and a child report")
	}
	if parent == child {
		return ErrCycle
	}
	existing, err := s.repo.GetParent(ctx, child)
	if err != nil {
		return fmt.Errorf("get parent of %s: %w", child, err)
	}
	if existing != nil {
		return sameEdge(existing, parent, action)
	}

	cur := parent
	for depth := 0; depth < maxDepth; depth++ {
		e, err := s.repo.GetParent(ctx, cur)
		if err != nil {
			return fmt.Errorf("get parent of %s: %w", cur, err)
		}
		if e == nil {
			break
		}
		if e.ParentID == child {
			return ErrCycle
		}
		cur = e.ParentID
	}

	edge := &Edge{ParentID: parent, ChildID: child, ActionID: action, CreatedAt: at.UTC()}
	inserted, err := s.repo.InsertEdge(ctx, edge)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	if inserted {
		return nil
	}
	// Lost a race with another writer for the same child.
	existing, err = s.repo.GetParent(ctx, child)
	if err != nil {
		return fmt.Errorf("get parent of %s: %w", child, err)
	}
	if existing == nil {
		return fmt.Errorf("edge for %s was neither inserted nor found", child)
	}
	return sameEdge(existing, parent, action)
}

func sameReport(a, b *Report) bool {
	return a.ActionID == b.ActionID && a.Stage == b.Stage && a.Topic == b.Topic &&
		a.Format == b.Format && a.ItemCount == b.ItemCount &&
		a.BodyLocation == b.BodyLocation && a.Receiver == b.Receiver
}

func sameEdge(e *Edge, parent, action uuid.UUID) error {
	if e.ParentID == parent && e.ActionID == action {
		return nil
	}
	return fmt.Errorf("%w: %s is a child of %s", ErrDuplicateParent, e.ChildID, e.ParentID)
}

func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	return s.repo.GetReport(ctx, id)
}

// WalkToRoot follows parent edges from id. A parent edge pointing at a
// report that does not exist ends the walk at the last report found; the
// dangling reference is returned in Inconsistencies and logged.
func (s *Service) WalkToRoot(ctx context.Context, id uuid.UUID) (*Walk, error) {
	cur, err := s.repo.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	w := &Walk{Path: []uuid.UUID{cur.ID}}
	seen := map[uuid.UUID]bool{cur.ID: true}
	for {
		e, err := s.repo.GetParent(ctx, cur.ID)
		if err != nil {
			return nil, fmt.Errorf("get parent of %s: %w", cur.ID, err)
		}
		if e == nil {
			break
		}
		if seen[e.ParentID] || len(w.Path) >= maxDepth {
			w.inconsistent(s.logger, cur.ID, e.ParentID, "closes a loop")
			break
		}
		parent, err := s.repo.GetReport(ctx, e.ParentID)
		if errors.Is(err, ErrReportNotFound) {
			w.inconsistent(s.logger, cur.ID, e.ParentID, "has no report row")
			break
		}
		if err != nil {
			return nil, fmt.Errorf("get report %s: %w", e.ParentID, err)
		}
		seen[parent.ID] = true
		w.Path = append(w.Path, parent.ID)
		cur = parent
	}
	w.Root = cur
	return w, nil
}

func (w *Walk) inconsistent(logger zerolog.Logger, report, parent uuid.UUID, reason string) {
	ce := &ConsistencyError{ReportID: report, DanglingParentID: parent, Reason: reason}
	w.Inconsistencies = append(w.Inconsistencies, ce)
	logger.Warn().
		Str("report_id", report.String()).
		Str("dangling_parent_id", parent.String()).
		Msg("lineage parent " + reason + ", treating report as root")
}

// GetRootReport returns the original submission id derives from, or nil
// when id is itself a root. When id's own parent is missing there is no
// root to return and the *ConsistencyError is.
func (s *Service) GetRootReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	w, err := s.WalkToRoot(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Root.ID == id {
		if len(w.Inconsistencies) > 0 {
			return nil, w.Inconsistencies[0]
		}
		return nil, nil
	}
	return w.Root, nil
}

// Ancestors returns the reports above id, nearest first.
func (s *Service) Ancestors(ctx context.Context, id uuid.UUID) ([]*Report, error) {
	w, err := s.WalkToRoot(ctx, id)
	if err != nil {
		return nil, err
	}
	reports, err := s.repo.GetReports(ctx, w.Path[1:])
	if err != nil {
		return nil, err
	}
	out := make([]*Report, 0, len(w.Path)-1)
	for _, pid := range w.Path[1:] {
		if r, ok := reports[pid]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Descendants returns every report derived from id, breadth first. Edges
// whose child report is missing are skipped.
func (s *Service) Descendants(ctx context.Context, id uuid.UUID) ([]*Report, error) {
	if _, err := s.repo.GetReport(ctx, id); err != nil {
		return nil, err
	}
	var out []*Report
	seen := map[uuid.UUID]bool{id: true}
	frontier := []uuid.UUID{id}
	for depth := 0; len(frontier) > 0 && depth < maxDepth; depth++ {
		edges, err := s.repo.GetChildren(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("get children: %w", err)
		}
		var next []uuid.UUID
		for _, e := range edges {
			if !seen[e.ChildID] {
				seen[e.ChildID] = true
				next = append(next, e.ChildID)
			}
		}
		reports, err := s.repo.GetReports(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, cid := range next {
			if r, ok := reports[cid]; ok {
				out = append(out, r)
			}
		}
		frontier = next
	}
	return out, nil
}

// DeliveryHistory lists the reports sent to receiver, newest first, each
// with the submission it originated from.
func (s *Service) DeliveryHistory(ctx context.Context, receiver string, limit, offset int) ([]*Delivery, int, error) {
	sent, total, err := s.repo.ListReports(ctx, ReportFilter{Stage: StageSend, Receiver: receiver}, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Delivery, 0, len(sent))
	for _, r := range sent {
		w, err := s.WalkToRoot(ctx, r.ID)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, &Delivery{Report: r, Root: w.Root, Hops: len(w.Path) - 1})
	}
	return out, total, nil
}
