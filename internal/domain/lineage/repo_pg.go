package lineage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labroute/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Repository backed by the action, report and
// report_lineage tables.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const reportCols = `report_id, action_id, stage, topic, format, item_count,
	body_location, receiver, created_at`

const edgeCols = `parent_report_id, child_report_id, action_id, created_at`

func scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	err := row.Scan(&rep.ID, &rep.ActionID, &rep.Stage, &rep.Topic, &rep.Format, &rep.ItemCount,
		&rep.BodyLocation, &rep.Receiver, &rep.CreatedAt)
	return &rep, err
}

func scanEdge(row pgx.Row) (*Edge, error) {
	var e Edge
	err := row.Scan(&e.ParentID, &e.ChildID, &e.ActionID, &e.CreatedAt)
	return &e, err
}

func (r *repoPG) InsertAction(ctx context.Context, a *Action) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO action (action_id, stage, created_at, params)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (action_id) DO NOTHING`,
		a.ID, a.Stage, a.CreatedAt, a.Params)
	return err
}

func (r *repoPG) InsertReport(ctx context.Context, rep *Report) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO report (report_id, action_id, stage, topic, format, item_count,
			body_location, receiver, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (report_id) DO NOTHING`,
		rep.ID, rep.ActionID, rep.Stage, rep.Topic, rep.Format, rep.ItemCount,
		rep.BodyLocation, rep.Receiver, rep.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	rep, err := scanReport(r.conn(ctx).QueryRow(ctx, `SELECT `+reportCols+` FROM report WHERE report_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	return rep, err
}

func (r *repoPG) GetReports(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Report, error) {
	out := make(map[uuid.UUID]*Report, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM report WHERE report_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out[rep.ID] = rep
	}
	return out, rows.Err()
}

func (r *repoPG) ListReports(ctx context.Context, f ReportFilter, limit, offset int) ([]*Report, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.Stage != "" {
		where += fmt.Sprintf(` AND stage = $%d`, idx)
		args = append(args, f.Stage)
		idx++
	}
	if f.Receiver != "" {
		where += fmt.Sprintf(` AND receiver = $%d`, idx)
		args = append(args, f.Receiver)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM report`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + reportCols + ` FROM report` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rep)
	}
	return items, total, rows.Err()
}

func (r *repoPG) InsertEdge(ctx context.Context, e *Edge) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO report_lineage (`+edgeCols+`)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (child_report_id) DO NOTHING`,
		e.ParentID, e.ChildID, e.ActionID, e.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) GetParent(ctx context.Context, child uuid.UUID) (*Edge, error) {
	e, err := scanEdge(r.conn(ctx).QueryRow(ctx, `SELECT `+edgeCols+` FROM report_lineage WHERE child_report_id = $1`, child))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *repoPG) GetParents(ctx context.Context, children []uuid.UUID) (map[uuid.UUID]*Edge, error) {
	out := make(map[uuid.UUID]*Edge, len(children))
	if len(children) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+edgeCols+` FROM report_lineage WHERE child_report_id = ANY($1)`, children)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out[e.ChildID] = e
	}
	return out, rows.Err()
}

func (r *repoPG) GetChildren(ctx context.Context, parents []uuid.UUID) ([]*Edge, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+edgeCols+` FROM report_lineage
		WHERE parent_report_id = ANY($1) ORDER BY created_at, child_report_id`, parents)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
