// Package lineage records how reports derive from one another as they move
// through the pipeline and walks that graph back to the original submission.
package lineage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names the pipeline step that produced a report.
type Stage string

const (
	StageReceive   Stage = "receive"
	StageConvert   Stage = "convert"
	StageRoute     Stage = "route"
	StageTranslate Stage = "translate"
	StageBatch     Stage = "batch"
	StageSend      Stage = "send"
)

func (s Stage) Valid() bool {
	switch s {
	case StageReceive, StageConvert, StageRoute, StageTranslate, StageBatch, StageSend:
		return true
	}
	return false
}

// Action is one invocation of a stage.
type Action struct {
	ID        uuid.UUID `json:"action_id"`
	Stage     Stage     `json:"stage"`
	CreatedAt time.Time `json:"created_at"`
	Params    string    `json:"params,omitempty"`
}

// Report is an immutable unit of data written by a stage. The body itself
// lives in the blob store at BodyLocation.
type Report struct {
	ID           uuid.UUID `json:"report_id"`
	ActionID     uuid.UUID `json:"action_id"`
	Stage        Stage     `json:"stage"`
	Topic        string    `json:"topic,omitempty"`
	Format       string    `json:"format,omitempty"`
	ItemCount    int       `json:"item_count"`
	BodyLocation string    `json:"body_location,omitempty"`
	Receiver     string    `json:"receiver,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Edge links a child report to the report it was derived from.
type Edge struct {
	ParentID  uuid.UUID `json:"parent_report_id"`
	ChildID   uuid.UUID `json:"child_report_id"`
	ActionID  uuid.UUID `json:"action_id"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrReportNotFound  = errors.New("report not found")
	ErrDuplicateParent = errors.New("report already has a different parent")
	ErrCycle           = errors.New("edge would make a report its own ancestor")
	ErrReportExists    = errors.New("report id is already taken by a different report")
)

// ConsistencyError describes a parent edge whose parent report was never
// written.
type ConsistencyError struct {
	ReportID         uuid.UUID `json:"report_id"`
	DanglingParentID uuid.UUID `json:"dangling_parent_id"`
	Reason           string    `json:"reason"`
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("lineage: report %s: parent %s %s", e.ReportID, e.DanglingParentID, e.Reason)
}

// Walk is the result of following parent edges from a report.
type Walk struct {
	// Path runs from the starting report to Root, both included.
	Path            []uuid.UUID         `json:"path"`
	Root            *Report             `json:"root"`
	Inconsistencies []*ConsistencyError `json:"inconsistencies,omitempty"`
}

// Delivery is a sent report together with the submission it came from.
type Delivery struct {
	Report *Report `json:"report"`
	Root   *Report `json:"root"`
	Hops   int     `json:"hops"`
}
