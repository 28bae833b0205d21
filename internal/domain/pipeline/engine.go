// Package pipeline moves submitted reports through the receive, convert,
// route, translate, batch and send stages. Every stage reads its input
// report body from the blob store, writes its output as new reports and
// records the lineage edge from input to output.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labroute/internal/domain/filter"
	"github.com/ehr/labroute/internal/domain/lineage"
	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/domain/settings"
	"github.com/ehr/labroute/internal/domain/translation"
	"github.com/ehr/labroute/internal/platform/blobstore"
	"github.com/ehr/labroute/internal/platform/fhir"
)

// DefaultMaxParallelReceivers bounds the per-receiver fan-out when the
// configuration leaves it unset.
const DefaultMaxParallelReceivers = 8

var (
	ErrUnknownSender = errors.New("unknown sender")
	ErrNoItems       = errors.New("report has no items")
	ErrWrongStage    = errors.New("report was not produced by the expected stage")
)

// SchemaSource returns resolved schemas. *schema.Cache satisfies it.
type SchemaSource interface {
	Get(ctx context.Context, name string, kind schema.Kind) (*schema.Schema, error)
}

// Config tunes an Engine.
type Config struct {
	MaxParallelReceivers int
	// SendingApp is written to batch headers.
	SendingApp string
}

// Engine runs pipeline stages. It is safe for concurrent use; stages keep
// no state between calls.
type Engine struct {
	cfg        Config
	settings   *settings.Settings
	schemas    SchemaSource
	router     *filter.Router
	lineage    *lineage.Service
	blobs      blobstore.BlobStore
	dispatcher *Dispatcher
	fhir       *fhir.Engine
	logger     zerolog.Logger
	now        func() time.Time
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Settings   *settings.Settings
	Schemas    SchemaSource
	Router     *filter.Router
	Lineage    *lineage.Service
	Blobs      blobstore.BlobStore
	Dispatcher *Dispatcher
	Logger     zerolog.Logger
}

func NewEngine(cfg Config, d Deps) *Engine {
	if cfg.MaxParallelReceivers <= 0 {
		cfg.MaxParallelReceivers = DefaultMaxParallelReceivers
	}
	if cfg.SendingApp == "" {
		cfg.SendingApp = "labroute"
	}
	return &Engine{
		cfg:        cfg,
		settings:   d.Settings,
		schemas:    d.Schemas,
		router:     d.Router,
		lineage:    d.Lineage,
		blobs:      d.Blobs,
		dispatcher: d.Dispatcher,
		fhir:       fhir.NewEngine(),
		logger:     d.Logger,
		now:        time.Now,
	}
}

func (e *Engine) options() translation.Options {
	return translation.Options{Logger: e.logger}
}

func extension(f settings.Format) string {
	switch f {
	case settings.FormatHL7:
		return "hl7"
	case settings.FormatCSV:
		return "csv"
	}
	return "ndjson"
}

func contentType(f settings.Format) string {
	switch f {
	case settings.FormatHL7:
		return blobstore.ContentTypeHL7
	case settings.FormatCSV:
		return blobstore.ContentTypeCSV
	}
	return blobstore.ContentTypeFHIR
}

// write stores body as a new report of stage derived from parent.
func (e *Engine) write(ctx context.Context, action *lineage.Action, parent *lineage.Report, r *lineage.Report, body []byte, extra map[string]string) (*lineage.Report, error) {
	r.ID = uuid.New()
	r.ActionID = action.ID
	r.Stage = action.Stage
	if parent != nil && r.Topic == "" {
		r.Topic = parent.Topic
	}
	key := fmt.Sprintf("reports/%s/%s.%s", r.Stage, r.ID, extension(settings.Format(r.Format)))
	tags := map[string]string{"report_id": r.ID.String(), "stage": string(r.Stage)}
	if r.Receiver != "" {
		tags["receiver"] = r.Receiver
	}
	for k, v := range extra {
		tags[k] = v
	}
	if _, err := e.blobs.Put(ctx, key, contentType(settings.Format(r.Format)), bytes.NewReader(body), tags); err != nil {
		return nil, fmt.Errorf("storing report body: %w", err)
	}
	r.BodyLocation = key

	parentID := uuid.Nil
	if parent != nil {
		parentID = parent.ID
	}
	if err := e.lineage.CreateReport(ctx, r, parentID); err != nil {
		return nil, err
	}
	e.logger.Debug().
		Str("report_id", r.ID.String()).
		Str("stage", string(r.Stage)).
		Str("receiver", r.Receiver).
		Int("items", r.ItemCount).
		Msg("report written")
	return r, nil
}

// input loads a report produced by one of stages, its body and the body's
// blob metadata.
func (e *Engine) input(ctx context.Context, id uuid.UUID, stages ...lineage.Stage) (*lineage.Report, []byte, *blobstore.BlobMetadata, error) {
	r, err := e.lineage.GetReport(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	ok := false
	for _, s := range stages {
		ok = ok || r.Stage == s
	}
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s is a %s report", ErrWrongStage, id, r.Stage)
	}
	body, meta, err := blobstore.ReadAll(ctx, e.blobs, r.BodyLocation)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading report %s: %w", id, err)
	}
	return r, body, meta, nil
}

func (e *Engine) receiver(r *lineage.Report) (*settings.Receiver, error) {
	if r.Receiver == "" {
		return nil, fmt.Errorf("report %s is not addressed to a receiver", r.ID)
	}
	return e.settings.Receiver(r.Receiver)
}
