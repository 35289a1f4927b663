// Package reconcile decides, for each incoming reading, whether it updates an
// existing row or becomes a new one.
//
// Precedence, first match wins:
//  1. a recent row within the merge radius of the payload's location
//  2. a row with the payload's identity
//  3. a new row (sentinel defaults, placeholder location if none was sent)
//
// Step 1 reads candidates without holding a lock across the following write,
// so two concurrent payloads for the same new site can both insert.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
)

const (
	DefaultMergeRadius = 50.0
	DefaultLookback    = 24 * time.Hour
)

// Store is the subset of the reading store the engine writes through.
type Store interface {
	Upsert(ctx context.Context, id int64, f reading.Fields) error
	Get(ctx context.Context, id int64) (*reading.Reading, error)
	FindNearby(ctx context.Context, lat, lon, radius float64, since int64) (*reading.Reading, error)
	Count(ctx context.Context) (int64, error)
}

// Action is what happened to the store.
type Action string

const (
	ActionInserted Action = "inserted"
	ActionMerged   Action = "merged"
)

// Match names the rule that selected the target row.
type Match string

const (
	MatchProximity Match = "proximity"
	MatchIdentity  Match = "identity"
	MatchNone      Match = "none"
)

// Result describes one reconciliation.
type Result struct {
	ID        int64
	Action    Action
	MatchedBy Match
	Identity  reading.IdentitySource
	Unknown   []string
}

// Options tunes the engine. Zero values take the defaults.
type Options struct {
	MergeRadius float64
	Lookback    time.Duration
	Now         func() time.Time
	// RecordTimeout bounds each record of ImportBatch. Zero means no bound
	// beyond the caller's context.
	RecordTimeout time.Duration
}

// Engine applies the precedence rules against a Store.
type Engine struct {
	store         Store
	logger        *zap.Logger
	radius        float64
	lookback      time.Duration
	now           func() time.Time
	recordTimeout time.Duration
}

// New creates an engine writing through store.
func New(store Store, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:         store,
		logger:        logger,
		radius:        opts.MergeRadius,
		lookback:      opts.Lookback,
		now:           opts.Now,
		recordTimeout: opts.RecordTimeout,
	}
	if e.radius <= 0 {
		e.radius = DefaultMergeRadius
	}
	if e.lookback <= 0 {
		e.lookback = DefaultLookback
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ReconcileJSON decodes one normalized payload and reconciles it. Unknown keys
// are returned in the result and otherwise ignored.
func (e *Engine) ReconcileJSON(ctx context.Context, raw []byte) (Result, error) {
	f, unknown, err := reading.Decode(raw)
	if err != nil {
		return Result{}, err
	}
	if len(unknown) > 0 {
		e.logger.Warn("ignoring unknown payload keys", zap.Strings("keys", unknown))
	}
	res, err := e.Reconcile(ctx, f)
	res.Unknown = unknown
	return res, err
}

// Reconcile merges f into an existing row or inserts it.
func (e *Engine) Reconcile(ctx context.Context, f reading.Fields) (Result, error) {
	if err := reading.Validate(f); err != nil {
		return Result{}, err
	}
	id, source := f.Identity()

	if f.HasLocation() {
		since := e.now().Add(-e.lookback).Unix()
		near, err := e.store.FindNearby(ctx, *f.La, *f.Lo, e.radius, since)
		if err != nil {
			return Result{}, err
		}
		if near != nil {
			if err := e.store.Upsert(ctx, near.ID, f); err != nil {
				return Result{}, err
			}
			res := Result{ID: near.ID, Action: ActionMerged, MatchedBy: MatchProximity, Identity: source}
			e.trace(ctx, res)
			return res, nil
		}
	}

	existing, err := e.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := e.store.Upsert(ctx, id, f); err != nil {
		return Result{}, err
	}

	res := Result{ID: id, Action: ActionInserted, MatchedBy: MatchNone, Identity: source}
	if existing != nil {
		res.Action = ActionMerged
		res.MatchedBy = MatchIdentity
	}
	e.trace(ctx, res)
	return res, nil
}

// BatchResult summarizes an import.
type BatchResult struct {
	Inserted int
	Merged   int
	Failed   int
	Errors   []error
}

// ImportBatch reconciles records one at a time. A failing record is counted
// and skipped; the rest of the batch still runs.
func (e *Engine) ImportBatch(ctx context.Context, records []json.RawMessage) BatchResult {
	var out BatchResult
	for i, raw := range records {
		if ctx.Err() != nil {
			out.Failed += len(records) - i
			out.Errors = append(out.Errors, ctx.Err())
			break
		}
		res, err := e.importOne(ctx, raw)
		if err != nil {
			out.Failed++
			out.Errors = append(out.Errors, err)
			var verr *reading.ValidationError
			if errors.As(err, &verr) {
				e.logger.Warn("skipping invalid record", zap.Int("index", i), zap.Error(err))
			} else {
				e.logger.Error("record import failed", zap.Int("index", i), zap.Error(err))
			}
			continue
		}
		switch res.Action {
		case ActionInserted:
			out.Inserted++
		case ActionMerged:
			out.Merged++
		}
	}
	return out
}

func (e *Engine) importOne(ctx context.Context, raw json.RawMessage) (Result, error) {
	if e.recordTimeout <= 0 {
		return e.ReconcileJSON(ctx, raw)
	}
	ctx, cancel := context.WithTimeout(ctx, e.recordTimeout)
	defer cancel()
	return e.ReconcileJSON(ctx, raw)
}

func (e *Engine) trace(ctx context.Context, res Result) {
	if !e.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	rows, err := e.store.Count(ctx)
	if err != nil {
		e.logger.Debug("count after reconcile failed", zap.Error(err))
		return
	}
	e.logger.Debug("reading reconciled",
		zap.Int64("id", res.ID),
		zap.String("action", string(res.Action)),
		zap.String("matched_by", string(res.MatchedBy)),
		zap.Int64("rows", rows),
	)
}
