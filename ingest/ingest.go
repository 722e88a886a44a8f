// Package ingest batch-loads respondent contacts into the queue. Rows are
// normalized one by one; invalid rows and duplicates are reported, never
// fatal to the batch.
package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/contact"
	"github.com/metailurini/cati-queue/events"
	"github.com/metailurini/cati-queue/metrics"
	"github.com/metailurini/cati-queue/queue"
	"github.com/metailurini/cati-queue/storage"
)

const (
	// DefaultChunkSize is the number of records per insert transaction
	// when Config.ChunkSize is unset.
	DefaultChunkSize = 1000
	// MaxChunkSize caps records per insert transaction.
	MaxChunkSize = 5000
)

type insertStore interface {
	InsertIfAbsent(ctx context.Context, entries []storage.NewEntry, refreshGeo bool) ([]storage.InsertResult, error)
	Notify(ctx context.Context, surveyID string) error
}

// Rejection is one row that was not queued.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result aggregates a batch. Indices refer to positions in the input slice.
type Result struct {
	Inserted         int         `json:"inserted"`
	SkippedDuplicate int         `json:"skippedDuplicate"`
	Duplicates       []int       `json:"duplicates,omitempty"`
	Rejected         []Rejection `json:"rejected,omitempty"`
}

// Config controls a Pipeline.
type Config struct {
	ChunkSize   int
	MaxAttempts int
	// RefreshGeo overwrites the AC/PC/PS tags of already-queued contacts
	// with the non-empty tags of the incoming row.
	RefreshGeo bool
	Events     events.Publisher
	Logger     *zerolog.Logger
}

// Pipeline implements ingest(survey, contacts).
type Pipeline struct {
	store      insertStore
	normalizer *contact.Normalizer
	cfg        Config
	events     events.Publisher
	logger     zerolog.Logger
}

// New returns a Pipeline. ChunkSize is clamped to [1, MaxChunkSize].
func New(store insertStore, normalizer *contact.Normalizer, cfg Config) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required: %w", apperrors.ErrNotConfigured)
	}
	if normalizer == nil {
		normalizer = contact.NewNormalizer("")
	}
	switch {
	case cfg.ChunkSize <= 0:
		cfg.ChunkSize = DefaultChunkSize
	case cfg.ChunkSize > MaxChunkSize:
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = queue.DefaultMaxAttempts
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Pipeline{store: store, normalizer: normalizer, cfg: cfg, events: cfg.Events, logger: logger}, nil
}

type pending struct {
	index int
	entry storage.NewEntry
}

// Ingest queues raws for surveyID. Re-ingesting the same rows is idempotent:
// every row is then reported as a duplicate. An error is returned only when
// the survey id is missing or ctx ends; store failures are reported per row.
func (p *Pipeline) Ingest(ctx context.Context, surveyID string, raws []contact.Raw) (Result, error) {
	if surveyID == "" {
		return Result{}, fmt.Errorf("survey id is required: %w", apperrors.ErrInvalidArgument)
	}

	var res Result
	seen := make(map[string]struct{}, len(raws))
	batch := make([]pending, 0, min(len(raws), p.cfg.ChunkSize))

	for i, raw := range raws {
		n, err := p.normalizer.Normalize(surveyID, raw)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		if _, dup := seen[n.DedupKey]; dup {
			res.Duplicates = append(res.Duplicates, i)
			continue
		}
		seen[n.DedupKey] = struct{}{}

		batch = append(batch, pending{index: i, entry: storage.NewEntry{
			SurveyID:    surveyID,
			DedupKey:    n.DedupKey,
			Contact:     n.Contact,
			MaxAttempts: p.cfg.MaxAttempts,
		}})
		if len(batch) == p.cfg.ChunkSize {
			if err := p.flush(ctx, batch, &res); err != nil {
				return p.finish(ctx, surveyID, res), err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := p.flush(ctx, batch, &res); err != nil {
			return p.finish(ctx, surveyID, res), err
		}
	}
	return p.finish(ctx, surveyID, res), nil
}

// flush inserts one chunk. When the chunk as a whole fails, rows are retried
// one at a time so a single bad row is isolated.
func (p *Pipeline) flush(ctx context.Context, batch []pending, res *Result) error {
	entries := make([]storage.NewEntry, len(batch))
	for i, b := range batch {
		entries[i] = b.entry
	}

	results, err := p.store.InsertIfAbsent(ctx, entries, p.cfg.RefreshGeo)
	if err == nil {
		for i, r := range results {
			p.tally(res, batch[i].index, r)
		}
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	p.logger.Warn().Err(err).
		Str("event", "ingest_chunk").
		Str("survey_id", batch[0].entry.SurveyID).
		Int("rows", len(batch)).
		Msg("chunk insert failed, retrying rows individually")

	for _, b := range batch {
		results, err := p.store.InsertIfAbsent(ctx, []storage.NewEntry{b.entry}, p.cfg.RefreshGeo)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			res.Rejected = append(res.Rejected, Rejection{Index: b.index, Reason: err.Error()})
			continue
		}
		p.tally(res, b.index, results[0])
	}
	return nil
}

func (p *Pipeline) tally(res *Result, index int, r storage.InsertResult) {
	if r.Inserted {
		res.Inserted++
		return
	}
	res.Duplicates = append(res.Duplicates, index)
}

func (p *Pipeline) finish(ctx context.Context, surveyID string, res Result) Result {
	sort.Ints(res.Duplicates)
	sort.Slice(res.Rejected, func(i, j int) bool { return res.Rejected[i].Index < res.Rejected[j].Index })
	res.SkippedDuplicate = len(res.Duplicates)

	metrics.IngestedRowsTotal.WithLabelValues("inserted").Add(float64(res.Inserted))
	metrics.IngestedRowsTotal.WithLabelValues("duplicate").Add(float64(res.SkippedDuplicate))
	metrics.IngestedRowsTotal.WithLabelValues("rejected").Add(float64(len(res.Rejected)))

	p.logger.Info().
		Str("event", "ingest").
		Str("survey_id", surveyID).
		Int("inserted", res.Inserted).
		Int("skipped_duplicate", res.SkippedDuplicate).
		Int("rejected", len(res.Rejected)).
		Msg("ingest finished")

	if res.Inserted == 0 || ctx.Err() != nil {
		return res
	}
	if err := p.store.Notify(ctx, surveyID); err != nil {
		p.logger.Warn().Err(err).Str("event", "notify").Str("survey_id", surveyID).Msg("failed to notify claimers")
	}
	if err := p.events.Publish(ctx, events.Event{Type: events.TypeIngested, SurveyID: surveyID, Inserted: res.Inserted}); err != nil {
		p.logger.Warn().Err(err).Str("event", "publish").Str("type", events.TypeIngested).Msg("failed to publish operator event")
	}
	return res
}
