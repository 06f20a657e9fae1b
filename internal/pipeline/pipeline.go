// Package pipeline reconciles payout emails against the rows already in the
// sheet and appends the sales that are missing.
package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"payout-sheet-sync/internal/mailbox"
	"payout-sheet-sync/internal/metrics"
	"payout-sheet-sync/internal/model"
)

// Extractor turns an email body into a sale record
type Extractor interface {
	Extract(ctx context.Context, body string) (model.Record, error)
}

// RowStore is the destination sheet
type RowStore interface {
	ReadRange(ctx context.Context) ([][]string, error)
	AppendRow(ctx context.Context, row []string) error
}

// Pipeline runs one sync pass
type Pipeline struct {
	source    mailbox.Source
	extractor Extractor
	store     RowStore
	reporter  *Reporter
	metrics   *metrics.Metrics
}

// New creates a pipeline
func New(source mailbox.Source, extractor Extractor, store RowStore, reporter *Reporter, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		source:    source,
		extractor: extractor,
		store:     store,
		reporter:  reporter,
		metrics:   m,
	}
}

// Run lists payout emails, then extracts, dedupes and appends each one in
// listing order. Only listing and the initial sheet read are fatal; every
// other failure is reported against its message and the run moves on.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	startTime := time.Now()
	defer func() {
		p.metrics.RunDuration.Observe(time.Since(startTime).Seconds())
	}()

	refs, err := p.source.List(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Listed: len(refs)}
	p.metrics.MessagesListed.Add(float64(len(refs)))
	logrus.Infof("Found %d matching emails", len(refs))

	if len(refs) == 0 {
		p.reporter.NoMatches()
		return report, nil
	}

	rows, err := p.store.ReadRange(ctx)
	if err != nil {
		return nil, err
	}
	p.metrics.ExistingRows.Set(float64(len(rows)))

	keys := model.NewKeySet(rows)
	logrus.Debugf("Loaded %d dedupe keys from %d rows", keys.Len(), len(rows))

	for _, ref := range refs {
		outcome := p.reconcile(ctx, ref, keys)
		report.add(outcome)
		p.record(outcome)
		p.reporter.Outcome(outcome)
	}

	logrus.WithFields(logrus.Fields{
		"listed":     report.Listed,
		"appended":   report.Appended,
		"duplicates": report.Duplicates,
		"failed":     report.Failed,
		"duration":   time.Since(startTime).String(),
	}).Info("Sync run completed")

	return report, nil
}

// reconcile decides the fate of one message. The key set only grows after a
// successful append.
func (p *Pipeline) reconcile(ctx context.Context, ref mailbox.MessageRef, keys model.KeySet) Outcome {
	rec, perr := p.handle(ctx, ref)
	if perr != nil {
		return Outcome{MessageID: ref.ID, Status: StatusFailed, Err: perr}
	}

	key := rec.Key()
	if keys.Has(key) {
		logrus.Debugf("Email %s describes %s which is already recorded", ref.ID, key)
		return Outcome{MessageID: ref.ID, Status: StatusDuplicate, Record: rec}
	}

	if err := p.store.AppendRow(ctx, rec.Row()); err != nil {
		return Outcome{
			MessageID: ref.ID,
			Status:    StatusFailed,
			Record:    rec,
			Err:       &ProcessingError{MessageID: ref.ID, Stage: StageAppend, Err: err},
		}
	}

	keys.Add(key)
	return Outcome{MessageID: ref.ID, Status: StatusAppended, Record: rec}
}

// handle decodes and extracts one message without touching the sheet
func (p *Pipeline) handle(ctx context.Context, ref mailbox.MessageRef) (model.Record, *ProcessingError) {
	body, err := p.source.Body(ctx, ref.ID)
	if err != nil {
		return model.Record{}, &ProcessingError{MessageID: ref.ID, Stage: StageDecode, Err: err}
	}

	rec, err := p.extractor.Extract(ctx, body)
	if err != nil {
		return model.Record{}, &ProcessingError{MessageID: ref.ID, Stage: StageExtract, Err: err}
	}

	return rec, nil
}

func (p *Pipeline) record(o Outcome) {
	switch o.Status {
	case StatusAppended:
		p.metrics.RowsAppended.Inc()
		logrus.Infof("Appended %s from email %s", o.Record.Key(), o.MessageID)
	case StatusDuplicate:
		p.metrics.DuplicatesSkipped.Inc()
	case StatusFailed:
		p.metrics.Failures.WithLabelValues(string(o.Err.Stage)).Inc()
		logrus.WithFields(logrus.Fields{
			"message_id": o.MessageID,
			"stage":      o.Err.Stage,
		}).Warnf("Failed to process email: %v", o.Err)
	}
}
