package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payout-sheet-sync/internal/extractor"
	"payout-sheet-sync/internal/mailbox"
	"payout-sheet-sync/internal/metrics"
	"payout-sheet-sync/internal/model"
	"payout-sheet-sync/internal/rowstore"
)

const rareCoinBody = "Your item 'Rare Coin' sold for $120.00, net proceeds $110.00 on 2024-01-05, cert #12345"

// fakeSource serves bodies by message id
type fakeSource struct {
	refs    []mailbox.MessageRef
	bodies  map[string]string
	bodyErr map[string]error
	listErr error
}

func (f *fakeSource) List(context.Context) ([]mailbox.MessageRef, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.refs, nil
}

func (f *fakeSource) Body(_ context.Context, id string) (string, error) {
	if err := f.bodyErr[id]; err != nil {
		return "", err
	}
	return f.bodies[id], nil
}

func (f *fakeSource) Close() error { return nil }

// fakeExtractor parses the body as the model reply would be parsed
type fakeExtractor struct {
	replies map[string]string
	errs    map[string]error
}

func (f *fakeExtractor) Extract(_ context.Context, body string) (model.Record, error) {
	if err := f.errs[body]; err != nil {
		return model.Record{}, err
	}
	return extractor.Parse(f.replies[body])
}

// fakeStore is an in-memory sheet
type fakeStore struct {
	rows      [][]string
	reads     int
	appends   int
	readErr   error
	appendErr map[string]error
}

func (f *fakeStore) ReadRange(context.Context) ([][]string, error) {
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([][]string, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

func (f *fakeStore) AppendRow(_ context.Context, row []string) error {
	f.appends++
	if err := f.appendErr[row[1]]; err != nil {
		return err
	}
	f.rows = append(f.rows, row)
	return nil
}

func saleJSON(item, price string) string {
	return fmt.Sprintf(`{"item_name":%q,"cert_number":"","sale_price":%q,"proceeds":"$1.00","sale_date":"2024-01-01"}`, item, price)
}

func newTestPipeline(src *fakeSource, ext *fakeExtractor, store *fakeStore) (*Pipeline, *bytes.Buffer, *metrics.Metrics) {
	out := &bytes.Buffer{}
	m := metrics.NewMetrics()
	return New(src, ext, store, NewReporter(out), m), out, m
}

func TestRunEndToEnd(t *testing.T) {
	src := &fakeSource{
		refs:   []mailbox.MessageRef{{ID: "m1"}},
		bodies: map[string]string{"m1": rareCoinBody},
	}
	ext := &fakeExtractor{replies: map[string]string{
		rareCoinBody: `{"item_name":"Rare Coin","cert_number":"12345","sale_price":"$120.00","proceeds":"$110.00","sale_date":"2024-01-05"}`,
	}}
	store := &fakeStore{rows: [][]string{{"Date", "Item", "Price", "Proceeds", "Cert"}}}

	p, out, m := newTestPipeline(src, ext, store)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Added: Rare Coin at $120.00\n", out.String())
	assert.Equal(t, []string{"2024-01-05", "Rare Coin", "$120.00", "$110.00", "12345"}, store.rows[len(store.rows)-1])
	assert.Equal(t, 1, report.Appended)
	assert.Equal(t, StatusAppended, report.Outcomes[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowsAppended))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesListed))
}

func TestRunEmptyMailbox(t *testing.T) {
	store := &fakeStore{}
	p, out, _ := newTestPipeline(&fakeSource{}, &fakeExtractor{}, store)

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "No matching emails found.\n", out.String())
	assert.Equal(t, 0, store.reads)
	assert.Equal(t, 0, store.appends)
	assert.Empty(t, report.Outcomes)
}

func TestRunListingFailureIsFatal(t *testing.T) {
	store := &fakeStore{}
	src := &fakeSource{listErr: fmt.Errorf("%w: 403 forbidden", mailbox.ErrListing)}
	p, out, _ := newTestPipeline(src, &fakeExtractor{}, store)

	report, err := p.Run(context.Background())
	assert.Nil(t, report)
	assert.ErrorIs(t, err, mailbox.ErrListing)
	assert.Empty(t, out.String())
	assert.Equal(t, 0, store.reads)
}

func TestRunSnapshotReadFailureIsFatal(t *testing.T) {
	src := &fakeSource{
		refs:   []mailbox.MessageRef{{ID: "m1"}},
		bodies: map[string]string{"m1": "a"},
	}
	store := &fakeStore{readErr: fmt.Errorf("%w: 404", rowstore.ErrRead)}
	p, _, _ := newTestPipeline(src, &fakeExtractor{replies: map[string]string{"a": saleJSON("A", "$1")}}, store)

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, rowstore.ErrRead)
	assert.Equal(t, 0, store.appends)
}

func TestRunSkipsExistingRows(t *testing.T) {
	src := &fakeSource{
		refs:   []mailbox.MessageRef{{ID: "m1"}, {ID: "m2"}},
		bodies: map[string]string{"m1": "coin", "m2": "card"},
	}
	ext := &fakeExtractor{replies: map[string]string{
		"coin": saleJSON("Rare Coin", "$120.00"),
		"card": saleJSON("Card", "$50.00"),
	}}
	store := &fakeStore{rows: [][]string{
		{"2024-01-05", "Rare Coin", "$120.00", "$110.00", "12345"},
	}}

	p, out, m := newTestPipeline(src, ext, store)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Duplicate skipped: Rare Coin at $120.00\nAdded: Card at $50.00\n", out.String())
	assert.Equal(t, 1, store.appends)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicatesSkipped))
}

func TestRunDedupesWithinRun(t *testing.T) {
	src := &fakeSource{
		refs:   []mailbox.MessageRef{{ID: "m1"}, {ID: "m2"}},
		bodies: map[string]string{"m1": "first", "m2": "second"},
	}
	ext := &fakeExtractor{replies: map[string]string{
		"first":  saleJSON("Rare Coin", "$120.00"),
		"second": `{"item_name":"Rare Coin","cert_number":"999","sale_price":"$120.00","proceeds":"$99.00","sale_date":"2024-02-02"}`,
	}}
	store := &fakeStore{}

	p, out, _ := newTestPipeline(src, ext, store)
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, store.appends)
	assert.Equal(t, "Added: Rare Coin at $120.00\nDuplicate skipped: Rare Coin at $120.00\n", out.String())
	// an empty cert_number is written as an empty cell, not the placeholder
	assert.Equal(t, []string{"2024-01-01", "Rare Coin", "$120.00", "$1.00", ""}, store.rows[0])
}

func TestRunIgnoresMalformedRows(t *testing.T) {
	src := &fakeSource{
		refs:   []mailbox.MessageRef{{ID: "m1"}},
		bodies: map[string]string{"m1": "coin"},
	}
	ext := &fakeExtractor{replies: map[string]string{"coin": saleJSON("Rare Coin", "")}}
	// Neither short row may match, even though a naive lookup of the missing
	// price column would produce ("Rare Coin", "").
	store := &fakeStore{rows: [][]string{
		{"2024-01-05", "Rare Coin"},
		{"2024-01-05"},
		{},
	}}

	p, out, _ := newTestPipeline(src, ext, store)
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, store.appends)
	assert.Equal(t, "Added: Rare Coin at \n", out.String())
}

func TestRunIsolatesFailures(t *testing.T) {
	src := &fakeSource{
		refs: []mailbox.MessageRef{{ID: "bad-b64"}, {ID: "prose"}, {ID: "down"}, {ID: "good"}},
		bodies: map[string]string{
			"prose": "prose",
			"down":  "down",
			"good":  "good",
		},
		bodyErr: map[string]error{
			"bad-b64": fmt.Errorf("%w: illegal base64 data at input byte 4", mailbox.ErrDecode),
		},
	}
	ext := &fakeExtractor{
		replies: map[string]string{
			"prose": "I am not sure what you mean.",
			"good":  saleJSON("Card", "$50.00"),
		},
		errs: map[string]error{
			"down": fmt.Errorf("%w: 503 service unavailable", extractor.ErrExtraction),
		},
	}
	store := &fakeStore{}

	p, out, m := newTestPipeline(src, ext, store)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)
	assert.Equal(t, "Error processing email bad-b64: failed to decode message body: illegal base64 data at input byte 4", string(lines[0]))
	assert.Contains(t, string(lines[1]), "Error processing email prose: unparsable extraction output")
	assert.Contains(t, string(lines[2]), "Error processing email down: extraction failed")
	assert.Equal(t, "Added: Card at $50.00", string(lines[3]))

	require.Len(t, report.Outcomes, 4)
	assert.Equal(t, StageDecode, report.Outcomes[0].Err.Stage)
	assert.ErrorIs(t, report.Outcomes[0].Err, mailbox.ErrDecode)
	assert.Equal(t, StageExtract, report.Outcomes[1].Err.Stage)
	assert.ErrorIs(t, report.Outcomes[1].Err, extractor.ErrParse)
	assert.ErrorIs(t, report.Outcomes[2].Err, extractor.ErrExtraction)
	assert.Nil(t, report.Outcomes[3].Err)

	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, 1, report.Appended)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("decode")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Failures.WithLabelValues("extract")))
}

func TestRunAppendFailureLeavesKeyUnrecorded(t *testing.T) {
	src := &fakeSource{
		refs:   []mailbox.MessageRef{{ID: "m1"}, {ID: "m2"}},
		bodies: map[string]string{"m1": "coin", "m2": "coin again"},
	}
	ext := &fakeExtractor{replies: map[string]string{
		"coin":       saleJSON("Rare Coin", "$120.00"),
		"coin again": saleJSON("Rare Coin", "$120.00"),
	}}
	appendErr := fmt.Errorf("%w: 500 backend error", rowstore.ErrAppend)
	store := &fakeStore{appendErr: map[string]error{"Rare Coin": appendErr}}

	p, out, m := newTestPipeline(src, ext, store)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	// The failed append must not poison the key set, so the second email is
	// attempted too.
	assert.Equal(t, 2, store.appends)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, StageAppend, report.Outcomes[1].Err.Stage)
	assert.True(t, errors.Is(report.Outcomes[1].Err, rowstore.ErrAppend))
	assert.Contains(t, out.String(), "Error processing email m2: failed to append row")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Failures.WithLabelValues("append")))
}

func TestRunIsIdempotent(t *testing.T) {
	src := &fakeSource{
		refs:   []mailbox.MessageRef{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}},
		bodies: map[string]string{"m1": "a", "m2": "b", "m3": "c"},
	}
	ext := &fakeExtractor{replies: map[string]string{
		"a": saleJSON("A", "$1"),
		"b": saleJSON("B", "$2"),
		"c": saleJSON("A", "$3"),
	}}
	store := &fakeStore{}

	p, _, _ := newTestPipeline(src, ext, store)
	first, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Appended)

	second, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Appended)
	assert.Equal(t, 3, second.Duplicates)
	assert.Len(t, store.rows, 3)
}

func TestRunAppendsAtMostOncePerKey(t *testing.T) {
	sales := []struct{ item, price string }{
		{"A", "$1"}, {"A", "$1"}, {"A", "$2"}, {"B", "$1"}, {"B", "$1"}, {"B", "$1"}, {"C", "$9"},
	}
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 20; round++ {
		order := rng.Perm(len(sales))

		src := &fakeSource{bodies: map[string]string{}}
		ext := &fakeExtractor{replies: map[string]string{}}
		for pos, idx := range order {
			id := fmt.Sprintf("m%d", pos)
			body := fmt.Sprintf("body-%d", idx)
			src.refs = append(src.refs, mailbox.MessageRef{ID: id})
			src.bodies[id] = body
			ext.replies[body] = saleJSON(sales[idx].item, sales[idx].price)
		}
		store := &fakeStore{}

		p, _, _ := newTestPipeline(src, ext, store)
		report, err := p.Run(context.Background())
		require.NoError(t, err)

		seen := map[model.Key]int{}
		for _, row := range store.rows {
			k, ok := model.KeyFromRow(row)
			require.True(t, ok)
			seen[k]++
		}
		for k, n := range seen {
			assert.Equal(t, 1, n, "round %d key %s", round, k)
		}
		assert.Equal(t, 4, report.Appended)
		assert.Equal(t, 3, report.Duplicates)
	}
}
