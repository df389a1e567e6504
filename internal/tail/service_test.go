package tail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/c4pt0r/gmailtail/internal/checkpoint"
	"github.com/c4pt0r/gmailtail/internal/filter"
	"github.com/c4pt0r/gmailtail/internal/format"
	"github.com/c4pt0r/gmailtail/internal/gmail"
)

type fakeClient struct {
	pages    []gmail.ListPage
	msgs     map[gmail.MessageID]gmail.Message
	listErrs []error // consumed one per List call before any page is served
	queries  []string
	getCalls int
}

func (f *fakeClient) List(_ context.Context, q gmail.Query, pageToken string, _ int64) (gmail.ListPage, error) {
	f.queries = append(f.queries, q.Raw)
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return gmail.ListPage{}, err
		}
	}
	idx := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "page-%d", &idx); err != nil {
			return gmail.ListPage{}, fmt.Errorf("bad page token %q", pageToken)
		}
	}
	if idx >= len(f.pages) {
		return gmail.ListPage{}, nil
	}
	return f.pages[idx], nil
}

func (f *fakeClient) GetFull(_ context.Context, id gmail.MessageID) (gmail.Message, error) {
	f.getCalls++
	m, ok := f.msgs[id]
	if !ok {
		return gmail.Message{}, fmt.Errorf("unknown message %s", id)
	}
	return m, nil
}

func msgAt(id string, ts time.Time) gmail.Message {
	return gmail.Message{
		ID:        gmail.MessageID(id),
		Timestamp: ts,
		Subject:   "subject " + id,
		From:      gmail.Address{Email: "sender@example.com"},
	}
}

// pageClient builds a fake serving the given messages split into pages of
// pageSize, in the order given.
func pageClient(pageSize int, messages ...gmail.Message) *fakeClient {
	f := &fakeClient{msgs: make(map[gmail.MessageID]gmail.Message)}
	var page gmail.ListPage
	for _, m := range messages {
		f.msgs[m.ID] = m
		page.IDs = append(page.IDs, m.ID)
		if len(page.IDs) == pageSize {
			f.pages = append(f.pages, page)
			page = gmail.ListPage{}
		}
	}
	if len(page.IDs) > 0 {
		f.pages = append(f.pages, page)
	}
	for i := range f.pages {
		if i < len(f.pages)-1 {
			f.pages[i].NextToken = fmt.Sprintf("page-%d", i+1)
		}
	}
	return f
}

func newTestService(t *testing.T, client gmail.Client) (*Service, *checkpoint.Store, *bytes.Buffer) {
	t.Helper()
	formatter, err := format.New(format.Options{Format: format.FormatJSONLines, Fields: []string{"id"}})
	if err != nil {
		t.Fatalf("formatter: %v", err)
	}
	store := checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	out := &bytes.Buffer{}
	svc := NewService(client, nil, store, formatter, out, slogDiscard())
	svc.Clock = func() time.Time { return time.Unix(1800000000, 0) }
	return svc, store, out
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func emittedIDs(out *bytes.Buffer) []string {
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(line, `{"id":"`), `"}`))
	}
	return ids
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestOneShotAcrossPages(t *testing.T) {
	t1 := time.Unix(1700000001, 0).UTC()
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)
	client := pageClient(2, msgAt("id1", t1), msgAt("id2", t2), msgAt("id3", t3))
	svc, store, out := newTestService(t, client)

	if err := svc.Run(context.Background(), Options{Resume: true}); err != nil {
		t.Fatalf("run: %v", err)
	}

	ids := emittedIDs(out)
	if len(ids) != 3 || ids[0] != "id1" || ids[1] != "id2" || ids[2] != "id3" {
		t.Fatalf("emitted %v, want source order id1 id2 id3", ids)
	}
	cp, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cp.LastTimestamp.Equal(t3) {
		t.Fatalf("frontier = %v, want %v", cp.LastTimestamp, t3)
	}
	if len(cp.LastMessageIDs) != 1 || !cp.HasID("id3") {
		t.Fatalf("frontier ids = %v, want only id3", cp.LastMessageIDs)
	}
	if cp.ProcessedCount != 3 {
		t.Fatalf("processed = %d, want 3", cp.ProcessedCount)
	}
}

func TestTransientPageFailureLeavesCheckpointUntouched(t *testing.T) {
	t1 := time.Unix(1700000001, 0).UTC()
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)
	client := pageClient(2, msgAt("id1", t1), msgAt("id2", t2), msgAt("id3", t3))
	unavailable := &googleapi.Error{Code: 503, Message: "backend unavailable"}
	// first List succeeds (page 1), every retry of page 2 fails
	client.listErrs = []error{nil, unavailable, unavailable}

	svc, store, out := newTestService(t, client)
	before := checkpoint.Checkpoint{
		LastTimestamp:  time.Unix(1690000000, 0).UTC(),
		LastMessageIDs: []string{"old"},
		ProcessedCount: 10,
	}
	if err := store.Save(before); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	err := svc.Run(context.Background(), Options{Resume: true, Retry: fastRetry(2)})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FetchError", err)
	}

	// page 1 was emitted before the failure, but the cycle did not complete
	if ids := emittedIDs(out); len(ids) != 2 {
		t.Fatalf("emitted %v, want the two page-1 records", ids)
	}
	cp, loadErr := store.Load()
	if loadErr != nil {
		t.Fatalf("load: %v", loadErr)
	}
	if !cp.LastTimestamp.Equal(before.LastTimestamp) || cp.ProcessedCount != 10 {
		t.Fatalf("checkpoint advanced on failed cycle: %+v", cp)
	}
}

func TestTransientErrorIsRetriedThenSucceeds(t *testing.T) {
	t1 := time.Unix(1700000001, 0).UTC()
	client := pageClient(10, msgAt("id1", t1))
	client.listErrs = []error{&googleapi.Error{Code: 429, Message: "rate limited"}}

	svc, _, out := newTestService(t, client)
	if err := svc.Run(context.Background(), Options{Resume: true, Retry: fastRetry(3)}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ids := emittedIDs(out); len(ids) != 1 || ids[0] != "id1" {
		t.Fatalf("emitted %v, want id1 after retry", ids)
	}
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	client := pageClient(10)
	bad := &googleapi.Error{Code: 400, Message: "invalid query"}
	client.listErrs = []error{bad, bad, bad}

	svc, _, _ := newTestService(t, client)
	err := svc.Run(context.Background(), Options{Resume: true, Retry: fastRetry(5)})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FetchError", err)
	}
	if fe.Transient || fe.Attempts != 1 {
		t.Fatalf("permanent error retried: %+v", fe)
	}
}

func TestBoundaryDedup(t *testing.T) {
	frontier := time.Unix(1700000100, 0).UTC()
	client := pageClient(10, msgAt("A", frontier), msgAt("B", frontier))
	svc, store, out := newTestService(t, client)

	seeded := checkpoint.Checkpoint{
		LastTimestamp:  frontier,
		LastMessageIDs: []string{"A"},
		ProcessedCount: 1,
	}
	if err := store.Save(seeded); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	if err := svc.Run(context.Background(), Options{Resume: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ids := emittedIDs(out); len(ids) != 1 || ids[0] != "B" {
		t.Fatalf("emitted %v, want only B", ids)
	}
	cp, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cp.HasID("A") || !cp.HasID("B") {
		t.Fatalf("frontier ids = %v, want A and B", cp.LastMessageIDs)
	}
}

func TestSteadyStateEmitsNothing(t *testing.T) {
	t1 := time.Unix(1700000001, 0).UTC()
	t2 := t1.Add(time.Minute)
	client := pageClient(10, msgAt("id1", t1), msgAt("id2", t2))
	svc, store, out := newTestService(t, client)
	if err := svc.Run(context.Background(), Options{Resume: true}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	out.Reset()
	// same remote state, unchanged checkpoint
	client.queries = nil
	if err := svc.Run(context.Background(), Options{Resume: true}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if ids := emittedIDs(out); len(ids) != 0 {
		t.Fatalf("steady-state rerun emitted %v, want nothing", ids)
	}
	second, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !second.LastTimestamp.Equal(first.LastTimestamp) {
		t.Fatalf("frontier moved on empty rerun: %v -> %v", first.LastTimestamp, second.LastTimestamp)
	}
}

func TestMessageBudget(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	var msgs []gmail.Message
	for i := 1; i <= 7; i++ {
		msgs = append(msgs, msgAt(fmt.Sprintf("id%d", i), base.Add(time.Duration(i)*time.Minute)))
	}
	client := pageClient(3, msgs...)
	svc, store, out := newTestService(t, client)

	if err := svc.Run(context.Background(), Options{Resume: true, Tail: true, MaxMessages: 5}); err != nil {
		t.Fatalf("run: %v", err)
	}
	ids := emittedIDs(out)
	if len(ids) != 5 || ids[4] != "id5" {
		t.Fatalf("emitted %v, want exactly id1..id5", ids)
	}
	cp, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cp.LastTimestamp.Equal(base.Add(5*time.Minute)) || !cp.HasID("id5") {
		t.Fatalf("checkpoint = %+v, want frontier at id5", cp)
	}
}

func TestCheckpointIsMaxTimestampNotLastYielded(t *testing.T) {
	// source order is not globally monotonic across pages
	tMax := time.Unix(1700000500, 0).UTC()
	tOld := time.Unix(1700000100, 0).UTC()
	client := pageClient(2,
		msgAt("newest", tMax),
		msgAt("older", tOld),
		msgAt("middle", tOld.Add(time.Minute)),
	)
	svc, store, out := newTestService(t, client)
	if err := svc.Run(context.Background(), Options{Resume: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ids := emittedIDs(out); len(ids) != 3 {
		t.Fatalf("emitted %v, want all three", ids)
	}
	cp, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cp.LastTimestamp.Equal(tMax) || !cp.HasID("newest") {
		t.Fatalf("frontier = %v %v, want max timestamp observed", cp.LastTimestamp, cp.LastMessageIDs)
	}
}

type failingWriter struct {
	allow int
	wrote int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.wrote >= w.allow {
		return 0, errors.New("pipe closed")
	}
	w.wrote++
	return len(p), nil
}

func TestSinkFailureAbortsCycleWithoutCheckpoint(t *testing.T) {
	t1 := time.Unix(1700000001, 0).UTC()
	t2 := t1.Add(time.Minute)
	client := pageClient(10, msgAt("id1", t1), msgAt("id2", t2))
	svc, store, _ := newTestService(t, client)
	svc.Out = &failingWriter{allow: 1}

	err := svc.Run(context.Background(), Options{Resume: true})
	var se *SinkError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SinkError", err)
	}
	cp, loadErr := store.Load()
	if loadErr != nil {
		t.Fatalf("load: %v", loadErr)
	}
	if !cp.LastTimestamp.IsZero() {
		t.Fatalf("checkpoint advanced despite sink failure: %+v", cp)
	}
}

func TestCorruptCheckpointIsFatal(t *testing.T) {
	client := pageClient(10)
	svc, store, _ := newTestService(t, client)
	if err := os.WriteFile(store.Path(), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := svc.Run(context.Background(), Options{Resume: true})
	if !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if len(client.queries) != 0 {
		t.Fatal("fetch attempted despite corrupt checkpoint")
	}
}

func TestNoResumeStartsFromEpoch(t *testing.T) {
	t1 := time.Unix(1700000001, 0).UTC()
	client := pageClient(10, msgAt("id1", t1))
	svc, store, out := newTestService(t, client)
	if err := store.Save(checkpoint.Checkpoint{LastTimestamp: t1.Add(time.Hour)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := svc.Run(context.Background(), Options{Resume: false}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ids := emittedIDs(out); len(ids) != 1 {
		t.Fatalf("emitted %v, want the message despite the stale checkpoint", ids)
	}
}

func TestQueryCarriesCheckpointBound(t *testing.T) {
	frontier := time.Unix(1700000100, 0).UTC()
	client := pageClient(10)
	svc, store, _ := newTestService(t, client)
	if err := store.Save(checkpoint.Checkpoint{LastTimestamp: frontier}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	opts := Options{
		Resume: true,
		Filter: filter.Spec{From: "alerts@example.com"},
	}
	if err := svc.Run(context.Background(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(client.queries) != 1 {
		t.Fatalf("expected one list call, got %d", len(client.queries))
	}
	q := client.queries[0]
	if !strings.Contains(q, "from:alerts@example.com") || !strings.Contains(q, "after:") {
		t.Fatalf("query %q missing filter or since bound", q)
	}
}

func TestCancellationDuringSleepFlushesCheckpoint(t *testing.T) {
	t1 := time.Unix(1700000001, 0).UTC()
	client := pageClient(10, msgAt("id1", t1))
	svc, store, _ := newTestService(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx, Options{
			Resume:       true,
			Tail:         true,
			PollInterval: time.Hour,
			SaveInterval: time.Hour, // periodic save never fires; only the exit flush can write
		})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not exit after cancellation")
	}

	cp, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cp.LastTimestamp.Equal(t1) {
		t.Fatalf("checkpoint not flushed on shutdown: %+v", cp)
	}
}
