package mirror

import (
	"context"
	"errors"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mirror_server/adapter/out/persistence"
	"mirror_server/core/domain"
	"mirror_server/core/port/out"
	"mirror_server/core/service/category"
	"mirror_server/infra/database"
	"mirror_server/pkg/apperr"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

// =============================================================================
// fake mailbox
// =============================================================================

type fakeMailbox struct {
	mu         sync.Mutex
	messages   map[string]*domain.RawMessage
	checkpoint string
	history    []domain.HistoryChange
	historyErr error
	profileErr error
	failGet    map[string]error
	getCalls   map[string]int
	queries    []string

	// gate, when set, holds GetFullMessage until closed; started reports each held id.
	gate    chan struct{}
	started chan string
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		messages:   make(map[string]*domain.RawMessage),
		checkpoint: "500",
		failGet:    make(map[string]error),
		getCalls:   make(map[string]int),
	}
}

func (f *fakeMailbox) add(raw *domain.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[raw.ID] = raw
}

func (f *fakeMailbox) ListMessages(_ context.Context, opts *out.ProviderListOptions) (*out.ProviderListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, opts.Query)

	var since int64
	if v, ok := strings.CutPrefix(opts.Query, "after:"); ok {
		t, err := time.Parse("2006/01/02", v)
		if err != nil {
			return nil, err
		}
		since = t.UnixMilli()
	}

	var ids []string
	for id, m := range f.messages {
		if m.InternalDate >= since {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	offset := 0
	if opts.PageToken != "" {
		offset, _ = strconv.Atoi(opts.PageToken)
	}
	end := min(offset+int(opts.MaxResults), len(ids))
	result := &out.ProviderListResult{MessageIDs: ids[offset:end]}
	if end < len(ids) {
		result.NextPageToken = strconv.Itoa(end)
	}
	return result, nil
}

func (f *fakeMailbox) GetFullMessage(ctx context.Context, id string) (*domain.RawMessage, error) {
	f.mu.Lock()
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if gate != nil {
		if started != nil {
			started <- id
		}
		<-gate
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls[id]++
	if err := f.failGet[id]; err != nil {
		return nil, err
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, out.NewProviderError("gmail", out.ProviderErrNotFound, "message not found", nil, false)
	}
	clone := *m
	return &clone, nil
}

func (f *fakeMailbox) GetHistory(_ context.Context, _ string) (*out.ProviderHistoryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return &out.ProviderHistoryResult{Changes: f.history, NewCheckpoint: f.checkpoint}, nil
}

func (f *fakeMailbox) GetProfile(_ context.Context) (*out.ProviderProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return &out.ProviderProfile{Email: "me@example.com", Checkpoint: f.checkpoint}, nil
}

func (f *fakeMailbox) GetAttachment(_ context.Context, _, _ string) ([]byte, error) {
	return nil, errors.New("no attachments in fake mailbox")
}

func (f *fakeMailbox) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[id]
}

type fakeSessions struct {
	box *fakeMailbox
	err error
}

func (s *fakeSessions) Open(_ context.Context, _ *domain.Account) (out.MailProvider, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.box, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.SyncEventType
}

func (p *recordingPublisher) PublishSyncEvent(_ context.Context, e *domain.SyncEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e.Type)
	return nil
}

func rawMessage(id, from, subject string, at time.Time, labels ...string) *domain.RawMessage {
	h := textproto.MIMEHeader{}
	h.Set("From", from)
	h.Set("To", "me@example.com")
	h.Set("Subject", subject)
	part := textproto.MIMEHeader{}
	part.Set("Content-Type", "text/plain; charset=utf-8")
	return &domain.RawMessage{
		ID:           id,
		ThreadID:     "t-" + id,
		LabelIDs:     labels,
		Snippet:      "snippet " + id,
		InternalDate: at.UnixMilli(),
		Headers:      h,
		Payload: &domain.LeafPart{
			PartHeader: domain.PartHeader{MimeType: "text/plain", Headers: part},
			Data:       []byte("body of " + id),
		},
	}
}

// =============================================================================
// harness
// =============================================================================

type harness struct {
	svc        *SyncService
	box        *fakeMailbox
	sessions   *fakeSessions
	events     *recordingPublisher
	accounts   *persistence.AccountAdapter
	messages   *persistence.MessageAdapter
	runs       *persistence.SyncRunAdapter
	aggregates *persistence.AggregateAdapter
	categories *persistence.CategoryAdapter
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := persistence.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := &harness{
		box:        newFakeMailbox(),
		events:     &recordingPublisher{},
		accounts:   persistence.NewAccountAdapter(db),
		messages:   persistence.NewMessageAdapter(db),
		runs:       persistence.NewSyncRunAdapter(db),
		aggregates: persistence.NewAggregateAdapter(db),
		categories: persistence.NewCategoryAdapter(db),
	}
	h.sessions = &fakeSessions{box: h.box}
	if err := h.accounts.Create(context.Background(), &domain.Account{ID: "acc", Email: "me@example.com"}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ChunkSize = 2
	cfg.ChunkPause = 0
	cfg.PageSize = 2
	if mutate != nil {
		mutate(&cfg)
	}
	h.svc = NewSyncService(Deps{
		Accounts:    h.accounts,
		Messages:    h.messages,
		Runs:        h.runs,
		Store:       persistence.NewMirrorStore(db),
		Sessions:    h.sessions,
		Events:      h.events,
		Categorizer: category.NewCategorizer(h.categories, nil, 0),
	}, cfg)
	h.svc.now = func() time.Time { return testNow }
	return h
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := h.messages.CountByAccount(context.Background(), "acc")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (h *harness) storedIDs(t *testing.T) []string {
	t.Helper()
	stored, err := h.messages.ExistingIDs(context.Background(), "acc", []string{"a", "b", "c", "d", "e", "old"})
	if err != nil {
		t.Fatalf("ExistingIDs: %v", err)
	}
	var ids []string
	for id := range stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *harness) seedWindow() {
	day := 24 * time.Hour
	h.box.add(rawMessage("a", "Jane <jane@example.com>", "Hello", testNow.Add(-1*day), "INBOX", "UNREAD"))
	h.box.add(rawMessage("b", "Jane Doe <jane@example.com>", "Re: Hello", testNow.Add(-2*day), "INBOX"))
	h.box.add(rawMessage("c", "bob@example.org", "RE: Re: hello", testNow.Add(-3*day), "INBOX", "STARRED"))
	h.box.add(rawMessage("old", "old@example.com", "Ancient", testNow.Add(-40*day), "INBOX"))
}

func (h *harness) lastRun(t *testing.T) *domain.SyncRun {
	t.Helper()
	runs, err := h.runs.ListByAccount(context.Background(), "acc", 1)
	if err != nil || len(runs) == 0 {
		t.Fatalf("ListByAccount: %v (%d runs)", err, len(runs))
	}
	return runs[0]
}

// =============================================================================
// Full sync
// =============================================================================

func TestFullSync_LookbackWindowAndIdempotence(t *testing.T) {
	h := newHarness(t, nil)
	h.seedWindow()
	ctx := context.Background()

	res, err := h.svc.Synchronize(ctx, "acc", domain.SyncModeFull)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if res.MessagesProcessed != 3 || res.Mode != domain.SyncModeFull || res.FellBack {
		t.Errorf("result = %+v, want 3 processed in full mode", res)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, h.storedIDs(t)); diff != "" {
		t.Errorf("stored ids mismatch (-want +got):\n%s", diff)
	}
	if h.box.queries[0] != "after:2024/05/16" {
		t.Errorf("query = %q", h.box.queries[0])
	}

	run := h.lastRun(t)
	if run.Status != domain.SyncRunCompleted || run.MessagesProcessed != 3 || run.CompletedAt == nil {
		t.Errorf("run = %+v, want completed with 3", run)
	}
	acc, _ := h.accounts.GetByID(ctx, "acc")
	if acc.Checkpoint != "500" || acc.LastSyncAt == nil {
		t.Errorf("account checkpoint = %q last_sync = %v", acc.Checkpoint, acc.LastSyncAt)
	}

	res, err = h.svc.Synchronize(ctx, "acc", domain.SyncModeFull)
	if err != nil {
		t.Fatalf("second Synchronize: %v", err)
	}
	if res.MessagesProcessed != 0 {
		t.Errorf("second run processed = %d, want 0", res.MessagesProcessed)
	}
	if n := h.count(t); n != 3 {
		t.Errorf("messages = %d after second run, want 3", n)
	}
	if calls := h.box.calls("a"); calls != 1 {
		t.Errorf("stored message fetched %d times, want 1", calls)
	}
}

func TestFullSync_PartialFailureTolerance(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ChunkSize = 3 })
	h.seedWindow()
	h.box.failGet["b"] = out.NewProviderError("gmail", out.ProviderErrServer, "backend error", nil, true)

	res, err := h.svc.Synchronize(context.Background(), "acc", domain.SyncModeFull)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if res.MessagesProcessed != 2 {
		t.Errorf("processed = %d, want 2", res.MessagesProcessed)
	}
	if diff := cmp.Diff([]string{"a", "c"}, h.storedIDs(t)); diff != "" {
		t.Errorf("stored ids mismatch (-want +got):\n%s", diff)
	}
	if run := h.lastRun(t); run.Status != domain.SyncRunCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
}

func TestFullSync_EmptyMailboxStillAdvancesCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.box.checkpoint = "42"

	res, err := h.svc.Synchronize(context.Background(), "acc", domain.SyncModeAuto)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if res.MessagesProcessed != 0 || res.Mode != domain.SyncModeFull {
		t.Errorf("result = %+v", res)
	}
	acc, _ := h.accounts.GetByID(context.Background(), "acc")
	if acc.Checkpoint != "42" {
		t.Errorf("checkpoint = %q, want 42", acc.Checkpoint)
	}
}

func TestFullSync_AggregatesAndTopics(t *testing.T) {
	h := newHarness(t, nil)
	h.seedWindow()
	ctx := context.Background()

	if _, err := h.svc.Synchronize(ctx, "acc", domain.SyncModeFull); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	topic, err := h.aggregates.GetTopic(ctx, "acc", "hello")
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}
	if topic.MessageCount != 3 {
		t.Errorf("topic count = %d, want 3", topic.MessageCount)
	}
	msg, _ := h.messages.GetByID(ctx, "acc", "c")
	if msg.TopicID == nil || *msg.TopicID != topic.ID {
		t.Errorf("message topic = %v, want %s", msg.TopicID, topic.ID)
	}
	if !msg.IsStarred || !msg.IsRead {
		t.Errorf("flags = read:%v starred:%v, want both", msg.IsRead, msg.IsStarred)
	}

	jane, err := h.aggregates.GetSender(ctx, "acc", "jane@example.com")
	if err != nil {
		t.Fatalf("GetSender: %v", err)
	}
	if jane.MessageCount != 2 || jane.LastMessageAt != testNow.Add(-24*time.Hour).UnixMilli() {
		t.Errorf("sender = %+v, want 2 messages, newest timestamp", jane)
	}
	// "b" is persisted after "a", but the first known name stays
	if jane.Name != "Jane" {
		t.Errorf("sender name = %q, want Jane", jane.Name)
	}
}

func TestFullSync_CategoryPriority(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, c := range []*domain.Category{
		{ID: "promo", AccountID: "acc", Name: "Promotions"},
		{ID: "gmail", AccountID: "acc", Name: "Gmail friends"},
		{ID: "other", AccountID: "acc", Name: "Other"},
	} {
		if err := h.categories.CreateCategory(ctx, c); err != nil {
			t.Fatalf("CreateCategory: %v", err)
		}
	}
	for _, r := range []*domain.CategoryRule{
		{ID: "r1", CategoryID: "promo", AccountID: "acc", Type: domain.RuleLabel, Value: "CATEGORY_PROMOTIONS", Priority: 10},
		{ID: "r2", CategoryID: "gmail", AccountID: "acc", Type: domain.RuleSenderDomain, Value: "gmail.com", Priority: 2},
	} {
		if err := h.categories.CreateRule(ctx, r); err != nil {
			t.Fatalf("CreateRule: %v", err)
		}
	}
	h.box.add(rawMessage("a", "x@gmail.com", "Sale", testNow.Add(-time.Hour), "CATEGORY_PROMOTIONS"))
	h.box.add(rawMessage("b", "y@gmail.com", "Lunch?", testNow.Add(-time.Hour), "INBOX"))
	h.box.add(rawMessage("c", "z@corp.com", "Report", testNow.Add(-time.Hour), "INBOX"))

	if _, err := h.svc.Synchronize(ctx, "acc", domain.SyncModeFull); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	want := map[string]string{"a": "promo", "b": "gmail", "c": "other"}
	for id, cat := range want {
		msg, err := h.messages.GetByID(ctx, "acc", id)
		if err != nil {
			t.Fatalf("GetByID %s: %v", id, err)
		}
		if msg.CategoryID == nil || *msg.CategoryID != cat {
			t.Errorf("%s category = %v, want %s", id, msg.CategoryID, cat)
		}
	}
}

func TestFullSync_ConcurrentRunsDoNotDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	h.seedWindow()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Synchronize(ctx, "acc", domain.SyncModeFull)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Synchronize: %v", err)
		}
	}

	if n := h.count(t); n != 3 {
		t.Errorf("messages = %d, want 3", n)
	}
	topic, err := h.aggregates.GetTopic(ctx, "acc", "hello")
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}
	if topic.MessageCount != 3 {
		t.Errorf("topic count = %d, want 3 (aggregates only count inserted rows)", topic.MessageCount)
	}
}

// =============================================================================
// Incremental sync
// =============================================================================

func TestIncremental_FallsBackOnInvalidCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.seedWindow()
	ctx := context.Background()
	if _, err := h.accounts.AdvanceCheckpoint(ctx, "acc", "900", testNow); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	h.box.historyErr = out.NewProviderError("gmail", out.ProviderErrCheckpointInvalid, "history id too old", nil, false)
	h.box.checkpoint = "600"

	res, err := h.svc.Synchronize(ctx, "acc", domain.SyncModeIncremental)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if !res.FellBack || res.Mode != domain.SyncModeFull || res.MessagesProcessed != 3 {
		t.Errorf("result = %+v, want full fallback with 3", res)
	}

	reference := newHarness(t, nil)
	reference.seedWindow()
	if _, err := reference.svc.Synchronize(ctx, "acc", domain.SyncModeFull); err != nil {
		t.Fatalf("reference full sync: %v", err)
	}
	if diff := cmp.Diff(reference.storedIDs(t), h.storedIDs(t)); diff != "" {
		t.Errorf("mirror differs from a full sync (-full +fallback):\n%s", diff)
	}

	acc, _ := h.accounts.GetByID(ctx, "acc")
	if acc.Checkpoint != "600" {
		t.Errorf("checkpoint = %q, want the provider's 600", acc.Checkpoint)
	}
	if run := h.lastRun(t); run.Mode != domain.SyncModeFull || run.Status != domain.SyncRunCompleted {
		t.Errorf("run = %+v", run)
	}
}

func TestIncremental_AppliesHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.seedWindow()
	ctx := context.Background()
	if _, err := h.svc.Synchronize(ctx, "acc", domain.SyncModeFull); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	h.box.add(rawMessage("d", "new@example.com", "Fresh", testNow, "INBOX", "UNREAD"))
	h.box.history = []domain.HistoryChange{
		{Type: domain.ChangeTypeAdded, MessageID: "d", LabelIDs: []string{"INBOX", "UNREAD"}},
		{Type: domain.ChangeTypeLabelRemoved, MessageID: "a", LabelIDs: []string{"UNREAD"}},
		{Type: domain.ChangeTypeLabelAdded, MessageID: "a", LabelIDs: []string{"STARRED"}},
		{Type: domain.ChangeTypeAdded, MessageID: "d"},
		{Type: domain.ChangeTypeLabelAdded, MessageID: "ghost", LabelIDs: []string{"STARRED"}},
		{Type: domain.ChangeTypeDeleted, MessageID: "b"},
	}
	h.box.checkpoint = "700"

	res, err := h.svc.Synchronize(ctx, "acc", domain.SyncModeAuto)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if res.Mode != domain.SyncModeIncremental || res.FellBack || res.MessagesProcessed != 1 {
		t.Errorf("result = %+v, want incremental with 1", res)
	}
	if calls := h.box.calls("d"); calls != 1 {
		t.Errorf("d fetched %d times, want 1", calls)
	}

	a, _ := h.messages.GetByID(ctx, "acc", "a")
	if diff := cmp.Diff([]string{"INBOX", "STARRED"}, a.Labels); diff != "" {
		t.Errorf("labels of a mismatch (-want +got):\n%s", diff)
	}
	if !a.IsRead || !a.IsStarred {
		t.Errorf("flags of a = read:%v starred:%v", a.IsRead, a.IsStarred)
	}
	if _, err := h.messages.GetByID(ctx, "acc", "b"); err != nil {
		t.Errorf("deleted-upstream message removed from mirror: %v", err)
	}
	acc, _ := h.accounts.GetByID(ctx, "acc")
	if acc.Checkpoint != "700" {
		t.Errorf("checkpoint = %q, want 700", acc.Checkpoint)
	}
}

func TestIncremental_MalformedCheckpointFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.accounts.AdvanceCheckpoint(ctx, "acc", "not-a-number", testNow); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	_, err := h.svc.Synchronize(ctx, "acc", domain.SyncModeIncremental)
	if !apperr.IsCode(err, apperr.CodeCheckpointMalformed) {
		t.Fatalf("error = %v, want checkpoint malformed", err)
	}
	run := h.lastRun(t)
	if run.Status != domain.SyncRunFailed || run.Error == nil || !strings.Contains(*run.Error, apperr.CodeCheckpointMalformed) {
		t.Errorf("run = %+v, want failed with cause", run)
	}
}

func TestSynchronize_FatalErrorsFinalizeRun(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		code  string
	}{
		{
			name:  "session cannot be opened",
			setup: func(h *harness) { h.sessions.err = errors.New("refresh token revoked") },
			code:  apperr.CodeAuthFailure,
		},
		{
			name: "token rejected mid-run",
			setup: func(h *harness) {
				h.seedWindow()
				h.box.failGet["b"] = out.NewProviderError("gmail", out.ProviderErrTokenExpired, "invalid_grant", nil, false)
			},
			code: apperr.CodeAuthFailure,
		},
		{
			name:  "profile unavailable",
			setup: func(h *harness) { h.box.profileErr = errors.New("connection reset") },
			code:  apperr.CodeProviderError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.setup(h)

			_, err := h.svc.Synchronize(context.Background(), "acc", domain.SyncModeFull)
			if !apperr.IsCode(err, tt.code) {
				t.Fatalf("error = %v, want %s", err, tt.code)
			}
			run := h.lastRun(t)
			if run.Status != domain.SyncRunFailed || run.Error == nil || run.CompletedAt == nil {
				t.Errorf("run = %+v, want finalized failed", run)
			}
			if diff := cmp.Diff([]domain.SyncEventType{domain.SyncEventStarted, domain.SyncEventFailed}, h.events.events); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSynchronize_ChunkPauseHonorsDeadline(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.ChunkSize = 1
		c.ChunkPause = time.Hour
		c.RunTimeout = 500 * time.Millisecond
	})
	h.seedWindow()

	_, err := h.svc.Synchronize(context.Background(), "acc", domain.SyncModeFull)
	if !apperr.IsCode(err, apperr.CodeTimeout) {
		t.Fatalf("error = %v, want timeout", err)
	}
	run := h.lastRun(t)
	if run.Status != domain.SyncRunFailed || run.MessagesProcessed != 1 {
		t.Errorf("run = %+v, want failed after 1 message", run)
	}
}

// =============================================================================
// Hydrate & reconciliation
// =============================================================================

func TestHydrate_FillsBodylessMessageOnce(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StoreBodies = false })
	h.seedWindow()
	ctx := context.Background()

	if _, err := h.svc.Synchronize(ctx, "acc", domain.SyncModeFull); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	stored, _ := h.messages.GetByID(ctx, "acc", "a")
	if stored.BodyHydrated || stored.BodyText != "" {
		t.Fatalf("stored body = (%v, %q), want bodyless", stored.BodyHydrated, stored.BodyText)
	}

	msg, err := h.svc.Hydrate(ctx, "acc", "a")
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if !msg.BodyHydrated || msg.BodyText != "body of a" {
		t.Errorf("hydrated = (%v, %q)", msg.BodyHydrated, msg.BodyText)
	}

	again, err := h.svc.Hydrate(ctx, "acc", "a")
	if err != nil || again.BodyText != "body of a" {
		t.Fatalf("second Hydrate = %v, %v", again, err)
	}
	if calls := h.box.calls("a"); calls != 2 {
		t.Errorf("GetFullMessage calls = %d, want 2 (sync + one hydrate)", calls)
	}

	if _, err := h.svc.Hydrate(ctx, "acc", "missing"); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("Hydrate(missing) error = %v, want not found", err)
	}
}

func TestHydrate_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StoreBodies = false })
	h.seedWindow()
	bg := context.Background()
	if _, err := h.svc.Synchronize(bg, "acc", domain.SyncModeFull); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	gate := make(chan struct{})
	started := make(chan string, 1)
	h.box.mu.Lock()
	h.box.gate, h.box.started = gate, started
	h.box.mu.Unlock()

	ctx, cancel := context.WithCancel(bg)
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.svc.Hydrate(ctx, "acc", "a")
		firstErr <- err
	}()
	<-started

	type result struct {
		msg *domain.Message
		err error
	}
	second := make(chan result, 1)
	go func() {
		msg, err := h.svc.Hydrate(bg, "acc", "a")
		second <- result{msg, err}
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller error = %v, want context.Canceled", err)
	}
	close(gate)

	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("sharing caller error = %v, want success", r.err)
		}
		if r.msg.BodyText != "body of a" {
			t.Errorf("sharing caller body = %q", r.msg.BodyText)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sharing caller never returned")
	}

	stored, err := h.messages.GetByID(bg, "acc", "a")
	if err != nil || !stored.BodyHydrated {
		t.Errorf("stored = %+v, %v, want hydrated", stored, err)
	}
	if calls := h.box.calls("a"); calls != 2 {
		t.Errorf("GetFullMessage calls = %d, want 2 (sync + one shared hydrate)", calls)
	}
}

func TestReconcileStaleRuns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, r := range []*domain.SyncRun{
		{ID: "crashed", AccountID: "acc", Mode: domain.SyncModeFull, StartedAt: testNow.Add(-time.Hour), Status: domain.SyncRunRunning},
		{ID: "live", AccountID: "acc", Mode: domain.SyncModeFull, StartedAt: testNow.Add(-time.Minute), Status: domain.SyncRunRunning},
	} {
		if err := h.runs.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := h.svc.ReconcileStaleRuns(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReconcileStaleRuns = (%d, %v), want 1", n, err)
	}
	crashed, _ := h.runs.GetByID(ctx, "crashed")
	if crashed.Status != domain.SyncRunFailed {
		t.Errorf("crashed status = %s", crashed.Status)
	}
	live, _ := h.runs.GetByID(ctx, "live")
	if live.Status != domain.SyncRunRunning {
		t.Errorf("live status = %s", live.Status)
	}
}

// =============================================================================
// helpers
// =============================================================================

func TestPlanHistory(t *testing.T) {
	plan := planHistory([]domain.HistoryChange{
		{Type: domain.ChangeTypeAdded, MessageID: "m1", LabelIDs: []string{"INBOX"}},
		{Type: domain.ChangeTypeLabelAdded, MessageID: "m2", LabelIDs: []string{"STARRED"}},
		{Type: domain.ChangeTypeAdded, MessageID: "m1"},
		{Type: domain.ChangeTypeAdded, MessageID: "m3"},
		{Type: domain.ChangeTypeDeleted, MessageID: "m3"},
		{Type: domain.ChangeTypeAdded, MessageID: ""},
		{Type: domain.ChangeTypeLabelRemoved, MessageID: "m2", LabelIDs: []string{"UNREAD"}},
	})

	if diff := cmp.Diff([]string{"m1"}, plan.added); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, plan.labelOrder); diff != "" {
		t.Errorf("label order mismatch (-want +got):\n%s", diff)
	}
	if len(plan.labelOps["m2"]) != 2 || plan.deleted != 1 {
		t.Errorf("m2 ops = %d deleted = %d", len(plan.labelOps["m2"]), plan.deleted)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, plan.touched()); diff != "" {
		t.Errorf("touched mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveMode(t *testing.T) {
	withCP := &domain.Account{Checkpoint: "10"}
	without := &domain.Account{}
	tests := []struct {
		mode    domain.SyncMode
		account *domain.Account
		want    domain.SyncMode
	}{
		{domain.SyncModeAuto, withCP, domain.SyncModeIncremental},
		{domain.SyncModeAuto, without, domain.SyncModeFull},
		{domain.SyncModeIncremental, without, domain.SyncModeFull},
		{domain.SyncModeFull, withCP, domain.SyncModeFull},
	}
	for _, tt := range tests {
		if got := resolveMode(tt.mode, tt.account); got != tt.want {
			t.Errorf("resolveMode(%s, %q) = %s, want %s", tt.mode, tt.account.Checkpoint, got, tt.want)
		}
	}
}
