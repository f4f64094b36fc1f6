package processor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"pubflow/internal/adapter"
	"pubflow/internal/domain"
	"pubflow/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubResolver struct {
	accounts map[string]domain.DestinationAccount
}

func (r stubResolver) Resolve(_ context.Context, id string) (domain.DestinationAccount, error) {
	acct, ok := r.accounts[id]
	if !ok {
		return domain.DestinationAccount{}, domain.ErrNotFound
	}
	return acct, nil
}

// scriptAdapter fails its first failFirst calls transiently and then
// succeeds; failFirst < 0 means it always fails.
type scriptAdapter struct {
	platform  domain.Platform
	failFirst int

	mu    sync.Mutex
	calls int
}

func (a *scriptAdapter) Platform() domain.Platform { return a.platform }

func (a *scriptAdapter) Publish(_ context.Context, _ adapter.Credential, _ adapter.RenderedContent) (adapter.Result, *adapter.Failure) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.mu.Unlock()
	if a.failFirst < 0 || n <= a.failFirst {
		return adapter.Result{}, &adapter.Failure{
			Code: domain.CodeTransientNetwork, Message: "simulated outage", Retryable: true,
		}
	}
	return adapter.Result{
		ExternalID:  fmt.Sprintf("ext-%d", n),
		ExternalURL: fmt.Sprintf("https://%s.example.com/posts/ext-%d", a.platform, n),
	}, nil
}

type env struct {
	store store.Store
	clock *fakeClock
	proc  *Processor
}

func setup(t *testing.T, registry *adapter.Registry) *env {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))

	st := store.NewSQLite(db)
	resolver := stubResolver{accounts: map[string]domain.DestinationAccount{
		"acct-1": {ID: "acct-1", AccessToken: "tok", ExternalAccountID: "ext-acct", Status: domain.AccountActive},
		"acct-revoked": {ID: "acct-revoked", AccessToken: "tok", Status: domain.AccountRevoked},
	}}
	clk := newFakeClock()
	proc := New(st, registry, resolver).WithClock(clk.Now).WithBackoff(30 * time.Minute)
	return &env{store: st, clock: clk, proc: proc}
}

func (e *env) seed(t *testing.T, accountID string, platform domain.Platform, snapshot domain.ContentSnapshot, maxRetries int) (domain.Publication, domain.QueueItem) {
	t.Helper()
	due := e.clock.Now().Add(-time.Minute)
	pub := domain.Publication{
		ID:           store.NewPublicationID(),
		ContentID:    "content-1",
		AccountID:    accountID,
		Platform:     platform,
		Status:       domain.PublicationScheduled,
		ScheduledFor: &due,
		Snapshot:     snapshot,
	}
	item := domain.QueueItem{
		ID:            store.NewQueueItemID(),
		PublicationID: pub.ID,
		ScheduledFor:  due,
		MaxRetries:    maxRetries,
		Status:        domain.QueueQueued,
	}
	require.NoError(t, e.store.CreateScheduled(context.Background(), pub, item))
	return pub, item
}

func realAdapters() *adapter.Registry {
	return adapter.DefaultRegistry(adapter.NewTransport(0, 0, 1))
}

func TestMissingMediaFailsWithoutRetry(t *testing.T) {
	e := setup(t, realAdapters())
	ctx := context.Background()
	pub, item := e.seed(t, "acct-1", domain.PlatformInstagram, domain.ContentSnapshot{Text: "no images"}, 3)

	stats, err := e.proc.RunTick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, TickStats{Processed: 1, Failed: 1}, stats)

	got, err := e.store.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationFailed, got.Status)
	assert.Equal(t, domain.CodeMissingMedia, got.ErrorCode)

	qi, err := e.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, qi.Status)
	assert.Equal(t, 0, qi.RetryCount, "validation failures never burn a retry")
}

func TestLengthExceededFails(t *testing.T) {
	e := setup(t, realAdapters())
	ctx := context.Background()
	pub, _ := e.seed(t, "acct-1", domain.PlatformTwitter,
		domain.ContentSnapshot{Text: strings.Repeat("a", 300)}, 3)

	_, err := e.proc.RunTick(ctx, 10)
	require.NoError(t, err)

	got, err := e.store.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationFailed, got.Status)
	assert.Equal(t, domain.CodeLengthExceeded, got.ErrorCode)
}

func TestTransientFailuresRetryUntilSuccess(t *testing.T) {
	script := &scriptAdapter{platform: domain.PlatformFacebook, failFirst: 2}
	e := setup(t, adapter.NewRegistry(script))
	ctx := context.Background()
	pub, item := e.seed(t, "acct-1", domain.PlatformFacebook, domain.ContentSnapshot{Text: "an update"}, 3)

	// Attempt 1: transient failure, re-queued.
	stats, err := e.proc.RunTick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, TickStats{Processed: 1, Retried: 1}, stats)

	got, err := e.store.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationRetrying, got.Status)

	// Not due again until the backoff passes.
	stats, err = e.proc.RunTick(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)

	// Attempt 2: another transient failure.
	e.clock.Advance(31 * time.Minute)
	stats, err = e.proc.RunTick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, TickStats{Processed: 1, Retried: 1}, stats)

	// Attempt 3: success.
	e.clock.Advance(31 * time.Minute)
	stats, err = e.proc.RunTick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, TickStats{Processed: 1, Succeeded: 1}, stats)

	got, err = e.store.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationPublished, got.Status)
	assert.NotEmpty(t, got.ExternalPostID)
	assert.Empty(t, got.ErrorMessage)
	require.NotNil(t, got.PublishedAt)

	qi, err := e.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCompleted, qi.Status)
	assert.Equal(t, 2, qi.RetryCount)
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	script := &scriptAdapter{platform: domain.PlatformFacebook, failFirst: -1}
	e := setup(t, adapter.NewRegistry(script))
	ctx := context.Background()
	pub, item := e.seed(t, "acct-1", domain.PlatformFacebook, domain.ContentSnapshot{Text: "an update"}, 3)

	for i := 0; i < 3; i++ {
		stats, err := e.proc.RunTick(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Processed, "attempt %d", i+1)
		e.clock.Advance(31 * time.Minute)
	}

	got, err := e.store.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationFailed, got.Status)
	assert.Equal(t, domain.CodeTransientNetwork, got.ErrorCode)

	qi, err := e.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, qi.Status)
	assert.Equal(t, 3, qi.RetryCount)

	logs, err := e.store.ErrorLogs(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	// failed is terminal: nothing further mutates the item.
	stats, err := e.proc.RunTick(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
}

func TestUnavailableAccountFailsPermanently(t *testing.T) {
	e := setup(t, realAdapters())
	ctx := context.Background()
	pub, _ := e.seed(t, "acct-unknown", domain.PlatformFacebook, domain.ContentSnapshot{Text: "an update"}, 3)
	pub2, _ := e.seed(t, "acct-revoked", domain.PlatformFacebook, domain.ContentSnapshot{Text: "an update"}, 3)

	stats, err := e.proc.RunTick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)

	for _, id := range []string{pub.ID, pub2.ID} {
		got, err := e.store.GetPublication(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PublicationFailed, got.Status)
		assert.Equal(t, domain.CodeAccountUnavail, got.ErrorCode)
	}
}

func TestUnregisteredPlatformFailsPermanently(t *testing.T) {
	// Registry with only the short-text adapter.
	e := setup(t, adapter.NewRegistry(&scriptAdapter{platform: domain.PlatformTwitter}))
	ctx := context.Background()
	pub, _ := e.seed(t, "acct-1", domain.PlatformTikTok,
		domain.ContentSnapshot{Text: "clip", VideoURL: "https://cdn.example.com/v.mp4"}, 3)

	_, err := e.proc.RunTick(ctx, 10)
	require.NoError(t, err)

	got, err := e.store.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationFailed, got.Status)
	assert.Equal(t, domain.CodeUnsupported, got.ErrorCode)
}

func TestFailingItemDoesNotBlockOthers(t *testing.T) {
	e := setup(t, realAdapters())
	ctx := context.Background()
	bad, _ := e.seed(t, "acct-1", domain.PlatformInstagram, domain.ContentSnapshot{Text: "no images"}, 3)
	good, _ := e.seed(t, "acct-1", domain.PlatformFacebook, domain.ContentSnapshot{Text: "an update"}, 3)

	stats, err := e.proc.RunTick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, TickStats{Processed: 2, Succeeded: 1, Failed: 1}, stats)

	gotBad, err := e.store.GetPublication(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationFailed, gotBad.Status)

	gotGood, err := e.store.GetPublication(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationPublished, gotGood.Status)
}

func TestOverlappingTicksClaimEachItemOnce(t *testing.T) {
	e := setup(t, realAdapters())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e.seed(t, "acct-1", domain.PlatformFacebook, domain.ContentSnapshot{Text: fmt.Sprintf("update %d", i)}, 3)
	}

	var wg sync.WaitGroup
	results := make([]TickStats, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.proc.RunTick(ctx, 10)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	total := results[0].Processed + results[1].Processed
	assert.Equal(t, 5, total, "every item is claimed exactly once across overlapping ticks")
	assert.Equal(t, 5, results[0].Succeeded+results[1].Succeeded)
}

func TestReaperRecoversStuckItemAndWinsOverLateFinisher(t *testing.T) {
	e := setup(t, realAdapters())
	ctx := context.Background()
	pub, item := e.seed(t, "acct-1", domain.PlatformFacebook, domain.ContentSnapshot{Text: "an update"}, 3)

	// Simulate a worker that claimed the item and crashed.
	claimed, err := e.store.ClaimItem(ctx, item.ID, "crashed-token", e.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, e.store.MarkPublishing(ctx, pub.ID))

	e.clock.Advance(11 * time.Minute)
	requeued, failed, err := e.proc.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Zero(t, failed)

	qi, err := e.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueQueued, qi.Status)
	assert.Equal(t, 1, qi.RetryCount)

	got, err := e.store.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationRetrying, got.Status)
	assert.Equal(t, domain.CodeStuckProcessing, got.ErrorCode)

	// The original attempt finishing late is discarded.
	assert.ErrorIs(t, e.store.CompleteItem(ctx, item.ID, "crashed-token", e.clock.Now()), domain.ErrClaimLost)

	// The re-queued item publishes normally on the next tick.
	stats, err := e.proc.RunTick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, TickStats{Processed: 1, Succeeded: 1}, stats)

	got, err = e.store.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationPublished, got.Status)
}

func TestBatchSizeLimitsTick(t *testing.T) {
	e := setup(t, realAdapters())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		e.seed(t, "acct-1", domain.PlatformFacebook, domain.ContentSnapshot{Text: fmt.Sprintf("update %d", i)}, 3)
	}

	stats, err := e.proc.RunTick(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Processed)

	stats, err = e.proc.RunTick(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
}
