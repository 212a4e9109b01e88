package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instareply/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestEvent(t *testing.T, s *Store, kind, text string, createdAt time.Time) string {
	t.Helper()
	id, err := s.InsertEvent(context.Background(), &models.Event{
		InstagramID: "acct",
		Kind:        kind,
		SourceID:    "src-" + kind,
		SenderID:    "sender",
		Text:        text,
		CreatedAt:   createdAt,
	})
	require.NoError(t, err)
	return id
}

func TestInsertAndFetchPendingOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newest := insertTestEvent(t, s, models.EventKindMessage, "newest", base.Add(2*time.Minute))
	oldest := insertTestEvent(t, s, models.EventKindComment, "oldest", base)
	middle := insertTestEvent(t, s, models.EventKindMessage, "middle", base.Add(time.Minute))

	events, err := s.FetchPending(ctx, 50, "")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, oldest, events[0].ID)
	assert.Equal(t, middle, events[1].ID)
	assert.Equal(t, newest, events[2].ID)

	limited, err := s.FetchPending(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, oldest, limited[0].ID)

	comments, err := s.FetchPending(ctx, 50, models.EventKindComment)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, oldest, comments[0].ID)
}

func TestFetchPendingSkipsTextlessEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// An old attachment-only event must not crowd matchable events out of
	// the sweep window.
	insertTestEvent(t, s, models.EventKindMessage, "", base)
	matchable := insertTestEvent(t, s, models.EventKindMessage, "price please", base.Add(time.Minute))

	events, err := s.FetchPending(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, matchable, events[0].ID)

	// Still counted in the backlog.
	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMarkProcessedIsIdempotentAndHidesFromPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestEvent(t, s, models.EventKindMessage, "hello", time.Time{})

	require.NoError(t, s.MarkProcessed(ctx, id))
	require.NoError(t, s.MarkProcessed(ctx, id), "second invocation must be a no-op")

	events, err := s.FetchPending(ctx, 50, "")
	require.NoError(t, err)
	assert.Empty(t, events)

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkFailedLeavesEventPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestEvent(t, s, models.EventKindComment, "hello", time.Time{})

	require.NoError(t, s.MarkFailed(ctx, id, "token revoked"))

	ev, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.False(t, ev.Processed)
	assert.True(t, ev.Error.Valid)
	assert.Equal(t, "token revoked", ev.Error.String)
	assert.True(t, ev.ProcessedAt.Valid)

	events, err := s.FetchPending(ctx, 50, "")
	require.NoError(t, err)
	assert.Len(t, events, 1, "failed events stay visible to reconciliation")
}

func TestClaimIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestEvent(t, s, models.EventKindMessage, "hello", time.Time{})

	got, err := s.Claim(ctx, id, "worker-a")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = s.Claim(ctx, id, "worker-b")
	require.NoError(t, err)
	assert.False(t, got, "live claim must not be taken over")

	require.NoError(t, s.ReleaseClaim(ctx, id))

	got, err = s.Claim(ctx, id, "worker-b")
	require.NoError(t, err)
	assert.True(t, got, "released event is claimable again")
}

func TestClaimStaleTakeover(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestEvent(t, s, models.EventKindMessage, "hello", time.Time{})

	got, err := s.Claim(ctx, id, "worker-a")
	require.NoError(t, err)
	require.True(t, got)

	// Age the claim past the takeover window, as if worker-a crashed
	// mid-dispatch and never released it.
	aged := time.Now().UTC().Add(-claimTTL - time.Minute)
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE events SET claimed_at = ? WHERE id = ?`), aged, id)
	require.NoError(t, err)

	got, err = s.Claim(ctx, id, "worker-b")
	require.NoError(t, err)
	assert.True(t, got, "abandoned claim must be reclaimable")

	ev, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", ev.ClaimedBy.String)
}

func TestClaimRefusesProcessedEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestEvent(t, s, models.EventKindMessage, "hello", time.Time{})

	require.NoError(t, s.MarkProcessed(ctx, id))

	got, err := s.Claim(ctx, id, "worker-a")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestMarkFailedReleasesClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestEvent(t, s, models.EventKindComment, "hello", time.Time{})

	got, err := s.Claim(ctx, id, "worker-a")
	require.NoError(t, err)
	require.True(t, got)

	require.NoError(t, s.MarkFailed(ctx, id, "boom"))

	got, err = s.Claim(ctx, id, "worker-b")
	require.NoError(t, err)
	assert.True(t, got, "failure must release the claim for the next sweep")
}

func TestMarkCommentReplied(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestEvent(t, s, models.EventKindComment, "price please", time.Time{})

	require.NoError(t, s.MarkCommentReplied(ctx, id, "auto-1", "reply-9"))

	ev, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Equal(t, "auto-1", ev.AutomationID.String)
	assert.Equal(t, "reply-9", ev.ReplyID.String)
	assert.True(t, ev.RepliedAt.Valid)

	events, err := s.FetchPending(ctx, 50, "")
	require.NoError(t, err)
	assert.Empty(t, events, "replied comment must never be re-driven")

	// Re-invoking must not clobber the recorded reply.
	require.NoError(t, s.MarkCommentReplied(ctx, id, "auto-2", "reply-10"))
	ev, err = s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "auto-1", ev.AutomationID.String)
}

func TestGetAccountNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertAccount(ctx, &models.Account{InstagramID: "acct", AccessToken: "tok"}))
	acc, err := s.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "tok", acc.AccessToken)

	require.NoError(t, s.UpsertAccount(ctx, &models.Account{InstagramID: "acct", AccessToken: "rotated"}))
	acc, err = s.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "rotated", acc.AccessToken)
}

func TestListActiveAutomationsOrderAndFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	second := &models.Automation{
		InstagramID: "acct", Kind: models.EventKindMessage, IsActive: true,
		Name: "second", TriggerKeywords: models.StringList{"help"}, CreatedAt: base.Add(time.Hour),
	}
	first := &models.Automation{
		InstagramID: "acct", Kind: models.EventKindMessage, IsActive: true,
		Name: "first", TriggerKeywords: models.StringList{"price"}, CreatedAt: base,
	}
	inactive := &models.Automation{
		InstagramID: "acct", Kind: models.EventKindMessage, IsActive: false,
		Name: "inactive", TriggerKeywords: models.StringList{"price"}, CreatedAt: base,
	}
	otherKind := &models.Automation{
		InstagramID: "acct", Kind: models.EventKindComment, IsActive: true,
		Name: "comments", TriggerKeywords: models.StringList{"price"}, CreatedAt: base,
	}
	for _, a := range []*models.Automation{second, first, inactive, otherKind} {
		require.NoError(t, s.InsertAutomation(ctx, a))
	}

	autos, err := s.ListActiveAutomations(ctx, "acct", models.EventKindMessage)
	require.NoError(t, err)
	require.Len(t, autos, 2)
	assert.Equal(t, "first", autos[0].Name)
	assert.Equal(t, "second", autos[1].Name)
	assert.Equal(t, models.StringList{"price"}, autos[0].TriggerKeywords)
}

func TestAppendLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAutomationLog(ctx, &models.AutomationLog{
		AutomationID: "auto-1", AutomationName: "greet", InstagramID: "acct",
		TriggeredBy: "sender", TriggerText: "hi", ReplyMessage: "hello", TriggerType: "message",
	}))
	require.NoError(t, s.AppendWebhookLog(ctx, &models.WebhookLog{
		EventType: "webhook.message", Data: `{"x":1}`, Success: true,
	}))

	n, err := s.CountAutomationLogs(ctx, "auto-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
