package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instareply/internal/models"
	"instareply/internal/store"
)

func setupMatcher(t *testing.T) (*Matcher, *store.Store) {
	t.Helper()
	s, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewMatcher(s), s
}

func seedAutomation(t *testing.T, s *store.Store, name string, kind string, keywords []string, createdAt time.Time) *models.Automation {
	t.Helper()
	a := &models.Automation{
		InstagramID:     "acct",
		Kind:            kind,
		IsActive:        true,
		Name:            name,
		TriggerKeywords: keywords,
		ReplyMessage:    "reply from " + name,
		CreatedAt:       createdAt,
	}
	require.NoError(t, s.InsertAutomation(context.Background(), a))
	return a
}

func TestMatchCaseInsensitiveSubstring(t *testing.T) {
	m, s := setupMatcher(t)
	seedAutomation(t, s, "pricing", models.EventKindMessage, []string{"price"}, time.Time{})

	auto, err := m.Match(context.Background(), "acct", models.EventKindMessage, "Hi, send me the PRICE list")
	require.NoError(t, err)
	require.NotNil(t, auto)
	assert.Equal(t, "pricing", auto.Name)
}

func TestMatchFirstInCreationOrderWins(t *testing.T) {
	m, s := setupMatcher(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Insert out of creation order; the store sorts by created_at.
	seedAutomation(t, s, "later", models.EventKindMessage, []string{"hello"}, base.Add(time.Hour))
	seedAutomation(t, s, "earlier", models.EventKindMessage, []string{"hello"}, base)

	auto, err := m.Match(context.Background(), "acct", models.EventKindMessage, "hello there")
	require.NoError(t, err)
	require.NotNil(t, auto)
	assert.Equal(t, "earlier", auto.Name, "only the first automation in load order fires")
}

func TestMatchNoKeywordMatches(t *testing.T) {
	m, s := setupMatcher(t)
	seedAutomation(t, s, "pricing", models.EventKindComment, []string{"price"}, time.Time{})

	auto, err := m.Match(context.Background(), "acct", models.EventKindComment, "nice post")
	require.NoError(t, err)
	assert.Nil(t, auto)
}

func TestMatchEmptyTextNeverMatches(t *testing.T) {
	m, s := setupMatcher(t)
	seedAutomation(t, s, "pricing", models.EventKindMessage, []string{""}, time.Time{})

	auto, err := m.Match(context.Background(), "acct", models.EventKindMessage, "   ")
	require.NoError(t, err)
	assert.Nil(t, auto)
}

func TestMatchEmptyKeywordListNeverMatches(t *testing.T) {
	m, s := setupMatcher(t)
	seedAutomation(t, s, "empty", models.EventKindMessage, nil, time.Time{})
	seedAutomation(t, s, "blank", models.EventKindMessage, []string{"", "  "}, time.Time{})

	auto, err := m.Match(context.Background(), "acct", models.EventKindMessage, "anything at all")
	require.NoError(t, err)
	assert.Nil(t, auto)
}

func TestMatchScopedToKind(t *testing.T) {
	m, s := setupMatcher(t)
	seedAutomation(t, s, "dm-only", models.EventKindMessage, []string{"promo"}, time.Time{})

	auto, err := m.Match(context.Background(), "acct", models.EventKindComment, "promo please")
	require.NoError(t, err)
	assert.Nil(t, auto, "message automations must not fire for comments")
}

func TestMatchInactiveAutomationIgnored(t *testing.T) {
	m, s := setupMatcher(t)
	a := &models.Automation{
		InstagramID: "acct", Kind: models.EventKindMessage, IsActive: false,
		Name: "off", TriggerKeywords: models.StringList{"promo"},
	}
	require.NoError(t, s.InsertAutomation(context.Background(), a))

	auto, err := m.Match(context.Background(), "acct", models.EventKindMessage, "promo please")
	require.NoError(t, err)
	assert.Nil(t, auto)
}
