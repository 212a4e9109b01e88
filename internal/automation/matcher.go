package automation

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"instareply/internal/models"
	"instareply/internal/store"
)

// Matcher finds the first active automation whose trigger keywords match an
// event's text. First-match-wins: at most one automation fires per event,
// in creation order.
type Matcher struct {
	store *store.Store
	cache *gocache.Cache
}

// NewMatcher creates a Matcher backed by the given store. Active automation
// lists are cached for 30 seconds per (account, kind) pair.
func NewMatcher(s *store.Store) *Matcher {
	return &Matcher{
		store: s,
		cache: gocache.New(30*time.Second, time.Minute),
	}
}

// Match returns the first automation for (instagramID, kind) any of whose
// keywords is a case-insensitive substring of text, or nil when none
// matches. Empty text and empty keyword lists never match.
func (m *Matcher) Match(ctx context.Context, instagramID, kind, text string) (*models.Automation, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	autos, err := m.activeAutomations(ctx, instagramID, kind)
	if err != nil {
		return nil, err
	}
	if len(autos) == 0 {
		log.Debug().Str("instagramID", instagramID).Str("kind", kind).Msg("No active automations for account")
		return nil, nil
	}

	lowered := strings.ToLower(text)
	for i := range autos {
		for _, kw := range autos[i].TriggerKeywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if strings.Contains(lowered, kw) {
				log.Debug().
					Str("automationID", autos[i].ID).
					Str("keyword", kw).
					Str("instagramID", instagramID).
					Msg("Automation keyword matched")
				return &autos[i], nil
			}
		}
	}
	return nil, nil
}

func (m *Matcher) activeAutomations(ctx context.Context, instagramID, kind string) ([]models.Automation, error) {
	key := "automations:" + instagramID + ":" + kind
	if cached, found := m.cache.Get(key); found {
		return cached.([]models.Automation), nil
	}

	autos, err := m.store.ListActiveAutomations(ctx, instagramID, kind)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, autos, gocache.DefaultExpiration)
	return autos, nil
}
