package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"instareply/internal/audit"
	"instareply/internal/automation"
	"instareply/internal/instagram"
	"instareply/internal/models"
	"instareply/internal/store"
	"instareply/internal/webhook"
)

// errNoAccessToken is the structured failure recorded when an account is
// missing or has no credential. No outbound call is attempted.
const errNoAccessToken = "No access token"

// Pipeline drives a normalized event from persistence through matching and
// dispatch. The same path serves live webhooks and reconciliation sweeps;
// the store's claim step keeps the two from double-dispatching.
type Pipeline struct {
	store    *store.Store
	matcher  *automation.Matcher
	client   *instagram.Client
	sink     *audit.Sink
	accounts *gocache.Cache
	workerID string
}

// NewPipeline wires the pipeline. Account credentials are cached for five
// minutes to keep dispatch from hitting the store on every event.
func NewPipeline(s *store.Store, m *automation.Matcher, c *instagram.Client, sink *audit.Sink) *Pipeline {
	return &Pipeline{
		store:    s,
		matcher:  m,
		client:   c,
		sink:     sink,
		accounts: gocache.New(5*time.Minute, 10*time.Minute),
		workerID: uuid.NewString(),
	}
}

// Ingest handles one webhook envelope end to end: normalize, persist each
// item unprocessed, then drive each through matching and dispatch.
// Individual item failures are contained; only a malformed envelope is
// returned as an error.
func (p *Pipeline) Ingest(ctx context.Context, env webhook.Envelope, raw []byte) error {
	events, err := webhook.Normalize(env)
	if err != nil {
		return err
	}

	accountID := ""
	if len(env.Entry) > 0 {
		accountID = env.Entry[0].ID
	}
	p.sink.Archive(ctx, accountID, raw)

	for i := range events {
		ev := &events[i]
		if _, err := p.store.InsertEvent(ctx, ev); err != nil {
			log.Error().Err(err).Str("kind", ev.Kind).Str("sourceID", ev.SourceID).Msg("Failed to persist event")
			p.sink.Record(ctx, audit.Entry{EventType: "webhook." + ev.Kind, Data: ev, Success: false, Error: err.Error()})
			continue
		}
		p.sink.Record(ctx, audit.Entry{EventType: "webhook." + ev.Kind, Data: ev, Success: true})
		p.ProcessEvent(ctx, ev)
	}
	return nil
}

// ProcessPending re-drives up to limit unprocessed events, oldest first,
// through the same matching and dispatch path used for live webhooks.
// Returns the number of events examined; per-event failures are recorded
// on the event and never abort the sweep.
func (p *Pipeline) ProcessPending(ctx context.Context, limit int) (int, error) {
	events, err := p.store.FetchPending(ctx, limit, "")
	if err != nil {
		return 0, err
	}
	for i := range events {
		p.ProcessEvent(ctx, &events[i])
	}
	return len(events), nil
}

// ProcessEvent claims one event, finds the first matching automation and
// dispatches its reply. Failures are recorded on the event without setting
// the processed flag, so the next sweep retries it. All errors are
// contained here.
func (p *Pipeline) ProcessEvent(ctx context.Context, ev *models.Event) {
	// Empty text can never match an automation; leave the event pending
	// without burning a claim. Sweeps never see these (the store excludes
	// them from the pending window), this guard covers the live path.
	if strings.TrimSpace(ev.Text) == "" {
		return
	}

	claimed, err := p.store.Claim(ctx, ev.ID, p.workerID)
	if err != nil {
		log.Error().Err(err).Str("eventID", ev.ID).Msg("Claim failed")
		return
	}
	if !claimed {
		log.Debug().Str("eventID", ev.ID).Msg("Event already claimed or processed, skipping")
		return
	}

	auto, err := p.matcher.Match(ctx, ev.InstagramID, ev.Kind, ev.Text)
	if err != nil {
		p.fail(ctx, ev, err.Error())
		return
	}
	if auto == nil {
		log.Debug().Str("eventID", ev.ID).Str("instagramID", ev.InstagramID).Msg("No automation matched")
		if err := p.store.ReleaseClaim(ctx, ev.ID); err != nil {
			log.Error().Err(err).Str("eventID", ev.ID).Msg("Release claim failed")
		}
		return
	}

	result := p.dispatch(ctx, ev, auto)
	if !result.Success {
		p.fail(ctx, ev, result.Error)
		return
	}

	switch ev.Kind {
	case models.EventKindComment:
		if err := p.store.MarkCommentReplied(ctx, ev.ID, auto.ID, result.ID); err != nil {
			log.Error().Err(err).Str("eventID", ev.ID).Msg("Failed to record comment reply")
		}
	case models.EventKindMessage:
		if err := p.store.MarkProcessed(ctx, ev.ID); err != nil {
			log.Error().Err(err).Str("eventID", ev.ID).Msg("Failed to mark message processed")
		}
	}

	p.sink.RecordTrigger(ctx, models.AutomationLog{
		AutomationID:   auto.ID,
		AutomationName: auto.Name,
		InstagramID:    ev.InstagramID,
		TriggeredBy:    ev.SenderID,
		TriggerText:    ev.Text,
		ReplyMessage:   auto.ReplyMessage,
		TriggerType:    ev.Kind,
	})

	log.Info().
		Str("eventID", ev.ID).
		Str("automationID", auto.ID).
		Str("automationName", auto.Name).
		Str("kind", ev.Kind).
		Msg("Automation fired")
}

func (p *Pipeline) dispatch(ctx context.Context, ev *models.Event, auto *models.Automation) instagram.DispatchResult {
	acc, err := p.account(ctx, ev.InstagramID)
	if err != nil || acc.AccessToken == "" {
		log.Warn().Str("instagramID", ev.InstagramID).Msg("Account missing or has no access token, dispatch skipped")
		return instagram.DispatchResult{Success: false, Error: errNoAccessToken}
	}

	switch ev.Kind {
	case models.EventKindComment:
		return p.client.ReplyToComment(ctx, ev.SourceID, acc.AccessToken, auto.ReplyMessage)
	default:
		return p.client.SendMessage(ctx, ev.InstagramID, acc.AccessToken, ev.SenderID, auto.ReplyMessage)
	}
}

func (p *Pipeline) fail(ctx context.Context, ev *models.Event, detail string) {
	if err := p.store.MarkFailed(ctx, ev.ID, detail); err != nil {
		log.Error().Err(err).Str("eventID", ev.ID).Msg("Failed to record event failure")
	}
	p.sink.Record(ctx, audit.Entry{
		EventType: "dispatch." + ev.Kind,
		Data:      map[string]string{"eventId": ev.ID, "instagramId": ev.InstagramID},
		Success:   false,
		Error:     detail,
	})
	log.Warn().Str("eventID", ev.ID).Str("error", detail).Msg("Event dispatch failed, left pending for retry")
}

func (p *Pipeline) account(ctx context.Context, instagramID string) (*models.Account, error) {
	if cached, found := p.accounts.Get(instagramID); found {
		return cached.(*models.Account), nil
	}
	acc, err := p.store.GetAccount(ctx, instagramID)
	if err != nil {
		return nil, err
	}
	p.accounts.Set(instagramID, acc, gocache.DefaultExpiration)
	return acc, nil
}
