package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/platform/audit"
	"github.com/carebridge/carebridge/internal/platform/dedup"
	"github.com/carebridge/carebridge/internal/platform/metrics"
)

// Dispatcher hands accepted events off for asynchronous processing.
type Dispatcher interface {
	Enqueue(evt *WebhookEvent)
}

// Receipt summarizes one webhook delivery.
type Receipt struct {
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	EventIDs   []string `json:"event_ids"`
}

// Pipeline runs the ingestion sequence for vendor deliveries: verify,
// parse, dedup, persist, enqueue. Every event is durably stored before the
// dispatcher sees it.
type Pipeline struct {
	store      EventStore
	cache      dedup.Cache
	secret     string
	dispatcher Dispatcher
	auditor    audit.Logger
	logger     zerolog.Logger
}

func NewPipeline(store EventStore, cache dedup.Cache, secret string, dispatcher Dispatcher, auditor audit.Logger, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		cache:      cache,
		secret:     secret,
		dispatcher: dispatcher,
		auditor:    auditor,
		logger:     logger.With().Str("component", "ingest").Logger(),
	}
}

// SignPayload computes the hex-encoded HMAC-SHA256 signature of a payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a delivery signature in constant time. The vendor
// sends plain hex; an optional "sha256=" prefix is tolerated.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Ingest processes one webhook delivery. Duplicate events are persisted as
// their own rows with StatusDuplicateIgnored so the delivery is auditable,
// but they are never dispatched.
func (p *Pipeline) Ingest(ctx context.Context, body []byte, signature string) (*Receipt, error) {
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	if p.secret != "" && !VerifySignature(body, p.secret, signature) {
		return nil, ErrBadSignature
	}

	events, err := ParsePayload(body)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{}
	seenInBatch := make(map[string]bool)
	for _, evt := range events {
		metrics.WebhookEventsReceivedTotal.WithLabelValues(evt.Category).Inc()

		duplicate := seenInBatch[evt.DedupKey]
		if !duplicate {
			duplicate, err = p.isDuplicate(ctx, evt.DedupKey)
			if err != nil {
				return nil, err
			}
		}

		if duplicate {
			evt.Status = StatusDuplicateIgnored
			if err := p.store.Create(ctx, evt); err != nil {
				return nil, err
			}
			metrics.WebhookEventsDuplicateTotal.Inc()
			receipt.Duplicates++
			receipt.EventIDs = append(receipt.EventIDs, evt.ID)
			p.logger.Debug().Str("event_id", evt.ID).Str("dedup_key", evt.DedupKey).Msg("duplicate webhook event ignored")
			continue
		}

		if err := p.store.Create(ctx, evt); err != nil {
			return nil, err
		}
		if err := p.cache.Mark(ctx, evt.DedupKey); err != nil {
			p.logger.Warn().Err(err).Msg("dedup cache mark failed")
		}
		seenInBatch[evt.DedupKey] = true

		p.audit(ctx, evt)
		p.dispatcher.Enqueue(evt)
		receipt.Accepted++
		receipt.EventIDs = append(receipt.EventIDs, evt.ID)
	}

	return receipt, nil
}

// isDuplicate consults the cache first and falls back to the store, so
// dedup survives both cache evictions and process restarts.
func (p *Pipeline) isDuplicate(ctx context.Context, key string) (bool, error) {
	seen, err := p.cache.Seen(ctx, key)
	if err != nil {
		p.logger.Warn().Err(err).Msg("dedup cache lookup failed")
	} else if seen {
		return true, nil
	}
	return p.store.ExistsByDedupKey(ctx, key)
}

// RecoverPending re-enqueues events stuck in StatusReceived, typically after
// a restart that interrupted processing. Returns the number re-enqueued.
func (p *Pipeline) RecoverPending(ctx context.Context) (int, error) {
	events, err := p.store.ListByStatus(ctx, StatusReceived, 0)
	if err != nil {
		return 0, err
	}
	for _, evt := range events {
		p.dispatcher.Enqueue(evt)
	}
	if len(events) > 0 {
		p.logger.Info().Int("count", len(events)).Msg("re-enqueued unprocessed webhook events")
	}
	return len(events), nil
}

// Replay records a fresh event row carrying the original's payload and
// enqueues it. The original keeps its terminal status; the copy links back
// through ReplayOf. Used by operators after fixing the condition that
// orphaned or failed an event.
func (p *Pipeline) Replay(ctx context.Context, id, actor string) (*WebhookEvent, error) {
	orig, err := p.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Status == StatusReceived {
		return nil, fmt.Errorf("event %s is still pending", id)
	}

	replay := &WebhookEvent{
		ID:            uuid.New().String(),
		VendorEventID: orig.VendorEventID,
		DedupKey:      orig.DedupKey,
		Category:      orig.Category,
		EventType:     orig.EventType,
		Status:        StatusReceived,
		Payload:       orig.Payload,
		VendorTime:    orig.VendorTime,
		ReplayOf:      orig.ID,
		ReceivedAt:    time.Now().UTC(),
	}
	if err := p.store.Create(ctx, replay); err != nil {
		return nil, err
	}
	if p.auditor != nil {
		err := p.auditor.Record(ctx, actor, "webhook_event.replayed", "webhook_event", replay.ID, map[string]interface{}{
			"replay_of": orig.ID,
			"category":  orig.Category,
		})
		if err != nil {
			p.logger.Warn().Err(err).Msg("audit record failed")
		}
	}
	p.dispatcher.Enqueue(replay)
	return replay, nil
}

func (p *Pipeline) audit(ctx context.Context, evt *WebhookEvent) {
	if p.auditor == nil {
		return
	}
	err := p.auditor.Record(ctx, audit.ActorWebhook, "webhook_event.received", "webhook_event", evt.ID, map[string]interface{}{
		"category":   evt.Category,
		"event_type": evt.EventType,
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("audit record failed")
	}
}
