package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pubflow/internal/accounts"
	"pubflow/internal/adapter"
	"pubflow/internal/domain"
	"pubflow/internal/store"
)

const (
	DefaultBackoff        = 30 * time.Minute
	DefaultPublishTimeout = 30 * time.Second
	DefaultReapAfter      = 10 * time.Minute
	DefaultConcurrency    = 4
)

// Processor is the stateless queue worker. Each tick claims due items via a
// conditional update, dispatches them through the adapter registry, and
// writes back the resolved outcome. All coordination lives in the store, so
// overlapping ticks and multiple worker instances are safe.
type Processor struct {
	store          store.Store
	registry       *adapter.Registry
	accounts       accounts.Resolver
	backoff        time.Duration
	publishTimeout time.Duration
	reapAfter      time.Duration
	concurrency    int
	now            func() time.Time
}

func New(s store.Store, registry *adapter.Registry, resolver accounts.Resolver) *Processor {
	return &Processor{
		store:          s,
		registry:       registry,
		accounts:       resolver,
		backoff:        DefaultBackoff,
		publishTimeout: DefaultPublishTimeout,
		reapAfter:      DefaultReapAfter,
		concurrency:    DefaultConcurrency,
		now:            time.Now,
	}
}

func (p *Processor) WithBackoff(d time.Duration) *Processor        { p.backoff = d; return p }
func (p *Processor) WithPublishTimeout(d time.Duration) *Processor { p.publishTimeout = d; return p }
func (p *Processor) WithReapAfter(d time.Duration) *Processor      { p.reapAfter = d; return p }
func (p *Processor) WithConcurrency(n int) *Processor              { p.concurrency = n; return p }
func (p *Processor) WithClock(now func() time.Time) *Processor     { p.now = now; return p }

// TickStats summarizes one tick. Processed counts successful claims;
// Skipped counts late resolutions discarded because the reaper took the
// item back mid-attempt.
type TickStats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeSkipped
)

// RunTick selects up to batchSize due items and processes each claimed item
// independently. Items another invocation claimed first are skipped without
// error; one item's failure never aborts the rest of the batch.
func (p *Processor) RunTick(ctx context.Context, batchSize int) (TickStats, error) {
	now := p.now().UTC()
	due, err := p.store.DueQueueItems(ctx, now, batchSize)
	if err != nil {
		return TickStats{}, fmt.Errorf("select due items: %w", err)
	}

	var (
		mu    sync.Mutex
		stats TickStats
		wg    sync.WaitGroup
		sem   = make(chan struct{}, p.concurrency)
	)
	for _, item := range due {
		token := uuid.NewString()
		claimed, err := p.store.ClaimItem(ctx, item.ID, token, now)
		if err != nil {
			log.Error().Err(err).Str("queue_id", item.ID).Msg("claim failed")
			continue
		}
		if !claimed {
			// Taken by an overlapping tick; not an error.
			continue
		}
		mu.Lock()
		stats.Processed++
		mu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func(item domain.QueueItem) {
			defer wg.Done()
			defer func() { <-sem }()
			out := p.processClaimed(ctx, item, token)
			mu.Lock()
			switch out {
			case outcomeSucceeded:
				stats.Succeeded++
			case outcomeRetried:
				stats.Retried++
			case outcomeFailed:
				stats.Failed++
			case outcomeSkipped:
				stats.Skipped++
			}
			mu.Unlock()
		}(item)
	}
	wg.Wait()
	return stats, nil
}

func (p *Processor) processClaimed(ctx context.Context, item domain.QueueItem, token string) outcome {
	pub, err := p.store.GetPublication(ctx, item.PublicationID)
	if err != nil {
		// Leave the item in processing; the reaper recovers it like a crash.
		log.Error().Err(err).Str("queue_id", item.ID).Msg("load publication failed")
		return outcomeSkipped
	}
	if err := p.store.MarkPublishing(ctx, pub.ID); err != nil {
		log.Error().Err(err).Str("publication_id", pub.ID).Msg("mark publishing failed")
		return outcomeSkipped
	}

	res, fail := p.attempt(ctx, pub)
	if fail == nil {
		return p.resolveSuccess(ctx, item, pub, token, res)
	}
	return p.resolveFailure(ctx, item, pub, token, fail)
}

// attempt resolves the credential, picks the adapter, and runs one bounded
// publish. Every failure path comes back as a Failure value.
func (p *Processor) attempt(ctx context.Context, pub domain.Publication) (adapter.Result, *adapter.Failure) {
	acct, err := p.accounts.Resolve(ctx, pub.AccountID)
	if err != nil || !acct.Active() {
		msg := "destination account is not active"
		if err != nil {
			msg = fmt.Sprintf("destination account unavailable: %v", err)
		}
		return adapter.Result{}, &adapter.Failure{Code: domain.CodeAccountUnavail, Message: msg}
	}

	a, ok := p.registry.For(pub.Platform)
	if !ok {
		return adapter.Result{}, &adapter.Failure{
			Code:    domain.CodeUnsupported,
			Message: fmt.Sprintf("no adapter registered for %s", pub.Platform),
		}
	}

	cred := adapter.Credential{AccessToken: acct.AccessToken, AccountID: acct.ExternalAccountID}
	content := adapter.RenderedContent{
		Text:      pub.Snapshot.Text,
		ImageURLs: pub.Snapshot.ImageURLs,
		VideoURL:  pub.Snapshot.VideoURL,
	}
	return adapter.SafePublish(ctx, a, cred, content, p.publishTimeout)
}

func (p *Processor) resolveSuccess(ctx context.Context, item domain.QueueItem, pub domain.Publication, token string, res adapter.Result) outcome {
	now := p.now().UTC()
	if err := p.store.CompleteItem(ctx, item.ID, token, now); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			// The reaper re-queued this item; its outcome is authoritative.
			log.Warn().Str("queue_id", item.ID).Msg("late completion discarded")
			return outcomeSkipped
		}
		log.Error().Err(err).Str("queue_id", item.ID).Msg("complete item failed")
		return outcomeSkipped
	}
	if err := p.store.MarkPublished(ctx, pub.ID, res.ExternalID, res.ExternalURL, now); err != nil {
		log.Error().Err(err).Str("publication_id", pub.ID).Msg("mark published failed")
	}
	log.Info().
		Str("publication_id", pub.ID).
		Str("queue_id", item.ID).
		Str("external_post_id", res.ExternalID).
		Msg("published")
	return outcomeSucceeded
}

func (p *Processor) resolveFailure(ctx context.Context, item domain.QueueItem, pub domain.Publication, token string, fail *adapter.Failure) outcome {
	if fail.Retryable {
		nextRetryAt := p.now().UTC().Add(p.backoff)
		requeued, err := p.store.RetryItem(ctx, item.ID, token, nextRetryAt, fail.Code, fail.Message)
		if err != nil {
			if errors.Is(err, domain.ErrClaimLost) {
				log.Warn().Str("queue_id", item.ID).Msg("late retry discarded")
				return outcomeSkipped
			}
			log.Error().Err(err).Str("queue_id", item.ID).Msg("retry item failed")
			return outcomeSkipped
		}
		if requeued {
			if err := p.store.MarkRetrying(ctx, pub.ID, fail.Code, fail.Message); err != nil {
				log.Error().Err(err).Str("publication_id", pub.ID).Msg("mark retrying failed")
			}
			log.Info().
				Str("publication_id", pub.ID).
				Str("queue_id", item.ID).
				Str("error_code", fail.Code).
				Time("next_retry_at", nextRetryAt).
				Msg("transient failure, re-queued")
			return outcomeRetried
		}
		// Retries exhausted.
		if err := p.store.MarkFailed(ctx, pub.ID, fail.Code, fail.Message); err != nil {
			log.Error().Err(err).Str("publication_id", pub.ID).Msg("mark failed failed")
		}
		log.Warn().Str("publication_id", pub.ID).Str("error_code", fail.Code).Msg("retries exhausted")
		return outcomeFailed
	}

	if err := p.store.FailItem(ctx, item.ID, token, fail.Code, fail.Message); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			log.Warn().Str("queue_id", item.ID).Msg("late failure discarded")
			return outcomeSkipped
		}
		log.Error().Err(err).Str("queue_id", item.ID).Msg("fail item failed")
		return outcomeSkipped
	}
	if err := p.store.MarkFailed(ctx, pub.ID, fail.Code, fail.Message); err != nil {
		log.Error().Err(err).Str("publication_id", pub.ID).Msg("mark failed failed")
	}
	log.Warn().
		Str("publication_id", pub.ID).
		Str("queue_id", item.ID).
		Str("error_code", fail.Code).
		Msg("permanent failure")
	return outcomeFailed
}

// Reap recovers items stranded in processing past the timeout and keeps the
// publication record in step with each recovered item.
func (p *Processor) Reap(ctx context.Context) (requeued, failed int, err error) {
	reaped, err := p.store.ReapStuck(ctx, p.now().UTC(), p.reapAfter)
	if err != nil {
		return 0, 0, fmt.Errorf("reap stuck items: %w", err)
	}
	for _, r := range reaped {
		const msg = "processing attempt exceeded the reaper timeout"
		if r.Requeued {
			requeued++
			if err := p.store.MarkRetrying(ctx, r.Item.PublicationID, domain.CodeStuckProcessing, msg); err != nil {
				log.Error().Err(err).Str("publication_id", r.Item.PublicationID).Msg("mark retrying failed")
			}
		} else {
			failed++
			if err := p.store.MarkFailed(ctx, r.Item.PublicationID, domain.CodeStuckProcessing, msg); err != nil {
				log.Error().Err(err).Str("publication_id", r.Item.PublicationID).Msg("mark failed failed")
			}
		}
		log.Warn().
			Str("queue_id", r.Item.ID).
			Bool("requeued", r.Requeued).
			Int("retry_count", r.Item.RetryCount).
			Msg("reaped stuck item")
	}
	return requeued, failed, nil
}
