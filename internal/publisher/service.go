package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"pubflow/internal/accounts"
	"pubflow/internal/adapter"
	"pubflow/internal/domain"
	"pubflow/internal/store"
)

const (
	DefaultMaxRetries     = 3
	DefaultPublishTimeout = 30 * time.Second
)

// Service is the publication record manager: it creates, cancels, and reads
// the externally visible outcome records. Queue items it creates are mutated
// only by the processor afterwards.
type Service struct {
	store          store.Store
	accounts       accounts.Resolver
	registry       *adapter.Registry
	maxRetries     int
	publishTimeout time.Duration
	now            func() time.Time
}

func NewService(s store.Store, resolver accounts.Resolver, registry *adapter.Registry) *Service {
	return &Service{
		store:          s,
		accounts:       resolver,
		registry:       registry,
		maxRetries:     DefaultMaxRetries,
		publishTimeout: DefaultPublishTimeout,
		now:            time.Now,
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) resolveActive(ctx context.Context, accountID string) (domain.DestinationAccount, error) {
	acct, err := s.accounts.Resolve(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.DestinationAccount{}, domain.ErrInactiveDestination
		}
		return domain.DestinationAccount{}, fmt.Errorf("resolve account: %w", err)
	}
	if !acct.Active() {
		return domain.DestinationAccount{}, domain.ErrInactiveDestination
	}
	return acct, nil
}

// Schedule snapshots the content payload and creates the publication plus
// its queue item in one transaction. The snapshot is immutable from here on.
func (s *Service) Schedule(ctx context.Context, contentID, accountID string, platform domain.Platform, snapshot domain.ContentSnapshot, scheduledFor time.Time) (domain.Publication, domain.QueueItem, error) {
	if _, err := s.resolveActive(ctx, accountID); err != nil {
		return domain.Publication{}, domain.QueueItem{}, err
	}

	scheduledFor = scheduledFor.UTC()
	pub := domain.Publication{
		ID:           store.NewPublicationID(),
		ContentID:    contentID,
		AccountID:    accountID,
		Platform:     platform,
		Status:       domain.PublicationScheduled,
		ScheduledFor: &scheduledFor,
		Snapshot:     snapshot,
	}
	item := domain.QueueItem{
		ID:            store.NewQueueItemID(),
		PublicationID: pub.ID,
		ScheduledFor:  scheduledFor,
		RetryCount:    0,
		MaxRetries:    s.maxRetries,
		Status:        domain.QueueQueued,
	}
	if err := s.store.CreateScheduled(ctx, pub, item); err != nil {
		return domain.Publication{}, domain.QueueItem{}, fmt.Errorf("create scheduled publication: %w", err)
	}
	log.Info().
		Str("publication_id", pub.ID).
		Str("queue_id", item.ID).
		Str("platform", string(platform)).
		Time("scheduled_for", scheduledFor).
		Msg("publication scheduled")
	return pub, item, nil
}

// PublishNow persists an audit record and publishes inline against the
// adapter, bypassing the queue. A single attempt resolves the record to
// published or failed; there is no queue item to retry from.
func (s *Service) PublishNow(ctx context.Context, contentID, accountID string, platform domain.Platform, snapshot domain.ContentSnapshot) (domain.Publication, error) {
	acct, err := s.resolveActive(ctx, accountID)
	if err != nil {
		return domain.Publication{}, err
	}

	now := s.now().UTC()
	pub := domain.Publication{
		ID:           store.NewPublicationID(),
		ContentID:    contentID,
		AccountID:    accountID,
		Platform:     platform,
		Status:       domain.PublicationPublishing,
		ScheduledFor: &now,
		Snapshot:     snapshot,
	}
	if err := s.store.CreatePublication(ctx, pub); err != nil {
		return domain.Publication{}, fmt.Errorf("create publication: %w", err)
	}

	a, ok := s.registry.For(platform)
	if !ok {
		fail := &adapter.Failure{Code: domain.CodeUnsupported, Message: fmt.Sprintf("no adapter registered for %s", platform)}
		return s.resolveInline(ctx, pub, adapter.Result{}, fail)
	}
	cred := adapter.Credential{AccessToken: acct.AccessToken, AccountID: acct.ExternalAccountID}
	content := adapter.RenderedContent{Text: snapshot.Text, ImageURLs: snapshot.ImageURLs, VideoURL: snapshot.VideoURL}
	res, fail := adapter.SafePublish(ctx, a, cred, content, s.publishTimeout)
	return s.resolveInline(ctx, pub, res, fail)
}

func (s *Service) resolveInline(ctx context.Context, pub domain.Publication, res adapter.Result, fail *adapter.Failure) (domain.Publication, error) {
	if fail != nil {
		if err := s.store.MarkFailed(ctx, pub.ID, fail.Code, fail.Message); err != nil {
			return domain.Publication{}, err
		}
		log.Warn().Str("publication_id", pub.ID).Str("error_code", fail.Code).Msg("inline publish failed")
		return s.store.GetPublication(ctx, pub.ID)
	}
	if err := s.store.MarkPublished(ctx, pub.ID, res.ExternalID, res.ExternalURL, s.now().UTC()); err != nil {
		return domain.Publication{}, err
	}
	log.Info().Str("publication_id", pub.ID).Str("external_post_id", res.ExternalID).Msg("published inline")
	return s.store.GetPublication(ctx, pub.ID)
}

// Cancel stops a publication that has not been picked up yet. Anything past
// 'scheduled' is either in flight or already resolved.
func (s *Service) Cancel(ctx context.Context, publicationID string) error {
	if _, err := s.store.GetPublication(ctx, publicationID); err != nil {
		return err
	}
	ok, err := s.store.MarkCancelled(ctx, publicationID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidStateTransition
	}
	if _, err := s.store.CancelQueuedItem(ctx, publicationID); err != nil {
		return err
	}
	log.Info().Str("publication_id", publicationID).Msg("publication cancelled")
	return nil
}

func (s *Service) Get(ctx context.Context, publicationID string) (domain.Publication, error) {
	return s.store.GetPublication(ctx, publicationID)
}

func (s *Service) GetQueueItem(ctx context.Context, queueID string) (domain.QueueItem, []domain.ErrorLog, error) {
	item, err := s.store.GetQueueItem(ctx, queueID)
	if err != nil {
		return domain.QueueItem{}, nil, err
	}
	logs, err := s.store.ErrorLogs(ctx, queueID)
	if err != nil {
		return domain.QueueItem{}, nil, err
	}
	return item, logs, nil
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]domain.Publication, error) {
	return s.store.ListRecentPublications(ctx, limit)
}
