package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInactiveDestination    = errors.New("destination account is not active")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrClaimLost is returned by store resolve operations when the claim
	// token no longer owns the queue item (the reaper re-queued it).
	ErrClaimLost = errors.New("claim no longer held")
)

type Platform string

const (
	PlatformInstagram Platform = "instagram" // image-centric
	PlatformTwitter   Platform = "twitter"   // short-text
	PlatformFacebook  Platform = "facebook"  // link/feed
	PlatformLinkedIn  Platform = "linkedin"  // professional network
	PlatformTikTok    Platform = "tiktok"    // video-centric
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformInstagram, PlatformTwitter, PlatformFacebook, PlatformLinkedIn, PlatformTikTok:
		return true
	}
	return false
}

type PublicationStatus string

const (
	PublicationPending    PublicationStatus = "pending"
	PublicationScheduled  PublicationStatus = "scheduled"
	PublicationRetrying   PublicationStatus = "retrying"
	PublicationPublishing PublicationStatus = "publishing"
	PublicationPublished  PublicationStatus = "published"
	PublicationFailed     PublicationStatus = "failed"
	PublicationCancelled  PublicationStatus = "cancelled"
)

// Cancellable reports whether a publication may still be cancelled.
// Once an attempt is in flight it has to run to resolution.
func (s PublicationStatus) Cancellable() bool {
	return s == PublicationPending || s == PublicationScheduled
}

func (s PublicationStatus) Terminal() bool {
	return s == PublicationPublished || s == PublicationFailed || s == PublicationCancelled
}

type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed || s == QueueCancelled
}

// Error codes surfaced on failed publications and queue error logs.
const (
	CodeMissingMedia     = "MISSING_MEDIA"
	CodeLengthExceeded   = "LENGTH_EXCEEDED"
	CodeMissingVideo     = "MISSING_VIDEO"
	CodeMissingText      = "MISSING_TEXT"
	CodeTransientNetwork = "TRANSIENT_NETWORK_ERROR"
	CodeAccountUnavail   = "ACCOUNT_UNAVAILABLE"
	CodeUnsupported      = "UNSUPPORTED_PLATFORM"
	CodeStuckProcessing  = "STUCK_PROCESSING"
)

// ContentSnapshot is the payload captured at schedule time. Later edits to
// the source content never reach an already-queued publication.
type ContentSnapshot struct {
	Text      string   `json:"text"`
	ImageURLs []string `json:"image_urls,omitempty"`
	VideoURL  string   `json:"video_url,omitempty"`
}

type Publication struct {
	ID              string
	ContentID       string
	AccountID       string
	Platform        Platform
	Status          PublicationStatus
	ScheduledFor    *time.Time
	PublishedAt     *time.Time
	ExternalPostID  string
	ExternalPostURL string
	ErrorCode       string
	ErrorMessage    string
	Snapshot        ContentSnapshot
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type QueueItem struct {
	ID            string
	PublicationID string
	ScheduledFor  time.Time
	RetryCount    int
	MaxRetries    int
	NextRetryAt   *time.Time
	Status        QueueStatus
	ClaimToken    *string
	ClaimedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ErrorLog is one append-only attempt failure record for a queue item.
type ErrorLog struct {
	QueueItemID  string    `json:"queue_item_id"`
	LoggedAt     time.Time `json:"logged_at"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
}

type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountRevoked AccountStatus = "revoked"
)

// DestinationAccount is a credentialed external channel identity.
type DestinationAccount struct {
	ID                string
	Platform          Platform
	Name              string
	AccessToken       string
	ExternalAccountID string
	Status            AccountStatus
	CreatedAt         time.Time
}

func (a DestinationAccount) Active() bool { return a.Status == AccountActive }
