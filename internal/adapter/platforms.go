package adapter

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"pubflow/internal/domain"
)

const maxShortTextLen = 280

// Transport simulates the network leg shared by all platform adapters:
// a little latency plus a small transient-failure probability.
type Transport struct {
	latency  time.Duration
	failRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewTransport(latency time.Duration, failRate float64, seed int64) *Transport {
	return &Transport{latency: latency, failRate: failRate, rng: rand.New(rand.NewSource(seed))}
}

func (t *Transport) post(ctx context.Context, platform domain.Platform, cred Credential) (Result, *Failure) {
	if t.latency > 0 {
		select {
		case <-time.After(t.latency):
		case <-ctx.Done():
			return Result{}, transientFailure("publish deadline exceeded")
		}
	}
	t.mu.Lock()
	roll := t.rng.Float64()
	t.mu.Unlock()
	if roll < t.failRate {
		return Result{}, transientFailure(fmt.Sprintf("simulated %s outage", platform))
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:18]
	return Result{
		ExternalID:  id,
		ExternalURL: fmt.Sprintf("https://%s.example.com/%s/posts/%s", platform, cred.AccountID, id),
	}, nil
}

// DefaultRegistry wires every supported platform against one shared transport.
func DefaultRegistry(t *Transport) *Registry {
	return NewRegistry(
		ImageFeed{t: t},
		ShortText{t: t},
		LinkFeed{t: t},
		ProNetwork{t: t},
		VideoFeed{t: t},
	)
}

// ImageFeed publishes to the image-centric platform; at least one image is
// required.
type ImageFeed struct{ t *Transport }

func (ImageFeed) Platform() domain.Platform { return domain.PlatformInstagram }

func (a ImageFeed) Publish(ctx context.Context, cred Credential, content RenderedContent) (Result, *Failure) {
	if len(content.ImageURLs) == 0 {
		return Result{}, validationFailure(domain.CodeMissingMedia, "at least one image is required")
	}
	return a.t.post(ctx, a.Platform(), cred)
}

// ShortText publishes to the short-text platform; text is capped at 280
// characters.
type ShortText struct{ t *Transport }

func (ShortText) Platform() domain.Platform { return domain.PlatformTwitter }

func (a ShortText) Publish(ctx context.Context, cred Credential, content RenderedContent) (Result, *Failure) {
	if n := utf8.RuneCountInString(content.Text); n > maxShortTextLen {
		return Result{}, validationFailure(domain.CodeLengthExceeded,
			fmt.Sprintf("text is %d characters, limit is %d", n, maxShortTextLen))
	}
	return a.t.post(ctx, a.Platform(), cred)
}

// LinkFeed publishes to the link/feed platform; only text presence is
// required.
type LinkFeed struct{ t *Transport }

func (LinkFeed) Platform() domain.Platform { return domain.PlatformFacebook }

func (a LinkFeed) Publish(ctx context.Context, cred Credential, content RenderedContent) (Result, *Failure) {
	if strings.TrimSpace(content.Text) == "" {
		return Result{}, validationFailure(domain.CodeMissingText, "post text is required")
	}
	return a.t.post(ctx, a.Platform(), cred)
}

// ProNetwork publishes to the professional network; only text presence is
// required.
type ProNetwork struct{ t *Transport }

func (ProNetwork) Platform() domain.Platform { return domain.PlatformLinkedIn }

func (a ProNetwork) Publish(ctx context.Context, cred Credential, content RenderedContent) (Result, *Failure) {
	if strings.TrimSpace(content.Text) == "" {
		return Result{}, validationFailure(domain.CodeMissingText, "post text is required")
	}
	return a.t.post(ctx, a.Platform(), cred)
}

// VideoFeed publishes to the video-centric platform; a video URL is
// required.
type VideoFeed struct{ t *Transport }

func (VideoFeed) Platform() domain.Platform { return domain.PlatformTikTok }

func (a VideoFeed) Publish(ctx context.Context, cred Credential, content RenderedContent) (Result, *Failure) {
	if content.VideoURL == "" {
		return Result{}, validationFailure(domain.CodeMissingVideo, "a video URL is required")
	}
	return a.t.post(ctx, a.Platform(), cred)
}
