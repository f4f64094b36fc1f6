package adapter

import (
	"context"
	"fmt"
	"time"

	"pubflow/internal/domain"
)

// Credential is the resolved token identity for one destination account.
type Credential struct {
	AccessToken string
	AccountID   string
}

// RenderedContent is the snapshot payload handed to an adapter.
type RenderedContent struct {
	Text      string
	ImageURLs []string
	VideoURL  string
}

// Result is a successful publish.
type Result struct {
	ExternalID  string
	ExternalURL string
}

// Failure is an expected publish failure. Validation failures are not
// retryable; transport failures are.
type Failure struct {
	Code      string
	Message   string
	Retryable bool
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %s", f.Code, f.Message) }

func validationFailure(code, msg string) *Failure {
	return &Failure{Code: code, Message: msg, Retryable: false}
}

func transientFailure(msg string) *Failure {
	return &Failure{Code: domain.CodeTransientNetwork, Message: msg, Retryable: true}
}

// Adapter publishes rendered content to one platform kind. Expected
// conditions (validation, transport flakes) come back as a Failure value,
// never as a panic or error.
type Adapter interface {
	Platform() domain.Platform
	Publish(ctx context.Context, cred Credential, content RenderedContent) (Result, *Failure)
}

// Registry is the platform -> adapter dispatch table.
type Registry struct {
	adapters map[domain.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

func (r *Registry) For(p domain.Platform) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// SafePublish runs one bounded publish attempt. An adapter fault (panic) or
// a blown deadline is folded into a retryable transient failure so the
// caller always gets a resolved outcome.
func SafePublish(ctx context.Context, a Adapter, cred Credential, content RenderedContent, timeout time.Duration) (res Result, fail *Failure) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			res = Result{}
			fail = transientFailure(fmt.Sprintf("adapter fault: %v", p))
		}
	}()
	res, fail = a.Publish(ctx, cred, content)
	if fail == nil && ctx.Err() != nil {
		return Result{}, transientFailure("publish deadline exceeded")
	}
	return res, fail
}
