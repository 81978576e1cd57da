// Package publisher runs the per-target publish pipeline for a claimed post:
// override resolution, validation, media upload, publish, attempt recording
// and final status reduction.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
	"github.com/crosspost-labs/crosspost/backend/internal/platforms"
	"github.com/crosspost-labs/crosspost/backend/internal/store"
	"github.com/google/uuid"
)

// Store is the slice of the persistence layer the publisher needs.
type Store interface {
	GetPost(ctx context.Context, id string) (*models.Post, error)
	MediaByIDs(ctx context.Context, ids []string) ([]models.MediaAsset, error)
	UpdateTarget(ctx context.Context, id string, patch store.TargetPatch) error
	AppendAttempt(ctx context.Context, a models.PublishAttempt) error
	CountAttempts(ctx context.Context, targetID string) (int, error)
	SetPostStatus(ctx context.Context, id string, status models.PostStatus) error
}

// AdapterSource resolves a ready-to-use adapter for a platform.
type AdapterSource interface {
	Adapter(ctx context.Context, p models.Platform) (platforms.Adapter, error)
}

// EventSink receives post lifecycle notifications. The websocket hub
// implements it; NopSink drops them.
type EventSink interface {
	EmitPostUpdate(postID string, status models.PostStatus)
}

type NopSink struct{}

func (NopSink) EmitPostUpdate(string, models.PostStatus) {}

type Publisher struct {
	store      Store
	adapters   AdapterSource
	events     EventSink
	maxRetries int
	now        func() time.Time
	newID      func() string
}

func New(st Store, adapters AdapterSource, events EventSink, maxRetries int) *Publisher {
	if events == nil {
		events = NopSink{}
	}
	return &Publisher{
		store:      st,
		adapters:   adapters,
		events:     events,
		maxRetries: maxRetries,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// PublishPost runs the pipeline for every non-published target of the post,
// sequentially, then reduces the target statuses into the post status.
// Targets already published are never re-published.
func (p *Publisher) PublishPost(ctx context.Context, postID string) error {
	post, err := p.store.GetPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("publisher: load post %s: %w", postID, err)
	}

	statuses := make([]models.TargetStatus, len(post.Targets))
	exhausted := make([]bool, len(post.Targets))
	for i, t := range post.Targets {
		statuses[i] = t.PublishStatus
	}

	for i, target := range post.Targets {
		switch target.PublishStatus {
		case models.TargetPending, models.TargetFailed:
		default:
			continue // published targets stay published; publishing means another worker
		}
		statuses[i], exhausted[i] = p.publishTarget(ctx, post, target)
	}

	final, ok := models.ReducePostStatus(statuses)
	if !ok {
		// a target is still marked publishing; leave the post alone
		log.Printf("[Publisher] reduction_skipped post=%s reason=target_still_publishing", post.ID)
		return nil
	}
	// once every failed target is past its retry cap the post can never
	// progress; finalize it as failed so the claim loop stops re-entering it
	if final == models.PostPartiallyPublished && retriesExhausted(statuses, exhausted) {
		final = models.PostFailed
	}
	if err := p.store.SetPostStatus(ctx, post.ID, final); err != nil {
		return fmt.Errorf("publisher: finalize post %s: %w", post.ID, err)
	}
	log.Printf("[Publisher] post_finalized post=%s status=%s", post.ID, final)
	p.events.EmitPostUpdate(post.ID, final)
	return nil
}

// publishTarget runs one target through the pipeline and returns its final
// status plus whether its retry budget is now spent. Every attempt, success
// or failure, is recorded before the target row is finalized.
func (p *Publisher) publishTarget(ctx context.Context, post *models.Post, target models.PlatformTarget) (models.TargetStatus, bool) {
	// retry gate: a failed target is only retried while attempts remain
	if target.PublishStatus == models.TargetFailed {
		attempts, err := p.store.CountAttempts(ctx, target.ID)
		if err != nil {
			log.Printf("[Publisher] attempt_count_failed target=%s err=%v", target.ID, err)
			return models.TargetFailed, false
		}
		if attempts >= p.maxRetries {
			log.Printf("[Publisher] retries_exhausted target=%s platform=%s attempts=%d", target.ID, target.Platform, attempts)
			return models.TargetFailed, true
		}
	}

	if err := p.markPublishing(ctx, target.ID); err != nil {
		log.Printf("[Publisher] mark_publishing_failed target=%s err=%v", target.ID, err)
		return target.PublishStatus, false
	}

	remoteID, perr := p.attempt(ctx, post, target)
	if perr == nil {
		p.recordAttempt(ctx, target.ID, true, nil)
		p.finalizeTarget(ctx, target.ID, models.TargetPublished, &remoteID, nil)
		log.Printf("[Publisher] target_published target=%s platform=%s remote=%s", target.ID, target.Platform, remoteID)
		return models.TargetPublished, false
	}

	p.recordAttempt(ctx, target.ID, false, perr)
	reason := perr.Error()
	p.finalizeTarget(ctx, target.ID, models.TargetFailed, nil, &reason)
	log.Printf("[Publisher] target_failed target=%s platform=%s code=%s retryable=%t err=%s",
		target.ID, target.Platform, perr.Code, perr.Retryable, perr.Message)
	attempts, cerr := p.store.CountAttempts(ctx, target.ID)
	return models.TargetFailed, cerr == nil && attempts >= p.maxRetries
}

// retriesExhausted reports whether the post's remaining work is all failed
// targets whose retry budget is spent, meaning further ticks cannot make
// progress.
func retriesExhausted(statuses []models.TargetStatus, exhausted []bool) bool {
	sawFailed := false
	for i, s := range statuses {
		switch s {
		case models.TargetPublished:
		case models.TargetFailed:
			if !exhausted[i] {
				return false
			}
			sawFailed = true
		default:
			return false
		}
	}
	return sawFailed
}

// attempt performs resolution, validation, upload and publish for one
// target. All failures come back as a coded PublishError.
func (p *Publisher) attempt(ctx context.Context, post *models.Post, target models.PlatformTarget) (string, *platforms.PublishError) {
	adapter, err := p.adapters.Adapter(ctx, target.Platform)
	if err != nil {
		if errors.Is(err, platforms.ErrNotConfigured) {
			pe := platforms.PublishError{
				Code:      platforms.CodePlatformUnavailable,
				Message:   fmt.Sprintf("platform %s is not configured", target.Platform),
				Retryable: false,
			}
			return "", &pe
		}
		pe := adapterError(adapter, err)
		return "", &pe
	}

	content, pe := p.resolveContent(ctx, post, target)
	if pe != nil {
		return "", pe
	}

	if verrs := adapter.ValidatePost(content); len(verrs) > 0 {
		pe := platforms.PublishError{
			Code:      platforms.CodeValidationFailed,
			Message:   joinValidationErrors(verrs),
			Retryable: false,
		}
		return "", &pe
	}

	mediaIDs := make([]string, 0, len(content.Media))
	for _, asset := range content.Media {
		id, err := adapter.UploadMedia(ctx, asset)
		if err != nil {
			pe := adapterError(adapter, err)
			return "", &pe
		}
		mediaIDs = append(mediaIDs, id)
	}

	remoteID, err := adapter.PublishPost(ctx, content, mediaIDs)
	if err != nil {
		pe := adapterError(adapter, err)
		return "", &pe
	}
	return remoteID, nil
}

// resolveContent computes the effective content for a target: the trimmed
// override text when present and non-blank, otherwise the post's base
// content; the override media list when set, otherwise the post's media.
func (p *Publisher) resolveContent(ctx context.Context, post *models.Post, target models.PlatformTarget) (platforms.ResolvedContent, *platforms.PublishError) {
	text := post.BaseContent
	if target.OverrideContent != nil && strings.TrimSpace(*target.OverrideContent) != "" {
		text = *target.OverrideContent
	}

	media := post.Media
	if len(target.OverrideMediaIDs) > 0 {
		resolved, err := p.store.MediaByIDs(ctx, target.OverrideMediaIDs)
		if err != nil {
			pe := platforms.PublishError{
				Code:      platforms.CodeRemoteError,
				Message:   fmt.Sprintf("resolve override media: %v", err),
				Retryable: true,
			}
			return platforms.ResolvedContent{}, &pe
		}
		// an override list whose ids all turned out missing falls back to
		// the post's base media
		if len(resolved) > 0 {
			media = resolved
		}
	}

	return platforms.ResolvedContent{Text: text, Media: media, Options: target.OverrideOptions}, nil
}

func adapterError(adapter platforms.Adapter, err error) platforms.PublishError {
	var pe platforms.PublishError
	if errors.As(err, &pe) {
		return pe
	}
	if adapter != nil {
		return adapter.MapError(err)
	}
	return platforms.PublishError{Code: platforms.CodeRemoteError, Message: err.Error(), Retryable: false}
}

func joinValidationErrors(verrs []platforms.ValidationError) string {
	parts := make([]string, 0, len(verrs))
	for _, v := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return strings.Join(parts, "; ")
}

func (p *Publisher) markPublishing(ctx context.Context, targetID string) error {
	status := models.TargetPublishing
	now := p.now().UTC()
	return p.store.UpdateTarget(ctx, targetID, store.TargetPatch{
		PublishStatus: &status,
		LastAttemptAt: &now,
	})
}

func (p *Publisher) finalizeTarget(ctx context.Context, targetID string, status models.TargetStatus, remoteID, reason *string) {
	now := p.now().UTC()
	patch := store.TargetPatch{
		PublishStatus: &status,
		LastAttemptAt: &now,
	}
	if remoteID != nil {
		patch.RemotePostID = remoteID
		patch.ClearFailure = true
	}
	if reason != nil {
		truncated := truncateReason(*reason)
		patch.FailureReason = &truncated
	}
	if err := p.store.UpdateTarget(ctx, targetID, patch); err != nil {
		log.Printf("[Publisher] finalize_target_failed target=%s err=%v", targetID, err)
	}
}

func (p *Publisher) recordAttempt(ctx context.Context, targetID string, success bool, perr *platforms.PublishError) {
	attempt := models.PublishAttempt{
		ID:          p.newID(),
		TargetID:    targetID,
		AttemptedAt: p.now().UTC(),
		Success:     success,
	}
	if perr != nil {
		msg := truncateReason(perr.Message)
		code := perr.Code
		attempt.ErrorMessage = &msg
		attempt.ErrorCode = &code
	}
	if err := p.store.AppendAttempt(ctx, attempt); err != nil {
		log.Printf("[Publisher] record_attempt_failed target=%s err=%v", targetID, err)
	}
}

// persisted error text is capped so one huge remote body cannot bloat rows
const reasonLimit = 500

func truncateReason(s string) string {
	if len(s) <= reasonLimit {
		return s
	}
	cut := reasonLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
