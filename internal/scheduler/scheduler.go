// Package scheduler owns the polling loop that claims due posts and hands
// them to the publisher.
package scheduler

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

// Store is the slice of the persistence layer the scheduler needs.
type Store interface {
	ClaimDuePosts(ctx context.Context, now time.Time, limit int) ([]string, error)
	ReleaseStuckPublishing(ctx context.Context, now time.Time, olderThan time.Duration) (int, error)
	SetPostStatus(ctx context.Context, id string, status models.PostStatus) error
}

// Publisher runs the publish pipeline for one claimed post.
type Publisher interface {
	PublishPost(ctx context.Context, postID string) error
}

type Options struct {
	PollInterval time.Duration
	StuckAfter   time.Duration
	ClaimLimit   int
}

type Scheduler struct {
	store     Store
	publisher Publisher
	opts      Options
	now       func() time.Time
}

func New(st Store, pub Publisher, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 10 * time.Minute
	}
	if opts.ClaimLimit <= 0 {
		opts.ClaimLimit = 25
	}
	return &Scheduler{store: st, publisher: pub, opts: opts, now: time.Now}
}

// Run polls until ctx is canceled. The first tick fires immediately so posts
// already due at startup are not delayed a full interval. In-flight publishes
// are waited for on shutdown.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] started interval=%s claim_limit=%d", s.opts.PollInterval, s.opts.ClaimLimit)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	s.tick(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Printf("[Scheduler] stopped")
			return
		case <-ticker.C:
			s.tick(ctx, &wg)
		}
	}
}

// tick releases stuck posts, claims due ones and publishes each claimed post
// on its own goroutine.
func (s *Scheduler) tick(ctx context.Context, wg *sync.WaitGroup) {
	now := s.now().UTC()

	if n, err := s.store.ReleaseStuckPublishing(ctx, now, s.opts.StuckAfter); err != nil {
		log.Printf("[Scheduler] stuck_release_failed err=%v", err)
	} else if n > 0 {
		log.Printf("[Scheduler] stuck_released count=%d older_than=%s", n, s.opts.StuckAfter)
	}

	ids, err := s.store.ClaimDuePosts(ctx, now, s.opts.ClaimLimit)
	if err != nil {
		log.Printf("[Scheduler] claim_failed err=%v", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	log.Printf("[Scheduler] claimed count=%d", len(ids))

	// shutdown cancels the loop only; a claimed post finishes its pass on a
	// context detached from the loop's cancellation
	pubCtx := context.WithoutCancel(ctx)
	for _, id := range ids {
		wg.Add(1)
		go func(postID string) {
			defer wg.Done()
			s.publishOne(pubCtx, postID)
		}(id)
	}
}

// publishOne isolates a single post's publish run. A panic or pipeline error
// marks the post failed instead of wedging it in publishing.
func (s *Scheduler) publishOne(ctx context.Context, postID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Scheduler] publish_panic post=%s panic=%v\n%s", postID, r, debug.Stack())
			if err := s.store.SetPostStatus(ctx, postID, models.PostFailed); err != nil {
				log.Printf("[Scheduler] panic_recovery_failed post=%s err=%v", postID, err)
			}
		}
	}()
	if err := s.publisher.PublishPost(ctx, postID); err != nil {
		log.Printf("[Scheduler] publish_failed post=%s err=%v", postID, err)
		if serr := s.store.SetPostStatus(ctx, postID, models.PostFailed); serr != nil {
			log.Printf("[Scheduler] publish_failure_record_failed post=%s err=%v", postID, serr)
		}
	}
}
