package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

type schedStore struct {
	mu       sync.Mutex
	due      []string
	claimErr error
	released int
	statuses map[string]models.PostStatus
}

func newSchedStore(due ...string) *schedStore {
	return &schedStore{due: due, statuses: map[string]models.PostStatus{}}
}

func (s *schedStore) ClaimDuePosts(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	ids := s.due
	s.due = nil
	return ids, nil
}

func (s *schedStore) ReleaseStuckPublishing(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return 0, nil
}

func (s *schedStore) SetPostStatus(ctx context.Context, id string, status models.PostStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *schedStore) status(id string) models.PostStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

type schedPublisher struct {
	mu        sync.Mutex
	published []string
	ctxs      map[string]context.Context
	errFor    map[string]error
	panicFor  map[string]bool
}

func (p *schedPublisher) PublishPost(ctx context.Context, postID string) error {
	p.mu.Lock()
	p.published = append(p.published, postID)
	if p.ctxs == nil {
		p.ctxs = map[string]context.Context{}
	}
	p.ctxs[postID] = ctx
	p.mu.Unlock()
	if p.panicFor[postID] {
		panic("exploded in pipeline")
	}
	if err, ok := p.errFor[postID]; ok {
		return err
	}
	return nil
}

func (p *schedPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *schedPublisher) contextFor(id string) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctxs[id]
}

func TestTick_PublishesEveryClaimedPost(t *testing.T) {
	st := newSchedStore("p1", "p2", "p3")
	pub := &schedPublisher{}
	s := New(st, pub, Options{})

	var wg sync.WaitGroup
	s.tick(context.Background(), &wg)
	wg.Wait()

	if pub.count() != 3 {
		t.Fatalf("published %d posts, want 3", pub.count())
	}
	if st.released != 1 {
		t.Fatalf("stuck release ran %d times, want 1", st.released)
	}
}

func TestTick_ClaimErrorSkipsPublishing(t *testing.T) {
	st := newSchedStore("p1")
	st.claimErr = errors.New("db down")
	pub := &schedPublisher{}
	s := New(st, pub, Options{})

	var wg sync.WaitGroup
	s.tick(context.Background(), &wg)
	wg.Wait()

	if pub.count() != 0 {
		t.Fatalf("published despite claim error")
	}
}

func TestTick_PublishContextOutlivesLoopCancellation(t *testing.T) {
	st := newSchedStore("p1")
	pub := &schedPublisher{}
	s := New(st, pub, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	s.tick(ctx, &wg)
	wg.Wait()
	cancel()

	pctx := pub.contextFor("p1")
	if pctx == nil {
		t.Fatalf("publish context not captured")
	}
	// shutdown stops the loop, not the in-flight publish pass
	if err := pctx.Err(); err != nil {
		t.Fatalf("publish context canceled with the loop: %v", err)
	}
}

func TestPublishOne_PipelineErrorMarksPostFailed(t *testing.T) {
	st := newSchedStore()
	pub := &schedPublisher{errFor: map[string]error{"p1": errors.New("load post p1: gone")}}
	s := New(st, pub, Options{})

	s.publishOne(context.Background(), "p1")

	if st.status("p1") != models.PostFailed {
		t.Fatalf("post status = %q, want failed", st.status("p1"))
	}
}

func TestPublishOne_PanicIsTrappedAndMarksPostFailed(t *testing.T) {
	st := newSchedStore()
	pub := &schedPublisher{panicFor: map[string]bool{"p1": true}}
	s := New(st, pub, Options{})

	s.publishOne(context.Background(), "p1") // must not propagate the panic

	if st.status("p1") != models.PostFailed {
		t.Fatalf("post status = %q, want failed", st.status("p1"))
	}
}

func TestRun_FirstTickFiresImmediately(t *testing.T) {
	st := newSchedStore("p1")
	pub := &schedPublisher{}
	s := New(st, pub, Options{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for pub.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("first tick did not fire before the interval elapsed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestNew_Defaults(t *testing.T) {
	s := New(newSchedStore(), &schedPublisher{}, Options{})
	if s.opts.PollInterval != 15*time.Second {
		t.Fatalf("default poll interval = %v", s.opts.PollInterval)
	}
	if s.opts.StuckAfter != 10*time.Minute {
		t.Fatalf("default stuck-after = %v", s.opts.StuckAfter)
	}
	if s.opts.ClaimLimit != 25 {
		t.Fatalf("default claim limit = %d", s.opts.ClaimLimit)
	}
}
