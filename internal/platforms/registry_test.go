package platforms

import (
	"context"
	"testing"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
	"github.com/crosspost-labs/crosspost/backend/internal/store"
	"golang.org/x/time/rate"
)

type fakeCreds struct {
	rows map[models.Platform]map[string]string
}

func (f *fakeCreds) GetPlatformCredentials(ctx context.Context, p models.Platform) (map[string]string, error) {
	values, ok := f.rows[p]
	if !ok {
		return nil, store.ErrNotFound
	}
	return values, nil
}

func (f *fakeCreds) ListCredentialPlatforms(ctx context.Context) ([]models.Platform, error) {
	out := make([]models.Platform, 0, len(f.rows))
	for _, p := range models.AllPlatforms() {
		if _, ok := f.rows[p]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestRegistry_MetadataWorksForEveryPlatform(t *testing.T) {
	r := NewRegistry(&fakeCreds{}, Options{})
	for _, p := range r.All() {
		a, err := r.Metadata(p)
		if err != nil {
			t.Fatalf("%s: Metadata: %v", p, err)
		}
		if a.Name() != p {
			t.Fatalf("%s: adapter reports name %s", p, a.Name())
		}
		if len(a.CredentialFields()) == 0 {
			t.Fatalf("%s: no credential fields", p)
		}
		if a.Limits().MaxChars <= 0 {
			t.Fatalf("%s: no character limit", p)
		}
	}
	if _, err := r.Metadata(models.Platform("myspace")); err == nil {
		t.Fatalf("unknown platform accepted")
	}
}

func TestRegistry_AdapterRequiresCompleteCredentials(t *testing.T) {
	creds := &fakeCreds{rows: map[models.Platform]map[string]string{
		models.PlatformTelegram: {"botToken": "123:ABC", "chatId": "@chan"},
		models.PlatformDiscord:  {"webhookUrl": "not-https"},
	}}
	r := NewRegistry(creds, Options{})
	ctx := context.Background()

	if _, err := r.Adapter(ctx, models.PlatformTelegram); err != nil {
		t.Fatalf("complete telegram credentials rejected: %v", err)
	}
	if _, err := r.Adapter(ctx, models.PlatformTwitter); err != ErrNotConfigured {
		t.Fatalf("missing row: err = %v, want ErrNotConfigured", err)
	}
	if _, err := r.Adapter(ctx, models.PlatformDiscord); err != ErrNotConfigured {
		t.Fatalf("unusable row: err = %v, want ErrNotConfigured", err)
	}
}

func TestRegistry_ProbeSkipsTheStore(t *testing.T) {
	r := NewRegistry(&fakeCreds{}, Options{})

	a, err := r.Probe(models.PlatformTelegram, map[string]string{"botToken": "1:A", "chatId": "@c"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if a.Name() != models.PlatformTelegram {
		t.Fatalf("name = %s", a.Name())
	}
	if _, err := r.Probe(models.PlatformTelegram, map[string]string{"botToken": "1:A"}); err != ErrNotConfigured {
		t.Fatalf("incomplete probe: err = %v", err)
	}
}

func TestRegistry_ConfiguredFiltersUnusableRows(t *testing.T) {
	creds := &fakeCreds{rows: map[models.Platform]map[string]string{
		models.PlatformTelegram: {"botToken": "123:ABC", "chatId": "@chan"},
		models.PlatformMastodon: {"serverUrl": "https://m.example"}, // token missing
	}}
	r := NewRegistry(creds, Options{})

	got, err := r.Configured(context.Background())
	if err != nil {
		t.Fatalf("Configured: %v", err)
	}
	if len(got) != 1 || got[0] != models.PlatformTelegram {
		t.Fatalf("configured = %v", got)
	}
}

func TestRegistry_LimitersSurviveAdapterRotation(t *testing.T) {
	creds := &fakeCreds{rows: map[models.Platform]map[string]string{
		models.PlatformTelegram: {"botToken": "123:ABC", "chatId": "@chan"},
	}}
	r := NewRegistry(creds, Options{})
	ctx := context.Background()

	a1, err := r.Adapter(ctx, models.PlatformTelegram)
	if err != nil {
		t.Fatalf("Adapter: %v", err)
	}
	a2, err := r.Adapter(ctx, models.PlatformTelegram)
	if err != nil {
		t.Fatalf("Adapter: %v", err)
	}
	l1 := a1.(*telegramAdapter).env.Limiter
	l2 := a2.(*telegramAdapter).env.Limiter
	if l1 == nil || l1 != l2 {
		t.Fatalf("limiter not shared across adapter instances")
	}
}

func TestRateLimitFromEnv(t *testing.T) {
	t.Setenv("PLATFORM_TWITTER_RPS", "0.5")
	t.Setenv("PLATFORM_TWITTER_BURST", "7")
	cfg := rateLimitFromEnv(models.PlatformTwitter, rateLimitConfig{requestsPerSecond: 1, burst: 2})
	if cfg.requestsPerSecond != 0.5 || cfg.burst != 7 {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("PLATFORM_TWITTER_RPS", "garbage")
	t.Setenv("PLATFORM_TWITTER_BURST", "-1")
	cfg = rateLimitFromEnv(models.PlatformTwitter, rateLimitConfig{requestsPerSecond: 1, burst: 2})
	if cfg.requestsPerSecond != 1 || cfg.burst != 2 {
		t.Fatalf("invalid env values not ignored: %+v", cfg)
	}

	lim := rate.NewLimiter(rate.Limit(cfg.requestsPerSecond), cfg.burst)
	if lim.Burst() != 2 {
		t.Fatalf("burst = %d", lim.Burst())
	}
}

func TestUpper(t *testing.T) {
	if got := upper("twitter"); got != "TWITTER" {
		t.Fatalf("upper = %q", got)
	}
	if got := upper("some-tag"); got != "SOME_TAG" {
		t.Fatalf("upper = %q", got)
	}
}
