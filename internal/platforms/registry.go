package platforms

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
	"github.com/crosspost-labs/crosspost/backend/internal/store"
	"golang.org/x/time/rate"
)

// ErrNotConfigured is returned by Registry.Adapter when a platform has no
// usable credentials row.
var ErrNotConfigured = errors.New("platforms: not configured")

// Factory builds an adapter from a decoded credentials map. values may be
// nil, in which case the adapter is only good for metadata (credential and
// option descriptors, limits).
type Factory func(values map[string]string, env Env) Adapter

// factories is the process-wide constant platform table.
var factories = map[models.Platform]Factory{
	models.PlatformTwitter:   newTwitterAdapter,
	models.PlatformTelegram:  newTelegramAdapter,
	models.PlatformInstagram: newInstagramAdapter,
	models.PlatformFacebook:  newFacebookAdapter,
	models.PlatformMastodon:  newMastodonAdapter,
	models.PlatformBluesky:   newBlueskyAdapter,
	models.PlatformDiscord:   newDiscordAdapter,
	models.PlatformThreads:   newThreadsAdapter,
}

// CredentialsSource is the slice of the store the registry needs.
type CredentialsSource interface {
	GetPlatformCredentials(ctx context.Context, p models.Platform) (map[string]string, error)
	ListCredentialPlatforms(ctx context.Context) ([]models.Platform, error)
}

type rateLimitConfig struct {
	requestsPerSecond float64
	burst             int
}

// Conservative defaults; override per platform via env, e.g.
// PLATFORM_TWITTER_RPS=0.5 / PLATFORM_TWITTER_BURST=2.
func defaultRateLimits() map[models.Platform]rateLimitConfig {
	return map[models.Platform]rateLimitConfig{
		models.PlatformTwitter:   {requestsPerSecond: 1, burst: 2},
		models.PlatformTelegram:  {requestsPerSecond: 5, burst: 5},
		models.PlatformInstagram: {requestsPerSecond: 1, burst: 2},
		models.PlatformFacebook:  {requestsPerSecond: 1, burst: 2},
		models.PlatformMastodon:  {requestsPerSecond: 3, burst: 3},
		models.PlatformBluesky:   {requestsPerSecond: 3, burst: 3},
		models.PlatformDiscord:   {requestsPerSecond: 2, burst: 2},
		models.PlatformThreads:   {requestsPerSecond: 1, burst: 2},
	}
}

func rateLimitFromEnv(p models.Platform, def rateLimitConfig) rateLimitConfig {
	prefix := "PLATFORM_" + upper(string(p)) + "_"
	if v := os.Getenv(prefix + "RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			def.requestsPerSecond = f
		}
	}
	if v := os.Getenv(prefix + "BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			def.burst = n
		}
	}
	return def
}

// Options configures the shared environment handed to adapter instances.
type Options struct {
	Client       *http.Client
	MediaRoot    string
	MediaBaseURL string
}

// Registry instantiates adapters on demand from stored credentials.
// Adapter instances are ephemeral per call; the registry owns the
// long-lived per-platform rate limiters so rotation of credentials never
// resets throttling state.
type Registry struct {
	creds    CredentialsSource
	client   *http.Client
	media    string
	mediaURL string
	limiters map[models.Platform]*rate.Limiter
}

func NewRegistry(creds CredentialsSource, opts Options) *Registry {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	limiters := make(map[models.Platform]*rate.Limiter, len(factories))
	for p := range factories {
		cfg := rateLimitFromEnv(p, defaultRateLimits()[p])
		limiters[p] = rate.NewLimiter(rate.Limit(cfg.requestsPerSecond), cfg.burst)
	}
	return &Registry{
		creds:    creds,
		client:   client,
		media:    opts.MediaRoot,
		mediaURL: opts.MediaBaseURL,
		limiters: limiters,
	}
}

func (r *Registry) env(p models.Platform) Env {
	return Env{
		Client:       r.client,
		Limiter:      r.limiters[p],
		MediaRoot:    r.media,
		MediaBaseURL: r.mediaURL,
	}
}

// Adapter loads the platform's credentials row, instantiates the adapter
// and checks availability. ErrNotConfigured covers both a missing row and
// credentials with missing required fields.
func (r *Registry) Adapter(ctx context.Context, p models.Platform) (Adapter, error) {
	factory, ok := factories[p]
	if !ok {
		return nil, fmt.Errorf("platforms: unsupported platform %q", p)
	}
	values, err := r.creds.GetPlatformCredentials(ctx, p)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotConfigured
		}
		return nil, err
	}
	a := factory(values, r.env(p))
	if !a.IsAvailable() {
		return nil, ErrNotConfigured
	}
	return a, nil
}

// Probe builds an adapter from candidate credential values that are not yet
// persisted, so callers can verify them first.
func (r *Registry) Probe(p models.Platform, values map[string]string) (Adapter, error) {
	factory, ok := factories[p]
	if !ok {
		return nil, fmt.Errorf("platforms: unsupported platform %q", p)
	}
	a := factory(values, r.env(p))
	if !a.IsAvailable() {
		return nil, ErrNotConfigured
	}
	return a, nil
}

// Metadata instantiates the adapter with nil credentials purely to read its
// static descriptors.
func (r *Registry) Metadata(p models.Platform) (Adapter, error) {
	factory, ok := factories[p]
	if !ok {
		return nil, fmt.Errorf("platforms: unsupported platform %q", p)
	}
	return factory(nil, r.env(p)), nil
}

// All returns every supported platform tag.
func (r *Registry) All() []models.Platform {
	return models.AllPlatforms()
}

// Configured returns the platforms whose stored credentials produce an
// available adapter.
func (r *Registry) Configured(ctx context.Context) ([]models.Platform, error) {
	stored, err := r.creds.ListCredentialPlatforms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Platform, 0, len(stored))
	for _, p := range stored {
		a, err := r.Adapter(ctx, p)
		if err == ErrNotConfigured {
			log.Printf("[Registry] skipping platform=%s reason=missing_required_fields", p)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a.Name())
	}
	return out, nil
}

func upper(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			out = append(out, c-32)
		} else if c == '-' {
			out = append(out, '_')
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}
