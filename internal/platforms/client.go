package platforms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Env carries the process-level collaborators an adapter needs: the HTTP
// client, the per-platform rate limiter owned by the registry, and the
// media location settings. Adapter instances are ephemeral; Env members are
// long-lived and shared.
type Env struct {
	Client       *http.Client
	Limiter      *rate.Limiter
	MediaRoot    string
	MediaBaseURL string
}

func (e Env) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// do waits on the platform's rate limiter, then performs the request.
func (e Env) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return e.client().Do(req.WithContext(ctx))
}

// mediaFilePath resolves an asset's storage path against the media root.
func (e Env) mediaFilePath(storagePath string) string {
	if filepath.IsAbs(storagePath) || e.MediaRoot == "" {
		return storagePath
	}
	return filepath.Join(e.MediaRoot, storagePath)
}

// publicMediaURL derives the publicly fetchable URL for an asset. Graph API
// platforms (Instagram, Threads) pull media from a URL instead of accepting
// an upload, so a public base must be configured for them.
func (e Env) publicMediaURL(storagePath string) (string, error) {
	if strings.TrimSpace(e.MediaBaseURL) == "" {
		return "", newPublishError(CodeNotConfigured,
			"PUBLIC_MEDIA_BASE_URL is not configured; this platform fetches media over HTTP", false)
	}
	rel := filepath.ToSlash(storagePath)
	return strings.TrimRight(e.MediaBaseURL, "/") + "/" + strings.TrimLeft(rel, "/"), nil
}

// httpError is a non-2xx remote response kept with enough context for
// MapError classification.
type httpError struct {
	Status int
	Body   string
	Hint   string // short operation tag, e.g. "sendMessage"
}

func (e *httpError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Hint, e.Status, truncate(e.Body, 300))
	}
	return fmt.Sprintf("http %d: %s", e.Status, truncate(e.Body, 300))
}

func readBody(res *http.Response) []byte {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	_ = res.Body.Close()
	return b
}

// classifyError is the shared MapError fallback: PublishErrors pass
// through, transport-level failures and timeouts are retryable, HTTP
// status errors are retryable for 429 and 5xx only.
func classifyError(err error) PublishError {
	var pe PublishError
	if errors.As(err, &pe) {
		return pe
	}
	var he *httpError
	if errors.As(err, &he) {
		switch {
		case he.Status == http.StatusTooManyRequests:
			return newPublishError(CodeRateLimited, he.Error(), true)
		case he.Status >= 500:
			return newPublishError(CodeRemoteError, he.Error(), true)
		default:
			return newPublishError(CodeRemoteError, he.Error(), false)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newPublishError(CodeTimeout, err.Error(), true)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return newPublishError(CodeNetwork, err.Error(), true)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return newPublishError(CodeNetwork, err.Error(), true)
	}
	return newPublishError(CodeRemoteError, err.Error(), false)
}

// pollUntil runs check every interval until it reports done, fails, or the
// deadline elapses. Media-readiness polls (Instagram, Mastodon, Threads)
// share this shape: bounded, fixed interval, no background tasks.
func pollUntil(ctx context.Context, deadline, interval time.Duration, check func(context.Context) (bool, error)) error {
	pollCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for {
		done, err := check(pollCtx)
		if err != nil {
			// a check aborted by the poll deadline is a processing timeout,
			// not a transport failure
			if pollCtx.Err() != nil && ctx.Err() == nil {
				return newPublishError(CodeMediaProcessingTimeout,
					fmt.Sprintf("media not ready after %s", deadline), false)
			}
			return err
		}
		if done {
			return nil
		}
		select {
		case <-pollCtx.Done():
			return newPublishError(CodeMediaProcessingTimeout,
				fmt.Sprintf("media not ready after %s", deadline), false)
		case <-time.After(interval):
		}
	}
}

// readMediaFile loads an asset's bytes from disk.
func (e Env) readMediaFile(storagePath string) ([]byte, error) {
	path := e.mediaFilePath(storagePath)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newPublishError(CodeMediaNotFound, fmt.Sprintf("media file missing: %s", path), false)
		}
		return nil, err
	}
	return b, nil
}

// statMediaFile verifies an asset exists on disk without reading it.
func (e Env) statMediaFile(storagePath string) (string, error) {
	path := e.mediaFilePath(storagePath)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", newPublishError(CodeMediaNotFound, fmt.Sprintf("media file missing: %s", path), false)
		}
		return "", err
	}
	return path, nil
}
