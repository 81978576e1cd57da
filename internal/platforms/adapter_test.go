package platforms

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

type stubTransport struct {
	fn func(*http.Request) (*http.Response, error)
}

func (t stubTransport) RoundTrip(r *http.Request) (*http.Response, error) { return t.fn(r) }

func httpJSON(status int, body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func stubEnv(t *testing.T, fn func(*http.Request) (*http.Response, error)) Env {
	t.Helper()
	return Env{
		Client:    &http.Client{Transport: stubTransport{fn: fn}},
		MediaRoot: t.TempDir(),
	}
}

// writeMediaFixture drops a file under the env's media root and returns an
// asset pointing at it.
func writeMediaFixture(t *testing.T, env Env, name string, typ models.MediaType) models.MediaAsset {
	t.Helper()
	path := filepath.Join(env.MediaRoot, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("fake media bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return models.MediaAsset{
		ID:               "asset-" + name,
		Type:             typ,
		StoragePath:      name,
		MimeType:         "image/png",
		OriginalFilename: name,
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantCode  string
		retryable bool
	}{
		{"429", &httpError{Status: 429, Body: "slow down"}, CodeRateLimited, true},
		{"503", &httpError{Status: 503, Body: "unavailable"}, CodeRemoteError, true},
		{"400", &httpError{Status: 400, Body: "bad"}, CodeRemoteError, false},
		{"403", &httpError{Status: 403, Body: "forbidden"}, CodeRemoteError, false},
		{"deadline", context.DeadlineExceeded, CodeTimeout, true},
		{"passthrough", PublishError{Code: CodeMediaNotFound, Message: "gone", Retryable: false}, CodeMediaNotFound, false},
	}
	for _, tc := range cases {
		got := classifyError(tc.err)
		if got.Code != tc.wantCode || got.Retryable != tc.retryable {
			t.Fatalf("%s: got code=%s retryable=%t, want code=%s retryable=%t",
				tc.name, got.Code, got.Retryable, tc.wantCode, tc.retryable)
		}
	}
}

func TestPollUntil_Timeout(t *testing.T) {
	calls := 0
	err := pollUntil(context.Background(), 30*time.Millisecond, 10*time.Millisecond,
		func(ctx context.Context) (bool, error) {
			calls++
			return false, nil
		})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	pe, ok := err.(PublishError)
	if !ok || pe.Code != CodeMediaProcessingTimeout {
		t.Fatalf("err = %v, want MEDIA_PROCESSING_TIMEOUT", err)
	}
	if pe.Retryable {
		t.Fatalf("processing timeout must be non-retryable")
	}
	if calls == 0 {
		t.Fatalf("check never ran")
	}
}

func TestPollUntil_DeadlineDuringCheck(t *testing.T) {
	// the deadline expiring while a status request is in flight is still a
	// processing timeout, not a transport error
	err := pollUntil(context.Background(), 20*time.Millisecond, time.Millisecond,
		func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			return false, &url.Error{Op: "Get", URL: "https://example.invalid/status", Err: ctx.Err()}
		})
	pe, ok := err.(PublishError)
	if !ok || pe.Code != CodeMediaProcessingTimeout {
		t.Fatalf("err = %v, want MEDIA_PROCESSING_TIMEOUT", err)
	}
	if pe.Retryable {
		t.Fatalf("processing timeout must be non-retryable")
	}
}

func TestPollUntil_ParentCancellationIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pollUntil(ctx, time.Second, time.Millisecond,
		func(ctx context.Context) (bool, error) {
			return false, ctx.Err()
		})
	if pe, ok := err.(PublishError); ok && pe.Code == CodeMediaProcessingTimeout {
		t.Fatalf("parent cancellation misreported as processing timeout")
	}
}

func TestPollUntil_DoneAndError(t *testing.T) {
	if err := pollUntil(context.Background(), time.Second, time.Millisecond,
		func(ctx context.Context) (bool, error) { return true, nil }); err != nil {
		t.Fatalf("done poll returned %v", err)
	}
	wantErr := PublishError{Code: CodeMediaProcessingFailed, Message: "ERROR state"}
	err := pollUntil(context.Background(), time.Second, time.Millisecond,
		func(ctx context.Context) (bool, error) { return false, wantErr })
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 3); got != "hel" {
		t.Fatalf("truncate: %q", got)
	}
	if got := truncate("hi", 10); got != "hi" {
		t.Fatalf("truncate: %q", got)
	}
	long := strings.Repeat("y", 1000)
	if pe := newPublishError(CodeRemoteError, long, false); len(pe.Message) != 500 {
		t.Fatalf("publish error message length = %d, want 500", len(pe.Message))
	}
	// the cut backs off to a rune boundary instead of splitting a character
	multi := strings.Repeat("世", 300)
	got := truncate(multi, 500)
	if len(got) != 498 {
		t.Fatalf("multibyte truncate length = %d, want 498", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8")
	}
}

func TestEnvMediaHelpers(t *testing.T) {
	env := Env{MediaRoot: t.TempDir(), MediaBaseURL: "https://cdn.example.com/media/"}

	if _, err := env.statMediaFile("nope.png"); err == nil {
		t.Fatalf("stat of missing file should fail")
	} else if pe, ok := err.(PublishError); !ok || pe.Code != CodeMediaNotFound {
		t.Fatalf("err = %v, want MEDIA_NOT_FOUND", err)
	}

	url, err := env.publicMediaURL("2024/01/a.png")
	if err != nil {
		t.Fatalf("publicMediaURL: %v", err)
	}
	if url != "https://cdn.example.com/media/2024/01/a.png" {
		t.Fatalf("url = %q", url)
	}

	var bare Env
	if _, err := bare.publicMediaURL("x.png"); err == nil {
		t.Fatalf("publicMediaURL without a base must fail")
	}
}

func TestOptionHelpers(t *testing.T) {
	opts := map[string]interface{}{"mode": " HTML ", "silent": true, "count": 3}
	if got := optionString(opts, "mode"); got != "HTML" {
		t.Fatalf("optionString = %q", got)
	}
	if got := optionString(opts, "count"); got != "" {
		t.Fatalf("non-string option should read empty, got %q", got)
	}
	if !optionBool(opts, "silent") {
		t.Fatalf("optionBool missed true")
	}
	if optionBool(nil, "silent") || optionString(nil, "mode") != "" {
		t.Fatalf("nil option map should be tolerated")
	}
}
