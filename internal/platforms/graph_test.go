package platforms

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

func TestGraphErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		wantCode  string
		retryable bool
	}{
		{"app rate limit code 4", 400, `{"error":{"message":"Application request limit reached","code":4}}`, CodeRateLimited, true},
		{"page rate limit code 32", 400, `{"error":{"message":"Page request limit reached","code":32}}`, CodeRateLimited, true},
		{"invalid token", 400, `{"error":{"message":"Invalid OAuth access token","code":190}}`, CodeRemoteError, false},
		{"server error", 500, `{"error":{"message":"unknown","code":1}}`, CodeRemoteError, true},
		{"non-envelope body", 502, `Bad Gateway`, CodeRemoteError, true},
	}
	for _, tc := range cases {
		err := parseGraphError("feed", tc.status, []byte(tc.body))
		pe := mapGraphError(err)
		if pe.Code != tc.wantCode || pe.Retryable != tc.retryable {
			t.Fatalf("%s: got code=%s retryable=%t, want code=%s retryable=%t",
				tc.name, pe.Code, pe.Retryable, tc.wantCode, tc.retryable)
		}
	}
}

func instagramFixture(t *testing.T, fn func(*http.Request) (*http.Response, error)) *instagramAdapter {
	t.Helper()
	env := stubEnv(t, fn)
	env.MediaBaseURL = "https://app.example.com/media"
	a := newInstagramAdapter(map[string]string{"accessToken": "tok", "igBusinessId": "178000"}, env)
	return a.(*instagramAdapter)
}

func TestInstagram_RequiresMedia(t *testing.T) {
	a := newInstagramAdapter(nil, Env{}).(*instagramAdapter)
	errs := a.ValidatePost(ResolvedContent{Text: "caption only"})
	if len(errs) == 0 {
		t.Fatalf("media-less post accepted")
	}
	if !strings.Contains(errs[0].Message, "requires at least one image or video") {
		t.Fatalf("message = %q", errs[0].Message)
	}
	if !a.Limits().RequiresMedia {
		t.Fatalf("limits should advertise RequiresMedia")
	}
}

func TestInstagram_UploadMediaReturnsPublicURL(t *testing.T) {
	a := instagramFixture(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("no HTTP expected during upload")
		return nil, nil
	})
	asset := writeMediaFixture(t, a.env, "2024/01/shot.png", models.MediaImage)
	got, err := a.UploadMedia(context.Background(), asset)
	if err != nil {
		t.Fatalf("UploadMedia: %v", err)
	}
	if got != "https://app.example.com/media/2024/01/shot.png" {
		t.Fatalf("url = %q", got)
	}
}

func TestInstagram_SingleImageContainerFlow(t *testing.T) {
	var edges []string
	a := instagramFixture(t, func(r *http.Request) (*http.Response, error) {
		if r.Method == "GET" {
			edges = append(edges, "status")
			return httpJSON(200, `{"status_code":"FINISHED"}`), nil
		}
		_ = r.ParseForm()
		switch {
		case strings.HasSuffix(r.URL.Path, "/media"):
			edges = append(edges, "media")
			if r.PostForm.Get("caption") != "hello insta" {
				t.Fatalf("caption = %q", r.PostForm.Get("caption"))
			}
			if r.PostForm.Get("image_url") == "" {
				t.Fatalf("image_url missing")
			}
			return httpJSON(200, `{"id":"c-1"}`), nil
		case strings.HasSuffix(r.URL.Path, "/media_publish"):
			edges = append(edges, "media_publish")
			if r.PostForm.Get("creation_id") != "c-1" {
				t.Fatalf("creation_id = %q", r.PostForm.Get("creation_id"))
			}
			return httpJSON(200, `{"id":"ig-post-9"}`), nil
		}
		t.Fatalf("unexpected path %s", r.URL.Path)
		return nil, nil
	})

	id, err := a.PublishPost(context.Background(), ResolvedContent{
		Text:  "hello insta",
		Media: []models.MediaAsset{{ID: "m1", Type: models.MediaImage}},
	}, []string{"https://app.example.com/media/m1.png"})
	if err != nil {
		t.Fatalf("PublishPost: %v", err)
	}
	if id != "ig-post-9" {
		t.Fatalf("remote id = %q", id)
	}
	want := []string{"media", "status", "media_publish"}
	if len(edges) != len(want) {
		t.Fatalf("edges = %v, want %v", edges, want)
	}
}

func TestInstagram_ContainerErrorFailsPublish(t *testing.T) {
	a := instagramFixture(t, func(r *http.Request) (*http.Response, error) {
		if r.Method == "GET" {
			return httpJSON(200, `{"status_code":"ERROR"}`), nil
		}
		return httpJSON(200, `{"id":"c-1"}`), nil
	})
	_, err := a.PublishPost(context.Background(), ResolvedContent{
		Media: []models.MediaAsset{{Type: models.MediaImage}},
	}, []string{"https://app.example.com/media/x.png"})
	if err == nil {
		t.Fatalf("expected container error")
	}
	pe := a.MapError(err)
	if pe.Code != CodeMediaProcessingFailed || pe.Retryable {
		t.Fatalf("mapped = %+v", pe)
	}
}

func threadsFixture(t *testing.T, fn func(*http.Request) (*http.Response, error)) *threadsAdapter {
	t.Helper()
	env := stubEnv(t, fn)
	env.MediaBaseURL = "https://app.example.com/media"
	a := newThreadsAdapter(map[string]string{"accessToken": "tok", "threadsUserId": "900"}, env)
	return a.(*threadsAdapter)
}

func TestThreads_TextOnlyFlow(t *testing.T) {
	var sawText string
	a := threadsFixture(t, func(r *http.Request) (*http.Response, error) {
		if r.Method == "GET" {
			return httpJSON(200, `{"status":"FINISHED"}`), nil
		}
		_ = r.ParseForm()
		if strings.HasSuffix(r.URL.Path, "/threads_publish") {
			return httpJSON(200, `{"id":"th-5"}`), nil
		}
		sawText = r.PostForm.Get("text")
		if r.PostForm.Get("media_type") != "TEXT" {
			t.Fatalf("media_type = %q", r.PostForm.Get("media_type"))
		}
		return httpJSON(200, `{"id":"c-1"}`), nil
	})

	id, err := a.PublishPost(context.Background(), ResolvedContent{Text: "a thread"}, nil)
	if err != nil {
		t.Fatalf("PublishPost: %v", err)
	}
	if id != "th-5" || sawText != "a thread" {
		t.Fatalf("id=%q text=%q", id, sawText)
	}
}

func TestThreads_ValidationMirrorsLimits(t *testing.T) {
	a := newThreadsAdapter(nil, Env{}).(*threadsAdapter)
	long := strings.Repeat("x", threadsTextLimit+1)
	if errs := a.ValidatePost(ResolvedContent{Text: long}); len(errs) == 0 {
		t.Fatalf("501-char thread accepted")
	}
	img := models.MediaAsset{Type: models.MediaImage}
	vid := models.MediaAsset{Type: models.MediaVideo}
	if errs := a.ValidatePost(ResolvedContent{Text: "a", Media: []models.MediaAsset{img, vid}}); len(errs) == 0 {
		t.Fatalf("mixed media accepted")
	}
	many := make([]models.MediaAsset, threadsCarouselLimit+1)
	for i := range many {
		many[i] = img
	}
	if errs := a.ValidatePost(ResolvedContent{Text: "a", Media: many}); len(errs) == 0 {
		t.Fatalf("21-item carousel accepted")
	}
}

func facebookFixture(t *testing.T, fn func(*http.Request) (*http.Response, error)) *facebookAdapter {
	t.Helper()
	a := newFacebookAdapter(map[string]string{"pageId": "p-1", "pageAccessToken": "tok"}, stubEnv(t, fn))
	return a.(*facebookAdapter)
}

func TestFacebook_PhotoFeedFlow(t *testing.T) {
	var attached []string
	a := facebookFixture(t, func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/photos"):
			_ = r.ParseMultipartForm(1 << 20)
			if r.MultipartForm.Value["published"][0] != "false" {
				t.Fatalf("photo should be staged unpublished")
			}
			return httpJSON(200, `{"id":"ph-1"}`), nil
		case strings.HasSuffix(r.URL.Path, "/feed"):
			_ = r.ParseForm()
			for k, v := range r.PostForm {
				if strings.HasPrefix(k, "attached_media") {
					attached = append(attached, v[0])
				}
			}
			return httpJSON(200, `{"id":"page_post-1"}`), nil
		}
		t.Fatalf("unexpected path %s", r.URL.Path)
		return nil, nil
	})

	asset := writeMediaFixture(t, a.env, "photo.png", models.MediaImage)
	photoID, err := a.UploadMedia(context.Background(), asset)
	if err != nil {
		t.Fatalf("UploadMedia: %v", err)
	}
	if photoID != "ph-1" {
		t.Fatalf("photo id = %q", photoID)
	}
	remote, err := a.PublishPost(context.Background(), ResolvedContent{
		Text:  "fb post",
		Media: []models.MediaAsset{asset},
	}, []string{photoID})
	if err != nil {
		t.Fatalf("PublishPost: %v", err)
	}
	if remote != "page_post-1" {
		t.Fatalf("remote id = %q", remote)
	}
	if len(attached) != 1 || !strings.Contains(attached[0], "ph-1") {
		t.Fatalf("attached_media = %v", attached)
	}
}

func TestFacebook_VideoPublishesStandalone(t *testing.T) {
	a := facebookFixture(t, func(r *http.Request) (*http.Response, error) {
		if !strings.HasSuffix(r.URL.Path, "/videos") {
			t.Fatalf("video should go to /videos, got %s", r.URL.Path)
		}
		_ = r.ParseMultipartForm(1 << 20)
		if r.MultipartForm.Value["description"][0] != "watch this" {
			t.Fatalf("description = %q", r.MultipartForm.Value["description"][0])
		}
		return httpJSON(200, `{"id":"vid-1"}`), nil
	})

	asset := writeMediaFixture(t, a.env, "clip.mp4", models.MediaVideo)
	path, err := a.UploadMedia(context.Background(), asset)
	if err != nil {
		t.Fatalf("UploadMedia: %v", err)
	}
	remote, err := a.PublishPost(context.Background(), ResolvedContent{
		Text:  "watch this",
		Media: []models.MediaAsset{asset},
	}, []string{path})
	if err != nil {
		t.Fatalf("PublishPost: %v", err)
	}
	if remote != "vid-1" {
		t.Fatalf("remote id = %q", remote)
	}
}
