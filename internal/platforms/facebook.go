package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const (
	facebookTextLimit  = 63206
	facebookImageLimit = 10
)

type facebookAdapter struct {
	pageID          string
	pageAccessToken string
	env             Env
}

func newFacebookAdapter(values map[string]string, env Env) Adapter {
	a := &facebookAdapter{env: env}
	if values != nil {
		a.pageID = strings.TrimSpace(values["pageId"])
		a.pageAccessToken = strings.TrimSpace(values["pageAccessToken"])
	}
	return a
}

func (a *facebookAdapter) Name() models.Platform { return models.PlatformFacebook }

func (a *facebookAdapter) IsAvailable() bool {
	return a.pageID != "" && a.pageAccessToken != ""
}

func (a *facebookAdapter) CredentialFields() []CredentialField {
	return []CredentialField{
		{Key: "pageId", Label: "Page ID", Type: "text", Required: true},
		{Key: "pageAccessToken", Label: "Page access token", Type: "password", Required: true},
	}
}

func (a *facebookAdapter) OptionFields() []OptionField {
	return []OptionField{
		{Key: "link", Label: "Link attachment", Type: "string",
			Description: "URL attached to the post as a link preview"},
	}
}

func (a *facebookAdapter) Limits() CharacterLimits {
	return CharacterLimits{MaxChars: facebookTextLimit, MaxCharsWithMedia: facebookTextLimit}
}

func (a *facebookAdapter) ValidatePost(content ResolvedContent) []ValidationError {
	var errs []ValidationError
	text := strings.TrimSpace(content.Text)
	if text == "" && len(content.Media) == 0 {
		errs = append(errs, ValidationError{Field: "content", Message: "post requires text or media"})
	}
	if n := utf8.RuneCountInString(content.Text); n > facebookTextLimit {
		errs = append(errs, ValidationError{Field: "content",
			Message: fmt.Sprintf("text is %d characters; Facebook posts allow at most %d", n, facebookTextLimit)})
	}
	images, videos := countMediaTypes(content.Media)
	if videos > 1 {
		errs = append(errs, ValidationError{Field: "media", Message: "Facebook posts allow at most one video"})
	}
	if videos > 0 && images > 0 {
		errs = append(errs, ValidationError{Field: "media", Message: "Facebook posts cannot mix photos and video"})
	}
	if images > facebookImageLimit {
		errs = append(errs, ValidationError{Field: "media",
			Message: fmt.Sprintf("Facebook posts allow at most %d photos", facebookImageLimit)})
	}
	return errs
}

// UploadMedia stages a photo unpublished so the feed post can attach it, or
// uploads a video directly (videos publish standalone with the description as
// caption).
func (a *facebookAdapter) UploadMedia(ctx context.Context, asset models.MediaAsset) (string, error) {
	if asset.Type == models.MediaVideo {
		// Videos cannot be staged; return the resolved path and upload at
		// publish time so the caption rides along.
		return a.env.statMediaFile(asset.StoragePath)
	}
	data, err := a.env.readMediaFile(asset.StoragePath)
	if err != nil {
		return "", err
	}
	return a.uploadUnpublishedPhoto(ctx, asset, data)
}

func (a *facebookAdapter) uploadUnpublishedPhoto(ctx context.Context, asset models.MediaAsset, data []byte) (string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	_ = w.WriteField("published", "false")
	_ = w.WriteField("access_token", a.pageAccessToken)
	part, err := w.CreateFormFile("source", asset.OriginalFilename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/%s/photos", graphAPIBase, a.pageID)
	req, err := http.NewRequest("POST", endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	res, err := a.env.do(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", parseGraphError("photos", res.StatusCode, b)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("photos: bad response: %s", truncate(string(b), 200))
	}
	return out.ID, nil
}

func (a *facebookAdapter) PublishPost(ctx context.Context, content ResolvedContent, mediaIDs []string) (string, error) {
	_, videos := countMediaTypes(content.Media)
	if videos > 0 {
		// validation guarantees a single video and no photos
		return a.publishVideo(ctx, content, mediaIDs[0])
	}
	return a.publishFeed(ctx, content, mediaIDs)
}

// publishFeed posts to /feed, attaching staged photo ids when present.
func (a *facebookAdapter) publishFeed(ctx context.Context, content ResolvedContent, photoIDs []string) (string, error) {
	form := url.Values{}
	form.Set("message", content.Text)
	form.Set("access_token", a.pageAccessToken)
	if link := optionString(content.Options, "link"); link != "" {
		form.Set("link", link)
	}
	for i, id := range photoIDs {
		attached, err := json.Marshal(map[string]string{"media_fbid": id})
		if err != nil {
			return "", err
		}
		form.Set(fmt.Sprintf("attached_media[%d]", i), string(attached))
	}

	endpoint := fmt.Sprintf("%s/%s/feed", graphAPIBase, a.pageID)
	req, err := http.NewRequest("POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := a.env.do(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", parseGraphError("feed", res.StatusCode, b)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("feed: bad response: %s", truncate(string(b), 200))
	}
	return out.ID, nil
}

func (a *facebookAdapter) publishVideo(ctx context.Context, content ResolvedContent, path string) (string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	_ = w.WriteField("description", content.Text)
	_ = w.WriteField("access_token", a.pageAccessToken)
	if err := attachFile(w, "source", path); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/%s/videos", graphAPIBase, a.pageID)
	req, err := http.NewRequest("POST", endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	res, err := a.env.do(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", parseGraphError("videos", res.StatusCode, b)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("videos: bad response: %s", truncate(string(b), 200))
	}
	return out.ID, nil
}

func (a *facebookAdapter) VerifyCredentials(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/%s?fields=id,name&access_token=%s",
		graphAPIBase, a.pageID, url.QueryEscape(a.pageAccessToken))
	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return err
	}
	res, err := a.env.do(ctx, req)
	if err != nil {
		return err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return parseGraphError("page lookup", res.StatusCode, b)
	}
	return nil
}

func (a *facebookAdapter) MapError(err error) PublishError {
	return mapGraphError(err)
}
