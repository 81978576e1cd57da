package platforms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const (
	instagramCaptionLimit  = 2200
	instagramCarouselLimit = 10

	instagramPollInterval = 2 * time.Second
	instagramPollDeadline = 60 * time.Second
)

type instagramAdapter struct {
	accessToken  string
	igBusinessID string
	env          Env
}

func newInstagramAdapter(values map[string]string, env Env) Adapter {
	a := &instagramAdapter{env: env}
	if values != nil {
		a.accessToken = strings.TrimSpace(values["accessToken"])
		a.igBusinessID = strings.TrimSpace(values["igBusinessId"])
	}
	return a
}

func (a *instagramAdapter) Name() models.Platform { return models.PlatformInstagram }

func (a *instagramAdapter) IsAvailable() bool {
	return a.accessToken != "" && a.igBusinessID != ""
}

func (a *instagramAdapter) CredentialFields() []CredentialField {
	return []CredentialField{
		{Key: "accessToken", Label: "Access token", Type: "password", Required: true},
		{Key: "igBusinessId", Label: "Instagram business account ID", Type: "text", Required: true},
	}
}

func (a *instagramAdapter) OptionFields() []OptionField {
	return nil
}

func (a *instagramAdapter) Limits() CharacterLimits {
	return CharacterLimits{MaxChars: instagramCaptionLimit, MaxCharsWithMedia: instagramCaptionLimit, RequiresMedia: true}
}

func (a *instagramAdapter) ValidatePost(content ResolvedContent) []ValidationError {
	var errs []ValidationError
	if len(content.Media) == 0 {
		errs = append(errs, ValidationError{Field: "media",
			Message: "Instagram requires at least one image or video"})
	}
	if n := utf8.RuneCountInString(content.Text); n > instagramCaptionLimit {
		errs = append(errs, ValidationError{Field: "content",
			Message: fmt.Sprintf("caption is %d characters; Instagram captions allow at most %d", n, instagramCaptionLimit)})
	}
	if len(content.Media) > instagramCarouselLimit {
		errs = append(errs, ValidationError{Field: "media",
			Message: fmt.Sprintf("Instagram carousels allow at most %d items", instagramCarouselLimit)})
	}
	return errs
}

// UploadMedia returns the public URL for the asset; the Graph API pulls media
// from a URL when the container is created.
func (a *instagramAdapter) UploadMedia(ctx context.Context, asset models.MediaAsset) (string, error) {
	if _, err := a.env.statMediaFile(asset.StoragePath); err != nil {
		return "", err
	}
	return a.env.publicMediaURL(asset.StoragePath)
}

func (a *instagramAdapter) PublishPost(ctx context.Context, content ResolvedContent, mediaIDs []string) (string, error) {
	containerIDs := make([]string, 0, len(mediaIDs))
	carousel := len(mediaIDs) > 1
	for i, mediaURL := range mediaIDs {
		isVideo := i < len(content.Media) && content.Media[i].Type == models.MediaVideo
		id, err := a.createContainer(ctx, content, mediaURL, isVideo, carousel)
		if err != nil {
			return "", err
		}
		if err := a.waitContainer(ctx, id); err != nil {
			return "", err
		}
		containerIDs = append(containerIDs, id)
	}

	publishID := containerIDs[0]
	if carousel {
		id, err := a.createCarousel(ctx, content, containerIDs)
		if err != nil {
			return "", err
		}
		if err := a.waitContainer(ctx, id); err != nil {
			return "", err
		}
		publishID = id
	}
	return a.publishContainer(ctx, publishID)
}

// createContainer registers one media item. For carousels the caption goes on
// the parent container instead.
func (a *instagramAdapter) createContainer(ctx context.Context, content ResolvedContent, mediaURL string, isVideo, carouselItem bool) (string, error) {
	form := url.Values{}
	form.Set("access_token", a.accessToken)
	if isVideo {
		form.Set("media_type", "REELS")
		form.Set("video_url", mediaURL)
	} else {
		form.Set("image_url", mediaURL)
	}
	if carouselItem {
		form.Set("is_carousel_item", "true")
	} else {
		form.Set("caption", content.Text)
	}
	return a.postForID(ctx, "media", form)
}

func (a *instagramAdapter) createCarousel(ctx context.Context, content ResolvedContent, children []string) (string, error) {
	form := url.Values{}
	form.Set("access_token", a.accessToken)
	form.Set("media_type", "CAROUSEL")
	form.Set("caption", content.Text)
	form.Set("children", strings.Join(children, ","))
	return a.postForID(ctx, "media", form)
}

func (a *instagramAdapter) publishContainer(ctx context.Context, containerID string) (string, error) {
	form := url.Values{}
	form.Set("access_token", a.accessToken)
	form.Set("creation_id", containerID)
	return a.postForID(ctx, "media_publish", form)
}

func (a *instagramAdapter) postForID(ctx context.Context, edge string, form url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", graphAPIBase, a.igBusinessID, edge)
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
		return "", parseGraphError(edge, res.StatusCode, b)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%s: bad response: %s", edge, truncate(string(b), 200))
	}
	return out.ID, nil
}

// waitContainer polls status_code until FINISHED. ERROR and EXPIRED fail the
// publish.
func (a *instagramAdapter) waitContainer(ctx context.Context, containerID string) error {
	return pollUntil(ctx, instagramPollDeadline, instagramPollInterval, func(ctx context.Context) (bool, error) {
		endpoint := fmt.Sprintf("%s/%s?fields=status_code&access_token=%s",
			graphAPIBase, containerID, url.QueryEscape(a.accessToken))
		req, err := http.NewRequest("GET", endpoint, nil)
		if err != nil {
			return false, err
		}
		res, err := a.env.do(ctx, req)
		if err != nil {
			return false, err
		}
		b := readBody(res)
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return false, parseGraphError("container status", res.StatusCode, b)
		}
		var out struct {
			StatusCode string `json:"status_code"`
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return false, fmt.Errorf("container status: bad response: %s", truncate(string(b), 200))
		}
		switch out.StatusCode {
		case "FINISHED":
			return true, nil
		case "ERROR", "EXPIRED":
			return false, newPublishError(CodeMediaProcessingFailed,
				fmt.Sprintf("container %s entered state %s", containerID, out.StatusCode), false)
		default: // IN_PROGRESS
			return false, nil
		}
	})
}

func (a *instagramAdapter) VerifyCredentials(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/%s?fields=id,username&access_token=%s",
		graphAPIBase, a.igBusinessID, url.QueryEscape(a.accessToken))
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
		return parseGraphError("account lookup", res.StatusCode, b)
	}
	return nil
}

func (a *instagramAdapter) MapError(err error) PublishError {
	return mapGraphError(err)
}
