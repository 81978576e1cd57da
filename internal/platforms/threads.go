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
	threadsAPIBase = "https://graph.threads.net/v1.0"

	threadsTextLimit     = 500
	threadsCarouselLimit = 20

	threadsPollInterval = 2 * time.Second
	threadsPollDeadline = 60 * time.Second
)

type threadsAdapter struct {
	accessToken   string
	threadsUserID string
	env           Env
}

func newThreadsAdapter(values map[string]string, env Env) Adapter {
	a := &threadsAdapter{env: env}
	if values != nil {
		a.accessToken = strings.TrimSpace(values["accessToken"])
		a.threadsUserID = strings.TrimSpace(values["threadsUserId"])
	}
	return a
}

func (a *threadsAdapter) Name() models.Platform { return models.PlatformThreads }

func (a *threadsAdapter) IsAvailable() bool {
	return a.accessToken != "" && a.threadsUserID != ""
}

func (a *threadsAdapter) CredentialFields() []CredentialField {
	return []CredentialField{
		{Key: "accessToken", Label: "Access token", Type: "password", Required: true},
		{Key: "threadsUserId", Label: "Threads user ID", Type: "text", Required: true},
	}
}

func (a *threadsAdapter) OptionFields() []OptionField {
	return []OptionField{
		{Key: "replyControl", Label: "Who can reply", Type: "enum",
			EnumValues:  []string{"everyone", "accounts_you_follow", "mentioned_only"},
			Description: "Reply audience for the thread"},
	}
}

func (a *threadsAdapter) Limits() CharacterLimits {
	return CharacterLimits{MaxChars: threadsTextLimit, MaxCharsWithMedia: threadsTextLimit}
}

func (a *threadsAdapter) ValidatePost(content ResolvedContent) []ValidationError {
	var errs []ValidationError
	text := strings.TrimSpace(content.Text)
	if text == "" && len(content.Media) == 0 {
		errs = append(errs, ValidationError{Field: "content", Message: "thread requires text or media"})
	}
	if n := utf8.RuneCountInString(content.Text); n > threadsTextLimit {
		errs = append(errs, ValidationError{Field: "content",
			Message: fmt.Sprintf("text is %d characters; Threads posts allow at most %d", n, threadsTextLimit)})
	}
	images, videos := countMediaTypes(content.Media)
	if videos > 1 {
		errs = append(errs, ValidationError{Field: "media", Message: "Threads posts allow at most one video"})
	}
	if videos > 0 && images > 0 {
		errs = append(errs, ValidationError{Field: "media", Message: "Threads posts cannot mix images and video"})
	}
	if images > threadsCarouselLimit {
		errs = append(errs, ValidationError{Field: "media",
			Message: fmt.Sprintf("Threads carousels allow at most %d images", threadsCarouselLimit)})
	}
	return errs
}

// UploadMedia returns the public URL for the asset; Threads containers pull
// media from a URL.
func (a *threadsAdapter) UploadMedia(ctx context.Context, asset models.MediaAsset) (string, error) {
	if _, err := a.env.statMediaFile(asset.StoragePath); err != nil {
		return "", err
	}
	return a.env.publicMediaURL(asset.StoragePath)
}

func (a *threadsAdapter) PublishPost(ctx context.Context, content ResolvedContent, mediaIDs []string) (string, error) {
	var publishID string
	switch len(mediaIDs) {
	case 0:
		id, err := a.createContainer(ctx, containerParams{mediaType: "TEXT", text: content.Text, options: content.Options})
		if err != nil {
			return "", err
		}
		publishID = id
	case 1:
		id, err := a.createContainer(ctx, containerParams{
			mediaType: threadsMediaType(content, 0),
			mediaURL:  mediaIDs[0],
			text:      content.Text,
			options:   content.Options,
		})
		if err != nil {
			return "", err
		}
		publishID = id
	default:
		children := make([]string, 0, len(mediaIDs))
		for i, mediaURL := range mediaIDs {
			id, err := a.createContainer(ctx, containerParams{
				mediaType:    threadsMediaType(content, i),
				mediaURL:     mediaURL,
				carouselItem: true,
			})
			if err != nil {
				return "", err
			}
			if err := a.waitContainer(ctx, id); err != nil {
				return "", err
			}
			children = append(children, id)
		}
		id, err := a.createContainer(ctx, containerParams{
			mediaType: "CAROUSEL",
			text:      content.Text,
			children:  children,
			options:   content.Options,
		})
		if err != nil {
			return "", err
		}
		publishID = id
	}

	if err := a.waitContainer(ctx, publishID); err != nil {
		return "", err
	}
	return a.publishContainer(ctx, publishID)
}

func threadsMediaType(content ResolvedContent, i int) string {
	if i < len(content.Media) && content.Media[i].Type == models.MediaVideo {
		return "VIDEO"
	}
	return "IMAGE"
}

type containerParams struct {
	mediaType    string
	mediaURL     string
	text         string
	children     []string
	carouselItem bool
	options      map[string]interface{}
}

func (a *threadsAdapter) createContainer(ctx context.Context, p containerParams) (string, error) {
	form := url.Values{}
	form.Set("access_token", a.accessToken)
	form.Set("media_type", p.mediaType)
	switch p.mediaType {
	case "IMAGE":
		form.Set("image_url", p.mediaURL)
	case "VIDEO":
		form.Set("video_url", p.mediaURL)
	case "CAROUSEL":
		form.Set("children", strings.Join(p.children, ","))
	}
	if p.carouselItem {
		form.Set("is_carousel_item", "true")
	} else {
		form.Set("text", p.text)
		if rc := optionString(p.options, "replyControl"); rc != "" {
			form.Set("reply_control", rc)
		}
	}
	return a.postForID(ctx, "threads", form)
}

func (a *threadsAdapter) publishContainer(ctx context.Context, containerID string) (string, error) {
	form := url.Values{}
	form.Set("access_token", a.accessToken)
	form.Set("creation_id", containerID)
	return a.postForID(ctx, "threads_publish", form)
}

func (a *threadsAdapter) postForID(ctx context.Context, edge string, form url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", threadsAPIBase, a.threadsUserID, edge)
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

func (a *threadsAdapter) waitContainer(ctx context.Context, containerID string) error {
	return pollUntil(ctx, threadsPollDeadline, threadsPollInterval, func(ctx context.Context) (bool, error) {
		endpoint := fmt.Sprintf("%s/%s?fields=status&access_token=%s",
			threadsAPIBase, containerID, url.QueryEscape(a.accessToken))
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
			Status string `json:"status"`
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return false, fmt.Errorf("container status: bad response: %s", truncate(string(b), 200))
		}
		switch out.Status {
		case "FINISHED":
			return true, nil
		case "ERROR", "EXPIRED":
			return false, newPublishError(CodeMediaProcessingFailed,
				fmt.Sprintf("container %s entered state %s", containerID, out.Status), false)
		default:
			return false, nil
		}
	})
}

func (a *threadsAdapter) VerifyCredentials(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/%s?fields=id,username&access_token=%s",
		threadsAPIBase, a.threadsUserID, url.QueryEscape(a.accessToken))
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
		return parseGraphError("profile lookup", res.StatusCode, b)
	}
	return nil
}

func (a *threadsAdapter) MapError(err error) PublishError {
	return mapGraphError(err)
}
