// Package handlers is the HTTP surface: post CRUD, platform metadata and
// credentials, the media library and the realtime websocket.
package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
	"github.com/crosspost-labs/crosspost/backend/internal/platforms"
	"github.com/crosspost-labs/crosspost/backend/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Publisher triggers the publish pipeline outside the scheduler tick.
type Publisher interface {
	PublishPost(ctx context.Context, postID string) error
}

type Handler struct {
	store     *store.Store
	registry  *platforms.Registry
	publisher Publisher
	validate  *validator.Validate
	rt        *realtimeHub
	mediaRoot string
}

func New(st *store.Store, registry *platforms.Registry, pub Publisher, mediaRoot string) *Handler {
	return &Handler{
		store:     st,
		registry:  registry,
		publisher: pub,
		validate:  validator.New(),
		rt:        newRealtimeHub(),
		mediaRoot: mediaRoot,
	}
}

// Events exposes the websocket hub as the publisher's event sink.
func (h *Handler) Events() *realtimeHub { return h.rt }

// SetPublisher wires the publisher after construction; the publisher itself
// needs the handler's event hub, so the two cannot be built in one shot.
func (h *Handler) SetPublisher(pub Publisher) { h.publisher = pub }

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type targetRequest struct {
	Platform         string                 `json:"platform" validate:"required"`
	OverrideContent  *string                `json:"overrideContent"`
	OverrideMediaIDs []string               `json:"overrideMediaIds"`
	OverrideOptions  map[string]interface{} `json:"overrideOptions"`
}

type createPostRequest struct {
	Content     string          `json:"content"`
	ScheduledAt time.Time       `json:"scheduledAt" validate:"required"`
	Targets     []targetRequest `json:"targets" validate:"required,min=1,dive"`
	MediaIDs    []string        `json:"mediaIds"`
}

func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	targets, err := h.buildTargets(req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.requireConfigured(r.Context(), targets); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	media, err := h.store.MediaByIDs(r.Context(), req.MediaIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(media) != len(req.MediaIDs) {
		writeError(w, http.StatusBadRequest, "one or more media ids do not exist")
		return
	}

	now := time.Now().UTC()
	post := &models.Post{
		ID:          uuid.NewString(),
		BaseContent: req.Content,
		ScheduledAt: req.ScheduledAt.UTC(),
		Status:      models.PostScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
		Targets:     targets,
		Media:       media,
	}
	for i := range post.Targets {
		post.Targets[i].PostID = post.ID
	}
	if err := h.store.CreatePost(r.Context(), post); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[API] post_created post=%s targets=%d scheduled_at=%s", post.ID, len(post.Targets), post.ScheduledAt.Format(time.RFC3339))
	writeJSON(w, http.StatusCreated, post)
}

// buildTargets validates platform tags and rejects duplicates; one target
// per platform per post.
func (h *Handler) buildTargets(reqs []targetRequest) ([]models.PlatformTarget, error) {
	now := time.Now().UTC()
	seen := make(map[models.Platform]bool, len(reqs))
	targets := make([]models.PlatformTarget, 0, len(reqs))
	for _, tr := range reqs {
		platform, ok := models.ParsePlatform(tr.Platform)
		if !ok {
			return nil, errors.New("unknown platform: " + tr.Platform)
		}
		if seen[platform] {
			return nil, errors.New("duplicate target platform: " + string(platform))
		}
		seen[platform] = true
		targets = append(targets, models.PlatformTarget{
			ID:               uuid.NewString(),
			Platform:         platform,
			OverrideContent:  tr.OverrideContent,
			OverrideMediaIDs: tr.OverrideMediaIDs,
			OverrideOptions:  tr.OverrideOptions,
			PublishStatus:    models.TargetPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	return targets, nil
}

// requireConfigured rejects targets whose platform has no usable credentials;
// scheduling a post for an unconfigured platform would only fail at publish
// time.
func (h *Handler) requireConfigured(ctx context.Context, targets []models.PlatformTarget) error {
	configured, err := h.registry.Configured(ctx)
	if err != nil {
		return err
	}
	usable := make(map[models.Platform]bool, len(configured))
	for _, p := range configured {
		usable[p] = true
	}
	for _, t := range targets {
		if !usable[t.Platform] {
			return errors.New("platform is not configured: " + string(t.Platform))
		}
	}
	return nil
}

func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	post, err := h.store.GetPost(r.Context(), pathVar(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := h.store.ListPosts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

type updatePostRequest struct {
	Content     *string          `json:"content"`
	ScheduledAt *time.Time       `json:"scheduledAt"`
	Targets     *[]targetRequest `json:"targets"`
	MediaIDs    *[]string        `json:"mediaIds"`
}

func (h *Handler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	var req updatePostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	patch := store.UpdatePostPatch{BaseContent: req.Content}
	if req.ScheduledAt != nil {
		t := req.ScheduledAt.UTC()
		patch.ScheduledAt = &t
	}
	if req.Targets != nil {
		if len(*req.Targets) == 0 {
			writeError(w, http.StatusBadRequest, "a post needs at least one target")
			return
		}
		targets, err := h.buildTargets(*req.Targets)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := h.requireConfigured(r.Context(), targets); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		for i := range targets {
			targets[i].PostID = id
		}
		patch.Targets = targets
	}
	if req.MediaIDs != nil {
		media, err := h.store.MediaByIDs(r.Context(), *req.MediaIDs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(media) != len(*req.MediaIDs) {
			writeError(w, http.StatusBadRequest, "one or more media ids do not exist")
			return
		}
		patch.Media = media
	}

	err := h.store.UpdatePost(r.Context(), id, patch)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	if errors.Is(err, store.ErrNotEditable) {
		writeError(w, http.StatusConflict, "post is no longer editable")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	post, err := h.store.GetPost(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeletePost(r.Context(), pathVar(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublishNow runs the pipeline for a post immediately, bypassing the
// schedule. The post must still be claimable.
func (h *Handler) PublishNow(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	if _, err := h.store.GetPost(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "post not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// the conditional claim is the gate against a concurrent scheduler tick
	if err := h.store.ClaimPostForPublish(r.Context(), id, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotPublishable) {
			writeError(w, http.StatusConflict, "post is not in a publishable state")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[API] publish_now post=%s", id)
	if err := h.publisher.PublishPost(r.Context(), id); err != nil {
		_ = h.store.SetPostStatus(r.Context(), id, models.PostFailed)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	post, err := h.store.GetPost(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	if _, err := h.store.GetPost(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "post not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	attempts, err := h.store.ListAttemptsForPost(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

type platformInfo struct {
	Platform         models.Platform             `json:"platform"`
	Configured       bool                        `json:"configured"`
	CredentialFields []platforms.CredentialField `json:"credentialFields"`
	OptionFields     []platforms.OptionField     `json:"optionFields"`
	Limits           platforms.CharacterLimits   `json:"limits"`
}

// ListPlatforms returns static adapter metadata for every supported
// platform plus whether stored credentials make it usable.
func (h *Handler) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	configured, err := h.registry.Configured(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	isConfigured := make(map[models.Platform]bool, len(configured))
	for _, p := range configured {
		isConfigured[p] = true
	}

	out := make([]platformInfo, 0, len(h.registry.All()))
	for _, p := range h.registry.All() {
		meta, err := h.registry.Metadata(p)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, platformInfo{
			Platform:         p,
			Configured:       isConfigured[p],
			CredentialFields: meta.CredentialFields(),
			OptionFields:     meta.OptionFields(),
			Limits:           meta.Limits(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// PutCredentials verifies candidate credentials against the remote service
// before persisting them.
func (h *Handler) PutCredentials(w http.ResponseWriter, r *http.Request) {
	platform, ok := models.ParsePlatform(pathVar(r, "platform"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown platform: "+pathVar(r, "platform"))
		return
	}
	var values map[string]string
	if err := decodeJSON(r, &values); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for k, v := range values {
		values[k] = strings.TrimSpace(v)
	}

	adapter, err := h.registry.Probe(platform, values)
	if errors.Is(err, platforms.ErrNotConfigured) {
		writeError(w, http.StatusBadRequest, "missing required credential fields")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := adapter.VerifyCredentials(r.Context()); err != nil {
		log.Printf("[API] credential_verification_failed platform=%s err=%v", platform, err)
		writeError(w, http.StatusUnprocessableEntity, "credential verification failed: "+err.Error())
		return
	}
	if err := h.store.PutPlatformCredentials(r.Context(), platform, values); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[API] credentials_saved platform=%s", platform)
	writeJSON(w, http.StatusOK, map[string]any{"platform": platform, "configured": true})
}

func (h *Handler) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	platform, ok := models.ParsePlatform(pathVar(r, "platform"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown platform: "+pathVar(r, "platform"))
		return
	}
	if err := h.store.DeletePlatformCredentials(r.Context(), platform); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no credentials stored for platform")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[API] credentials_deleted platform=%s", platform)
	w.WriteHeader(http.StatusNoContent)
}
