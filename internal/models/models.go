package models

import "time"

// Platform identifies one of the supported social networks. The set is
// closed; the store serializes the tag as text.
type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformTelegram  Platform = "telegram"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformMastodon  Platform = "mastodon"
	PlatformBluesky   Platform = "bluesky"
	PlatformDiscord   Platform = "discord"
	PlatformThreads   Platform = "threads"
)

// AllPlatforms returns the closed set of supported platform tags in a
// stable order.
func AllPlatforms() []Platform {
	return []Platform{
		PlatformTwitter,
		PlatformTelegram,
		PlatformInstagram,
		PlatformFacebook,
		PlatformMastodon,
		PlatformBluesky,
		PlatformDiscord,
		PlatformThreads,
	}
}

// ParsePlatform maps a string tag to a Platform. ok is false for anything
// outside the closed set.
func ParsePlatform(s string) (Platform, bool) {
	p := Platform(s)
	switch p {
	case PlatformTwitter, PlatformTelegram, PlatformInstagram, PlatformFacebook,
		PlatformMastodon, PlatformBluesky, PlatformDiscord, PlatformThreads:
		return p, true
	}
	return "", false
}

type PostStatus string

const (
	PostScheduled          PostStatus = "scheduled"
	PostPublishing         PostStatus = "publishing"
	PostPartiallyPublished PostStatus = "partially_published"
	PostPublished          PostStatus = "published"
	PostFailed             PostStatus = "failed"
)

type TargetStatus string

const (
	TargetPending    TargetStatus = "pending"
	TargetPublishing TargetStatus = "publishing"
	TargetPublished  TargetStatus = "published"
	TargetFailed     TargetStatus = "failed"
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

type Post struct {
	ID          string           `json:"id"`
	BaseContent string           `json:"baseContent"`
	ScheduledAt time.Time        `json:"scheduledAt"`
	Status      PostStatus       `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	Targets     []PlatformTarget `json:"targets,omitempty"`
	Media       []MediaAsset     `json:"media,omitempty"`
}

type PlatformTarget struct {
	ID               string                 `json:"id"`
	PostID           string                 `json:"postId"`
	Platform         Platform               `json:"platform"`
	OverrideContent  *string                `json:"overrideContent,omitempty"`
	OverrideMediaIDs []string               `json:"overrideMediaIds,omitempty"`
	OverrideOptions  map[string]interface{} `json:"overrideOptions,omitempty"`
	PublishStatus    TargetStatus           `json:"publishStatus"`
	RemotePostID     *string                `json:"remotePostId,omitempty"`
	FailureReason    *string                `json:"failureReason,omitempty"`
	LastAttemptAt    *time.Time             `json:"lastAttemptAt,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// PublishAttempt is one execution of the publish pipeline against one
// target. Rows are append-only; they are never updated while their target
// exists.
type PublishAttempt struct {
	ID           string    `json:"id"`
	TargetID     string    `json:"targetId"`
	AttemptedAt  time.Time `json:"attemptedAt"`
	Success      bool      `json:"success"`
	ErrorMessage *string   `json:"errorMessage,omitempty"`
	ErrorCode    *string   `json:"errorCode,omitempty"`
}

type MediaAsset struct {
	ID               string    `json:"id"`
	Type             MediaType `json:"type"`
	StoragePath      string    `json:"storagePath"`
	MimeType         string    `json:"mimeType"`
	SizeBytes        int64     `json:"sizeBytes"`
	DurationSeconds  *float64  `json:"durationSeconds,omitempty"`
	FileHash         string    `json:"fileHash"`
	OriginalFilename string    `json:"originalFilename"`
	CreatedAt        time.Time `json:"createdAt"`
}

type PostMediaLink struct {
	PostID       string `json:"postId"`
	MediaAssetID string `json:"mediaAssetId"`
	SortOrder    int    `json:"sortOrder"`
}

type PlatformCredentials struct {
	Platform  Platform          `json:"platform"`
	Values    map[string]string `json:"values"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// ReducePostStatus collapses the multiset of a post's target statuses into
// the post status. ok is false when a target is still publishing, in which
// case the caller must leave the post status alone.
func ReducePostStatus(targets []TargetStatus) (PostStatus, bool) {
	published := 0
	failed := 0
	for _, s := range targets {
		switch s {
		case TargetPublished:
			published++
		case TargetFailed:
			failed++
		case TargetPublishing:
			return "", false
		}
	}
	switch {
	case published == len(targets):
		return PostPublished, true
	case failed == len(targets):
		return PostFailed, true
	default:
		return PostPartiallyPublished, true
	}
}
