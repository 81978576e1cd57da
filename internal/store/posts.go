package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

// CreatePost inserts the post, its targets and its media links in one
// transaction. IDs and timestamps are expected to be set by the caller.
func (s *Store) CreatePost(ctx context.Context, post *models.Post) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO posts (id, base_content, scheduled_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, post.ID, post.BaseContent, post.ScheduledAt.UTC(), string(post.Status), post.CreatedAt.UTC(), post.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	if err := insertTargets(ctx, tx, post.ID, post.Targets); err != nil {
		return err
	}
	if err := insertMediaLinks(ctx, tx, post.ID, post.Media); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdatePostPatch carries the replaceable fields of a still-scheduled post.
// Nil slices leave targets/media untouched; non-nil slices replace them.
type UpdatePostPatch struct {
	BaseContent *string
	ScheduledAt *time.Time
	Targets     []models.PlatformTarget
	Media       []models.MediaAsset
}

// UpdatePost replaces fields of a post while it is still scheduled. The
// status condition on the UPDATE is the edit gate: once any target has
// published the post has left 'scheduled' and the update is refused.
func (s *Store) UpdatePost(ctx context.Context, id string, patch UpdatePostPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	sets := "updated_at = $1"
	args := []interface{}{now}
	n := 1
	if patch.BaseContent != nil {
		n++
		sets += fmt.Sprintf(", base_content = $%d", n)
		args = append(args, *patch.BaseContent)
	}
	if patch.ScheduledAt != nil {
		n++
		sets += fmt.Sprintf(", scheduled_at = $%d", n)
		args = append(args, patch.ScheduledAt.UTC())
	}
	n++
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE posts SET %s WHERE id = $%d AND status = 'scheduled'
	`, sets, n), args...)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Distinguish missing from non-editable for the API layer.
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM posts WHERE id = $1`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrNotEditable
	}

	if patch.Targets != nil {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM publish_attempts WHERE target_id IN (SELECT id FROM post_platform_targets WHERE post_id = $1)
		`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM post_platform_targets WHERE post_id = $1`, id); err != nil {
			return err
		}
		if err := insertTargets(ctx, tx, id, patch.Targets); err != nil {
			return err
		}
	}
	if patch.Media != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM post_media WHERE post_id = $1`, id); err != nil {
			return err
		}
		if err := insertMediaLinks(ctx, tx, id, patch.Media); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeletePost removes the post with its targets, media links and attempts.
// Media assets stay in the library. The cascade is explicit so it behaves
// identically on postgres and sqlite.
func (s *Store) DeletePost(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM publish_attempts WHERE target_id IN (SELECT id FROM post_platform_targets WHERE post_id = $1)
	`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM post_platform_targets WHERE post_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM post_media WHERE post_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetPost loads the post row with all its targets and the ordered base
// media list.
func (s *Store) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var p models.Post
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, base_content, scheduled_at, status, created_at, updated_at
		  FROM posts
		 WHERE id = $1
	`, id).Scan(&p.ID, &p.BaseContent, &p.ScheduledAt, &status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = models.PostStatus(status)

	if p.Targets, err = s.targetsForPost(ctx, id); err != nil {
		return nil, err
	}
	if p.Media, err = s.mediaForPost(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPosts(ctx context.Context) ([]models.Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, base_content, scheduled_at, status, created_at, updated_at
		  FROM posts
		 ORDER BY scheduled_at DESC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := make([]models.Post, 0)
	for rows.Next() {
		var p models.Post
		var status string
		if err := rows.Scan(&p.ID, &p.BaseContent, &p.ScheduledAt, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Status = models.PostStatus(status)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range posts {
		if posts[i].Targets, err = s.targetsForPost(ctx, posts[i].ID); err != nil {
			return nil, err
		}
		if posts[i].Media, err = s.mediaForPost(ctx, posts[i].ID); err != nil {
			return nil, err
		}
	}
	return posts, nil
}

func (s *Store) targetsForPost(ctx context.Context, postID string) ([]models.PlatformTarget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, platform, override_content, override_media, override_options,
		       publish_status, remote_post_id, failure_reason, last_attempt_at, created_at, updated_at
		  FROM post_platform_targets
		 WHERE post_id = $1
		 ORDER BY created_at ASC, id ASC
	`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.PlatformTarget, 0)
	for rows.Next() {
		var t models.PlatformTarget
		var platform, status string
		var overrideContent, overrideMedia, overrideOptions, remoteID, failure sql.NullString
		var lastAttempt sql.NullTime
		if err := rows.Scan(&t.ID, &t.PostID, &platform, &overrideContent, &overrideMedia, &overrideOptions,
			&status, &remoteID, &failure, &lastAttempt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Platform = models.Platform(platform)
		t.PublishStatus = models.TargetStatus(status)
		t.OverrideContent = nullStringPtr(overrideContent)
		t.RemotePostID = nullStringPtr(remoteID)
		t.FailureReason = nullStringPtr(failure)
		if lastAttempt.Valid {
			ts := lastAttempt.Time
			t.LastAttemptAt = &ts
		}
		if overrideMedia.Valid && overrideMedia.String != "" {
			if err := json.Unmarshal([]byte(overrideMedia.String), &t.OverrideMediaIDs); err != nil {
				return nil, fmt.Errorf("store: bad override_media for target %s: %w", t.ID, err)
			}
		}
		if overrideOptions.Valid && overrideOptions.String != "" {
			if err := json.Unmarshal([]byte(overrideOptions.String), &t.OverrideOptions); err != nil {
				return nil, fmt.Errorf("store: bad override_options for target %s: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) mediaForPost(ctx context.Context, postID string) ([]models.MediaAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.type, m.storage_path, m.mime_type, m.size_bytes, m.duration_seconds,
		       m.file_hash, m.original_filename, m.created_at
		  FROM post_media pm
		  JOIN media_assets m ON m.id = pm.media_asset_id
		 WHERE pm.post_id = $1
		 ORDER BY pm.sort_order ASC
	`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMediaRows(rows)
}

func insertTargets(ctx context.Context, tx *sql.Tx, postID string, targets []models.PlatformTarget) error {
	for _, t := range targets {
		var overrideMedia, overrideOptions interface{}
		if len(t.OverrideMediaIDs) > 0 {
			raw, err := json.Marshal(t.OverrideMediaIDs)
			if err != nil {
				return err
			}
			overrideMedia = string(raw)
		}
		if len(t.OverrideOptions) > 0 {
			raw, err := json.Marshal(t.OverrideOptions)
			if err != nil {
				return err
			}
			overrideOptions = string(raw)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO post_platform_targets
			  (id, post_id, platform, override_content, override_media, override_options,
			   publish_status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, t.ID, postID, string(t.Platform), nullString(t.OverrideContent), overrideMedia, overrideOptions,
			string(t.PublishStatus), t.CreatedAt.UTC(), t.UpdatedAt.UTC())
		if err != nil {
			return err
		}
	}
	return nil
}

func insertMediaLinks(ctx context.Context, tx *sql.Tx, postID string, media []models.MediaAsset) error {
	for i, m := range media {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO post_media (post_id, media_asset_id, sort_order)
			VALUES ($1, $2, $3)
		`, postID, m.ID, i)
		if err != nil {
			return err
		}
	}
	return nil
}
