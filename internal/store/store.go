package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrNotEditable    = errors.New("store: post is not editable")
	ErrNotPublishable = errors.New("store: post is not publishable")
)

// Store is the typed persistence layer. All SQL lives here; placeholders
// are written $1..$N in first-occurrence order so the same statements bind
// on both lib/pq and modernc.org/sqlite.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for the migration runner and tests.
func (s *Store) DB() *sql.DB { return s.db }

// ClaimDuePosts selects posts that are due at now and atomically flips each
// from scheduled/partially_published to publishing. The per-row conditional
// UPDATE is the claim: a lost race yields zero affected rows and the id is
// silently skipped, so overlapping ticks claim disjoint sets.
func (s *Store) ClaimDuePosts(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		  FROM posts
		 WHERE status IN ('scheduled', 'partially_published')
		   AND scheduled_at <= $1
		 ORDER BY scheduled_at ASC
		 LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE posts
			   SET status = 'publishing', updated_at = $1
			 WHERE id = $2
			   AND status IN ('scheduled', 'partially_published')
			   AND scheduled_at <= $3
		`, now, id, now)
		if err != nil {
			log.Printf("[Store] claim_failed postId=%s err=%v", id, err)
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			log.Printf("[Store] claim_skipped postId=%s reason=already_claimed", id)
			continue
		}
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// ReleaseStuckPublishing flips posts stuck in publishing (e.g. after a
// process crash mid-pass) back to partially_published once their last
// update is older than olderThan, so the next tick can re-enter them.
func (s *Store) ReleaseStuckPublishing(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	cutoff := now.Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts
		   SET status = 'partially_published', updated_at = $1
		 WHERE status = 'publishing'
		   AND updated_at <= $2
	`, now, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClaimPostForPublish flips a post to publishing for a manual publish. The
// conditional UPDATE is the same gate ClaimDuePosts uses, so a racing
// scheduler tick and a manual publish cannot both enter the pipeline; the
// loser sees zero affected rows as ErrNotPublishable.
func (s *Store) ClaimPostForPublish(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts
		   SET status = 'publishing', updated_at = $1
		 WHERE id = $2
		   AND status IN ('scheduled', 'partially_published', 'failed')
	`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPublishable
	}
	return nil
}

func (s *Store) SetPostStatus(ctx context.Context, id string, status models.PostStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE posts SET status = $1, updated_at = $2 WHERE id = $3
	`, string(status), time.Now().UTC(), id)
	return err
}

// TargetPatch is a partial update of one platform target. Nil fields are
// left untouched; updated_at is always written.
type TargetPatch struct {
	PublishStatus *models.TargetStatus
	RemotePostID  *string
	FailureReason *string
	LastAttemptAt *time.Time
	ClearFailure  bool
}

func (s *Store) UpdateTarget(ctx context.Context, id string, patch TargetPatch) error {
	sets := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)
	n := 0
	add := func(col string, v interface{}) {
		n++
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
	}
	if patch.PublishStatus != nil {
		add("publish_status", string(*patch.PublishStatus))
	}
	if patch.RemotePostID != nil {
		add("remote_post_id", *patch.RemotePostID)
	}
	if patch.FailureReason != nil {
		add("failure_reason", *patch.FailureReason)
	} else if patch.ClearFailure {
		sets = append(sets, "failure_reason = NULL")
	}
	if patch.LastAttemptAt != nil {
		add("last_attempt_at", patch.LastAttemptAt.UTC())
	}
	add("updated_at", time.Now().UTC())

	n++
	args = append(args, id)
	query := fmt.Sprintf("UPDATE post_platform_targets SET %s WHERE id = $%d", strings.Join(sets, ", "), n)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AppendAttempt(ctx context.Context, a models.PublishAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_attempts (id, target_id, attempted_at, success, error_message, error_code)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.TargetID, a.AttemptedAt.UTC(), a.Success, nullString(a.ErrorMessage), nullString(a.ErrorCode))
	return err
}

func (s *Store) CountAttempts(ctx context.Context, targetID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM publish_attempts WHERE target_id = $1
	`, targetID).Scan(&n)
	return n, err
}

// ListAttemptsForPost returns the attempt log across all targets of a post,
// oldest first. Insertion order within a target is preserved by the
// (attempted_at, id) sort.
func (s *Store) ListAttemptsForPost(ctx context.Context, postID string) ([]models.PublishAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.target_id, a.attempted_at, a.success, a.error_message, a.error_code
		  FROM publish_attempts a
		  JOIN post_platform_targets t ON t.id = a.target_id
		 WHERE t.post_id = $1
		 ORDER BY a.attempted_at ASC, a.id ASC
	`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.PublishAttempt, 0)
	for rows.Next() {
		var a models.PublishAttempt
		var msg, code sql.NullString
		if err := rows.Scan(&a.ID, &a.TargetID, &a.AttemptedAt, &a.Success, &msg, &code); err != nil {
			return nil, err
		}
		a.ErrorMessage = nullStringPtr(msg)
		a.ErrorCode = nullStringPtr(code)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetPlatformCredentials returns the decoded credentials map for a
// platform, or ErrNotFound when no row exists.
func (s *Store) GetPlatformCredentials(ctx context.Context, p models.Platform) (map[string]string, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT credentials FROM platform_credentials WHERE platform = $1
	`, string(p)).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	values := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("store: invalid credentials payload for %s: %w", p, err)
		}
	}
	return values, nil
}

func (s *Store) PutPlatformCredentials(ctx context.Context, p models.Platform, values map[string]string) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO platform_credentials (platform, credentials, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform) DO UPDATE SET
		  credentials = EXCLUDED.credentials,
		  updated_at = EXCLUDED.updated_at
	`, string(p), string(raw), now, now)
	return err
}

func (s *Store) DeletePlatformCredentials(ctx context.Context, p models.Platform) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM platform_credentials WHERE platform = $1
	`, string(p))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCredentialPlatforms returns the platforms that have a credentials
// row, without instantiating adapters. Availability filtering is the
// registry's job.
func (s *Store) ListCredentialPlatforms(ctx context.Context) ([]models.Platform, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform FROM platform_credentials ORDER BY platform ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Platform, 0)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		if p, ok := models.ParsePlatform(tag); ok {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

func (s *Store) CreateMedia(ctx context.Context, m models.MediaAsset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_assets
		  (id, type, storage_path, mime_type, size_bytes, duration_seconds, file_hash, original_filename, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, string(m.Type), m.StoragePath, m.MimeType, m.SizeBytes, nullFloat(m.DurationSeconds), m.FileHash, m.OriginalFilename, m.CreatedAt.UTC())
	return err
}

func (s *Store) ListMedia(ctx context.Context) ([]models.MediaAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, storage_path, mime_type, size_bytes, duration_seconds, file_hash, original_filename, created_at
		  FROM media_assets
		 ORDER BY created_at DESC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMediaRows(rows)
}

// MediaByIDs resolves assets in the order of ids. Missing ids are skipped,
// which is what override-media fallback relies on.
func (s *Store) MediaByIDs(ctx context.Context, ids []string) ([]models.MediaAsset, error) {
	out := make([]models.MediaAsset, 0, len(ids))
	for _, id := range ids {
		m, err := s.getMedia(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) getMedia(ctx context.Context, id string) (models.MediaAsset, error) {
	var m models.MediaAsset
	var typ string
	var dur sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, storage_path, mime_type, size_bytes, duration_seconds, file_hash, original_filename, created_at
		  FROM media_assets
		 WHERE id = $1
	`, id).Scan(&m.ID, &typ, &m.StoragePath, &m.MimeType, &m.SizeBytes, &dur, &m.FileHash, &m.OriginalFilename, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return models.MediaAsset{}, ErrNotFound
	}
	if err != nil {
		return models.MediaAsset{}, err
	}
	m.Type = models.MediaType(typ)
	if dur.Valid {
		m.DurationSeconds = &dur.Float64
	}
	return m, nil
}

func scanMediaRows(rows *sql.Rows) ([]models.MediaAsset, error) {
	out := make([]models.MediaAsset, 0)
	for rows.Next() {
		var m models.MediaAsset
		var typ string
		var dur sql.NullFloat64
		if err := rows.Scan(&m.ID, &typ, &m.StoragePath, &m.MimeType, &m.SizeBytes, &dur, &m.FileHash, &m.OriginalFilename, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = models.MediaType(typ)
		if dur.Valid {
			m.DurationSeconds = &dur.Float64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullString(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
