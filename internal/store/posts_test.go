package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

func TestCreatePost_OneTransaction(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()
	override := "short version"

	post := &models.Post{
		ID:          "p1",
		BaseContent: "hello",
		ScheduledAt: now.Add(time.Hour),
		Status:      models.PostScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
		Targets: []models.PlatformTarget{
			{ID: "t1", PostID: "p1", Platform: models.PlatformTelegram,
				PublishStatus: models.TargetPending, CreatedAt: now, UpdatedAt: now},
			{ID: "t2", PostID: "p1", Platform: models.PlatformTwitter,
				OverrideContent: &override, OverrideMediaIDs: []string{"m2"},
				PublishStatus: models.TargetPending, CreatedAt: now, UpdatedAt: now},
		},
		Media: []models.MediaAsset{{ID: "m1"}, {ID: "m2"}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO posts`).
		WithArgs("p1", "hello", post.ScheduledAt, "scheduled", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO post_platform_targets`).
		WithArgs("t1", "p1", "telegram", nil, nil, nil, "pending", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO post_platform_targets`).
		WithArgs("t2", "p1", "twitter", "short version", `["m2"]`, nil, "pending", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO post_media`).
		WithArgs("p1", "m1", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO post_media`).
		WithArgs("p1", "m2", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.CreatePost(context.Background(), post); err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestUpdatePost_RefusedOncePublishing(t *testing.T) {
	st, mock := newMockStore(t)
	content := "edited"

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE posts SET updated_at = \$1, base_content = \$2 WHERE id = \$3 AND status = 'scheduled'`).
		WithArgs(sqlmock.AnyArg(), "edited", "p1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM posts WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("publishing"))
	mock.ExpectRollback()

	err := st.UpdatePost(context.Background(), "p1", UpdatePostPatch{BaseContent: &content})
	if err != ErrNotEditable {
		t.Fatalf("UpdatePost err = %v, want ErrNotEditable", err)
	}
}

func TestUpdatePost_MissingPost(t *testing.T) {
	st, mock := newMockStore(t)
	content := "edited"

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE posts SET`).
		WithArgs(sqlmock.AnyArg(), "edited", "nope").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM posts WHERE id = \$1`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	if err := st.UpdatePost(context.Background(), "nope", UpdatePostPatch{BaseContent: &content}); err != ErrNotFound {
		t.Fatalf("UpdatePost err = %v, want ErrNotFound", err)
	}
}

func TestDeletePost_CascadesAttemptsTargetsLinks(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM publish_attempts WHERE target_id IN`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`DELETE FROM post_platform_targets WHERE post_id = \$1`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM post_media WHERE post_id = \$1`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM posts WHERE id = \$1`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.DeletePost(context.Background(), "p1"); err != nil {
		t.Fatalf("DeletePost: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestGetPost_EmbedsTargetsAndOrderedMedia(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM posts\s+WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "base_content", "scheduled_at", "status", "created_at", "updated_at"}).
			AddRow("p1", "hello", now, "scheduled", now, now))

	targetCols := []string{"id", "post_id", "platform", "override_content", "override_media", "override_options",
		"publish_status", "remote_post_id", "failure_reason", "last_attempt_at", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM post_platform_targets\s+WHERE post_id = \$1`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(targetCols).
			AddRow("t1", "p1", "telegram", nil, nil, `{"parseMode":"HTML"}`, "pending", nil, nil, nil, now, now).
			AddRow("t2", "p1", "twitter", "alt", `["m9"]`, nil, "failed", nil, "rate limited", now, now, now))

	mediaCols := []string{"id", "type", "storage_path", "mime_type", "size_bytes", "duration_seconds", "file_hash", "original_filename", "created_at"}
	mock.ExpectQuery(`FROM post_media pm\s+JOIN media_assets m`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(mediaCols).
			AddRow("m1", "image", "2024/01/a.png", "image/png", 1, nil, "h", "a.png", now))

	post, err := st.GetPost(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if len(post.Targets) != 2 || len(post.Media) != 1 {
		t.Fatalf("targets=%d media=%d", len(post.Targets), len(post.Media))
	}
	if post.Targets[0].OverrideOptions["parseMode"] != "HTML" {
		t.Fatalf("override options lost: %+v", post.Targets[0].OverrideOptions)
	}
	if len(post.Targets[1].OverrideMediaIDs) != 1 || post.Targets[1].OverrideMediaIDs[0] != "m9" {
		t.Fatalf("override media lost: %+v", post.Targets[1].OverrideMediaIDs)
	}
	if post.Targets[1].FailureReason == nil || *post.Targets[1].FailureReason != "rate limited" {
		t.Fatalf("failure reason lost")
	}
}

func TestGetPost_Missing(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`FROM posts\s+WHERE id = \$1`).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"id", "base_content", "scheduled_at", "status", "created_at", "updated_at"}))

	if _, err := st.GetPost(context.Background(), "gone"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
