package app

import (
	"context"
	"testing"
	"time"

	"plenum/api/internal/clock"
	"plenum/api/internal/store"
)

func fixedClock() *clock.Fixed {
	return &clock.Fixed{Instant: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func publishedDoc() store.Document {
	return store.Document{ID: "doc_1", Code: "ML-042", Title: "Quantization Levels", Group: "ml-standards", Status: "published"}
}

func TestPostCommentRejectsCrossDocumentParent(t *testing.T) {
	fs := &fakeStore{
		getDocumentByCode: func(context.Context, string) (store.Document, error) { return publishedDoc(), nil },
		getComment: func(context.Context, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_parent", DocumentID: "doc_other"}, nil
		},
	}
	svc := newTestService(fs, nil, fixedClock())

	parent := "cmt_parent"
	_, err := svc.PostComment(context.Background(), memberSession(), "ML-042", &parent, "reply text")
	assertDomainCode(t, err, "INTEGRITY_ERROR")
}

func TestPostCommentValidation(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, fixedClock())
	_, err := svc.PostComment(context.Background(), memberSession(), "ML-042", nil, "   ")
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestEditCommentWithinWindow(t *testing.T) {
	clk := fixedClock()
	created := clk.Now()
	var snapshot string
	fs := &fakeStore{
		getComment: func(context.Context, string) (store.Comment, error) {
			return store.Comment{
				ID: "cmt_1", DocumentID: "doc_1", AuthorID: "usr_member",
				Body: "first draft", CreatedAt: created,
			}, nil
		},
		updateCommentBody: func(_ context.Context, _, body, previous string, _ time.Time) error {
			snapshot = previous
			return nil
		},
	}
	svc := newTestService(fs, nil, clk)

	clk.Advance(10 * time.Minute)
	item, err := svc.EditComment(context.Background(), memberSession(), "cmt_1", "second draft")
	if err != nil {
		t.Fatalf("EditComment: %v", err)
	}
	if item.Body != "second draft" {
		t.Fatalf("body = %q", item.Body)
	}
	if snapshot != "first draft" {
		t.Fatalf("snapshot = %q, want the pre-edit text", snapshot)
	}
	if item.OriginalText == nil || *item.OriginalText != "first draft" {
		t.Fatal("original text not preserved on first edit")
	}
	if item.EditedAt == nil {
		t.Fatal("editedAt not set")
	}
}

func TestEditCommentKeepsFirstSnapshot(t *testing.T) {
	clk := fixedClock()
	original := "first draft"
	fs := &fakeStore{
		getComment: func(context.Context, string) (store.Comment, error) {
			return store.Comment{
				ID: "cmt_1", DocumentID: "doc_1", AuthorID: "usr_member",
				Body: "second draft", OriginalText: &original, CreatedAt: clk.Now(),
			}, nil
		},
	}
	svc := newTestService(fs, nil, clk)

	item, err := svc.EditComment(context.Background(), memberSession(), "cmt_1", "third draft")
	if err != nil {
		t.Fatalf("EditComment: %v", err)
	}
	if *item.OriginalText != "first draft" {
		t.Fatalf("original = %q, later edits must not overwrite it", *item.OriginalText)
	}
}

func TestEditCommentWindowExpired(t *testing.T) {
	clk := fixedClock()
	created := clk.Now()
	fs := &fakeStore{
		getComment: func(context.Context, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_1", AuthorID: "usr_member", Body: "text", CreatedAt: created}, nil
		},
	}
	svc := newTestService(fs, nil, clk)

	clk.Advance(16 * time.Minute)
	_, err := svc.EditComment(context.Background(), memberSession(), "cmt_1", "too late")
	assertDomainCode(t, err, "WINDOW_EXPIRED")
}

func TestEditCommentOnlyAuthor(t *testing.T) {
	clk := fixedClock()
	fs := &fakeStore{
		getComment: func(context.Context, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_1", AuthorID: "usr_other", Body: "text", CreatedAt: clk.Now()}, nil
		},
	}
	svc := newTestService(fs, nil, clk)
	_, err := svc.EditComment(context.Background(), memberSession(), "cmt_1", "rewrite")
	assertDomainCode(t, err, "PERMISSION_DENIED")
}

func TestEditDeletedComment(t *testing.T) {
	clk := fixedClock()
	fs := &fakeStore{
		getComment: func(context.Context, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_1", AuthorID: "usr_member", Deleted: true, CreatedAt: clk.Now()}, nil
		},
	}
	svc := newTestService(fs, nil, clk)
	_, err := svc.EditComment(context.Background(), memberSession(), "cmt_1", "rewrite")
	assertDomainCode(t, err, "STATE_ERROR")
}

func TestDeleteCommentAuthorAfterWindow(t *testing.T) {
	clk := fixedClock()
	created := clk.Now()
	fs := &fakeStore{
		getComment: func(context.Context, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_1", AuthorID: "usr_member", CreatedAt: created}, nil
		},
	}
	svc := newTestService(fs, nil, clk)

	clk.Advance(time.Hour)
	err := svc.DeleteComment(context.Background(), memberSession(), "cmt_1")
	assertDomainCode(t, err, "WINDOW_EXPIRED")
}

func TestDeleteCommentModeratorBypassesWindow(t *testing.T) {
	clk := fixedClock()
	created := clk.Now()
	tombstoned := false
	fs := &fakeStore{
		getComment: func(context.Context, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_1", AuthorID: "usr_member", CreatedAt: created}, nil
		},
		tombstoneComment: func(_ context.Context, _, placeholder string) error {
			if placeholder != deletedPlaceholder {
				t.Fatalf("placeholder = %q", placeholder)
			}
			tombstoned = true
			return nil
		},
	}
	svc := newTestService(fs, nil, clk)

	clk.Advance(48 * time.Hour)
	chair := Session{UserID: "usr_chair", UserName: "Cleo Chair", Role: "chair"}
	if err := svc.DeleteComment(context.Background(), chair, "cmt_1"); err != nil {
		t.Fatalf("DeleteComment: %v", err)
	}
	if !tombstoned {
		t.Fatal("comment was not tombstoned")
	}
	if got := fs.auditActions("comment", "cmt_1"); len(got) != 1 || got[0] != "moderated" {
		t.Fatalf("audit = %v, want [moderated]", got)
	}
}

func TestDeleteAlreadyDeleted(t *testing.T) {
	clk := fixedClock()
	fs := &fakeStore{
		getComment: func(context.Context, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_1", AuthorID: "usr_member", Deleted: true, CreatedAt: clk.Now()}, nil
		},
	}
	svc := newTestService(fs, nil, clk)
	err := svc.DeleteComment(context.Background(), memberSession(), "cmt_1")
	assertDomainCode(t, err, "STATE_ERROR")
}

func TestBuildCommentTree(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	root1 := "cmt_1"
	comments := []store.Comment{
		{ID: "cmt_1", Body: "root one", CreatedAt: base},
		{ID: "cmt_2", Body: "root two", CreatedAt: base.Add(time.Minute)},
		{ID: "cmt_3", ParentID: &root1, Body: "reply to one", CreatedAt: base.Add(2 * time.Minute)},
	}

	tree := buildCommentTree(comments)
	if len(tree) != 2 {
		t.Fatalf("roots = %d, want 2", len(tree))
	}
	if tree[0].ID != "cmt_1" || tree[1].ID != "cmt_2" {
		t.Fatalf("root order = %s, %s", tree[0].ID, tree[1].ID)
	}
	if len(tree[0].Replies) != 1 || tree[0].Replies[0].ID != "cmt_3" {
		t.Fatal("reply not attached under its parent")
	}
}

func TestBuildCommentTreeOrphanSurfaces(t *testing.T) {
	missing := "cmt_gone"
	comments := []store.Comment{
		{ID: "cmt_1", ParentID: &missing, Body: "orphan"},
	}
	tree := buildCommentTree(comments)
	if len(tree) != 1 || tree[0].ID != "cmt_1" {
		t.Fatal("orphaned reply should surface at the top level")
	}
}

func TestSetFollowLevelValidation(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	err := svc.SetFollowLevel(context.Background(), memberSession(), "ML-042", "shout")
	assertDomainCode(t, err, "VALIDATION_ERROR")
}
