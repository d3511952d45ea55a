package app

import (
	"context"
	"errors"
	"testing"

	"plenum/api/internal/store"
)

func TestSubmitDraftValidation(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)

	cases := []struct {
		name  string
		input SubmitDraftInput
	}{
		{"missing title", SubmitDraftInput{Group: "ml-standards"}},
		{"missing group", SubmitDraftInput{Title: "Quantization Levels"}},
		{"title too long", SubmitDraftInput{Title: string(make([]byte, maxTitleLen+1)), Group: "ml-standards"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitDraft(context.Background(), memberSession(), tc.input)
			assertDomainCode(t, err, "VALIDATION_ERROR")
		})
	}
}

func TestSubmitDraftDefaultsAuthorToSubmitter(t *testing.T) {
	var inserted store.Submission
	fs := &fakeStore{
		insertSubmission: func(_ context.Context, s store.Submission) error {
			inserted = s
			return nil
		},
	}
	svc := newTestService(fs, nil, nil)

	item, err := svc.SubmitDraft(context.Background(), memberSession(), SubmitDraftInput{
		Title: "Quantization Levels",
		Group: "ml-standards",
	})
	if err != nil {
		t.Fatalf("SubmitDraft: %v", err)
	}
	if item.Status != "submitted" {
		t.Fatalf("status = %q, want submitted", item.Status)
	}
	if len(inserted.Authors) != 1 || inserted.Authors[0] != "Mel Member" {
		t.Fatalf("authors = %v, want submitter name", inserted.Authors)
	}
	if got := fs.auditActions("submission", item.ID); len(got) != 1 || got[0] != "submitted" {
		t.Fatalf("audit = %v, want [submitted]", got)
	}
}

func TestSubmitDraftRequiresMemberRole(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	_, err := svc.SubmitDraft(context.Background(), Session{Role: "nobody"}, SubmitDraftInput{
		Title: "Quantization Levels", Group: "ml-standards",
	})
	assertDomainCode(t, err, "PERMISSION_DENIED")
}

func TestBeginReviewWrongState(t *testing.T) {
	fs := &fakeStore{
		beginReview: func(context.Context, string, string, string) (store.Submission, error) {
			return store.Submission{}, store.ErrInvalidState
		},
	}
	svc := newTestService(fs, nil, nil)
	_, err := svc.BeginReview(context.Background(), editorSession(), "sub_1")
	assertDomainCode(t, err, "STATE_ERROR")
}

func TestBeginReviewRequiresEditor(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	_, err := svc.BeginReview(context.Background(), memberSession(), "sub_1")
	assertDomainCode(t, err, "PERMISSION_DENIED")
}

func TestRejectRequiresReason(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	_, err := svc.RejectSubmission(context.Background(), editorSession(), "sub_1", "   ")
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestWithdrawOnlySubmitter(t *testing.T) {
	fs := &fakeStore{
		getSubmission: func(context.Context, string) (store.Submission, error) {
			return store.Submission{ID: "sub_1", Status: "submitted", SubmittedBy: "usr_other"}, nil
		},
	}
	svc := newTestService(fs, nil, nil)
	err := svc.WithdrawSubmission(context.Background(), memberSession(), "sub_1")
	assertDomainCode(t, err, "PERMISSION_DENIED")
}

func TestApproveWrongState(t *testing.T) {
	fs := &fakeStore{
		getSubmission: func(context.Context, string) (store.Submission, error) {
			return store.Submission{ID: "sub_1", Status: "submitted"}, nil
		},
	}
	svc := newTestService(fs, nil, nil)
	_, err := svc.ApproveSubmission(context.Background(), editorSession(), "sub_1")
	assertDomainCode(t, err, "STATE_ERROR")
}

func TestApproveNewDocument(t *testing.T) {
	sub := store.Submission{
		ID: "sub_1", Title: "Quantization Levels", Group: "ml-standards",
		Authors: []string{"Mel Member"}, Status: "under_review", SubmittedBy: "usr_member",
	}
	var gotParams store.ApproveParams
	fs := &fakeStore{
		getSubmission: func(context.Context, string) (store.Submission, error) { return sub, nil },
		approveSubmission: func(_ context.Context, params store.ApproveParams) (store.ApprovalOutcome, error) {
			gotParams = params
			return store.ApprovalOutcome{
				Document: store.Document{ID: params.NewDocumentID, Number: 42, Code: "ML-042", CurrentRev: 0},
				Revision: store.Revision{ID: params.RevisionID, Number: 0},
				Created:  true,
			}, nil
		},
	}
	fa := &fakeArchive{}
	svc := newTestService(fs, fa, nil)

	outcome, err := svc.ApproveSubmission(context.Background(), editorSession(), "sub_1")
	if err != nil {
		t.Fatalf("ApproveSubmission: %v", err)
	}
	if !outcome.Created {
		t.Fatal("expected a new document")
	}
	if outcome.Document.Code != "ML-042" {
		t.Fatalf("code = %q", outcome.Document.Code)
	}
	if gotParams.ExistingDocumentID != "" {
		t.Fatalf("existing document id = %q, want empty", gotParams.ExistingDocumentID)
	}
	if gotParams.CommitHash == "" {
		t.Fatal("commit hash not threaded into approval")
	}
	if len(fa.commits) != 1 {
		t.Fatalf("archive commits = %d, want 1", len(fa.commits))
	}
	if fa.commits[0].Content.Revision != 0 {
		t.Fatalf("archived revision = %d, want 0", fa.commits[0].Content.Revision)
	}
}

func TestApproveExistingDocumentBecomesRevision(t *testing.T) {
	sub := store.Submission{
		ID: "sub_2", Title: "Quantization Levels", Group: "ml-standards",
		Status: "under_review", SubmittedBy: "usr_member",
	}
	existing := &store.Document{ID: "doc_1", Number: 42, Code: "ML-042", Title: sub.Title, Group: sub.Group, CurrentRev: 1}
	fs := &fakeStore{
		getSubmission: func(context.Context, string) (store.Submission, error) { return sub, nil },
		findDocumentByGroupTitle: func(context.Context, string, string) (*store.Document, error) {
			return existing, nil
		},
		approveSubmission: func(_ context.Context, params store.ApproveParams) (store.ApprovalOutcome, error) {
			if params.ExistingDocumentID != "doc_1" {
				t.Fatalf("existing document id = %q, want doc_1", params.ExistingDocumentID)
			}
			return store.ApprovalOutcome{
				Document: store.Document{ID: "doc_1", Code: "ML-042", CurrentRev: 2},
				Revision: store.Revision{ID: params.RevisionID, Number: 2},
				Created:  false,
			}, nil
		},
	}
	fa := &fakeArchive{}
	svc := newTestService(fs, fa, nil)

	outcome, err := svc.ApproveSubmission(context.Background(), editorSession(), "sub_2")
	if err != nil {
		t.Fatalf("ApproveSubmission: %v", err)
	}
	if outcome.Created {
		t.Fatal("expected revision of existing document, not a new one")
	}
	if fa.commits[0].DocumentID != "doc_1" {
		t.Fatalf("archived against %q, want doc_1", fa.commits[0].DocumentID)
	}
	if fa.commits[0].Content.Revision != 2 {
		t.Fatalf("archived revision = %d, want 2", fa.commits[0].Content.Revision)
	}
}

func TestApproveRetriesOnConflict(t *testing.T) {
	sub := store.Submission{
		ID: "sub_3", Title: "Quantization Levels", Group: "ml-standards",
		Status: "under_review", SubmittedBy: "usr_member",
	}
	attempts := 0
	fs := &fakeStore{
		getSubmission: func(context.Context, string) (store.Submission, error) { return sub, nil },
		approveSubmission: func(_ context.Context, params store.ApproveParams) (store.ApprovalOutcome, error) {
			attempts++
			if attempts == 1 {
				return store.ApprovalOutcome{}, store.ErrApprovalRaced
			}
			return store.ApprovalOutcome{
				Document: store.Document{ID: params.NewDocumentID, Code: "ML-043"},
				Revision: store.Revision{Number: 0},
				Created:  true,
			}, nil
		},
	}
	fa := &fakeArchive{}
	svc := newTestService(fs, fa, nil)

	if _, err := svc.ApproveSubmission(context.Background(), editorSession(), "sub_3"); err != nil {
		t.Fatalf("ApproveSubmission: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	// Each attempt prepares its own archive commit.
	if len(fa.commits) != 2 {
		t.Fatalf("archive commits = %d, want 2", len(fa.commits))
	}
}

func TestApproveConflictExhaustsRetries(t *testing.T) {
	sub := store.Submission{
		ID: "sub_4", Title: "Quantization Levels", Group: "ml-standards",
		Status: "under_review", SubmittedBy: "usr_member",
	}
	attempts := 0
	fs := &fakeStore{
		getSubmission: func(context.Context, string) (store.Submission, error) { return sub, nil },
		approveSubmission: func(context.Context, store.ApproveParams) (store.ApprovalOutcome, error) {
			attempts++
			return store.ApprovalOutcome{}, store.ErrApprovalRaced
		},
	}
	svc := newTestService(fs, nil, nil)

	_, err := svc.ApproveSubmission(context.Background(), editorSession(), "sub_4")
	assertDomainCode(t, err, "CONFLICT")
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestApprovePermission(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	_, err := svc.ApproveSubmission(context.Background(), memberSession(), "sub_1")
	assertDomainCode(t, err, "PERMISSION_DENIED")
}

func assertDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %T: %v", err, err)
	}
	if domainErr.Code != code {
		t.Fatalf("code = %s, want %s", domainErr.Code, code)
	}
}
