package store

// Integration tests against a live PostgreSQL instance. Set
// PLENUM_TEST_DATABASE_URL to run them; they are skipped otherwise. Each run
// uses its own temporary schema so parallel CI jobs do not collide.

import (
	"context"
	"fmt"
	neturl "net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"plenum/api/internal/util"
)

func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("PLENUM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PLENUM_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	admin, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := fmt.Sprintf("plenum_test_%d", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.Exec("DROP SCHEMA " + schema + " CASCADE")
		_ = admin.Close()
	})

	// Pin the search path in the DSN so every pooled connection uses the
	// test schema.
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	db, err := Open(ctx, url+sep+"options="+neturl.QueryEscape("-csearch_path="+schema))
	if err != nil {
		t.Fatalf("open schema-scoped db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(ctx, db, "../../db/migrations", zerolog.Nop()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func seedUser(t *testing.T, s *PostgresStore, name, role string) User {
	t.Helper()
	user := User{
		ID:    util.NewID("usr"),
		Name:  name,
		Email: util.NewID("mail") + "@example.com",
		Role:  role,
	}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func seedSubmissionUnderReview(t *testing.T, s *PostgresStore, submitter, editor User, title, group string) Submission {
	t.Helper()
	ctx := context.Background()
	sub := Submission{
		ID:          util.NewID("sub"),
		Title:       title,
		Authors:     []string{submitter.Name},
		Group:       group,
		Abstract:    "abstract",
		Status:      "submitted",
		SubmittedBy: submitter.ID,
	}
	if err := s.InsertSubmission(ctx, sub); err != nil {
		t.Fatalf("insert submission: %v", err)
	}
	if _, err := s.BeginReview(ctx, sub.ID, editor.ID, editor.Name); err != nil {
		t.Fatalf("begin review: %v", err)
	}
	return sub
}

func approveWithRetry(s *PostgresStore, sub Submission, editor User) (ApprovalOutcome, error) {
	ctx := context.Background()
	var outcome ApprovalOutcome
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		existing, ferr := s.FindDocumentByGroupTitle(ctx, sub.Group, sub.Title)
		if ferr != nil {
			return ApprovalOutcome{}, ferr
		}
		params := ApproveParams{
			SubmissionID: sub.ID,
			ActorID:      editor.ID,
			ActorName:    editor.Name,
			Prefix:       "ML",
			RevisionID:   util.NewID("rev"),
			CommitHash:   "0000000000000000000000000000000000000000",
		}
		if existing != nil {
			params.NewDocumentID = existing.ID
			params.ExistingDocumentID = existing.ID
		} else {
			params.NewDocumentID = util.NewID("doc")
		}
		outcome, err = s.ApproveSubmission(ctx, params)
		if err == nil || !IsRetryableConflict(err) {
			return outcome, err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return outcome, err
}

func TestConcurrentApprovalsMintGapFreeNumbers(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	s := newTestStore(t)
	ctx := context.Background()

	submitter := seedUser(t, s, "Mel Member", "member")
	editor := seedUser(t, s, "Edna Editor", "editor")

	const n = 8
	subs := make([]Submission, n)
	for i := 0; i < n; i++ {
		subs[i] = seedSubmissionUnderReview(t, s, submitter, editor,
			fmt.Sprintf("Document %d", i), "ml-standards")
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = approveWithRetry(s, subs[i], editor)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("approval %d: %v", i, err)
		}
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != n {
		t.Fatalf("documents = %d, want %d", len(docs), n)
	}
	for i, doc := range docs {
		if doc.Number != i+1 {
			t.Fatalf("number sequence broken at %d: got %d", i, doc.Number)
		}
	}
}

func TestConcurrentApprovalSameTitleBecomesRevision(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	s := newTestStore(t)
	ctx := context.Background()

	submitter := seedUser(t, s, "Mel Member", "member")
	editor := seedUser(t, s, "Edna Editor", "editor")

	first := seedSubmissionUnderReview(t, s, submitter, editor, "Quantization Levels", "ml-standards")
	second := seedSubmissionUnderReview(t, s, submitter, editor, "quantization levels", "ml-standards")

	var wg sync.WaitGroup
	outcomes := make([]ApprovalOutcome, 2)
	errs := make([]error, 2)
	for i, sub := range []Submission{first, second} {
		wg.Add(1)
		go func(i int, sub Submission) {
			defer wg.Done()
			outcomes[i], errs[i] = approveWithRetry(s, sub, editor)
		}(i, sub)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("approval %d: %v", i, err)
		}
	}

	// Title matching is case-insensitive, so exactly one document exists
	// with one published revision on top of revision zero.
	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("documents = %d, want 1", len(docs))
	}
	if docs[0].CurrentRev != 1 {
		t.Fatalf("current rev = %d, want 1", docs[0].CurrentRev)
	}
	if outcomes[0].Created == outcomes[1].Created {
		t.Fatal("exactly one approval should have created the document")
	}
}

func TestAuditLogIsImmutable(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendAudit(ctx, AuditRecord{
		EntityType: "submission", EntityID: "sub_x", Action: "submitted",
	}); err != nil {
		t.Fatalf("append audit: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE audit_log SET action='tampered'`); err == nil {
		t.Fatal("audit update succeeded, want trigger rejection")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_log`); err == nil {
		t.Fatal("audit delete succeeded, want trigger rejection")
	}
}

func TestRevisionRowsAreImmutable(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	s := newTestStore(t)
	ctx := context.Background()

	submitter := seedUser(t, s, "Mel Member", "member")
	editor := seedUser(t, s, "Edna Editor", "editor")
	sub := seedSubmissionUnderReview(t, s, submitter, editor, "Quantization Levels", "ml-standards")
	if _, err := approveWithRetry(s, sub, editor); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE revisions SET abstract='rewritten history'`); err == nil {
		t.Fatal("revision update succeeded, want trigger rejection")
	}
}

func TestWithdrawRemovesRowButKeepsAudit(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	s := newTestStore(t)
	ctx := context.Background()

	submitter := seedUser(t, s, "Mel Member", "member")
	sub := Submission{
		ID: util.NewID("sub"), Title: "Quantization Levels", Group: "ml-standards",
		Authors: []string{submitter.Name}, Status: "submitted", SubmittedBy: submitter.ID,
	}
	if err := s.InsertSubmission(ctx, sub); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.WithdrawSubmission(ctx, sub.ID, submitter.ID, submitter.Name); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := s.GetSubmission(ctx, sub.ID); err == nil {
		t.Fatal("withdrawn submission still readable")
	}

	records, err := s.ListAudit(ctx, "submission", sub.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("audit trail lost on withdrawal")
	}
}
