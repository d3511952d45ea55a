package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"plenum/api/internal/docnum"
)

// ErrInvalidState is returned when a lifecycle transition is attempted from
// the wrong state.
var ErrInvalidState = errors.New("invalid lifecycle state")

// ErrApprovalRaced is returned when the document matched inside the approval
// transaction differs from the one the caller prepared content for. Always
// retryable.
var ErrApprovalRaced = errors.New("approval raced with a concurrent publication")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsRetryableConflict reports whether err is a transient concurrency failure
// (serialization failure, deadlock, or the unique-index race on concurrent
// first publications) that the caller should retry with backoff.
func IsRetryableConflict(err error) bool {
	if errors.Is(err, ErrApprovalRaced) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", "40P01":
		return true
	case "23505":
		switch pgErr.ConstraintName {
		case "documents_group_title_idx", "documents_number_key", "documents_code_key", "revisions_document_id_number_key":
			return true
		}
	}
	return false
}

const userColumns = `id, name, oauth_name, wallet_address, email, password_hash, role,
	is_email_verified, verification_token, verification_expires_at,
	reset_token, reset_expires_at, deactivated_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Name, &u.OAuthName, &u.WalletAddress, &u.Email, &u.PasswordHash, &u.Role,
		&u.IsEmailVerified, &u.VerificationToken, &u.VerificationExpiresAt,
		&u.ResetToken, &u.ResetExpiresAt, &u.DeactivatedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, oauth_name, wallet_address, email, password_hash, role, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, LOWER($5), $6, $7, $8, $9)
	`, user.ID, user.Name, user.OAuthName, user.WalletAddress, user.Email, user.PasswordHash, user.Role, user.VerificationToken, user.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email))
}

func (s *PostgresStore) GetUserByVerificationToken(ctx context.Context, token string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE verification_token=$1 AND verification_token <> ''
	`, token))
}

func (s *PostgresStore) MarkEmailVerified(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE id=$1
	`, userID)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetResetToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET reset_token=$2, reset_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set reset token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByResetToken(ctx context.Context, token string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE reset_token=$1 AND reset_token <> '' AND reset_expires_at > NOW()
	`, token))
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, reset_token='', reset_expires_at=NULL, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET name=$2, updated_at=NOW() WHERE id=$1`, userID, name)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return nil
}

// DeactivateUser soft-deletes; authorship of historical submissions and
// comments survives.
func (s *PostgresStore) DeactivateUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET deactivated_at=NOW(), updated_at=NOW() WHERE id=$1 AND deactivated_at IS NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.name, u.oauth_name, u.wallet_address, u.email, u.password_hash, u.role,
			u.is_email_verified, u.verification_token, u.verification_expires_at,
			u.reset_token, u.reset_expires_at, u.deactivated_at, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND u.deactivated_at IS NULL
	`
	return scanUser(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const submissionColumns = `id, title, authors, working_group, abstract, file_ref, status,
	submitted_by, submitted_at, reviewed_by_name, reject_reason, document_id, doc_number`

func scanSubmission(row interface{ Scan(...any) error }) (Submission, error) {
	var item Submission
	var authorsRaw []byte
	err := row.Scan(
		&item.ID, &item.Title, &authorsRaw, &item.Group, &item.Abstract, &item.FileRef, &item.Status,
		&item.SubmittedBy, &item.SubmittedAt, &item.ReviewedBy, &item.RejectReason, &item.DocumentID, &item.DocNumber,
	)
	if err != nil {
		return Submission{}, err
	}
	_ = json.Unmarshal(authorsRaw, &item.Authors)
	return item, nil
}

func (s *PostgresStore) InsertSubmission(ctx context.Context, item Submission) error {
	authors, err := json.Marshal(nonNilStrings(item.Authors))
	if err != nil {
		return fmt.Errorf("marshal submission authors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, title, authors, working_group, abstract, file_ref, status, submitted_by)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, 'submitted', $7)
	`, item.ID, item.Title, string(authors), item.Group, item.Abstract, item.FileRef, item.SubmittedBy)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, submissionID string) (Submission, error) {
	return scanSubmission(s.db.QueryRowContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions WHERE id=$1
	`, submissionID))
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, status, submittedBy string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE ($1='' OR status=$1)
		  AND ($2='' OR submitted_by=$2)
		ORDER BY submitted_at DESC
	`, status, submittedBy)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	items := make([]Submission, 0)
	for rows.Next() {
		item, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}

// BeginReview moves a submission from submitted to under_review and appends
// the audit record in the same transaction.
func (s *PostgresStore) BeginReview(ctx context.Context, submissionID, actorID, actorName string) (Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Submission{}, fmt.Errorf("begin review tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanSubmission(tx.QueryRowContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions WHERE id=$1 FOR UPDATE
	`, submissionID))
	if err != nil {
		return Submission{}, err
	}
	if item.Status != "submitted" {
		return Submission{}, ErrInvalidState
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE submissions SET status='under_review', reviewed_by_name=$2 WHERE id=$1
	`, submissionID, actorName); err != nil {
		return Submission{}, fmt.Errorf("begin review: %w", err)
	}
	if err := appendAuditTx(ctx, tx, AuditRecord{
		EntityType: "submission", EntityID: submissionID,
		Action: "review_started", ActorID: actorID, ActorName: actorName,
	}); err != nil {
		return Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return Submission{}, fmt.Errorf("commit begin review: %w", err)
	}
	item.Status = "under_review"
	item.ReviewedBy = actorName
	return item, nil
}

// RejectSubmission moves an under_review submission to rejected, retaining
// the reason for audit.
func (s *PostgresStore) RejectSubmission(ctx context.Context, submissionID, actorID, actorName, reason string) (Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Submission{}, fmt.Errorf("begin reject tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanSubmission(tx.QueryRowContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions WHERE id=$1 FOR UPDATE
	`, submissionID))
	if err != nil {
		return Submission{}, err
	}
	if item.Status != "under_review" {
		return Submission{}, ErrInvalidState
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE submissions SET status='rejected', reviewed_by_name=$2, reject_reason=$3 WHERE id=$1
	`, submissionID, actorName, reason); err != nil {
		return Submission{}, fmt.Errorf("reject submission: %w", err)
	}
	if err := appendAuditTx(ctx, tx, AuditRecord{
		EntityType: "submission", EntityID: submissionID,
		Action: "rejected", ActorID: actorID, ActorName: actorName, Details: reason,
	}); err != nil {
		return Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return Submission{}, fmt.Errorf("commit reject: %w", err)
	}
	item.Status = "rejected"
	item.ReviewedBy = actorName
	item.RejectReason = reason
	return item, nil
}

// WithdrawSubmission destroys a submission before review begins. The audit
// record outlives the row.
func (s *PostgresStore) WithdrawSubmission(ctx context.Context, submissionID, actorID, actorName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin withdraw tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanSubmission(tx.QueryRowContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions WHERE id=$1 FOR UPDATE
	`, submissionID))
	if err != nil {
		return err
	}
	if item.Status != "submitted" {
		return ErrInvalidState
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE id=$1`, submissionID); err != nil {
		return fmt.Errorf("withdraw submission: %w", err)
	}
	if err := appendAuditTx(ctx, tx, AuditRecord{
		EntityType: "submission", EntityID: submissionID,
		Action: "withdrawn", ActorID: actorID, ActorName: actorName,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit withdraw: %w", err)
	}
	return nil
}

// ApproveParams carries everything the approval transaction needs. The
// caller prepares the archive commit against ExistingDocumentID (or
// NewDocumentID when no document matched) before calling; the transaction
// re-checks the match under lock and fails with ErrApprovalRaced when a
// concurrent approval changed the picture.
type ApproveParams struct {
	SubmissionID       string
	ActorID            string
	ActorName          string
	Prefix             string
	NewDocumentID      string
	ExistingDocumentID string
	RevisionID         string
	CommitHash         string
}

// ApproveSubmission runs the whole approval as one serializable
// transaction: mint the next identifier (new documents only), create the
// document or append a revision, mark the submission approved, and append
// the audit records. This is the one place a lost update would mint
// duplicate numbers, so the counter increment lives inside the same
// transaction as everything else.
func (s *PostgresStore) ApproveSubmission(ctx context.Context, p ApproveParams) (ApprovalOutcome, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ApprovalOutcome{}, fmt.Errorf("begin approve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := scanSubmission(tx.QueryRowContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions WHERE id=$1 FOR UPDATE
	`, p.SubmissionID))
	if err != nil {
		return ApprovalOutcome{}, err
	}
	if sub.Status != "under_review" {
		return ApprovalOutcome{}, ErrInvalidState
	}

	var doc Document
	var haveDoc bool
	err = tx.QueryRowContext(ctx, `
		SELECT id, number, code, title, working_group, status, current_rev, created_at, updated_at
		FROM documents
		WHERE working_group=$1 AND LOWER(title)=LOWER($2)
		FOR UPDATE
	`, sub.Group, sub.Title).Scan(&doc.ID, &doc.Number, &doc.Code, &doc.Title, &doc.Group, &doc.Status, &doc.CurrentRev, &doc.CreatedAt, &doc.UpdatedAt)
	switch {
	case err == nil:
		haveDoc = true
	case errors.Is(err, sql.ErrNoRows):
		haveDoc = false
	default:
		return ApprovalOutcome{}, fmt.Errorf("match document: %w", err)
	}

	// The archive commit was prepared against a particular document; if a
	// concurrent approval changed which document this submission lands on,
	// back out and let the caller retry.
	if haveDoc && p.ExistingDocumentID != doc.ID {
		return ApprovalOutcome{}, ErrApprovalRaced
	}
	if !haveDoc && p.ExistingDocumentID != "" {
		return ApprovalOutcome{}, ErrApprovalRaced
	}

	authors, err := json.Marshal(nonNilStrings(sub.Authors))
	if err != nil {
		return ApprovalOutcome{}, fmt.Errorf("marshal revision authors: %w", err)
	}

	var revision Revision
	created := false
	if !haveDoc {
		var number int
		if err := tx.QueryRowContext(ctx, `
			UPDATE document_numbers SET value = value + 1 WHERE id = 1 RETURNING value
		`).Scan(&number); err != nil {
			return ApprovalOutcome{}, fmt.Errorf("assign next identifier: %w", err)
		}
		doc = Document{
			ID:         p.NewDocumentID,
			Number:     number,
			Code:       docnum.Format(p.Prefix, number),
			Title:      sub.Title,
			Group:      sub.Group,
			Status:     "published",
			CurrentRev: 0,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, number, code, title, working_group, status, current_rev)
			VALUES ($1, $2, $3, $4, $5, 'published', 0)
		`, doc.ID, doc.Number, doc.Code, doc.Title, doc.Group); err != nil {
			return ApprovalOutcome{}, fmt.Errorf("insert document: %w", err)
		}
		revision = Revision{ID: p.RevisionID, DocumentID: doc.ID, Number: 0}
		created = true
	} else {
		revision = Revision{ID: p.RevisionID, DocumentID: doc.ID, Number: doc.CurrentRev + 1}
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET current_rev=$2, updated_at=NOW() WHERE id=$1
		`, doc.ID, revision.Number); err != nil {
			return ApprovalOutcome{}, fmt.Errorf("advance current revision: %w", err)
		}
		doc.CurrentRev = revision.Number
	}

	revision.FileRef = sub.FileRef
	revision.CommitHash = p.CommitHash
	revision.Abstract = sub.Abstract
	revision.Authors = sub.Authors
	revision.CreatedBy = p.ActorName
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (id, document_id, number, file_ref, commit_hash, abstract, authors, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, revision.ID, revision.DocumentID, revision.Number, revision.FileRef, revision.CommitHash, revision.Abstract, string(authors), revision.CreatedBy); err != nil {
		return ApprovalOutcome{}, fmt.Errorf("insert revision: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE submissions
		SET status='approved', reviewed_by_name=$2, document_id=$3, doc_number=$4
		WHERE id=$1
	`, p.SubmissionID, p.ActorName, doc.ID, doc.Number); err != nil {
		return ApprovalOutcome{}, fmt.Errorf("mark submission approved: %w", err)
	}

	if err := appendAuditTx(ctx, tx, AuditRecord{
		EntityType: "submission", EntityID: p.SubmissionID,
		Action: "approved", ActorID: p.ActorID, ActorName: p.ActorName, Details: doc.Code,
	}); err != nil {
		return ApprovalOutcome{}, err
	}
	docAction := "revised"
	if created {
		docAction = "published"
	}
	if err := appendAuditTx(ctx, tx, AuditRecord{
		EntityType: "document", EntityID: doc.ID,
		Action: docAction, ActorID: p.ActorID, ActorName: p.ActorName,
		Details: fmt.Sprintf("rev %d", revision.Number),
	}); err != nil {
		return ApprovalOutcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return ApprovalOutcome{}, fmt.Errorf("commit approve: %w", err)
	}

	sub.Status = "approved"
	sub.ReviewedBy = p.ActorName
	sub.DocumentID = &doc.ID
	sub.DocNumber = &doc.Number
	return ApprovalOutcome{Submission: sub, Document: doc, Revision: revision, Created: created}, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, code, title, working_group, status, current_rev, created_at, updated_at
		FROM documents
		ORDER BY number ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.Number, &item.Code, &item.Title, &item.Group, &item.Status, &item.CurrentRev, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocumentByID(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, code, title, working_group, status, current_rev, created_at, updated_at
		FROM documents WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Number, &item.Code, &item.Title, &item.Group, &item.Status, &item.CurrentRev, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetDocumentByCode(ctx context.Context, code string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, code, title, working_group, status, current_rev, created_at, updated_at
		FROM documents WHERE code=$1
	`, code).Scan(&item.ID, &item.Number, &item.Code, &item.Title, &item.Group, &item.Status, &item.CurrentRev, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

// FindDocumentByGroupTitle returns nil when no document matches; used by the
// approval path to decide publish-vs-revise before preparing the archive
// commit.
func (s *PostgresStore) FindDocumentByGroupTitle(ctx context.Context, group, title string) (*Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, code, title, working_group, status, current_rev, created_at, updated_at
		FROM documents
		WHERE working_group=$1 AND LOWER(title)=LOWER($2)
	`, group, title).Scan(&item.ID, &item.Number, &item.Code, &item.Title, &item.Group, &item.Status, &item.CurrentRev, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find document by group/title: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, documentID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, number, file_ref, commit_hash, abstract, authors, created_by_name, created_at
		FROM revisions
		WHERE document_id=$1
		ORDER BY number ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		var item Revision
		var authorsRaw []byte
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Number, &item.FileRef, &item.CommitHash, &item.Abstract, &authorsRaw, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		_ = json.Unmarshal(authorsRaw, &item.Authors)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRevision(ctx context.Context, documentID string, number int) (Revision, error) {
	var item Revision
	var authorsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, number, file_ref, commit_hash, abstract, authors, created_by_name, created_at
		FROM revisions
		WHERE document_id=$1 AND number=$2
	`, documentID, number).Scan(&item.ID, &item.DocumentID, &item.Number, &item.FileRef, &item.CommitHash, &item.Abstract, &authorsRaw, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Revision{}, err
	}
	_ = json.Unmarshal(authorsRaw, &item.Authors)
	return item, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, parent_id, author_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.DocumentID, item.ParentID, item.AuthorID, item.Body, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	var name, oauthName, wallet string
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.document_id, c.parent_id, c.author_id,
			u.name, u.oauth_name, u.wallet_address,
			c.body, c.original_text, c.edited_at, c.deleted, c.created_at
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.id=$1
	`, commentID).Scan(&item.ID, &item.DocumentID, &item.ParentID, &item.AuthorID, &name, &oauthName, &wallet, &item.Body, &item.OriginalText, &item.EditedAt, &item.Deleted, &item.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	item.AuthorName = User{Name: name, OAuthName: oauthName, WalletAddress: wallet}.DisplayName()
	return item, nil
}

func (s *PostgresStore) ListCommentsByDocument(ctx context.Context, documentID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.parent_id, c.author_id,
			u.name, u.oauth_name, u.wallet_address,
			c.body, c.original_text, c.edited_at, c.deleted, c.created_at
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.document_id=$1
		ORDER BY c.created_at ASC, c.id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		var name, oauthName, wallet string
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.ParentID, &item.AuthorID, &name, &oauthName, &wallet, &item.Body, &item.OriginalText, &item.EditedAt, &item.Deleted, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		item.AuthorName = User{Name: name, OAuthName: oauthName, WalletAddress: wallet}.DisplayName()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// UpdateCommentBody applies an edit. COALESCE keeps the first snapshot: the
// original text is written once and never overwritten by later edits.
func (s *PostgresStore) UpdateCommentBody(ctx context.Context, commentID, newBody, previousBody string, editedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET body=$2, edited_at=$3, original_text=COALESCE(original_text, $4)
		WHERE id=$1
	`, commentID, newBody, editedAt, previousBody)
	if err != nil {
		return fmt.Errorf("update comment body: %w", err)
	}
	return nil
}

// TombstoneComment soft-deletes: the display body becomes the placeholder,
// the original text survives for audit, children stay attached.
func (s *PostgresStore) TombstoneComment(ctx context.Context, commentID, placeholder string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET deleted=TRUE, original_text=COALESCE(original_text, body), body=$2
		WHERE id=$1
	`, commentID, placeholder)
	if err != nil {
		return fmt.Errorf("tombstone comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertFollow(ctx context.Context, userID, documentID, level string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follows (user_id, document_id, level)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, document_id) DO UPDATE SET level=EXCLUDED.level, updated_at=NOW()
	`, userID, documentID, level)
	if err != nil {
		return fmt.Errorf("upsert follow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFollowLevel(ctx context.Context, userID, documentID string) (string, error) {
	var level string
	err := s.db.QueryRowContext(ctx, `
		SELECT level FROM follows WHERE user_id=$1 AND document_id=$2
	`, userID, documentID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return "none", nil
	}
	if err != nil {
		return "", fmt.Errorf("get follow level: %w", err)
	}
	return level, nil
}

func (s *PostgresStore) ListFollowers(ctx context.Context, documentID string) ([]Follower, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.user_id, u.email, u.name, u.oauth_name, u.wallet_address, f.level
		FROM follows f
		JOIN users u ON u.id = f.user_id
		WHERE f.document_id=$1 AND f.level <> 'none' AND u.deactivated_at IS NULL
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	defer rows.Close()

	items := make([]Follower, 0)
	for rows.Next() {
		var item Follower
		var name, oauthName, wallet string
		if err := rows.Scan(&item.UserID, &item.Email, &name, &oauthName, &wallet, &item.Level); err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		item.Name = User{Name: name, OAuthName: oauthName, WalletAddress: wallet}.DisplayName()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate followers: %w", err)
	}
	return items, nil
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, record AuditRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, action, actor_id, actor_name, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.EntityType, record.EntityID, record.Action, record.ActorID, record.ActorName, record.Details)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, record AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, action, actor_id, actor_name, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.EntityType, record.EntityID, record.Action, record.ActorID, record.ActorName, record.Details)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, entityType, entityID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, actor_id, actor_name, details, created_at
		FROM audit_log
		WHERE entity_type=$1 AND entity_id=$2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	items := make([]AuditRecord, 0)
	for rows.Next() {
		var item AuditRecord
		if err := rows.Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Action, &item.ActorID, &item.ActorName, &item.Details, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return items, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
