package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"plenum/api/internal/archive"
	"plenum/api/internal/docnum"
	"plenum/api/internal/notify"
	"plenum/api/internal/rbac"
	"plenum/api/internal/search"
	"plenum/api/internal/store"
	"plenum/api/internal/util"
)

const (
	maxTitleLen    = 200
	maxAbstractLen = 4000
	maxAuthors     = 20
)

type SubmitDraftInput struct {
	Title    string   `json:"title"`
	Authors  []string `json:"authors"`
	Group    string   `json:"group"`
	Abstract string   `json:"abstract"`
	FileRef  string   `json:"fileRef"`
}

// SubmitDraft creates a new submission in state submitted.
func (s *Service) SubmitDraft(ctx context.Context, session Session, input SubmitDraftInput) (store.Submission, error) {
	if !s.Can(session.Role, rbac.ActionSubmit) {
		return store.Submission{}, permissionDenied("submitting requires a member account")
	}

	title := strings.TrimSpace(input.Title)
	group := strings.TrimSpace(input.Group)
	details := map[string]any{}
	if title == "" {
		details["title"] = "required"
	}
	if len(title) > maxTitleLen {
		details["title"] = fmt.Sprintf("at most %d characters", maxTitleLen)
	}
	if group == "" {
		details["group"] = "required"
	}
	if len(input.Abstract) > maxAbstractLen {
		details["abstract"] = fmt.Sprintf("at most %d characters", maxAbstractLen)
	}
	if len(input.Authors) > maxAuthors {
		details["authors"] = fmt.Sprintf("at most %d authors", maxAuthors)
	}
	if len(details) > 0 {
		return store.Submission{}, validationError("invalid submission", details)
	}

	authors := make([]string, 0, len(input.Authors))
	for _, a := range input.Authors {
		if trimmed := strings.TrimSpace(a); trimmed != "" {
			authors = append(authors, trimmed)
		}
	}
	if len(authors) == 0 {
		authors = []string{session.UserName}
	}

	item := store.Submission{
		ID:          util.NewID("sub"),
		Title:       title,
		Authors:     authors,
		Group:       group,
		Abstract:    strings.TrimSpace(input.Abstract),
		FileRef:     input.FileRef,
		Status:      "submitted",
		SubmittedBy: session.UserID,
	}
	if err := s.store.InsertSubmission(ctx, item); err != nil {
		return store.Submission{}, err
	}
	if err := s.store.AppendAudit(ctx, store.AuditRecord{
		EntityType: "submission", EntityID: item.ID,
		Action: "submitted", ActorID: session.UserID, ActorName: session.UserName,
		Details: title,
	}); err != nil {
		return store.Submission{}, err
	}
	return item, nil
}

// ListSubmissions returns the review queue. Reviewers see everything;
// everyone else only their own submissions.
func (s *Service) ListSubmissions(ctx context.Context, session Session, status string) ([]store.Submission, error) {
	if rbac.IsReviewer(rbac.Normalize(session.Role)) {
		return s.store.ListSubmissions(ctx, status, "")
	}
	return s.store.ListSubmissions(ctx, status, session.UserID)
}

func (s *Service) GetSubmission(ctx context.Context, session Session, submissionID string) (store.Submission, error) {
	item, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return store.Submission{}, err
	}
	if item.SubmittedBy != session.UserID && !rbac.IsReviewer(rbac.Normalize(session.Role)) {
		return store.Submission{}, permissionDenied("not your submission")
	}
	return item, nil
}

// BeginReview moves submitted to under_review.
func (s *Service) BeginReview(ctx context.Context, session Session, submissionID string) (store.Submission, error) {
	if !s.Can(session.Role, rbac.ActionReview) {
		return store.Submission{}, permissionDenied("reviewing requires an editor role")
	}
	item, err := s.store.BeginReview(ctx, submissionID, session.UserID, session.UserName)
	if errors.Is(err, store.ErrInvalidState) {
		return store.Submission{}, stateError("submission is not awaiting review")
	}
	return item, err
}

// RejectSubmission moves under_review to rejected. The reason is required
// and lands in the audit trail.
func (s *Service) RejectSubmission(ctx context.Context, session Session, submissionID, reason string) (store.Submission, error) {
	if !s.Can(session.Role, rbac.ActionReview) {
		return store.Submission{}, permissionDenied("rejecting requires an editor role")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return store.Submission{}, validationError("a rejection reason is required", nil)
	}
	item, err := s.store.RejectSubmission(ctx, submissionID, session.UserID, session.UserName, reason)
	if errors.Is(err, store.ErrInvalidState) {
		return store.Submission{}, stateError("submission is not under review")
	}
	return item, err
}

// WithdrawSubmission removes a submission before review begins. Only the
// submitter may withdraw, and only while the state is submitted.
func (s *Service) WithdrawSubmission(ctx context.Context, session Session, submissionID string) error {
	item, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if item.SubmittedBy != session.UserID {
		return permissionDenied("only the submitter can withdraw")
	}
	err = s.store.WithdrawSubmission(ctx, submissionID, session.UserID, session.UserName)
	if errors.Is(err, store.ErrInvalidState) {
		return stateError("submission can no longer be withdrawn")
	}
	return err
}

// ApproveSubmission publishes a submission: an existing document with the
// same working group and title gains a revision, otherwise a new document
// is created with the next sequential identifier. The database transaction
// is serializable and retried on conflict; the archive commit is prepared
// per attempt so the content lands in the right document's history.
func (s *Service) ApproveSubmission(ctx context.Context, session Session, submissionID string) (store.ApprovalOutcome, error) {
	if !s.Can(session.Role, rbac.ActionApprove) {
		return store.ApprovalOutcome{}, permissionDenied("approving requires an editor role")
	}

	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return store.ApprovalOutcome{}, err
	}
	if sub.Status != "under_review" {
		return store.ApprovalOutcome{}, stateError("submission is not under review")
	}

	var outcome store.ApprovalOutcome
	backoff := 25 * time.Millisecond
	for attempt := 0; ; attempt++ {
		outcome, err = s.approveOnce(ctx, session, sub)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrInvalidState) {
			return store.ApprovalOutcome{}, stateError("submission is not under review")
		}
		if store.IsRetryableConflict(err) && attempt < 2 {
			s.log.Warn().Err(err).Str("submission_id", sub.ID).Int("attempt", attempt+1).
				Msg("approval conflicted, retrying")
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		if store.IsRetryableConflict(err) {
			return store.ApprovalOutcome{}, conflictError("approval conflicted with a concurrent publication, retry")
		}
		return store.ApprovalOutcome{}, err
	}

	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{
			ID:     outcome.Document.ID,
			Code:   outcome.Document.Code,
			Title:  outcome.Document.Title,
			Group:  outcome.Document.Group,
			Status: outcome.Document.Status,
		})
	}
	if !outcome.Created && s.notifier != nil {
		s.notifier.DispatchAsync(notify.Event{
			Kind:        notify.KindMajor,
			DocumentID:  outcome.Document.ID,
			DocCode:     outcome.Document.Code,
			DocTitle:    outcome.Document.Title,
			Summary:     fmt.Sprintf("Revision %d has been published.", outcome.Revision.Number),
			Detail:      outcome.Revision.Abstract,
			ActorUserID: session.UserID,
		})
	}
	return outcome, nil
}

func (s *Service) approveOnce(ctx context.Context, session Session, sub store.Submission) (store.ApprovalOutcome, error) {
	existing, err := s.store.FindDocumentByGroupTitle(ctx, sub.Group, sub.Title)
	if err != nil {
		return store.ApprovalOutcome{}, err
	}

	targetDocID := util.NewID("doc")
	existingID := ""
	revNumber := 0
	if existing != nil {
		targetDocID = existing.ID
		existingID = existing.ID
		revNumber = existing.CurrentRev + 1
	}

	hash, err := s.archive.CommitRevision(targetDocID, archive.Content{
		Title:    sub.Title,
		Group:    sub.Group,
		Abstract: sub.Abstract,
		Authors:  sub.Authors,
		FileRef:  sub.FileRef,
		Revision: revNumber,
	}, session.UserName, fmt.Sprintf("Publish revision %d", revNumber))
	if err != nil {
		return store.ApprovalOutcome{}, fmt.Errorf("archive revision: %w", err)
	}

	return s.store.ApproveSubmission(ctx, store.ApproveParams{
		SubmissionID:       sub.ID,
		ActorID:            session.UserID,
		ActorName:          session.UserName,
		Prefix:             s.cfg.DocPrefix,
		NewDocumentID:      targetDocID,
		ExistingDocumentID: existingID,
		RevisionID:         util.NewID("rev"),
		CommitHash:         hash,
	})
}

// FormatCode exposes identifier formatting for read paths.
func (s *Service) FormatCode(number int) string {
	return docnum.Format(s.cfg.DocPrefix, number)
}
