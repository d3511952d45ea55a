package app

import (
	"context"

	"plenum/api/internal/archive"
	"plenum/api/internal/notify"
	"plenum/api/internal/store"
)

// ListDocuments returns the published registry in identifier order.
func (s *Service) ListDocuments(ctx context.Context) ([]map[string]any, error) {
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		items = append(items, documentPayload(doc))
	}
	return items, nil
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":         doc.ID,
		"code":       doc.Code,
		"number":     doc.Number,
		"title":      doc.Title,
		"group":      doc.Group,
		"status":     doc.Status,
		"currentRev": doc.CurrentRev,
		"createdAt":  doc.CreatedAt,
		"updatedAt":  doc.UpdatedAt,
	}
}

// GetDocument returns a document with its revision list.
func (s *Service) GetDocument(ctx context.Context, code string) (map[string]any, error) {
	doc, err := s.store.GetDocumentByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	revisions, err := s.store.ListRevisions(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	revs := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		revs = append(revs, revisionPayload(rev))
	}

	payload := documentPayload(doc)
	payload["revisions"] = revs
	return payload, nil
}

func revisionPayload(rev store.Revision) map[string]any {
	return map[string]any{
		"id":         rev.ID,
		"number":     rev.Number,
		"abstract":   rev.Abstract,
		"authors":    rev.Authors,
		"fileRef":    rev.FileRef,
		"commitHash": rev.CommitHash,
		"createdBy":  rev.CreatedBy,
		"createdAt":  rev.CreatedAt,
	}
}

// GetRevision returns one revision with its archived content.
func (s *Service) GetRevision(ctx context.Context, code string, number int) (map[string]any, error) {
	doc, err := s.store.GetDocumentByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	rev, err := s.store.GetRevision(ctx, doc.ID, number)
	if err != nil {
		return nil, err
	}

	payload := revisionPayload(rev)
	payload["document"] = documentPayload(doc)

	if rev.CommitHash != "" {
		content, err := s.archive.ContentByHash(doc.ID, rev.CommitHash)
		if err != nil {
			s.log.Warn().Err(err).Str("document_id", doc.ID).Str("hash", rev.CommitHash).
				Msg("archived content unavailable")
		} else {
			payload["content"] = content
		}
	}
	return payload, nil
}

// DocumentHistory returns the archive commit log for a document.
func (s *Service) DocumentHistory(ctx context.Context, code string, limit int) ([]archive.CommitInfo, error) {
	doc, err := s.store.GetDocumentByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.archive.History(doc.ID, limit)
}

// SetFollowLevel records how much of a document's activity the user wants
// to hear about.
func (s *Service) SetFollowLevel(ctx context.Context, session Session, code, level string) error {
	if !notify.ValidLevel(level) {
		return validationError("unknown follow level", map[string]any{"level": level})
	}
	doc, err := s.store.GetDocumentByCode(ctx, code)
	if err != nil {
		return err
	}
	return s.store.UpsertFollow(ctx, session.UserID, doc.ID, level)
}

// GetFollowLevel returns the user's follow level for a document, "none"
// when the user never followed it.
func (s *Service) GetFollowLevel(ctx context.Context, session Session, code string) (string, error) {
	doc, err := s.store.GetDocumentByCode(ctx, code)
	if err != nil {
		return "", err
	}
	return s.store.GetFollowLevel(ctx, session.UserID, doc.ID)
}

// DocumentAudit returns the audit trail for a document.
func (s *Service) DocumentAudit(ctx context.Context, code string, limit int) ([]store.AuditRecord, error) {
	doc, err := s.store.GetDocumentByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, "document", doc.ID, limit)
}

// SubmissionAudit returns the audit trail for a submission. Withdrawn
// submissions keep their trail even though the row is gone.
func (s *Service) SubmissionAudit(ctx context.Context, session Session, submissionID string, limit int) ([]store.AuditRecord, error) {
	return s.store.ListAudit(ctx, "submission", submissionID, limit)
}
