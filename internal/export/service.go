package export

import (
	"context"
	"fmt"

	"plenum/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetDocumentByCode(ctx context.Context, code string) (store.Document, error)
	GetRevision(ctx context.Context, documentID string, number int) (store.Revision, error)
	ListCommentsByDocument(ctx context.Context, documentID string) ([]store.Comment, error)
}

// Service provides document export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export renders the requested revision of a published document.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	doc, err := s.store.GetDocumentByCode(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	revNumber := req.Revision
	if revNumber < 0 {
		revNumber = doc.CurrentRev
	}
	rev, err := s.store.GetRevision(ctx, doc.ID, revNumber)
	if err != nil {
		return nil, fmt.Errorf("get revision: %w", err)
	}

	data := TemplateData{
		Code:      doc.Code,
		Title:     doc.Title,
		Group:     doc.Group,
		Revision:  rev.Number,
		Abstract:  rev.Abstract,
		Authors:   rev.Authors,
		UpdatedAt: rev.CreatedAt,
	}

	if req.IncludeComments {
		comments, err := s.store.ListCommentsByDocument(ctx, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		for _, c := range comments {
			data.Comments = append(data.Comments, TemplateComment{
				Author:    c.AuthorName,
				Body:      c.Body,
				Deleted:   c.Deleted,
				CreatedAt: c.CreatedAt,
			})
		}
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, fmt.Sprintf("%s %s", doc.Code, doc.Title))
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(fmt.Sprintf("%s %s", doc.Code, doc.Title)) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
