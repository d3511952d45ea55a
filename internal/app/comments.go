package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"plenum/api/internal/notify"
	"plenum/api/internal/rbac"
	"plenum/api/internal/search"
	"plenum/api/internal/store"
	"plenum/api/internal/util"
)

const (
	maxCommentLen      = 10000
	deletedPlaceholder = "[deleted]"
)

// CommentNode is a comment with its replies attached, ordered oldest first.
type CommentNode struct {
	ID         string         `json:"id"`
	Author     string         `json:"author"`
	Body       string         `json:"body"`
	Deleted    bool           `json:"deleted"`
	EditedAt   *time.Time     `json:"editedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	Replies    []*CommentNode `json:"replies"`
	ParentID   *string        `json:"parentId,omitempty"`
	AuthorID   string         `json:"authorId"`
	DocumentID string         `json:"documentId"`
}

// PostComment adds a comment or reply to a published document.
func (s *Service) PostComment(ctx context.Context, session Session, code string, parentID *string, body string) (store.Comment, error) {
	if !s.Can(session.Role, rbac.ActionComment) {
		return store.Comment{}, permissionDenied("commenting requires a member account")
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return store.Comment{}, validationError("comment body is required", nil)
	}
	if len(body) > maxCommentLen {
		return store.Comment{}, validationError("comment too long", map[string]any{"max": maxCommentLen})
	}

	doc, err := s.store.GetDocumentByCode(ctx, code)
	if err != nil {
		return store.Comment{}, err
	}

	if parentID != nil && *parentID != "" {
		parent, err := s.store.GetComment(ctx, *parentID)
		if err != nil {
			return store.Comment{}, err
		}
		if parent.DocumentID != doc.ID {
			return store.Comment{}, integrityError("parent comment belongs to another document")
		}
	} else {
		parentID = nil
	}

	item := store.Comment{
		ID:         util.NewID("cmt"),
		DocumentID: doc.ID,
		ParentID:   parentID,
		AuthorID:   session.UserID,
		Body:       body,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.InsertComment(ctx, item); err != nil {
		return store.Comment{}, err
	}
	item.AuthorName = session.UserName

	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID:         item.ID,
			Body:       item.Body,
			Author:     item.AuthorName,
			DocumentID: doc.ID,
			Group:      doc.Group,
		})
	}
	if s.notifier != nil {
		s.notifier.DispatchAsync(notify.Event{
			Kind:        notify.KindComment,
			DocumentID:  doc.ID,
			DocCode:     doc.Code,
			DocTitle:    doc.Title,
			Summary:     fmt.Sprintf("%s commented.", session.UserName),
			Detail:      body,
			ActorUserID: session.UserID,
		})
	}
	return item, nil
}

// EditComment rewrites a comment's body. Only the author may edit, only
// within the edit window, and the pre-edit text is snapshotted exactly once
// so later edits never lose the original.
func (s *Service) EditComment(ctx context.Context, session Session, commentID, newBody string) (store.Comment, error) {
	newBody = strings.TrimSpace(newBody)
	if newBody == "" {
		return store.Comment{}, validationError("comment body is required", nil)
	}
	if len(newBody) > maxCommentLen {
		return store.Comment{}, validationError("comment too long", map[string]any{"max": maxCommentLen})
	}

	item, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if item.Deleted {
		return store.Comment{}, stateError("comment has been deleted")
	}
	if item.AuthorID != session.UserID {
		return store.Comment{}, permissionDenied("only the author can edit a comment")
	}
	if s.clock.Now().After(item.CreatedAt.Add(s.cfg.EditWindow)) {
		return store.Comment{}, windowExpired("the edit window has closed")
	}

	editedAt := s.clock.Now()
	if err := s.store.UpdateCommentBody(ctx, commentID, newBody, item.Body, editedAt); err != nil {
		return store.Comment{}, err
	}
	if item.OriginalText == nil {
		original := item.Body
		item.OriginalText = &original
	}
	item.Body = newBody
	item.EditedAt = &editedAt

	if s.search != nil {
		doc, err := s.store.GetDocumentByID(ctx, item.DocumentID)
		if err == nil {
			s.search.IndexComment(search.CommentRecord{
				ID:         item.ID,
				Body:       item.Body,
				Author:     item.AuthorName,
				DocumentID: doc.ID,
				Group:      doc.Group,
			})
		}
	}
	return item, nil
}

// DeleteComment tombstones a comment: the body becomes a placeholder, the
// original text is preserved, and replies stay attached. Authors may delete
// within the edit window; moderators at any time.
func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string) error {
	item, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if item.Deleted {
		return stateError("comment is already deleted")
	}

	isModerator := s.Can(session.Role, rbac.ActionModerate)
	if !isModerator {
		if item.AuthorID != session.UserID {
			return permissionDenied("only the author or a moderator can delete a comment")
		}
		if s.clock.Now().After(item.CreatedAt.Add(s.cfg.EditWindow)) {
			return windowExpired("the delete window has closed")
		}
	}

	if err := s.store.TombstoneComment(ctx, commentID, deletedPlaceholder); err != nil {
		return err
	}
	if isModerator && item.AuthorID != session.UserID {
		if err := s.store.AppendAudit(ctx, store.AuditRecord{
			EntityType: "comment", EntityID: commentID,
			Action: "moderated", ActorID: session.UserID, ActorName: session.UserName,
		}); err != nil {
			return err
		}
	}
	if s.search != nil {
		s.search.DeleteComment(commentID)
	}
	return nil
}

// CommentTree returns the document's comments as a forest, top-level
// comments oldest first, replies nested under their parents.
func (s *Service) CommentTree(ctx context.Context, code string) ([]*CommentNode, error) {
	doc, err := s.store.GetDocumentByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListCommentsByDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	return buildCommentTree(comments), nil
}

// buildCommentTree links children to parents in one pass; input is ordered
// by creation so parents always precede replies. No recursion, so depth is
// unbounded.
func buildCommentTree(comments []store.Comment) []*CommentNode {
	nodes := make(map[string]*CommentNode, len(comments))
	roots := make([]*CommentNode, 0)

	for _, c := range comments {
		node := &CommentNode{
			ID:         c.ID,
			Author:     c.AuthorName,
			Body:       c.Body,
			Deleted:    c.Deleted,
			EditedAt:   c.EditedAt,
			CreatedAt:  c.CreatedAt,
			Replies:    []*CommentNode{},
			ParentID:   c.ParentID,
			AuthorID:   c.AuthorID,
			DocumentID: c.DocumentID,
		}
		nodes[c.ID] = node

		if c.ParentID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[*c.ParentID]
		if !ok {
			// Orphaned reply; surface it at the top rather than drop it.
			roots = append(roots, node)
			continue
		}
		parent.Replies = append(parent.Replies, node)
	}
	return roots
}
