package app

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"plenum/api/internal/archive"
	"plenum/api/internal/clock"
	"plenum/api/internal/config"
	"plenum/api/internal/store"
)

// fakeStore implements dataStore with overridable function fields. Methods
// without an override return zero values, or sql.ErrNoRows for lookups.
type fakeStore struct {
	createUser                 func(context.Context, store.User) error
	getUserByID                func(context.Context, string) (store.User, error)
	getUserByEmail             func(context.Context, string) (store.User, error)
	getUserByVerificationToken func(context.Context, string) (store.User, error)
	markEmailVerified          func(context.Context, string) error
	setResetToken              func(context.Context, string, string, time.Time) error
	getUserByResetToken        func(context.Context, string) (store.User, error)
	updatePassword             func(context.Context, string, string) error
	updateUserProfile          func(context.Context, string, string) error
	updateUserRole             func(context.Context, string, string) error
	deactivateUser             func(context.Context, string) error

	revokeAccessToken    func(context.Context, string, time.Time) error
	isAccessTokenRevoked func(context.Context, string) (bool, error)

	saveRefreshSession   func(context.Context, string, string, time.Time) error
	lookupRefreshSession func(context.Context, string) (store.User, error)
	revokeRefreshSession func(context.Context, string) error

	insertSubmission   func(context.Context, store.Submission) error
	getSubmission      func(context.Context, string) (store.Submission, error)
	listSubmissions    func(context.Context, string, string) ([]store.Submission, error)
	beginReview        func(context.Context, string, string, string) (store.Submission, error)
	rejectSubmission   func(context.Context, string, string, string, string) (store.Submission, error)
	withdrawSubmission func(context.Context, string, string, string) error
	approveSubmission  func(context.Context, store.ApproveParams) (store.ApprovalOutcome, error)

	listDocuments            func(context.Context) ([]store.Document, error)
	getDocumentByID          func(context.Context, string) (store.Document, error)
	getDocumentByCode        func(context.Context, string) (store.Document, error)
	findDocumentByGroupTitle func(context.Context, string, string) (*store.Document, error)
	listRevisions            func(context.Context, string) ([]store.Revision, error)
	getRevision              func(context.Context, string, int) (store.Revision, error)

	insertComment          func(context.Context, store.Comment) error
	getComment             func(context.Context, string) (store.Comment, error)
	listCommentsByDocument func(context.Context, string) ([]store.Comment, error)
	updateCommentBody      func(context.Context, string, string, string, time.Time) error
	tombstoneComment       func(context.Context, string, string) error

	upsertFollow   func(context.Context, string, string, string) error
	getFollowLevel func(context.Context, string, string) (string, error)
	listFollowers  func(context.Context, string) ([]store.Follower, error)

	appendAudit func(context.Context, store.AuditRecord) error
	listAudit   func(context.Context, string, string, int) ([]store.AuditRecord, error)

	mu    sync.Mutex
	audit []store.AuditRecord
}

func (f *fakeStore) CreateUser(ctx context.Context, u store.User) error {
	if f.createUser != nil {
		return f.createUser(ctx, u)
	}
	return nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByID != nil {
		return f.getUserByID(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmail != nil {
		return f.getUserByEmail(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByVerificationToken(ctx context.Context, token string) (store.User, error) {
	if f.getUserByVerificationToken != nil {
		return f.getUserByVerificationToken(ctx, token)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) MarkEmailVerified(ctx context.Context, id string) error {
	if f.markEmailVerified != nil {
		return f.markEmailVerified(ctx, id)
	}
	return nil
}

func (f *fakeStore) SetResetToken(ctx context.Context, id, token string, expires time.Time) error {
	if f.setResetToken != nil {
		return f.setResetToken(ctx, id, token, expires)
	}
	return nil
}

func (f *fakeStore) GetUserByResetToken(ctx context.Context, token string) (store.User, error) {
	if f.getUserByResetToken != nil {
		return f.getUserByResetToken(ctx, token)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) UpdatePassword(ctx context.Context, id, hash string) error {
	if f.updatePassword != nil {
		return f.updatePassword(ctx, id, hash)
	}
	return nil
}

func (f *fakeStore) UpdateUserProfile(ctx context.Context, id, name string) error {
	if f.updateUserProfile != nil {
		return f.updateUserProfile(ctx, id, name)
	}
	return nil
}

func (f *fakeStore) UpdateUserRole(ctx context.Context, id, role string) error {
	if f.updateUserRole != nil {
		return f.updateUserRole(ctx, id, role)
	}
	return nil
}

func (f *fakeStore) DeactivateUser(ctx context.Context, id string) error {
	if f.deactivateUser != nil {
		return f.deactivateUser(ctx, id)
	}
	return nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, expires time.Time) error {
	if f.revokeAccessToken != nil {
		return f.revokeAccessToken(ctx, jti, expires)
	}
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevoked != nil {
		return f.isAccessTokenRevoked(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, hash, userID string, expires time.Time) error {
	if f.saveRefreshSession != nil {
		return f.saveRefreshSession(ctx, hash, userID, expires)
	}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, hash string) (store.User, error) {
	if f.lookupRefreshSession != nil {
		return f.lookupRefreshSession(ctx, hash)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, hash string) error {
	if f.revokeRefreshSession != nil {
		return f.revokeRefreshSession(ctx, hash)
	}
	return nil
}

func (f *fakeStore) InsertSubmission(ctx context.Context, s store.Submission) error {
	if f.insertSubmission != nil {
		return f.insertSubmission(ctx, s)
	}
	return nil
}

func (f *fakeStore) GetSubmission(ctx context.Context, id string) (store.Submission, error) {
	if f.getSubmission != nil {
		return f.getSubmission(ctx, id)
	}
	return store.Submission{}, sql.ErrNoRows
}

func (f *fakeStore) ListSubmissions(ctx context.Context, status, submitter string) ([]store.Submission, error) {
	if f.listSubmissions != nil {
		return f.listSubmissions(ctx, status, submitter)
	}
	return nil, nil
}

func (f *fakeStore) BeginReview(ctx context.Context, id, actorID, actorName string) (store.Submission, error) {
	if f.beginReview != nil {
		return f.beginReview(ctx, id, actorID, actorName)
	}
	return store.Submission{}, sql.ErrNoRows
}

func (f *fakeStore) RejectSubmission(ctx context.Context, id, actorID, actorName, reason string) (store.Submission, error) {
	if f.rejectSubmission != nil {
		return f.rejectSubmission(ctx, id, actorID, actorName, reason)
	}
	return store.Submission{}, sql.ErrNoRows
}

func (f *fakeStore) WithdrawSubmission(ctx context.Context, id, actorID, actorName string) error {
	if f.withdrawSubmission != nil {
		return f.withdrawSubmission(ctx, id, actorID, actorName)
	}
	return nil
}

func (f *fakeStore) ApproveSubmission(ctx context.Context, params store.ApproveParams) (store.ApprovalOutcome, error) {
	if f.approveSubmission != nil {
		return f.approveSubmission(ctx, params)
	}
	return store.ApprovalOutcome{}, sql.ErrNoRows
}

func (f *fakeStore) ListDocuments(ctx context.Context) ([]store.Document, error) {
	if f.listDocuments != nil {
		return f.listDocuments(ctx)
	}
	return nil, nil
}

func (f *fakeStore) GetDocumentByID(ctx context.Context, id string) (store.Document, error) {
	if f.getDocumentByID != nil {
		return f.getDocumentByID(ctx, id)
	}
	return store.Document{}, sql.ErrNoRows
}

func (f *fakeStore) GetDocumentByCode(ctx context.Context, code string) (store.Document, error) {
	if f.getDocumentByCode != nil {
		return f.getDocumentByCode(ctx, code)
	}
	return store.Document{}, sql.ErrNoRows
}

func (f *fakeStore) FindDocumentByGroupTitle(ctx context.Context, group, title string) (*store.Document, error) {
	if f.findDocumentByGroupTitle != nil {
		return f.findDocumentByGroupTitle(ctx, group, title)
	}
	return nil, nil
}

func (f *fakeStore) ListRevisions(ctx context.Context, docID string) ([]store.Revision, error) {
	if f.listRevisions != nil {
		return f.listRevisions(ctx, docID)
	}
	return nil, nil
}

func (f *fakeStore) GetRevision(ctx context.Context, docID string, number int) (store.Revision, error) {
	if f.getRevision != nil {
		return f.getRevision(ctx, docID, number)
	}
	return store.Revision{}, sql.ErrNoRows
}

func (f *fakeStore) InsertComment(ctx context.Context, c store.Comment) error {
	if f.insertComment != nil {
		return f.insertComment(ctx, c)
	}
	return nil
}

func (f *fakeStore) GetComment(ctx context.Context, id string) (store.Comment, error) {
	if f.getComment != nil {
		return f.getComment(ctx, id)
	}
	return store.Comment{}, sql.ErrNoRows
}

func (f *fakeStore) ListCommentsByDocument(ctx context.Context, docID string) ([]store.Comment, error) {
	if f.listCommentsByDocument != nil {
		return f.listCommentsByDocument(ctx, docID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateCommentBody(ctx context.Context, id, body, previous string, editedAt time.Time) error {
	if f.updateCommentBody != nil {
		return f.updateCommentBody(ctx, id, body, previous, editedAt)
	}
	return nil
}

func (f *fakeStore) TombstoneComment(ctx context.Context, id, placeholder string) error {
	if f.tombstoneComment != nil {
		return f.tombstoneComment(ctx, id, placeholder)
	}
	return nil
}

func (f *fakeStore) UpsertFollow(ctx context.Context, userID, docID, level string) error {
	if f.upsertFollow != nil {
		return f.upsertFollow(ctx, userID, docID, level)
	}
	return nil
}

func (f *fakeStore) GetFollowLevel(ctx context.Context, userID, docID string) (string, error) {
	if f.getFollowLevel != nil {
		return f.getFollowLevel(ctx, userID, docID)
	}
	return "none", nil
}

func (f *fakeStore) ListFollowers(ctx context.Context, docID string) ([]store.Follower, error) {
	if f.listFollowers != nil {
		return f.listFollowers(ctx, docID)
	}
	return nil, nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, rec store.AuditRecord) error {
	if f.appendAudit != nil {
		return f.appendAudit(ctx, rec)
	}
	f.mu.Lock()
	f.audit = append(f.audit, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) ListAudit(ctx context.Context, entityType, entityID string, limit int) ([]store.AuditRecord, error) {
	if f.listAudit != nil {
		return f.listAudit(ctx, entityType, entityID, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.AuditRecord, 0)
	for _, rec := range f.audit {
		if rec.EntityType == entityType && rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) auditActions(entityType, entityID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]string, 0)
	for _, rec := range f.audit {
		if rec.EntityType == entityType && rec.EntityID == entityID {
			actions = append(actions, rec.Action)
		}
	}
	return actions
}

// fakeArchive records commits without touching disk.
type fakeArchive struct {
	mu      sync.Mutex
	commits []fakeCommit
	err     error
}

type fakeCommit struct {
	DocumentID string
	Content    archive.Content
	Author     string
	Message    string
}

func (f *fakeArchive) CommitRevision(documentID string, content archive.Content, author, message string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, fakeCommit{documentID, content, author, message})
	return "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", nil
}

func (f *fakeArchive) ContentByHash(documentID, hash string) (archive.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.commits) - 1; i >= 0; i-- {
		if f.commits[i].DocumentID == documentID {
			return f.commits[i].Content, nil
		}
	}
	return archive.Content{}, sql.ErrNoRows
}

func (f *fakeArchive) History(documentID string, limit int) ([]archive.CommitInfo, error) {
	return nil, nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 30 * 24 * time.Hour,
		DocPrefix:  "ML",
		EditWindow: 15 * time.Minute,
	}
}

func newTestService(fs *fakeStore, fa *fakeArchive, clk clock.Clock) *Service {
	if fa == nil {
		fa = &fakeArchive{}
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		cfg:      testConfig(),
		store:    fs,
		sessions: fs,
		archive:  fa,
		clock:    clk,
		log:      zerolog.Nop(),
	}
}

func editorSession() Session {
	return Session{UserID: "usr_editor", UserName: "Edna Editor", Role: "editor"}
}

func memberSession() Session {
	return Session{UserID: "usr_member", UserName: "Mel Member", Role: "member"}
}
