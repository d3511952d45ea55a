package store

import (
	"fmt"
	"time"
)

type User struct {
	ID                    string
	Name                  string
	OAuthName             string
	WalletAddress         string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	ResetToken            string
	ResetExpiresAt        *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DisplayName resolves the single authoritative display string at read
// time: explicit name, then the OAuth-provided name, then a shortened
// wallet address. Never stored resolved.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.OAuthName != "" {
		return u.OAuthName
	}
	if u.WalletAddress != "" {
		return formatWallet(u.WalletAddress)
	}
	return "Member"
}

func formatWallet(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return fmt.Sprintf("%s…%s", addr[:6], addr[len(addr)-4:])
}

type Submission struct {
	ID           string
	Title        string
	Authors      []string
	Group        string
	Abstract     string
	FileRef      string
	Status       string // submitted | under_review | approved | rejected
	SubmittedBy  string
	SubmittedAt  time.Time
	ReviewedBy   string
	RejectReason string
	DocumentID   *string
	DocNumber    *int
}

type Document struct {
	ID         string
	Number     int
	Code       string // formatted identifier, e.g. ML-042
	Title      string
	Group      string
	Status     string // published | superseded
	CurrentRev int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Revision struct {
	ID         string
	DocumentID string
	Number     int
	FileRef    string
	CommitHash string
	Abstract   string
	Authors    []string
	CreatedBy  string
	CreatedAt  time.Time
}

type Comment struct {
	ID           string
	DocumentID   string
	ParentID     *string
	AuthorID     string
	AuthorName   string
	Body         string
	OriginalText *string
	EditedAt     *time.Time
	Deleted      bool
	CreatedAt    time.Time
}

type Follow struct {
	UserID     string
	DocumentID string
	Level      string // all | significant | major | comments | none
	UpdatedAt  time.Time
}

// Follower is a follow row joined with the user fields delivery needs.
type Follower struct {
	UserID string
	Email  string
	Name   string
	Level  string
}

type AuditRecord struct {
	ID         int64
	EntityType string
	EntityID   string
	Action     string
	ActorID    string
	ActorName  string
	Details    string
	CreatedAt  time.Time
}

// ApprovalOutcome is the result of the single approval transaction.
type ApprovalOutcome struct {
	Submission Submission
	Document   Document
	Revision   Revision
	Created    bool // a new identifier was minted
}
