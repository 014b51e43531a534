package domain

import (
	"time"

	"github.com/google/uuid"
)

// User represents a user in the system
type User struct {
	ID           uint64    `json:"id" gorm:"primaryKey"`
	Name         string    `json:"name"`
	Email        string    `json:"email" gorm:"uniqueIndex"`
	Password     string    `json:"-" gorm:"-"` // input only, not stored in db
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active" gorm:"default:true"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SafeUser represents a user without sensitive information
type SafeUser struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ToSafeUser converts a User to a SafeUser
func (u *User) ToSafeUser() SafeUser {
	return SafeUser{
		ID:    u.ID,
		Name:  u.Name,
		Email: u.Email,
	}
}

// Document is a structured text document. A document is either standalone,
// a root owning translations, or a translation of exactly one root; IsRoot
// and a non-nil RootID are mutually exclusive.
//
// StateBinary is a point-in-time export of the replicated text state and is
// authoritative for live editors. DeltaJSON is the derived linear projection
// kept for export and non-realtime readers.
type Document struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Identifier  string     `json:"identifier" gorm:"uniqueIndex"`
	Name        string     `json:"name"`
	OwnerID     uint64     `json:"owner_id" gorm:"index"`
	StateBinary []byte     `json:"-" gorm:"type:bytea"`
	DeltaJSON   []byte     `json:"-" gorm:"type:jsonb"`
	IsRoot      bool       `json:"is_root"`
	RootID      *uuid.UUID `json:"root_id" gorm:"type:uuid;index"`
	IsPublic    bool       `json:"is_public"`
	Language    string     `json:"language"`
	UpdateCount uint64     `json:"-"` // updates persisted since the last snapshot
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Translations []Document `json:"translations,omitempty" gorm:"foreignKey:RootID"`
}

// HierarchyRole is the document's place in the root/translation graph.
type HierarchyRole string

const (
	RoleStandalone  HierarchyRole = "standalone"
	RoleRoot        HierarchyRole = "root"
	RoleTranslation HierarchyRole = "translation"
)

// Role derives the hierarchy role from the hierarchy fields.
func (d *Document) Role() HierarchyRole {
	switch {
	case d.IsRoot:
		return RoleRoot
	case d.RootID != nil:
		return RoleTranslation
	default:
		return RoleStandalone
	}
}

// Permission grants a (user, document) pair read/write capability. At most
// one row exists per pair; the owner has full rights without a row.
type Permission struct {
	ID        uint64    `json:"id" gorm:"primaryKey"`
	DocID     uuid.UUID `json:"doc_id" gorm:"type:uuid;uniqueIndex:idx_doc_user"`
	UserID    uint64    `json:"user_id" gorm:"uniqueIndex:idx_doc_user"`
	CanRead   bool      `json:"can_read"`
	CanWrite  bool      `json:"can_write"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version is an immutable labelled snapshot of a document's linear delta.
// Rows are only ever appended.
type Version struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	DocID     uuid.UUID `json:"doc_id" gorm:"type:uuid;index"`
	Label     string    `json:"label"`
	DeltaJSON []byte    `json:"delta" gorm:"type:jsonb"`
	CreatedAt time.Time `json:"created_at"`
}

// Comment belongs to a thread identified by ThreadID. The thread's root
// comment establishes the anchor range; replies share the ThreadID and
// carry no anchor of their own. Suggestion comments carry the proposed
// replacement for the anchored range.
type Comment struct {
	ID              uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	DocID           uuid.UUID `json:"doc_id" gorm:"type:uuid;index"`
	UserID          uint64    `json:"user_id"`
	ThreadID        uuid.UUID `json:"thread_id" gorm:"type:uuid;index"`
	ParentCommentID *uuid.UUID `json:"parent_comment_id" gorm:"type:uuid"`
	Content         string    `json:"content"`
	StartOffset     int       `json:"start_offset"`
	EndOffset       int       `json:"end_offset"`
	IsSuggestion    bool      `json:"is_suggestion"`
	SuggestedText   *string   `json:"suggested_text"`
	Resolved        bool      `json:"resolved"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
