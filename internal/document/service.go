package document

import (
	"context"
	defError "errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/crdt"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/domain"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/errors"
	"github.com/OpenPecha/pecha-tool-sync-editor/redis"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrInvalidHierarchy marks a request that would break the root/translation
// invariants. Wrapped inside the APIError so callers can test for the kind.
var ErrInvalidHierarchy = defError.New("invalid hierarchy")

func hierarchyError(msg string) *errors.APIError {
	return errors.UnprocessableEntity(msg, ErrInvalidHierarchy)
}

// Access is the effective capability of a user on a document.
type Access int

const (
	AccessNone Access = iota
	AccessRead
	AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessRead:
		return "read"
	default:
		return "none"
	}
}

type CreateDocumentRequest struct {
	Identifier string
	Name       string
	Language   string
	IsRoot     bool
	RootID     *uuid.UUID
	SeedText   string
}

// PatchDocumentRequest carries a partial document update; nil pointers mean
// "leave unchanged". DetachRoot explicitly clears the root link since a nil
// RootID cannot distinguish "unset" from "clear".
type PatchDocumentRequest struct {
	Identifier   *string
	Name         *string
	IsPublic     *bool
	Language     *string
	IsRoot       *bool
	RootID       *uuid.UUID
	DetachRoot   bool
	Translations []uuid.UUID
}

type DocumentResponse struct {
	ID           uuid.UUID            `json:"id"`
	Identifier   string               `json:"identifier"`
	Name         string               `json:"name"`
	OwnerID      uint64               `json:"owner_id"`
	IsRoot       bool                 `json:"is_root"`
	RootID       *uuid.UUID           `json:"root_id"`
	IsPublic     bool                 `json:"is_public"`
	Language     string               `json:"language"`
	Role         domain.HierarchyRole `json:"role"`
	Access       string               `json:"access"`
	Delta        crdt.Delta           `json:"delta,omitempty"`
	Translations []DocumentResponse   `json:"translations,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

type PermissionDTO struct {
	User     domain.SafeUser `json:"user"`
	CanRead  bool            `json:"can_read"`
	CanWrite bool            `json:"can_write"`
}

type PaginatedDocuments struct {
	Data []DocumentResponse `json:"data"`
	Meta DocumentsMeta      `json:"meta"`
}

type UserProvider interface {
	GetUserByID(id uint64) (*domain.User, error)
	GetUserByEmail(email string) (*domain.User, error)
}

type Service interface {
	CreateDocument(ctx context.Context, ownerID uint64, req CreateDocumentRequest) (*DocumentResponse, error)
	GetDocument(ctx context.Context, docID uuid.UUID, userID uint64) (*DocumentResponse, error)
	ListDocuments(ctx context.Context, userID uint64, page, pageSize int) (*PaginatedDocuments, error)
	UpdateContent(ctx context.Context, docID uuid.UUID, userID uint64, state []byte, deltaRaw []byte) error
	PatchDocument(ctx context.Context, docID uuid.UUID, userID uint64, req PatchDocumentRequest) (*DocumentResponse, error)
	DeleteDocument(ctx context.Context, docID uuid.UUID, userID uint64) error

	ResolveAccess(ctx context.Context, doc *domain.Document, userID uint64) (Access, error)
	AccessFor(ctx context.Context, docID uuid.UUID, userID uint64) (*domain.Document, Access, error)
	GrantPermission(ctx context.Context, docID uuid.UUID, requesterID uint64, email string, canRead, canWrite bool) ([]PermissionDTO, error)
	RevokePermission(ctx context.Context, docID uuid.UUID, requesterID, targetUserID uint64) error
	ListPermissions(ctx context.Context, docID uuid.UUID, requesterID uint64) ([]PermissionDTO, error)

	CreateNamedVersion(ctx context.Context, docID uuid.UUID, userID uint64, label string) (*domain.Version, error)
	ListVersions(ctx context.Context, docID uuid.UUID, userID uint64) ([]domain.Version, error)

	LoadState(ctx context.Context, docID uuid.UUID) (state []byte, deltaRaw []byte, err error)
	MutateContent(ctx context.Context, docID uuid.UUID, fn func(store *crdt.Store) error) (crdt.Delta, error)
	SaveSnapshot(ctx context.Context, docID uuid.UUID, state []byte, delta crdt.Delta, label string) error
	BumpUpdateCount(ctx context.Context, docID uuid.UUID) (uint64, error)
}

type DefaultService struct {
	repository   DocumentRepository
	userProvider UserProvider
	cache        *redis.Cache

	// one writer per document id for snapshot/content writes
	docLocks sync.Map
}

func NewService(repository DocumentRepository, userProvider UserProvider, cache *redis.Cache) Service {
	return &DefaultService{
		repository:   repository,
		userProvider: userProvider,
		cache:        cache,
	}
}

func (s *DefaultService) lockFor(docID uuid.UUID) *sync.Mutex {
	mu, _ := s.docLocks.LoadOrStore(docID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *DefaultService) CreateDocument(ctx context.Context, ownerID uint64, req CreateDocumentRequest) (*DocumentResponse, error) {
	if req.IsRoot && req.RootID != nil {
		return nil, hierarchyError("Document cannot be both a root and a translation")
	}

	if req.RootID != nil {
		root, err := s.repository.FindByID(ctx, *req.RootID)
		if err != nil {
			return nil, hierarchyError("Root document not found")
		}
		if !root.IsRoot {
			return nil, hierarchyError("rootId must reference a root document")
		}
	}

	// seed the replicated state from the uploaded text
	store := crdt.New(uuid.NewString())
	if req.SeedText != "" {
		if _, err := store.Insert(0, req.SeedText, nil); err != nil {
			return nil, errors.UnprocessableEntity("Can't seed document text", err)
		}
	}
	delta := crdt.ToDelta(store)
	deltaRaw, err := delta.MarshalJSON()
	if err != nil {
		return nil, err
	}

	doc := &domain.Document{
		Identifier:  req.Identifier,
		Name:        req.Name,
		OwnerID:     ownerID,
		Language:    req.Language,
		IsRoot:      req.IsRoot,
		RootID:      req.RootID,
		StateBinary: store.EncodeState(),
		DeltaJSON:   deltaRaw,
	}

	err = s.repository.WithinTransaction(ctx, func(tx DocumentRepository) error {
		if err := tx.CreateDocument(ctx, doc); err != nil {
			return err
		}
		// the owner has implicit rights; the explicit row mirrors them for
		// listing and keeps the cascade target set uniform
		if err := tx.UpsertPermission(ctx, &domain.Permission{
			DocID:    doc.ID,
			UserID:   ownerID,
			CanRead:  true,
			CanWrite: true,
		}); err != nil {
			return err
		}
		return tx.CreateVersion(ctx, &domain.Version{
			DocID:     doc.ID,
			Label:     "initial autosave",
			DeltaJSON: deltaRaw,
		})
	})
	if err != nil {
		if defError.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errors.Conflict("Identifier already taken", err)
		}
		return nil, err
	}

	s.cache.IncrementVersion(ctx, docsVersionKey(ownerID))

	resp := s.toResponse(doc, AccessWrite, delta)
	return &resp, nil
}

func (s *DefaultService) GetDocument(ctx context.Context, docID uuid.UUID, userID uint64) (*DocumentResponse, error) {
	doc, err := s.repository.FindWithTranslations(ctx, docID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Document not found", err)
		}
		return nil, err
	}

	access, err := s.ResolveAccess(ctx, doc, userID)
	if err != nil {
		return nil, err
	}
	if access == AccessNone {
		return nil, errors.Forbidden("No access to this document", nil)
	}

	resp := s.toResponse(doc, access, s.currentDelta(doc))
	for _, tr := range doc.Translations {
		trAccess, err := s.ResolveAccess(ctx, &tr, userID)
		if err != nil {
			return nil, err
		}
		resp.Translations = append(resp.Translations, s.toResponse(&tr, trAccess, nil))
	}
	return &resp, nil
}

// currentDelta derives the linear delta from the binary snapshot when one
// exists; only the snapshot carries merge identity, so it is authoritative.
// Documents without a snapshot fall back to the persisted delta.
func (s *DefaultService) currentDelta(doc *domain.Document) crdt.Delta {
	if len(doc.StateBinary) > 0 {
		store, err := crdt.Open(uuid.NewString(), doc.StateBinary)
		if err == nil {
			return crdt.ToDelta(store)
		}
		log.Printf("[ERROR] doc %s: unreadable state snapshot, serving persisted delta: %v", doc.ID, err)
	}
	delta, err := crdt.ParseDelta(doc.DeltaJSON)
	if err != nil {
		log.Printf("[ERROR] doc %s: unreadable persisted delta: %v", doc.ID, err)
		return crdt.Delta{}
	}
	return delta
}

func docsVersionKey(userID uint64) string {
	return fmt.Sprintf("user:%d:docs:version", userID)
}

func (s *DefaultService) ListDocuments(ctx context.Context, userID uint64, page, pageSize int) (*PaginatedDocuments, error) {
	// Get the current data version for this user's documents
	v := s.cache.GetVersion(ctx, docsVersionKey(userID))
	cacheKey := fmt.Sprintf("docs:u:%d:v:%d:p:%d:ps:%d", userID, v, page, pageSize)

	var result PaginatedDocuments
	found, _ := s.cache.Get(ctx, cacheKey, &result)
	if found {
		return &result, nil
	}

	docs, meta, err := s.repository.ListAccessible(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}

	data := make([]DocumentResponse, 0, len(docs))
	for _, doc := range docs {
		access, err := s.ResolveAccess(ctx, &doc, userID)
		if err != nil {
			return nil, err
		}
		data = append(data, s.toResponse(&doc, access, nil))
	}

	result = PaginatedDocuments{Data: data, Meta: meta}
	go s.cache.Set(context.Background(), cacheKey, result, 24*time.Hour)

	return &result, nil
}

func (s *DefaultService) UpdateContent(ctx context.Context, docID uuid.UUID, userID uint64, state []byte, deltaRaw []byte) error {
	doc, access, err := s.AccessFor(ctx, docID, userID)
	if err != nil {
		return err
	}
	if access != AccessWrite {
		return errors.Forbidden("No write access to this document", nil)
	}

	var delta crdt.Delta
	if len(state) > 0 {
		// reject unreadable snapshots before anything is persisted
		store, err := crdt.Open(uuid.NewString(), state)
		if err != nil {
			return errors.UnprocessableEntity("Corrupt document state", err)
		}
		delta = crdt.ToDelta(store)
	} else if len(deltaRaw) > 0 {
		if delta, err = crdt.ParseDelta(deltaRaw); err != nil {
			return errors.UnprocessableEntity("Corrupt delta", err)
		}
	} else {
		return errors.BadRequest("Nothing to update", nil)
	}

	deltaJSON, err := delta.MarshalJSON()
	if err != nil {
		return err
	}

	mu := s.lockFor(doc.ID)
	mu.Lock()
	defer mu.Unlock()

	fields := map[string]any{"delta_json": deltaJSON}
	if len(state) > 0 {
		fields["state_binary"] = state
	}
	return s.repository.UpdateFields(ctx, doc.ID, fields)
}

func (s *DefaultService) PatchDocument(ctx context.Context, docID uuid.UUID, userID uint64, req PatchDocumentRequest) (*DocumentResponse, error) {
	doc, err := s.repository.FindByID(ctx, docID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Document not found", err)
		}
		return nil, err
	}
	if doc.OwnerID != userID {
		return nil, errors.Forbidden("Only the owner can modify a document", nil)
	}

	err = s.repository.WithinTransaction(ctx, func(tx DocumentRepository) error {
		fields, err := s.resolveHierarchy(ctx, tx, doc, req)
		if err != nil {
			return err
		}

		if req.Identifier != nil {
			fields["identifier"] = *req.Identifier
		}
		if req.Name != nil {
			fields["name"] = *req.Name
		}
		if req.IsPublic != nil {
			fields["is_public"] = *req.IsPublic
		}
		if req.Language != nil {
			fields["language"] = *req.Language
		}

		if len(fields) > 0 {
			if err := tx.UpdateFields(ctx, doc.ID, fields); err != nil {
				return err
			}
		}

		if len(req.Translations) > 0 {
			return s.attachTranslations(ctx, tx, doc.ID, req.Translations)
		}
		return nil
	})
	if err != nil {
		if defError.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errors.Conflict("Identifier already taken", err)
		}
		return nil, err
	}

	s.cache.IncrementVersion(ctx, docsVersionKey(userID))
	return s.GetDocument(ctx, docID, userID)
}

// resolveHierarchy validates the requested root/translation change against
// the mutual-exclusion invariant before anything is written. Roles move
// only through detached states: a root keeps its children until they are
// detached, a translation must drop its parent before becoming a root.
func (s *DefaultService) resolveHierarchy(ctx context.Context, tx DocumentRepository, doc *domain.Document, req PatchDocumentRequest) (map[string]any, error) {
	fields := map[string]any{}

	newIsRoot := doc.IsRoot
	if req.IsRoot != nil {
		newIsRoot = *req.IsRoot
	}
	newRootID := doc.RootID
	if req.DetachRoot {
		newRootID = nil
	}
	if req.RootID != nil {
		newRootID = req.RootID
	}

	if newIsRoot && newRootID != nil {
		return nil, hierarchyError("Document cannot be both a root and a translation")
	}
	if len(req.Translations) > 0 && (!newIsRoot || newRootID != nil) {
		return nil, hierarchyError("Only root documents may own translations")
	}

	if req.RootID != nil {
		if *req.RootID == doc.ID {
			return nil, hierarchyError("Document cannot be its own root")
		}
		target, err := tx.FindByID(ctx, *req.RootID)
		if err != nil {
			return nil, hierarchyError("Root document not found")
		}
		if !target.IsRoot {
			return nil, hierarchyError("rootId must reference a root document")
		}
		// root -> translation only after its own children are detached
		children, err := tx.ListTranslations(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			return nil, hierarchyError("Detach existing translations before attaching this document to a root")
		}
	}

	if newIsRoot != doc.IsRoot {
		fields["is_root"] = newIsRoot
	}
	if req.DetachRoot && doc.RootID != nil {
		fields["root_id"] = nil
	}
	if req.RootID != nil {
		fields["root_id"] = *req.RootID
		fields["is_root"] = false
	}
	return fields, nil
}

// attachTranslations links each target to the root, all-or-nothing.
func (s *DefaultService) attachTranslations(ctx context.Context, tx DocumentRepository, rootID uuid.UUID, targets []uuid.UUID) error {
	for _, id := range targets {
		if id == rootID {
			return hierarchyError("Root cannot be its own translation")
		}
		target, err := tx.FindByID(ctx, id)
		if err != nil {
			return hierarchyError("Translation target not found")
		}
		if target.IsRoot {
			return hierarchyError("A root document cannot become a translation")
		}
		if target.RootID != nil {
			return hierarchyError("Document is already attached to a root")
		}
		if err := tx.UpdateFields(ctx, id, map[string]any{
			"root_id": rootID,
			"is_root": false,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *DefaultService) DeleteDocument(ctx context.Context, docID uuid.UUID, userID uint64) error {
	doc, err := s.repository.FindByID(ctx, docID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return errors.NotFound("Document not found", err)
		}
		return err
	}
	if doc.OwnerID != userID {
		return errors.Forbidden("Only the owner can delete a document", nil)
	}

	// translations are kept but detached, they become standalone documents
	translations, err := s.repository.ListTranslations(ctx, docID)
	if err != nil {
		return err
	}
	err = s.repository.WithinTransaction(ctx, func(tx DocumentRepository) error {
		for _, tr := range translations {
			if err := tx.UpdateFields(ctx, tr.ID, map[string]any{"root_id": nil}); err != nil {
				return err
			}
		}
		return tx.DeleteDocument(ctx, docID)
	})
	if err != nil {
		return err
	}

	s.cache.IncrementVersion(ctx, docsVersionKey(userID))
	return nil
}

// ResolveAccess computes the user's effective capability: owner implies
// write, then the permission row, then public visibility of the document or
// its root grants read.
func (s *DefaultService) ResolveAccess(ctx context.Context, doc *domain.Document, userID uint64) (Access, error) {
	if doc.OwnerID == userID {
		return AccessWrite, nil
	}

	perm, err := s.repository.GetPermission(ctx, doc.ID, userID)
	if err != nil && !defError.Is(err, gorm.ErrRecordNotFound) {
		return AccessNone, err
	}
	if perm != nil {
		switch {
		case perm.CanWrite:
			return AccessWrite, nil
		case perm.CanRead:
			return AccessRead, nil
		}
		return AccessNone, nil
	}

	if doc.IsPublic {
		return AccessRead, nil
	}
	if doc.RootID != nil {
		root, err := s.repository.FindByID(ctx, *doc.RootID)
		if err == nil && root.IsPublic {
			return AccessRead, nil
		}
	}
	return AccessNone, nil
}

func (s *DefaultService) AccessFor(ctx context.Context, docID uuid.UUID, userID uint64) (*domain.Document, Access, error) {
	doc, err := s.repository.FindByID(ctx, docID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, AccessNone, errors.NotFound("Document not found", err)
		}
		return nil, AccessNone, err
	}
	access, err := s.ResolveAccess(ctx, doc, userID)
	if err != nil {
		return nil, AccessNone, err
	}
	return doc, access, nil
}

// GrantPermission upserts a permission for the user with the given email.
// Granting on a root cascades an equivalent row to every translation in one
// transaction; a partial cascade is never observable.
func (s *DefaultService) GrantPermission(ctx context.Context, docID uuid.UUID, requesterID uint64, email string, canRead, canWrite bool) ([]PermissionDTO, error) {
	doc, err := s.repository.FindByID(ctx, docID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Document not found", err)
		}
		return nil, err
	}
	if doc.OwnerID != requesterID {
		return nil, errors.Forbidden("Only the owner can grant permissions", nil)
	}

	target, err := s.userProvider.GetUserByEmail(email)
	if err != nil {
		return nil, errors.UnprocessableEntity("Can't find user!", err)
	}
	if target.ID == requesterID {
		return nil, errors.UnprocessableEntity("Can't change your own permission!", nil)
	}

	err = s.repository.WithinTransaction(ctx, func(tx DocumentRepository) error {
		if err := tx.UpsertPermission(ctx, &domain.Permission{
			DocID:    doc.ID,
			UserID:   target.ID,
			CanRead:  canRead,
			CanWrite: canWrite,
		}); err != nil {
			return err
		}
		if !doc.IsRoot {
			return nil
		}
		translations, err := tx.ListTranslations(ctx, doc.ID)
		if err != nil {
			return err
		}
		for _, tr := range translations {
			if err := tx.UpsertPermission(ctx, &domain.Permission{
				DocID:    tr.ID,
				UserID:   target.ID,
				CanRead:  canRead,
				CanWrite: canWrite,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.ListPermissions(ctx, docID, requesterID)
}

func (s *DefaultService) RevokePermission(ctx context.Context, docID uuid.UUID, requesterID, targetUserID uint64) error {
	doc, err := s.repository.FindByID(ctx, docID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return errors.NotFound("Document not found", err)
		}
		return err
	}
	if doc.OwnerID != requesterID {
		return errors.Forbidden("Only the owner can revoke permissions", nil)
	}
	if targetUserID == doc.OwnerID {
		return errors.UnprocessableEntity("Can't revoke the owner's permission!", nil)
	}

	return s.repository.WithinTransaction(ctx, func(tx DocumentRepository) error {
		if err := tx.DeletePermission(ctx, docID, targetUserID); err != nil {
			return err
		}
		if !doc.IsRoot {
			return nil
		}
		translations, err := tx.ListTranslations(ctx, doc.ID)
		if err != nil {
			return err
		}
		for _, tr := range translations {
			if err := tx.DeletePermission(ctx, tr.ID, targetUserID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *DefaultService) ListPermissions(ctx context.Context, docID uuid.UUID, requesterID uint64) ([]PermissionDTO, error) {
	doc, err := s.repository.FindByID(ctx, docID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Document not found", err)
		}
		return nil, err
	}
	if doc.OwnerID != requesterID {
		return nil, errors.Forbidden("Only the owner can list permissions", nil)
	}

	perms, err := s.repository.ListPermissions(ctx, docID)
	if err != nil {
		return nil, err
	}

	result := make([]PermissionDTO, 0, len(perms))
	for _, p := range perms {
		u, err := s.userProvider.GetUserByID(p.UserID)
		if err != nil {
			log.Printf("[INFO] permission row for missing user %d on doc %s", p.UserID, docID)
			continue
		}
		result = append(result, PermissionDTO{
			User:     u.ToSafeUser(),
			CanRead:  p.CanRead,
			CanWrite: p.CanWrite,
		})
	}
	return result, nil
}

func (s *DefaultService) CreateNamedVersion(ctx context.Context, docID uuid.UUID, userID uint64, label string) (*domain.Version, error) {
	doc, access, err := s.AccessFor(ctx, docID, userID)
	if err != nil {
		return nil, err
	}
	if access != AccessWrite {
		return nil, errors.Forbidden("No write access to this document", nil)
	}

	deltaRaw, err := s.currentDelta(doc).MarshalJSON()
	if err != nil {
		return nil, err
	}
	version := &domain.Version{
		DocID:     doc.ID,
		Label:     label,
		DeltaJSON: deltaRaw,
	}
	if err := s.repository.CreateVersion(ctx, version); err != nil {
		return nil, err
	}
	return version, nil
}

func (s *DefaultService) ListVersions(ctx context.Context, docID uuid.UUID, userID uint64) ([]domain.Version, error) {
	_, access, err := s.AccessFor(ctx, docID, userID)
	if err != nil {
		return nil, err
	}
	if access == AccessNone {
		return nil, errors.Forbidden("No access to this document", nil)
	}
	return s.repository.ListVersions(ctx, docID)
}

// LoadState returns the persisted binary state and delta for a document,
// for callers that materialize their own replica.
func (s *DefaultService) LoadState(ctx context.Context, docID uuid.UUID) ([]byte, []byte, error) {
	doc, err := s.repository.FindByID(ctx, docID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errors.NotFound("Document not found", err)
		}
		return nil, nil, err
	}
	return doc.StateBinary, doc.DeltaJSON, nil
}

// MutateContent loads the document state, applies fn to it and persists the
// result. Caller-side access checks are assumed; the per-document lock makes
// the read-modify-write atomic with respect to other snapshot writers.
func (s *DefaultService) MutateContent(ctx context.Context, docID uuid.UUID, fn func(store *crdt.Store) error) (crdt.Delta, error) {
	mu := s.lockFor(docID)
	mu.Lock()
	defer mu.Unlock()

	doc, err := s.repository.FindByID(ctx, docID)
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Document not found", err)
		}
		return nil, err
	}

	store, err := crdt.FromSnapshotOrDelta(uuid.NewString(), doc.StateBinary, doc.DeltaJSON)
	if err != nil {
		return nil, errors.UnprocessableEntity("Corrupt document state", err)
	}
	if err := fn(store); err != nil {
		return nil, err
	}

	delta := crdt.ToDelta(store)
	deltaRaw, err := delta.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if err := s.repository.SaveSnapshot(ctx, docID, store.EncodeState(), deltaRaw); err != nil {
		return nil, err
	}
	return delta, nil
}

// SaveSnapshot persists a full state export plus derived delta and appends
// a version row. Writes for one document are serialized so interleaved
// snapshots can't mix state and delta from different moments.
func (s *DefaultService) SaveSnapshot(ctx context.Context, docID uuid.UUID, state []byte, delta crdt.Delta, label string) error {
	deltaRaw, err := delta.MarshalJSON()
	if err != nil {
		return err
	}

	mu := s.lockFor(docID)
	mu.Lock()
	defer mu.Unlock()

	return s.repository.WithinTransaction(ctx, func(tx DocumentRepository) error {
		if err := tx.SaveSnapshot(ctx, docID, state, deltaRaw); err != nil {
			return err
		}
		return tx.CreateVersion(ctx, &domain.Version{
			DocID:     docID,
			Label:     label,
			DeltaJSON: deltaRaw,
		})
	})
}

func (s *DefaultService) BumpUpdateCount(ctx context.Context, docID uuid.UUID) (uint64, error) {
	return s.repository.BumpUpdateCount(ctx, docID)
}

func (s *DefaultService) toResponse(doc *domain.Document, access Access, delta crdt.Delta) DocumentResponse {
	return DocumentResponse{
		ID:         doc.ID,
		Identifier: doc.Identifier,
		Name:       doc.Name,
		OwnerID:    doc.OwnerID,
		IsRoot:     doc.IsRoot,
		RootID:     doc.RootID,
		IsPublic:   doc.IsPublic,
		Language:   doc.Language,
		Role:       doc.Role(),
		Access:     access.String(),
		Delta:      delta,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}
