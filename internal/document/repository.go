package document

import (
	"context"
	"time"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DocumentsMeta struct {
	Total       int64 `json:"total"`
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	TotalPage   int   `json:"total_page"`
}

// DocumentRepository is the persistence boundary for documents, permissions
// and versions. WithinTransaction hands callers a repository bound to one
// transaction; the hierarchy and permission cascades run through it so a
// partial cascade is never observable.
type DocumentRepository interface {
	WithinTransaction(ctx context.Context, fn func(DocumentRepository) error) error

	CreateDocument(ctx context.Context, doc *domain.Document) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Document, error)
	FindWithTranslations(ctx context.Context, id uuid.UUID) (*domain.Document, error)
	ListAccessible(ctx context.Context, userID uint64, page, pageSize int) ([]domain.Document, DocumentsMeta, error)
	ListTranslations(ctx context.Context, rootID uuid.UUID) ([]domain.Document, error)
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error
	SaveSnapshot(ctx context.Context, id uuid.UUID, state []byte, delta []byte) error
	BumpUpdateCount(ctx context.Context, id uuid.UUID) (uint64, error)
	DeleteDocument(ctx context.Context, id uuid.UUID) error

	GetPermission(ctx context.Context, docID uuid.UUID, userID uint64) (*domain.Permission, error)
	UpsertPermission(ctx context.Context, perm *domain.Permission) error
	ListPermissions(ctx context.Context, docID uuid.UUID) ([]domain.Permission, error)
	DeletePermission(ctx context.Context, docID uuid.UUID, userID uint64) error

	CreateVersion(ctx context.Context, version *domain.Version) error
	ListVersions(ctx context.Context, docID uuid.UUID) ([]domain.Version, error)
}

type DocumentRepositoryImpl struct {
	db *gorm.DB
}

// NewRepository creates a new document repository
func NewRepository(db *gorm.DB) DocumentRepository {
	return &DocumentRepositoryImpl{db: db}
}

func (r *DocumentRepositoryImpl) WithinTransaction(ctx context.Context, fn func(DocumentRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&DocumentRepositoryImpl{db: tx})
	})
}

func (r *DocumentRepositoryImpl) CreateDocument(ctx context.Context, doc *domain.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	return r.db.WithContext(ctx).Create(doc).Error
}

func (r *DocumentRepositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	var doc domain.Document
	err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *DocumentRepositoryImpl) FindWithTranslations(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	var doc domain.Document
	err := r.db.WithContext(ctx).
		Preload("Translations").
		First(&doc, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListAccessible returns documents the user owns, can read through a
// permission row, or that are public.
func (r *DocumentRepositoryImpl) ListAccessible(ctx context.Context, userID uint64, page, pageSize int) ([]domain.Document, DocumentsMeta, error) {
	var documents []domain.Document
	var totalRecords int64

	query := r.db.WithContext(ctx).Model(&domain.Document{}).
		Where(`owner_id = ?
			OR is_public = true
			OR id IN (SELECT doc_id FROM permissions WHERE user_id = ? AND can_read = true)`,
			userID, userID)

	if err := query.Count(&totalRecords).Error; err != nil {
		return documents, DocumentsMeta{}, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Order("updated_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&documents).Error

	totalPages := int((totalRecords + int64(pageSize) - 1) / int64(pageSize))

	return documents, DocumentsMeta{
		Total:       totalRecords,
		PerPage:     pageSize,
		TotalPage:   totalPages,
		CurrentPage: page,
	}, err
}

func (r *DocumentRepositoryImpl) ListTranslations(ctx context.Context, rootID uuid.UUID) ([]domain.Document, error) {
	var docs []domain.Document
	err := r.db.WithContext(ctx).
		Where("root_id = ?", rootID).
		Order("created_at ASC").
		Find(&docs).Error
	return docs, err
}

func (r *DocumentRepositoryImpl) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&domain.Document{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SaveSnapshot persists the binary state plus derived delta and resets the
// update counter in one statement, keeping snapshot writes atomic per row.
func (r *DocumentRepositoryImpl) SaveSnapshot(ctx context.Context, id uuid.UUID, state []byte, delta []byte) error {
	return r.UpdateFields(ctx, id, map[string]any{
		"state_binary": state,
		"delta_json":   delta,
		"update_count": 0,
	})
}

func (r *DocumentRepositoryImpl) BumpUpdateCount(ctx context.Context, id uuid.UUID) (uint64, error) {
	var count uint64
	err := r.db.WithContext(ctx).Raw(`
		UPDATE documents
		SET update_count = update_count + 1,
		    updated_at = ?
		WHERE id = ?
		RETURNING update_count
	`, time.Now().UTC(), id).Scan(&count).Error
	return count, err
}

func (r *DocumentRepositoryImpl) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("doc_id = ?", id).Delete(&domain.Permission{}).Error; err != nil {
			return err
		}
		if err := tx.Where("doc_id = ?", id).Delete(&domain.Version{}).Error; err != nil {
			return err
		}
		if err := tx.Where("doc_id = ?", id).Delete(&domain.Comment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Document{}, "id = ?", id).Error
	})
}

func (r *DocumentRepositoryImpl) GetPermission(ctx context.Context, docID uuid.UUID, userID uint64) (*domain.Permission, error) {
	var perm domain.Permission
	err := r.db.WithContext(ctx).
		Where("doc_id = ? AND user_id = ?", docID, userID).
		First(&perm).Error
	if err != nil {
		return nil, err
	}
	return &perm, nil
}

// UpsertPermission keeps at most one row per (document, user) pair.
func (r *DocumentRepositoryImpl) UpsertPermission(ctx context.Context, perm *domain.Permission) error {
	now := time.Now().UTC()
	perm.UpdatedAt = now
	if perm.CreatedAt.IsZero() {
		perm.CreatedAt = now
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"can_read", "can_write", "updated_at"}),
		}).
		Create(perm).Error
}

func (r *DocumentRepositoryImpl) ListPermissions(ctx context.Context, docID uuid.UUID) ([]domain.Permission, error) {
	var perms []domain.Permission
	err := r.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Find(&perms).Error
	return perms, err
}

func (r *DocumentRepositoryImpl) DeletePermission(ctx context.Context, docID uuid.UUID, userID uint64) error {
	return r.db.WithContext(ctx).
		Where("doc_id = ? AND user_id = ?", docID, userID).
		Delete(&domain.Permission{}).Error
}

func (r *DocumentRepositoryImpl) CreateVersion(ctx context.Context, version *domain.Version) error {
	if version.ID == uuid.Nil {
		version.ID = uuid.New()
	}
	version.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(version).Error
}

func (r *DocumentRepositoryImpl) ListVersions(ctx context.Context, docID uuid.UUID) ([]domain.Version, error) {
	var versions []domain.Version
	err := r.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("created_at DESC").
		Find(&versions).Error
	return versions, err
}
