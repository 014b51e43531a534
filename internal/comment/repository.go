package comment

import (
	"context"
	"time"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CommentRepository interface {
	WithinTransaction(ctx context.Context, fn func(CommentRepository) error) error

	Create(ctx context.Context, comment *domain.Comment) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Comment, error)
	FindThreadRoot(ctx context.Context, threadID uuid.UUID) (*domain.Comment, error)
	ListByDocument(ctx context.Context, docID uuid.UUID) ([]domain.Comment, error)
	ListThreadRoots(ctx context.Context, docID uuid.UUID) ([]domain.Comment, error)
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error
	SetThreadResolved(ctx context.Context, threadID uuid.UUID, resolved bool) error
	DeleteThread(ctx context.Context, threadID uuid.UUID) error
}

type CommentRepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) CommentRepository {
	return &CommentRepositoryImpl{db: db}
}

func (r *CommentRepositoryImpl) WithinTransaction(ctx context.Context, fn func(CommentRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&CommentRepositoryImpl{db: tx})
	})
}

func (r *CommentRepositoryImpl) Create(ctx context.Context, comment *domain.Comment) error {
	if comment.ID == uuid.Nil {
		comment.ID = uuid.New()
	}
	now := time.Now().UTC()
	comment.CreatedAt = now
	comment.UpdatedAt = now
	return r.db.WithContext(ctx).Create(comment).Error
}

func (r *CommentRepositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (*domain.Comment, error) {
	var comment domain.Comment
	if err := r.db.WithContext(ctx).First(&comment, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &comment, nil
}

// FindThreadRoot fetches the thread's anchoring comment, the one without a
// parent.
func (r *CommentRepositoryImpl) FindThreadRoot(ctx context.Context, threadID uuid.UUID) (*domain.Comment, error) {
	var comment domain.Comment
	err := r.db.WithContext(ctx).
		Where("thread_id = ? AND parent_comment_id IS NULL", threadID).
		First(&comment).Error
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

func (r *CommentRepositoryImpl) ListByDocument(ctx context.Context, docID uuid.UUID) ([]domain.Comment, error) {
	var comments []domain.Comment
	err := r.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("thread_id, created_at ASC").
		Find(&comments).Error
	return comments, err
}

func (r *CommentRepositoryImpl) ListThreadRoots(ctx context.Context, docID uuid.UUID) ([]domain.Comment, error) {
	var comments []domain.Comment
	err := r.db.WithContext(ctx).
		Where("doc_id = ? AND parent_comment_id IS NULL", docID).
		Order("start_offset ASC").
		Find(&comments).Error
	return comments, err
}

func (r *CommentRepositoryImpl) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&domain.Comment{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *CommentRepositoryImpl) SetThreadResolved(ctx context.Context, threadID uuid.UUID, resolved bool) error {
	return r.db.WithContext(ctx).Model(&domain.Comment{}).
		Where("thread_id = ?", threadID).
		Updates(map[string]any{"resolved": resolved, "updated_at": time.Now().UTC()}).Error
}

func (r *CommentRepositoryImpl) DeleteThread(ctx context.Context, threadID uuid.UUID) error {
	return r.db.WithContext(ctx).Where("thread_id = ?", threadID).Delete(&domain.Comment{}).Error
}
