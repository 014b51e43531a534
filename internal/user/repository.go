package user

import (
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/domain"

	"gorm.io/gorm"
)

// UserRepository defines the interface for user data access
type UserRepository interface {
	Create(user *domain.User) error
	FindByEmail(email string) (*domain.User, error)
	FindByID(id uint64) (*domain.User, error)
	SearchByEmail(query string, limit int) ([]domain.User, error)
}

// UserRepositoryImpl implements UserRepository
type UserRepositoryImpl struct {
	db *gorm.DB
}

// NewRepository creates a new user repository
func NewRepository(db *gorm.DB) UserRepository {
	return &UserRepositoryImpl{db: db}
}

// Create creates a new user
func (r *UserRepositoryImpl) Create(user *domain.User) error {
	return r.db.Create(user).Error
}

// FindByEmail finds a user by email
func (r *UserRepositoryImpl) FindByEmail(email string) (*domain.User, error) {
	var user domain.User
	err := r.db.Where("email = ?", email).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByID finds a user by ID
func (r *UserRepositoryImpl) FindByID(id uint64) (*domain.User, error) {
	var user domain.User
	err := r.db.First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SearchByEmail finds active users whose email matches the query prefix.
func (r *UserRepositoryImpl) SearchByEmail(query string, limit int) ([]domain.User, error) {
	var users []domain.User
	err := r.db.Where("email ILIKE ? AND is_active = true", query+"%").
		Limit(limit).
		Find(&users).Error
	return users, err
}
