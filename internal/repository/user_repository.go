package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/models"
)

// UserRepository reads the directory kept by the auth collaborator.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) WithTx(tx *gorm.DB) *UserRepository {
	return &UserRepository{db: tx}
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFoundOr(err, "user")
	}
	return &user, nil
}

// FindDoctor returns NotFound unless id names a user with the doctor role.
func (r *UserRepository) FindDoctor(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ? AND role = ?", id, models.RoleDoctor).First(&user).Error; err != nil {
		return nil, notFoundOr(err, "doctor")
	}
	return &user, nil
}

// Upsert stores a directory entry pushed by the auth collaborator.
func (r *UserRepository) Upsert(ctx context.Context, user *models.User) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "first_name", "last_name", "country", "updated_at"}),
	}).Create(user).Error
	if err != nil {
		return apperrors.NewInternalError("failed to save user", err)
	}
	return nil
}

// ListDoctors returns every doctor ordered by name.
func (r *UserRepository) ListDoctors(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("role = ?", models.RoleDoctor).
		Order("last_name asc, first_name asc").
		Find(&users).Error
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list doctors", err)
	}
	return users, nil
}
