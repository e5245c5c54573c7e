package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/openmc/authgate/internal/model"
)

// UserRepository определяет интерфейс для работы с identity records.
// Используется для dependency injection в тестах.
type UserRepository interface {
	// GetByName возвращает запись по имени (case-insensitive).
	// Возвращает nil, nil если запись не найдена.
	GetByName(ctx context.Context, name string) (*model.User, error)

	// GetByID возвращает запись по каноническому идентификатору.
	// Возвращает nil, nil если запись не найдена.
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)

	// Upsert создаёт или обновляет запись целиком (write-through).
	Upsert(ctx context.Context, u *model.User) error

	// Delete удаляет запись по идентификатору.
	Delete(ctx context.Context, id uuid.UUID) error

	// LoadAll возвращает все записи для прогрева индекса на старте.
	LoadAll(ctx context.Context) ([]*model.User, error)
}
