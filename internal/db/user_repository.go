package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmc/authgate/internal/crypto"
	"github.com/openmc/authgate/internal/model"
)

// PostgresUserRepository реализует auth.UserRepository для PostgreSQL.
// Credential секреты хранятся только в зашифрованном виде; расшифровка
// происходит при загрузке записи.
type PostgresUserRepository struct {
	pool   *pgxpool.Pool
	cipher *crypto.Cipher
}

// NewPostgresUserRepository создаёт новый PostgreSQL repository.
func NewPostgresUserRepository(pool *pgxpool.Pool, cipher *crypto.Cipher) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool, cipher: cipher}
}

const userColumns = `id, name, password, verified, registered, titles, last_auth, last_ip`

func (r *PostgresUserRepository) scanUser(row pgx.Row) (*model.User, error) {
	var (
		u        model.User
		lastAuth *time.Time
		lastIP   *string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.CredentialHash, &u.Verified,
		&u.Registered, &u.TitlesEnabled, &lastAuth, &lastIP); err != nil {
		return nil, err
	}
	if lastAuth != nil {
		u.LastAuth = *lastAuth
	}
	if lastIP != nil {
		u.LastIP = *lastIP
	}
	r.decryptCredential(&u)
	return &u, nil
}

// decryptCredential заменяет зашифрованный секрет на открытый хэш.
// Неудачная расшифровка трактуется как legacy (незашифрованное) значение:
// warning в лог, значение остаётся как есть. Никогда не fatal.
func (r *PostgresUserRepository) decryptCredential(u *model.User) {
	plain, err := r.cipher.Decrypt(u.CredentialHash)
	if err != nil {
		slog.Warn("failed to decrypt credential, treating as legacy value",
			"user", u.Name, "err", err)
		return
	}
	u.CredentialHash = plain
}

// GetByName возвращает запись по имени (case-insensitive).
// Возвращает nil, nil если запись не найдена.
func (r *PostgresUserRepository) GetByName(ctx context.Context, name string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM authusers WHERE LOWER(name) = $1`,
		strings.ToLower(name),
	)
	u, err := r.scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user %q: %w", name, err)
	}
	return u, nil
}

// GetByID возвращает запись по каноническому идентификатору.
// Возвращает nil, nil если запись не найдена.
func (r *PostgresUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM authusers WHERE id = $1`, id,
	)
	u, err := r.scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user by id %s: %w", id, err)
	}
	return u, nil
}

// Upsert создаёт или обновляет запись целиком (write-through).
// Thread-safe: INSERT ... ON CONFLICT защищает от race conditions.
func (r *PostgresUserRepository) Upsert(ctx context.Context, u *model.User) error {
	encrypted, err := r.cipher.Encrypt(u.CredentialHash)
	if err != nil {
		return fmt.Errorf("encrypting credential for %q: %w", u.Name, err)
	}

	var lastAuth *time.Time
	if !u.LastAuth.IsZero() {
		lastAuth = &u.LastAuth
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO authusers (id, name, password, verified, registered, titles, last_auth, last_ip)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   password = EXCLUDED.password,
		   verified = EXCLUDED.verified,
		   registered = EXCLUDED.registered,
		   titles = EXCLUDED.titles,
		   last_auth = EXCLUDED.last_auth,
		   last_ip = EXCLUDED.last_ip`,
		u.ID, u.Name, encrypted, u.Verified, u.Registered, u.TitlesEnabled, lastAuth, u.LastIP,
	)
	if err != nil {
		return fmt.Errorf("upserting user %q: %w", u.Name, err)
	}
	return nil
}

// Delete удаляет запись по идентификатору.
func (r *PostgresUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM authusers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting user %s: %w", id, err)
	}
	return nil
}

// LoadAll возвращает все записи (для прогрева in-memory индекса на старте).
func (r *PostgresUserRepository) LoadAll(ctx context.Context) ([]*model.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM authusers`)
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}
