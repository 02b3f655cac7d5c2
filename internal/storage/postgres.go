package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"patient_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

const userColumns = "id, name, email, password_hash, user_role, age, ailment, refresh_token, created_at, updated_at"

type PostgresStorage struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresStorage(ctx context.Context, DbURL string, timeout time.Duration) (*PostgresStorage, error) {
	const op = "storage.NewPostgresStorage"

	conn, err := pgxpool.Connect(ctx, DbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &PostgresStorage{
		db:      conn,
		timeout: timeout,
	}, nil
}

// Migrate applies the embedded goose migrations through a short-lived database/sql handle.
func Migrate(ctx context.Context, DbURL string) error {
	const op = "storage.Migrate"

	db, err := sql.Open("pgx", DbURL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) CreateUser(ctx context.Context, user models.User) error {
	const op = "storage.CreateUser"

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s(id, name, email, password_hash, user_role, age, ailment, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`, usersTable)

	_, err := p.db.Exec(ctx, query,
		user.ID, user.Name, user.Email, user.PasswordHash, string(user.Role),
		user.Age, user.Ailment, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapPgError(err))
	}

	return nil
}

func (p *PostgresStorage) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "storage.GetUserByID"

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id=$1;", userColumns, usersTable)

	user, err := scanUser(p.db.QueryRow(ctx, query, userID))
	if err != nil {
		return user, fmt.Errorf("%s: %w", op, mapPgError(err))
	}

	return user, nil
}

func (p *PostgresStorage) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "storage.GetUserByEmail"

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE email=$1;", userColumns, usersTable)

	user, err := scanUser(p.db.QueryRow(ctx, query, email))
	if err != nil {
		return user, fmt.Errorf("%s: %w", op, mapPgError(err))
	}

	return user, nil
}

func (p *PostgresStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	const op = "storage.ListUsers"

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	users := []models.User{}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at, id;", userColumns, usersTable)

	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return users, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return users, fmt.Errorf("%s: %w", op, err)
		}

		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s (rows): %w", op, err)
	}

	return users, nil
}

func (p *PostgresStorage) UpdateUser(ctx context.Context, userID uuid.UUID, upd models.PatientUpdate) (models.User, error) {
	const op = "storage.UpdateUser"

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	var role *string
	if upd.Role != nil {
		r := string(*upd.Role)
		role = &r
	}

	query := fmt.Sprintf(`
      UPDATE %s
         SET name       = COALESCE($2, name),
             email      = COALESCE($3, email),
             user_role  = COALESCE($4, user_role),
             age        = COALESCE($5, age),
             ailment    = COALESCE($6, ailment),
             updated_at = now()
       WHERE id = $1
   RETURNING %s;`, usersTable, userColumns)

	user, err := scanUser(p.db.QueryRow(ctx, query, userID, upd.Name, upd.Email, role, upd.Age, upd.Ailment))
	if err != nil {
		return user, fmt.Errorf("%s: %w", op, mapPgError(err))
	}

	return user, nil
}

func (p *PostgresStorage) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.DeleteUser"

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", usersTable)

	tag, err := p.db.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

func (p *PostgresStorage) SetRefreshToken(ctx context.Context, userID uuid.UUID, token string) error {
	const op = "storage.SetRefreshToken"

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET refresh_token = $1, updated_at = now() WHERE id = $2", usersTable)

	tag, err := p.db.Exec(ctx, query, token, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

func (p *PostgresStorage) ClearRefreshToken(ctx context.Context, token string) (bool, error) {
	const op = "storage.ClearRefreshToken"

	if token == "" {
		return false, nil
	}

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	query := fmt.Sprintf(`
      UPDATE %s
         SET refresh_token = NULL,
             updated_at = now()
       WHERE refresh_token = $1
    `, usersTable)

	tag, err := p.db.Exec(ctx, query, token)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStorage) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	return p.db.Ping(ctx)
}

func (p *PostgresStorage) Close() {
	p.db.Close()
}

func scanUser(row pgx.Row) (models.User, error) {
	var (
		user models.User
		role string
	)

	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&role,
		&user.Age,
		&user.Ailment,
		&user.RefreshToken,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return models.User{}, err
	}
	user.Role = models.Role(role)

	return user, nil
}

func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrEmailExists
	}

	return err
}
