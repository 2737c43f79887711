// Пакет repository — хранение пользователей и записей распознавания в PostgreSQL.
// Запросы пишутся на SQL и выполняются через pgx.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound — пользователь или запись не найдены (или принадлежат другому владельцу).
	ErrNotFound = errors.New("не найдено")
	// ErrConflict — нарушено ограничение уникальности.
	ErrConflict = errors.New("конфликт уникальности")
)

// SQLSTATE, которые репозитории обрабатывают явно.
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// txAttempts — сколько раз RunInTx пробует транзакцию при конфликте блокировок.
const txAttempts = 2

// DBTX — общее подмножество *pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner выполняет функцию в транзакции пула.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn в транзакции и коммитит её, если fn не вернул ошибку.
// Удаление аккаунта может столкнуться с фоновым завершением распознавания
// того же владельца; при deadlock или serialization failure транзакция
// повторяется целиком.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = r.runOnce(ctx, fn)
		if !retryableTx(err) {
			return err
		}
	}
	return err
}

func (r *TxRunner) runOnce(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("начало транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // после Commit это no-op

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("коммит транзакции: %w", err)
	}
	return nil
}

func retryableTx(err error) bool {
	switch pgErrorCode(err) {
	case pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return false
}

// pgError извлекает ошибку сервера PostgreSQL из цепочки.
func pgError(err error) *pgconn.PgError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr
	}
	return nil
}

func pgErrorCode(err error) string {
	if pgErr := pgError(err); pgErr != nil {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgUniqueViolation
}

// constraintName — имя нарушенного ограничения, по нему определяется поле конфликта.
func constraintName(err error) string {
	if pgErr := pgError(err); pgErr != nil {
		return pgErr.ConstraintName
	}
	return ""
}
