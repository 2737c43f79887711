package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AccountPurger удаляет пользователя вместе со всеми его записями
// распознавания в одной транзакции.
type AccountPurger struct {
	tx *TxRunner
}

// NewAccountPurger создаёт AccountPurger поверх TxRunner.
func NewAccountPurger(tx *TxRunner) *AccountPurger {
	return &AccountPurger{tx: tx}
}

// PurgeAccount удаляет записи и пользователя. Возвращает количество
// удалённых записей и ссылки на файлы, которые нужно удалить из хранилища.
// Файлы не трогаются: их удаление выполняется после коммита.
func (p *AccountPurger) PurgeAccount(ctx context.Context, userID string) (*OwnerPurge, error) {
	var purge *OwnerPurge
	err := p.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		// Блокируем строку пользователя, чтобы параллельная загрузка
		// не успела добавить запись между удалениями.
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("ошибка блокировки пользователя: %w", err)
		}

		var err error
		purge, err = NewTranscriptionRepository(tx).DeleteByOwner(ctx, userID)
		if err != nil {
			return err
		}
		return NewUserRepository(tx).Delete(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return purge, nil
}
