package repository

import (
	"database/sql"
	"errors"
	"time"

	"riskguard/internal/models"
)

// Ошибки репозитория аккаунтов
var (
	ErrAccountNotFound = errors.New("exchange account not found")
	ErrAccountExists   = errors.New("exchange account already exists")
)

// AccountRepository - работа с таблицей exchange_accounts.
// Ключи хранятся только в зашифрованном виде, расшифровка - забота
// клиента биржи.
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository создает новый экземпляр репозитория
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create сохраняет аккаунт с уже зашифрованными учётными данными
func (r *AccountRepository) Create(account *models.ExchangeAccount) error {
	query := `
		INSERT INTO exchange_accounts (exchange, api_key_encrypted, api_secret_encrypted, testnet, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	err := r.db.QueryRow(
		query,
		account.Exchange,
		account.APIKeyEncrypted,
		account.APISecretEncrypted,
		account.Testnet,
		account.CreatedAt,
		account.UpdatedAt,
	).Scan(&account.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return err
	}

	return nil
}

// GetByID возвращает аккаунт по ID
func (r *AccountRepository) GetByID(id int64) (*models.ExchangeAccount, error) {
	query := `
		SELECT id, exchange, api_key_encrypted, api_secret_encrypted, testnet, created_at, updated_at
		FROM exchange_accounts
		WHERE id = $1`

	account := &models.ExchangeAccount{}
	err := r.db.QueryRow(query, id).Scan(
		&account.ID,
		&account.Exchange,
		&account.APIKeyEncrypted,
		&account.APISecretEncrypted,
		&account.Testnet,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	return account, nil
}

// GetByExchange возвращает аккаунт биржи
func (r *AccountRepository) GetByExchange(exchange string) (*models.ExchangeAccount, error) {
	query := `
		SELECT id, exchange, api_key_encrypted, api_secret_encrypted, testnet, created_at, updated_at
		FROM exchange_accounts
		WHERE exchange = $1`

	account := &models.ExchangeAccount{}
	err := r.db.QueryRow(query, exchange).Scan(
		&account.ID,
		&account.Exchange,
		&account.APIKeyEncrypted,
		&account.APISecretEncrypted,
		&account.Testnet,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	return account, nil
}

// UpdateCredentials заменяет зашифрованные учётные данные аккаунта
func (r *AccountRepository) UpdateCredentials(id int64, keyEncrypted, secretEncrypted string) error {
	query := `
		UPDATE exchange_accounts
		SET api_key_encrypted = $1, api_secret_encrypted = $2, updated_at = $3
		WHERE id = $4`

	result, err := r.db.Exec(query, keyEncrypted, secretEncrypted, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// Delete удаляет аккаунт
func (r *AccountRepository) Delete(id int64) error {
	query := `DELETE FROM exchange_accounts WHERE id = $1`

	result, err := r.db.Exec(query, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}
