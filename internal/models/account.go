package models

import "time"

// ExchangeAccount - аккаунт биржи с зашифрованными учётными данными.
// API ключ и секрет хранятся в БД только в зашифрованном виде (AES-256-GCM);
// расшифровка выполняется в памяти клиента биржи и нигде не логируется.
type ExchangeAccount struct {
	ID                 int64     `json:"id" db:"id"`
	Exchange           string    `json:"exchange" db:"exchange"`
	APIKeyEncrypted    string    `json:"-" db:"api_key_encrypted"`
	APISecretEncrypted string    `json:"-" db:"api_secret_encrypted"`
	Testnet            bool      `json:"testnet" db:"testnet"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}
