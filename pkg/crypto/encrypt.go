package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Ошибки шифрования учётных данных
var (
	ErrEmptyMasterKey     = errors.New("master key cannot be empty")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext encoding")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
)

// Параметры деривации ключа.
// Соль фиксирована на уровне приложения: мастер-ключ один на процесс,
// per-секретная соль хранилась бы рядом с шифротекстом и ничего не добавила бы.
const (
	pbkdf2Iterations = 4096
	keyLength        = 32 // AES-256
)

var derivationSalt = []byte("riskguard.credentials.v1")

// DeriveKey выводит 32-байтовый AES ключ из мастер-ключа произвольной длины
// через PBKDF2-SHA256. Позволяет задавать мастер-ключ обычной строкой
// окружения, не требуя ровно 32 байт.
func DeriveKey(masterKey string) ([]byte, error) {
	if masterKey == "" {
		return nil, ErrEmptyMasterKey
	}
	return pbkdf2.Key([]byte(masterKey), derivationSalt, pbkdf2Iterations, keyLength, sha256.New), nil
}

// EncryptSecret шифрует секрет (API key или API secret биржи) мастер-ключом.
// AES-256-GCM, случайный nonce, результат кодируется в base64 для хранения в БД.
func EncryptSecret(plaintext, masterKey string) (string, error) {
	key, err := DeriveKey(masterKey)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	// GCM добавляет аутентификационный тег автоматически
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptSecret расшифровывает base64-encoded секрет мастер-ключом.
// Ошибка аутентификации GCM означает неверный мастер-ключ или повреждённые данные.
func DecryptSecret(ciphertextBase64, masterKey string) (string, error) {
	key, err := DeriveKey(masterKey)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertextData := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertextData, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// GenerateMasterKey генерирует криптографически стойкий случайный мастер-ключ
// и возвращает его в base64 (для записи в .env при первичной настройке).
func GenerateMasterKey() (string, error) {
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
