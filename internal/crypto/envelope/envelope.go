// Package envelope реализует envelope-шифрование секретов перед записью в хранилище.
//
// Каждый вызов Encrypt генерирует новый 256-битный DEK и два новых 128-битных IV:
// один для данных, второй для обертки DEK под KEK. Оба слоя: AES-256-GCM,
// поэтому любая подмена байтов обнаруживается на Decrypt, и частично
// расшифрованные данные наружу не отдаются.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	KeySize = 32 // AES-256
	IVSize  = 16 // 128-битный IV
	TagSize = 16

	// wrappedKeySize: wrapIV ‖ encrypted DEK ‖ wrapTag
	wrappedKeySize = IVSize + KeySize + TagSize
)

var (
	// ErrAuthenticationFailed: тег не сошелся (подмена данных или неверный KEK).
	ErrAuthenticationFailed = errors.New("envelope: authentication failed")
	ErrInvalidKey           = errors.New("envelope: key must be 32 bytes")
	ErrMalformed            = errors.New("envelope: malformed envelope")
)

// Envelope: формат хранения и передачи. []byte сериализуется в JSON как base64,
// имена полей менять нельзя: по ним читаются ранее сохраненные секреты.
type Envelope struct {
	EncryptedData []byte `json:"encryptedData"`
	EncryptedKey  []byte `json:"encryptedKey"`
	IV            []byte `json:"iv"`
	Tag           []byte `json:"tag"`
}

// ParseKEK декодирует base64 KEK из конфига.
func ParseKEK(encoded string) ([]byte, error) {
	kek, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode kek: %w", err)
	}
	if len(kek) != KeySize {
		return nil, ErrInvalidKey
	}
	return kek, nil
}

// GenerateKey возвращает случайный 256-битный ключ (для KEK в dev-окружении и тестов).
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("envelope: generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("envelope: random: %w", err)
	}
	return b, nil
}

// Encrypt шифрует plaintext под свежим DEK и оборачивает DEK под kek.
func Encrypt(plaintext, kek []byte) (*Envelope, error) {
	kekAEAD, err := newGCM(kek)
	if err != nil {
		return nil, err
	}

	dek, err := randomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	defer clear(dek)

	dekAEAD, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	iv, err := randomBytes(IVSize)
	if err != nil {
		return nil, err
	}
	sealed := dekAEAD.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - TagSize

	wrapIV, err := randomBytes(IVSize)
	if err != nil {
		return nil, err
	}
	wrapped := kekAEAD.Seal(nil, wrapIV, dek, nil)

	return &Envelope{
		EncryptedData: sealed[:split],
		EncryptedKey:  append(wrapIV, wrapped...),
		IV:            iv,
		Tag:           sealed[split:],
	}, nil
}

// Decrypt разворачивает DEK и расшифровывает данные. Любая ошибка проверки тега
// возвращает ErrAuthenticationFailed и nil вместо данных.
func Decrypt(env *Envelope, kek []byte) ([]byte, error) {
	if env == nil || len(env.IV) != IVSize || len(env.Tag) != TagSize || len(env.EncryptedKey) != wrappedKeySize {
		return nil, ErrMalformed
	}

	kekAEAD, err := newGCM(kek)
	if err != nil {
		return nil, err
	}

	wrapIV, wrapped := env.EncryptedKey[:IVSize], env.EncryptedKey[IVSize:]
	dek, err := kekAEAD.Open(nil, wrapIV, wrapped, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	defer clear(dek)

	dekAEAD, err := newGCM(dek)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	sealed := make([]byte, 0, len(env.EncryptedData)+TagSize)
	sealed = append(sealed, env.EncryptedData...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := dekAEAD.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Serialize: JSON с четырьмя base64-полями.
func Serialize(env *Envelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("envelope: serialize: %w", err)
	}
	return string(b), nil
}

// Deserialize: обратная операция к Serialize, байт в байт.
func Deserialize(data string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.IV) != IVSize || len(env.Tag) != TagSize || len(env.EncryptedKey) != wrappedKeySize {
		return nil, ErrMalformed
	}
	return &env, nil
}

func EncryptString(plaintext string, kek []byte) (string, error) {
	env, err := Encrypt([]byte(plaintext), kek)
	if err != nil {
		return "", err
	}
	return Serialize(env)
}

func DecryptString(serialized string, kek []byte) (string, error) {
	env, err := Deserialize(serialized)
	if err != nil {
		return "", err
	}
	plaintext, err := Decrypt(env, kek)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptJSON маршалит v и шифрует результат.
func EncryptJSON(v any, kek []byte) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal: %w", err)
	}
	env, err := Encrypt(data, kek)
	if err != nil {
		return "", err
	}
	return Serialize(env)
}

// DecryptJSON расшифровывает и декодирует в out.
func DecryptJSON(serialized string, kek []byte, out any) error {
	env, err := Deserialize(serialized)
	if err != nil {
		return err
	}
	plaintext, err := Decrypt(env, kek)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return nil
}
