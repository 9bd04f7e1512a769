// Package agentcrypto: гибридное шифрование между шлюзом и агентом без общего секрета.
//
// Используется age: X25519 оборачивает одноразовый файловый ключ, сами данные
// шифруются ChaCha20-Poly1305. Публичный ключ агента хранит шлюз, приватный: только агент.
// Шифротекст кодируется в base64 для передачи в JSON.
package agentcrypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

var ErrDecryptionFailed = errors.New("agentcrypto: decryption failed")

// Keypair: пара ключей агента в формате age (age1... / AGE-SECRET-KEY-1...).
type Keypair struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("agentcrypto: generate keypair: %w", err)
	}
	return &Keypair{
		PublicKey:  identity.Recipient().String(),
		PrivateKey: identity.String(),
	}, nil
}

// ValidatePublicKey проверяет ключ при регистрации агента.
func ValidatePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("agentcrypto: invalid public key: %w", err)
	}
	return nil
}

// EncryptFor шифрует data для владельца publicKey.
func EncryptFor(publicKey string, data []byte) (string, error) {
	recipient, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return "", fmt.Errorf("agentcrypto: parse recipient: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("agentcrypto: encryptor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return "", fmt.Errorf("agentcrypto: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("agentcrypto: finalize: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecryptBy: обратная операция. Подмена шифротекста или чужой ключ дают ErrDecryptionFailed.
func DecryptBy(privateKey string, ciphertext string) ([]byte, error) {
	identity, err := age.ParseX25519Identity(privateKey)
	if err != nil {
		return nil, fmt.Errorf("agentcrypto: parse identity: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		// Ошибка MAC всплывает при чтении последнего чанка
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return data, nil
}
