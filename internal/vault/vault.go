// Package vault seals the member credentials at rest. The sealing key is
// derived from a locally generated key file kept outside the database, so
// neither store alone is enough to recover the secrets.
package vault

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/nsetools/nsesync/internal/db"
	"github.com/nsetools/nsesync/internal/model"
)

var (
	ErrCredentialsMissing = errors.New("vault: no credentials saved")
	ErrCredentialsCorrupt = errors.New("vault: credentials corrupt")
)

const sealVersion = 1

// Authenticator is the slice of the remote client the vault needs for Test.
type Authenticator interface {
	Authenticate(ctx context.Context, creds model.CredentialRecord) (string, error)
}

type Vault struct {
	database *sql.DB
	keyFile  string
}

// Open returns a vault backed by the given database and key file path. The
// key file is created with a fresh random key on first use.
func Open(database *sql.DB, keyFile string) (*Vault, error) {
	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if _, err := os.Stat(keyFile); errors.Is(err, os.ErrNotExist) {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		if err := os.WriteFile(keyFile, key, 0600); err != nil {
			return nil, fmt.Errorf("write key file: %w", err)
		}
		slog.Info("generated new vault key file", "path", keyFile)
	} else if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}
	return &Vault{database: database, keyFile: keyFile}, nil
}

// Save validates and seals the record. Only the member code is loggable.
func (v *Vault) Save(record model.CredentialRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	aead, err := v.aead(salt)
	if err != nil {
		return err
	}

	sealedPassword, err := seal(aead, []byte(record.Password))
	if err != nil {
		return err
	}
	sealedSecretKey, err := seal(aead, []byte(record.SecretKey))
	if err != nil {
		return err
	}

	err = db.SaveCredentials(v.database, &db.SealedCredentials{
		MemberCode:      record.MemberCode,
		LoginID:         record.LoginID,
		SealedPassword:  sealedPassword,
		SealedSecretKey: sealedSecretKey,
		KDFSalt:         salt,
		SealVersion:     sealVersion,
	})
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}

	slog.Info("credentials saved", "member", record.MemberCode)
	return nil
}

// Load returns the decrypted record. Callers must drop it as soon as the
// authentication attempt is done.
func (v *Vault) Load() (model.CredentialRecord, error) {
	sealed, err := db.GetCredentials(v.database)
	if err != nil {
		return model.CredentialRecord{}, fmt.Errorf("read credentials: %w", err)
	}
	if sealed == nil {
		return model.CredentialRecord{}, ErrCredentialsMissing
	}
	if sealed.SealVersion != sealVersion {
		return model.CredentialRecord{}, fmt.Errorf("%w: unknown seal version %d", ErrCredentialsCorrupt, sealed.SealVersion)
	}

	aead, err := v.aead(sealed.KDFSalt)
	if err != nil {
		return model.CredentialRecord{}, err
	}

	password, err := open(aead, sealed.SealedPassword)
	if err != nil {
		return model.CredentialRecord{}, fmt.Errorf("%w: %v", ErrCredentialsCorrupt, err)
	}
	secretKey, err := open(aead, sealed.SealedSecretKey)
	if err != nil {
		return model.CredentialRecord{}, fmt.Errorf("%w: %v", ErrCredentialsCorrupt, err)
	}

	return model.CredentialRecord{
		MemberCode: sealed.MemberCode,
		LoginID:    sealed.LoginID,
		Password:   string(password),
		SecretKey:  string(secretKey),
	}, nil
}

// Test performs a live authentication with the given record without
// persisting anything.
func (v *Vault) Test(ctx context.Context, auth Authenticator, record model.CredentialRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	_, err := auth.Authenticate(ctx, record)
	return err
}

func (v *Vault) aead(salt []byte) (aeadCipher, error) {
	master, err := os.ReadFile(v.keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := scrypt.Key(master, salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
	zero(master)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	zero(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aead, nil
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

func seal(aead aeadCipher, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(aead aeadCipher, blob []byte) ([]byte, error) {
	if len(blob) < aead.NonceSize() {
		return nil, errors.New("sealed blob too short")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
