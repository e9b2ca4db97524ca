package nseclient

import (
	"crypto/aes"
	"encoding/base64"
	"fmt"
)

// EncryptPassword produces the password envelope the login endpoint expects:
// AES-ECB over PKCS#7-padded UTF-8 under the member's base64 secret key,
// base64-encoded. The ECB mode is fixed by the remote protocol.
func EncryptPassword(password, secretKeyB64 string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secretKeyB64)
	if err != nil {
		return "", fmt.Errorf("decode secret key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(password), block.BlockSize())
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], padded[i:i+block.BlockSize()])
	}

	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}
