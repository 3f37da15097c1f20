package encrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

const (
	NonceSize = 12 // GCM standard nonce size
	KeySize   = 32 // AES-256
)

// AESEncryptor seals whole artifacts with AES-256-GCM. The output is the
// nonce followed by the ciphertext and tag.
type AESEncryptor struct {
	key []byte
}

func NewAESEncryptor(key []byte) (*AESEncryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be exactly %d bytes, got %d", KeySize, len(key))
	}
	return &AESEncryptor{key: key}, nil
}

func (e *AESEncryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func (e *AESEncryptor) Encrypt(r io.Reader) (io.ReadCloser, error) {
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	pr, pw := io.Pipe()

	go func() {
		if _, err := pw.Write(nonce); err != nil {
			pw.CloseWithError(err)
			return
		}

		// GCM authenticates the whole message, so the plaintext is buffered.
		plaintext, err := io.ReadAll(r)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("failed to read plaintext: %w", err))
			return
		}

		if _, err := pw.Write(gcm.Seal(nil, nonce, plaintext, nil)); err != nil {
			pw.CloseWithError(err)
			return
		}

		pw.Close()
	}()

	return pr, nil
}

func (e *AESEncryptor) Extension() string {
	return ".enc"
}

// Decrypt decrypts data encrypted with Encrypt
func (e *AESEncryptor) Decrypt(r io.Reader) (io.ReadCloser, error) {
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	ciphertext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read ciphertext: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

// EncryptFile replaces path with path+".enc" and returns the new path.
func (e *AESEncryptor) EncryptFile(path string) (string, error) {
	dest := path + e.Extension()
	if err := e.transform(path, dest, e.Encrypt); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("%w: %w", errors.ErrEncryptionFailed, err)
	}
	return dest, nil
}

// DecryptFile writes the plaintext of an encrypted artifact next to it,
// dropping the .enc suffix. The encrypted file is kept.
func (e *AESEncryptor) DecryptFile(path string) (string, error) {
	if !strings.HasSuffix(path, e.Extension()) {
		return "", fmt.Errorf("%w: %s does not end in %s", errors.ErrEncryptionFailed, path, e.Extension())
	}
	dest := strings.TrimSuffix(path, e.Extension())
	if err := e.transform(path, dest, e.Decrypt); err != nil {
		return "", err
	}
	return dest, nil
}

func (e *AESEncryptor) transform(src, dest string, fn func(io.Reader) (io.ReadCloser, error)) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrEncryptionFailed, err)
	}
	defer in.Close()

	out, err := fn(in)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrEncryptionFailed, err)
	}
	defer out.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrEncryptionFailed, err)
	}
	_, copyErr := io.Copy(f, out)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(dest)
		if copyErr == nil {
			copyErr = closeErr
		}
		return fmt.Errorf("%w: %w", errors.ErrEncryptionFailed, copyErr)
	}
	return nil
}
