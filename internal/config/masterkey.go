package config

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // key derivation compatible with the original master-key envelope, not used for integrity
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

// masterKeySaltedPrefix marks an OpenSSL-style "Salted__" envelope: 8 magic
// bytes followed by an 8-byte salt, then the AES-256-CBC ciphertext. This is
// the envelope pgagroal_encrypt produces around every stored password.
var masterKeySaltedPrefix = []byte("Salted__")

// LoadMasterKey reads the base64-encoded master key from
// <homeDir>/.pgagroal/master.key, replicating the original's permission
// checks: the .pgagroal directory must be mode 0700 and the key file must be
// mode 0600, both owner-only and with no group/other bits set at all.
func LoadMasterKey(homeDir string) ([]byte, error) {
	dir := filepath.Join(homeDir, ".pgagroal")

	dirInfo, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !dirInfo.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	if dirInfo.Mode().Perm() != 0700 {
		return nil, fmt.Errorf("%s must be mode 0700, got %04o", dir, dirInfo.Mode().Perm())
	}

	keyPath := filepath.Join(dir, "master.key")
	keyInfo, err := os.Stat(keyPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", keyPath, err)
	}
	if keyInfo.Mode().Perm() != 0600 {
		return nil, fmt.Errorf("%s must be mode 0600, got %04o", keyPath, keyInfo.Mode().Perm())
	}

	f, err := os.Open(keyPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", keyPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", keyPath, err)
		}
		return nil, fmt.Errorf("%s is empty", keyPath)
	}

	decoded, err := base64.StdEncoding.DecodeString(scanner.Text())
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}

	return decoded, nil
}

// deriveKeyIV turns the master key passphrase and an 8-byte salt into a
// 32-byte AES-256 key and 16-byte IV using the classic OpenSSL EVP_BytesToKey
// scheme (repeated MD5 over the previous digest, passphrase, and salt) that
// the original's pgagroal_encrypt/pgagroal_decrypt envelope is built on.
func deriveKeyIV(passphrase, salt []byte) (key, iv []byte) {
	var (
		digest []byte
		prev   []byte
	)
	for len(digest) < aes.BlockSize+32 {
		h := md5.New() //nolint:gosec
		h.Write(prev)
		h.Write(passphrase)
		h.Write(salt)
		prev = h.Sum(nil)
		digest = append(digest, prev...)
	}
	return digest[:32], digest[32 : 32+aes.BlockSize]
}

// DecryptPassword reverses EncryptPassword: it strips the "Salted__" header,
// derives the key/IV from masterKey and the embedded salt, and CBC-decrypts
// and un-pads the payload.
func DecryptPassword(ciphertext, masterKey []byte) (string, error) {
	if len(ciphertext) < len(masterKeySaltedPrefix)+8+aes.BlockSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	if string(ciphertext[:len(masterKeySaltedPrefix)]) != string(masterKeySaltedPrefix) {
		return "", fmt.Errorf("missing salted envelope header")
	}
	salt := ciphertext[len(masterKeySaltedPrefix) : len(masterKeySaltedPrefix)+8]
	payload := ciphertext[len(masterKeySaltedPrefix)+8:]
	if len(payload)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext is not a multiple of the AES block size")
	}

	key, iv := deriveKeyIV(masterKey, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating AES cipher: %w", err)
	}

	plain := make([]byte, len(payload))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, payload)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return "", fmt.Errorf("decrypting password: %w", err)
	}
	return string(plain), nil
}

// EncryptPassword produces the same "Salted__" + salt + AES-256-CBC envelope
// DecryptPassword expects, for the master-key encrypt/decrypt round trip and
// for test fixtures that need a valid encrypted user line.
func EncryptPassword(plaintext string, masterKey, salt []byte) ([]byte, error) {
	if len(salt) != 8 {
		return nil, fmt.Errorf("salt must be 8 bytes, got %d", len(salt))
	}
	key, iv := deriveKeyIV(masterKey, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	envelope := make([]byte, 0, len(masterKeySaltedPrefix)+8+len(out))
	envelope = append(envelope, masterKeySaltedPrefix...)
	envelope = append(envelope, salt...)
	envelope = append(envelope, out...)
	return envelope, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
