// Package secret holds the symmetric codec for per-instance database
// passwords and the deterministic password generator for the database user.
package secret

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/pbkdf2"

	"github.com/campusweb/atlas/internal/config"
)

const (
	kdfIterations = 100000
	kdfKeyLen     = 32
)

// ErrDecrypt is returned when a token cannot be verified with the
// configured key.
var ErrDecrypt = errors.New("secret: token verification failed")

// Codec encrypts and decrypts short secrets with Fernet. The key is
// derived from the deployment password and salt with PBKDF2-HMAC-SHA256.
type Codec struct {
	key *fernet.Key
}

// NewCodec derives the Fernet key from the configured password and salt.
func NewCodec(cfg config.CryptoConfig) *Codec {
	derived := pbkdf2.Key([]byte(cfg.Password), []byte(cfg.Salt), kdfIterations, kdfKeyLen, sha256.New)
	key := new(fernet.Key)
	copy(key[:], derived)
	return &Codec{key: key}
}

// Encrypt returns the Fernet token for plaintext.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.key)
	if err != nil {
		return "", err
	}
	return string(tok), nil
}

// Decrypt verifies and opens a token produced by Encrypt. Tokens do not
// expire; rotation happens by re-provisioning the instance.
func (c *Codec) Decrypt(token string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{c.key})
	if msg == nil {
		return "", ErrDecrypt
	}
	return string(msg), nil
}

// MySQLPassword hashes a seed the way the CMS's database expects native
// password hashes: two SHA-1 rounds, uppercased hex, a leading asterisk.
func MySQLPassword(seed string) string {
	first := sha1.Sum([]byte(seed))
	second := sha1.Sum(first[:])
	return "*" + strings.ToUpper(hex.EncodeToString(second[:]))
}
