package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"

	"github.com/awnumar/memguard"
)

var ErrEmptySecret = errors.New("exchange: empty API secret")

// Secret keeps an API secret sealed in a memguard enclave. The plaintext is
// only opened for the duration of a single HMAC.
type Secret struct {
	enclave *memguard.Enclave
}

func NewSecret(secret string) *Secret {
	if secret == "" {
		return &Secret{}
	}
	return &Secret{enclave: memguard.NewEnclave([]byte(secret))}
}

func (s *Secret) HMACSHA256(message []byte) ([]byte, error) {
	if s == nil || s.enclave == nil {
		return nil, ErrEmptySecret
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	mac := hmac.New(sha256.New, buf.Bytes())
	mac.Write(message)
	return mac.Sum(nil), nil
}

// Use opens the enclave for the duration of fn. fn must not retain plain.
func (s *Secret) Use(fn func(plain []byte) error) error {
	if s == nil || s.enclave == nil {
		return ErrEmptySecret
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// String never renders the secret, so a Secret is safe inside log fields.
func (s *Secret) String() string {
	return "[REDACTED]"
}
