package utils

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"strconv"
)

const (
	codeMin = 100000
	codeMax = 999999
)

// CodeGenerator produces six-digit one-time codes together with their
// sealed form for storage.
type CodeGenerator struct {
	cipher *Cipher
	next   func() (string, error)
}

func NewCodeGenerator(c *Cipher) *CodeGenerator {
	return &CodeGenerator{cipher: c, next: RandomCode}
}

// NewCodeGeneratorFunc lets callers pin the plaintext source, e.g. in tests.
func NewCodeGeneratorFunc(c *Cipher, next func() (string, error)) *CodeGenerator {
	return &CodeGenerator{cipher: c, next: next}
}

func (g *CodeGenerator) Generate() (plaintext string, encrypted string, err error) {
	plaintext, err = g.next()
	if err != nil {
		return "", "", err
	}
	encrypted, err = g.cipher.Encrypt(plaintext)
	if err != nil {
		return "", "", err
	}
	return plaintext, encrypted, nil
}

func (g *CodeGenerator) Cipher() *Cipher {
	return g.cipher
}

// RandomCode returns a uniformly random decimal in [100000, 999999].
func RandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+codeMin, 10), nil
}

func CodesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
