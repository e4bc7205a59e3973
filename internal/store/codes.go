package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	codeAlphabet        = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength          = 6
	DefaultCodeAttempts = 5
)

// NewShortCode returns a random branch code without look-alike characters.
func NewShortCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf), nil
}

// NormalizeCode upper-cases and trims a user supplied branch code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CodeGenerator produces candidate branch codes.
type CodeGenerator func() (string, error)

// AllocateCode calls insert with fresh codes until it reports the code was
// free or attempts run out. insert returns false when the code collided.
func AllocateCode(ctx context.Context, attempts int, gen CodeGenerator, insert func(code string) (bool, error)) (string, error) {
	if attempts <= 0 {
		attempts = DefaultCodeAttempts
	}
	if gen == nil {
		gen = NewShortCode
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := gen()
		if err != nil {
			return "", fmt.Errorf("generate branch code: %w", err)
		}
		ok, err := insert(code)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}
