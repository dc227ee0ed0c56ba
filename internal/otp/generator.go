// Package otp generates numeric one-time codes.
package otp

import (
	"crypto/rand"
	"fmt"
)

// Generator produces fixed-length decimal codes from a cryptographically
// secure source. Each digit is drawn independently and uniformly from 0-9.
type Generator struct {
	length int
}

func NewGenerator(length int) *Generator {
	if length <= 0 {
		length = 6
	}
	return &Generator{length: length}
}

func (g *Generator) Length() int {
	return g.length
}

// Generate returns a new code. Buffered rejection sampling keeps the digit
// distribution uniform: bytes >= 250 would bias toward 0-5 under mod 10.
func (g *Generator) Generate() (string, error) {
	code := make([]byte, g.length)
	buf := make([]byte, g.length*2)

	filled := 0
	for filled < g.length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			code[filled] = '0' + b%10
			filled++
			if filled == g.length {
				break
			}
		}
	}

	return string(code), nil
}
