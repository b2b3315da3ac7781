package service

import (
	"crypto/rand"
	"fmt"
)

const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength   = 6
	// largest multiple of 62 that fits in a byte, bytes above it are redrawn
	idByteLimit = 248
)

// newPostID returns a random six character base62 id.
func newPostID() (string, error) {
	out := make([]byte, 0, idLength)
	buf := make([]byte, idLength*2)
	for len(out) < idLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate post id: %w", err)
		}
		for _, b := range buf {
			if b >= idByteLimit {
				continue
			}
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
			if len(out) == idLength {
				break
			}
		}
	}
	return string(out), nil
}
