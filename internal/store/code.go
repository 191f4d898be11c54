package store

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// User ids are short codes people exchange to add each other, so the
// alphabet omits easily-confused characters.
const (
	userCodeLength   = 6
	userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// IDProvider issues identifiers for newly created records.
type IDProvider interface {
	NewUserID() (string, error)
	NewEdgeID() (string, error)
}

type defaultIDProvider struct{}

// NewIDProvider constructs the production id provider: 6-character user
// codes and UUIDv7 edge ids.
func NewIDProvider() IDProvider {
	return &defaultIDProvider{}
}

func (p *defaultIDProvider) NewUserID() (string, error) {
	buf := make([]byte, userCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("store: generating user code: %w", err)
	}
	for i, b := range buf {
		buf[i] = userCodeAlphabet[int(b)%len(userCodeAlphabet)]
	}
	return string(buf), nil
}

func (p *defaultIDProvider) NewEdgeID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
