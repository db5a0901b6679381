// Package domain secret.go contains the secret record and content validation.
package domain

import (
	"strings"
	"time"
)

// Secret is the stored unit: content plus its consumption state. The JSON
// layout matches the on-disk record format {id, content, viewed, createdAt}.
type Secret struct {
	ID        SecretID  `json:"id"`
	Content   string    `json:"content"`
	Consumed  bool      `json:"viewed"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewSecret builds an unconsumed record. Content is kept verbatim.
func NewSecret(id SecretID, content string, createdAt time.Time) Secret {
	return Secret{ID: id, Content: content, CreatedAt: createdAt.UTC()}
}

// ValidateContent rejects content that is empty once surrounding whitespace
// is ignored. The content itself is never trimmed.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	return nil
}
