// Package gallery records generated media so it can be listed and managed
// after the generating command exits.
package gallery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MediaType is the kind of generated media.
type MediaType string

const (
	Image MediaType = "image"
	Video MediaType = "video"
)

// ErrNotFound is returned by Remove when no item has the given id.
var ErrNotFound = errors.New("gallery: item not found")

// Item is one generated artifact.
type Item struct {
	ID   uuid.UUID `json:"id"`
	Type MediaType `json:"type"`

	// URL is a data URL (data:<mime>;base64,<payload>).
	URL string `json:"url"`

	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
}

// NewItem returns an Item with a fresh id and the current time.
func NewItem(typ MediaType, url, prompt, model string) Item {
	return Item{
		ID:        uuid.New(),
		Type:      typ,
		URL:       url,
		Prompt:    prompt,
		Timestamp: time.Now().UTC(),
		Model:     model,
	}
}

// Store persists gallery items. List returns items newest first.
type Store interface {
	Append(ctx context.Context, item Item) error
	Remove(ctx context.Context, id uuid.UUID) error
	Clear(ctx context.Context) error
	List(ctx context.Context) ([]Item, error)
	Close() error
}
