package site

import (
	"context"
)

// Repository persists the site configuration document. Saves rewrite the
// whole document.
type Repository interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}
