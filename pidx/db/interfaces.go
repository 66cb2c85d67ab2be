package db

import (
	"context"
	"errors"

	"github.com/ZanzyTHEbar/pageindex/pidx/trees"

	"github.com/google/uuid"
)

var (
	ErrPageNotFound = errors.New("page not found")
	ErrInvalidMove  = errors.New("page cannot be moved below itself or one of its descendants")
)

// PageStore is the persistence surface the index registry rebuilds from and
// writes through.
type PageStore interface {
	// Languages lists every language that has at least one page.
	Languages(ctx context.Context) ([]int, error)
	// PagesForLanguage returns every page record of one language.
	PagesForLanguage(ctx context.Context, languageID int) ([]trees.PageRecord, error)
	// SavePage inserts or updates one language version of a page and returns
	// the stored record, with PageInstanceID assigned when it was zero.
	SavePage(ctx context.Context, rec trees.PageRecord) (trees.PageRecord, error)
	// DeletePage removes a page and all its descendants in every language
	// and returns the removed ids, the page itself first.
	DeletePage(ctx context.Context, pageID uuid.UUID) ([]uuid.UUID, error)
	// MovePage re-parents a page in every language. uuid.Nil is the top level.
	MovePage(ctx context.Context, pageID, newParentID uuid.UUID) error
}

// RedirectStore maps URLs a page used to live at onto its id.
type RedirectStore interface {
	PageForPreviousURL(ctx context.Context, languageID int, url string) (uuid.UUID, bool, error)
	AddRedirect(ctx context.Context, languageID int, url string, pageID uuid.UUID) error
}

// Store is the full persistence contract served by SQLStore and MockPageStore.
type Store interface {
	PageStore
	RedirectStore
	Close() error
}
