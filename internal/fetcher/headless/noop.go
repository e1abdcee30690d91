package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

// ErrUnavailable is returned when browser automation is disabled.
var ErrUnavailable = errors.New("headless browser not configured")

// Noop implements crawler.Browser for deployments without Chrome. Sync still
// works; login and crawl report ErrUnavailable.
type Noop struct{}

// NewNoop creates a new Noop browser.
func NewNoop() *Noop {
	return &Noop{}
}

// NewPage always fails.
func (Noop) NewPage(context.Context) (crawler.Page, error) {
	return nil, ErrUnavailable
}

// Close is a no-op.
func (Noop) Close() error {
	return nil
}
