package fetch

import (
	"context"

	"github.com/veriweb/veriweb/internal/evidence"
)

// DefaultArchivePrefix points a URL at the Wayback Machine's newest
// capture.
const DefaultArchivePrefix = "https://web.archive.org/web/"

// ArchivedStrategy renders an archived copy of the page when the live
// site is unreachable or blocking. It reuses the rendered strategy
// against the archive URL, since archive pages need JavaScript too.
type ArchivedStrategy struct {
	prefix   string
	rendered Strategy
}

// NewArchived wraps a rendering strategy with an archive URL prefix.
func NewArchived(prefix string, rendered Strategy) *ArchivedStrategy {
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}
	return &ArchivedStrategy{prefix: prefix, rendered: rendered}
}

func (s *ArchivedStrategy) Name() string { return "archived-rendered" }

func (s *ArchivedStrategy) Source() evidence.SourceType { return evidence.SourceArchived }

func (s *ArchivedStrategy) Fetch(ctx context.Context, rawURL string) (Page, error) {
	return s.rendered.Fetch(ctx, s.archiveURL(rawURL))
}

// archiveURL asks the archive for the newest capture; the
// timestamp-less form redirects to the latest snapshot.
func (s *ArchivedStrategy) archiveURL(rawURL string) string {
	return s.prefix + rawURL
}
