package pdftext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractRejectsNonPDF(t *testing.T) {
	t.Parallel()

	_, err := Extract([]byte("<html><body>not a pdf</body></html>"))
	require.ErrorIs(t, err, ErrNotPDF)
}

func TestExtractRejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	_, err := Extract(nil)
	require.ErrorIs(t, err, ErrNotPDF)
}

func TestExtractSurvivesTruncatedPDF(t *testing.T) {
	t.Parallel()

	// A PDF header with a mangled body must come back as an error,
	// not a panic escaping the extractor.
	_, err := Extract([]byte("%PDF-1.7\ngarbage that is not xref data"))
	require.Error(t, err)
}
