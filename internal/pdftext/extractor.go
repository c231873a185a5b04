// Package pdftext converts PDF byte streams into plain text plus metadata.
package pdftext

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNotPDF indicates the payload does not carry a PDF header.
var ErrNotPDF = errors.New("payload is not a PDF document")

// Document is the extraction result for one PDF.
type Document struct {
	Text   string `json:"text"`
	Author string `json:"author"`
	Title  string `json:"title"`
}

// Extract parses a PDF byte buffer and returns its plain text together with
// the author and title from the document information dictionary. Malformed
// documents yield an error, never a panic: the underlying parser panics on
// some corrupt inputs, so extraction runs behind a recover.
func Extract(data []byte) (doc Document, err error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return Document{}, ErrNotPDF
	}

	defer func() {
		if r := recover(); r != nil {
			doc = Document{}
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Document{}, fmt.Errorf("open pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return Document{}, fmt.Errorf("extract pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return Document{}, fmt.Errorf("read pdf text: %w", err)
	}

	info := reader.Trailer().Key("Info")
	return Document{
		Text:   strings.TrimSpace(buf.String()),
		Author: infoString(info, "Author"),
		Title:  infoString(info, "Title"),
	}, nil
}

func infoString(info pdf.Value, key string) string {
	v := info.Key(key)
	if v.Kind() != pdf.String {
		return ""
	}
	return strings.TrimSpace(v.Text())
}
