// Package ingest turns policy documents into normalized text. Every
// failure is reported before a run is created.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/ledongthuc/pdf"
)

// DefaultMaxSize matches the upload limit of the HTTP API.
const DefaultMaxSize int64 = 16 << 20

var (
	ErrUnsupported = errors.New("unsupported document type")
	ErrEmpty       = errors.New("document contains no text")
	ErrTooLarge    = errors.New("document exceeds size limit")
)

// Extractor reads supported documents.
type Extractor struct {
	extensions []string
	maxSize    int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithExtensions restricts which file extensions are accepted.
func WithExtensions(exts ...string) Option {
	return func(e *Extractor) {
		e.extensions = exts
	}
}

// WithMaxSize sets the largest accepted file in bytes.
func WithMaxSize(max int64) Option {
	return func(e *Extractor) {
		e.maxSize = max
	}
}

// Extensions lists the document types accepted by default.
var Extensions = []string{".txt", ".md", ".json", ".pdf"}

// New returns an Extractor for .txt, .md, .json and .pdf documents.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		extensions: Extensions,
		maxSize:    DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractText reads path with the default extractor.
func ExtractText(path string) (string, error) {
	return New().ExtractText(path)
}

// ExtractText reads a document and returns its normalized text.
func (e *Extractor) ExtractText(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !e.accepts(ext) {
		return "", errors.WithHintf(
			errors.Wrapf(ErrUnsupported, "%s", path),
			"supported extensions: %s", strings.Join(e.extensions, ", "))
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	if info.IsDir() {
		return "", errors.Newf("%s is a directory", path)
	}
	if e.maxSize > 0 && info.Size() > e.maxSize {
		return "", errors.Wrapf(ErrTooLarge, "%s is %d bytes, limit %d", path, info.Size(), e.maxSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return Normalize(data, ext)
}

// Normalize converts raw document bytes to text. ext selects the decoding;
// JSON documents must be a string or an object with "policy_text" or "text",
// and PDF documents have the text of every page extracted in order.
func Normalize(data []byte, ext string) (string, error) {
	if strings.EqualFold(ext, ".pdf") {
		text, err := textFromPDF(data)
		if err != nil {
			return "", err
		}
		data = []byte(text)
	}
	if !utf8.Valid(data) {
		return "", errors.New("document is not valid UTF-8 text")
	}

	text := string(data)
	if ext == ".json" {
		decoded, err := textFromJSON(data)
		if err != nil {
			return "", err
		}
		text = decoded
	}

	text = normalizeWhitespace(text)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

func textFromJSON(data []byte) (string, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return "", errors.Wrap(err, "decode JSON document")
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case map[string]any:
		for _, key := range []string{"policy_text", "text"} {
			if s, ok := v[key].(string); ok {
				return s, nil
			}
		}
	}
	return "", errors.WithHint(
		errors.New("JSON document has no policy text"),
		`use a JSON string or an object with a "policy_text" field`)
}

// textFromPDF extracts the text layer. Scanned documents without one come
// back empty and are rejected by the caller.
func textFromPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("malformed PDF: %s", fmt.Sprint(r))
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", errors.WithHint(
			errors.Wrap(err, "open PDF document"),
			"only unencrypted PDFs with a text layer are supported")
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", errors.Wrap(err, "extract PDF text")
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", errors.Wrap(err, "extract PDF text")
	}
	return strings.ToValidUTF8(string(out), ""), nil
}

// normalizeWhitespace unifies line endings, trims trailing spaces and
// collapses runs of blank lines.
func normalizeWhitespace(text string) string {
	text = strings.TrimPrefix(text, "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func (e *Extractor) accepts(ext string) bool {
	for _, allowed := range e.extensions {
		if allowed == ext {
			return true
		}
	}
	return false
}
