// Package edit recognizes the structured edit envelope in model output and
// applies the resulting edits to the workspace.
package edit

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/lianues/buildcopy/pkg/models"
)

// Envelope delimiters. The envelope is located by substring search before
// XML parsing so a surrounding markdown fence never matters.
const (
	envelopeOpen  = "<changes"
	envelopeClose = "</changes>"
)

// EnvelopeRegion returns the byte range [start, end) of the <changes>
// element inside text, including both tags. ok is false when no complete
// envelope is present.
func EnvelopeRegion(text string) (start, end int, ok bool) {
	start = strings.Index(text, envelopeOpen)
	if start < 0 {
		return 0, 0, false
	}
	// Self-closing empty envelope.
	rest := text[start:]
	if tagEnd := strings.Index(rest, ">"); tagEnd > 0 && strings.HasSuffix(strings.TrimSpace(rest[:tagEnd+1]), "/>") {
		return start, start + tagEnd + 1, true
	}
	closing := strings.LastIndex(text, envelopeClose)
	if closing < start {
		return 0, 0, false
	}
	return start, closing + len(envelopeClose), true
}

// HasEnvelope reports whether text contains a complete <changes> element.
func HasEnvelope(text string) bool {
	_, _, ok := EnvelopeRegion(text)
	return ok
}

// cdataText captures an opaque CDATA (or character data) payload. Source
// text must never be entity-decoded beyond what the XML layer already did.
type cdataText struct {
	Text string `xml:",chardata"`
}

// changeRecord is the full-file envelope shape.
type changeRecord struct {
	Type        string     `xml:"type,attr"`
	File        string     `xml:"file"`
	Description string     `xml:"description"`
	Content     *cdataText `xml:"content"`
}

// blockRecord is one operation inside a file_update. Either the path and
// content child elements are present, or the legacy name attribute with a
// CDATA text body.
type blockRecord struct {
	Name    string     `xml:"name,attr"`
	Path    *cdataText `xml:"path"`
	Content *cdataText `xml:"content"`
	Body    string     `xml:",chardata"`
}

// fileUpdateRecord is the block envelope shape.
type fileUpdateRecord struct {
	File        string `xml:"file"`
	Description string `xml:"description"`
	Operations  struct {
		Blocks []blockRecord `xml:"block"`
	} `xml:"operations"`
}

// envelope accepts both record shapes in one element. Unknown child
// elements and attributes are ignored by the decoder.
type envelope struct {
	XMLName     xml.Name           `xml:"changes"`
	Changes     []changeRecord     `xml:"change"`
	FileUpdates []fileUpdateRecord `xml:"file_update"`
}

// Parse scans text for the structured edit envelope and returns the typed
// edit list. A missing or malformed envelope is an error; the envelope is
// never auto-corrected.
func Parse(text string) ([]models.FileEdit, error) {
	start, end, ok := EnvelopeRegion(text)
	if !ok {
		return nil, fmt.Errorf("no <changes> envelope in model output")
	}

	var env envelope
	if err := xml.Unmarshal([]byte(text[start:end]), &env); err != nil {
		return nil, fmt.Errorf("malformed <changes> envelope: %w", err)
	}

	var edits []models.FileEdit
	for i, c := range env.Changes {
		edit, err := convertChange(c)
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", i+1, err)
		}
		edits = append(edits, edit)
	}
	for _, fu := range env.FileUpdates {
		converted, err := convertFileUpdate(fu)
		if err != nil {
			return nil, fmt.Errorf("file_update %s: %w", fu.File, err)
		}
		edits = append(edits, converted...)
	}
	return edits, nil
}

// convertChange maps one <change> record, enforcing the edit invariants.
func convertChange(c changeRecord) (models.FileEdit, error) {
	path := strings.TrimSpace(c.File)
	if err := models.ValidateEditPath(path); err != nil {
		return models.FileEdit{}, err
	}

	switch c.Type {
	case "delete":
		if c.Content != nil {
			return models.FileEdit{}, fmt.Errorf("delete of %s carries content", path)
		}
		return models.FileEdit{
			Kind:        models.EditDelete,
			Path:        path,
			Description: strings.TrimSpace(c.Description),
		}, nil
	case "update", "":
		if c.Content == nil {
			return models.FileEdit{}, fmt.Errorf("update of %s is missing content", path)
		}
		return models.FileEdit{
			Kind:        models.EditUpdate,
			Path:        path,
			Description: strings.TrimSpace(c.Description),
			Content:     c.Content.Text,
		}, nil
	default:
		return models.FileEdit{}, fmt.Errorf("unknown change type %q", c.Type)
	}
}

// convertFileUpdate maps one <file_update> record to block-level edits.
func convertFileUpdate(fu fileUpdateRecord) ([]models.FileEdit, error) {
	path := strings.TrimSpace(fu.File)
	if err := models.ValidateEditPath(path); err != nil {
		return nil, err
	}
	if len(fu.Operations.Blocks) == 0 {
		return nil, fmt.Errorf("no blocks in operations")
	}

	edits := make([]models.FileEdit, 0, len(fu.Operations.Blocks))
	for i, b := range fu.Operations.Blocks {
		blockPath, content, err := blockPayload(b)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i+1, err)
		}
		edits = append(edits, models.FileEdit{
			Kind:        models.EditUpdate,
			Path:        path,
			Description: strings.TrimSpace(fu.Description),
			BlockPath:   blockPath,
			Content:     content,
		})
	}
	return edits, nil
}

// blockPayload extracts the block path and content, accepting both the
// child-element form and the legacy name-attribute form.
func blockPayload(b blockRecord) (string, string, error) {
	switch {
	case b.Path != nil && b.Content != nil:
		blockPath := strings.TrimSpace(b.Path.Text)
		if blockPath == "" {
			return "", "", fmt.Errorf("empty block path")
		}
		return blockPath, b.Content.Text, nil
	case b.Name != "":
		return strings.TrimSpace(b.Name), strings.TrimSpace(b.Body), nil
	default:
		return "", "", fmt.Errorf("block carries neither path/content elements nor a name attribute")
	}
}
