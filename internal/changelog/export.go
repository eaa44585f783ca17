package changelog

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/openmined/scmmirror/internal/utils"
	"gopkg.in/yaml.v3"
)

// XMLDateLayout is the timestamp layout of the XML change log.
const XMLDateLayout = "2006-01-02 15:04:05"

type Format string

const (
	FormatXML  Format = "xml"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the export format from a file extension. Unknown extensions use XML.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatXML
	}
}

type xmlChangelog struct {
	XMLName xml.Name   `xml:"changelog"`
	Entries []xmlEntry `xml:"entry"`
}

type xmlEntry struct {
	FileName       string `xml:"fileName"`
	RevisionNumber int    `xml:"revisionNumber"`
	Date           string `xml:"date"`
	Message        string `xml:"message"`
	User           string `xml:"user"`
	ChangeType     string `xml:"changeType"`
}

type document struct {
	Entries []*Entry `json:"entries" yaml:"entries"`
}

// Encode writes entries to w in the given format.
func Encode(w io.Writer, format Format, entries []*Entry) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(document{Entries: entries})
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(document{Entries: entries}); err != nil {
			return err
		}
		return enc.Close()
	case FormatXML:
		doc := xmlChangelog{Entries: make([]xmlEntry, 0, len(entries))}
		for _, e := range entries {
			doc.Entries = append(doc.Entries, xmlEntry{
				FileName:       e.Path,
				RevisionNumber: e.Revision,
				Date:           e.Timestamp.Format(XMLDateLayout),
				Message:        e.Message,
				User:           e.Actor,
				ChangeType:     string(e.Kind),
			})
		}
		if _, err := io.WriteString(w, xml.Header); err != nil {
			return err
		}
		enc := xml.NewEncoder(w)
		enc.Indent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\n")
		return err
	default:
		return fmt.Errorf("changelog: unknown format %q", format)
	}
}

// WriteFile atomically writes entries to path in the format implied by its extension.
func WriteFile(path string, entries []*Entry) error {
	var buf bytes.Buffer
	if err := Encode(&buf, FormatFor(path), entries); err != nil {
		return fmt.Errorf("changelog encode: %w", err)
	}
	if err := utils.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("changelog write %s: %w", path, err)
	}
	return nil
}
