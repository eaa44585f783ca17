// Package checkpoint reads and writes the per-file state recorded at the end of a successful sync.
//
// The file holds one record per line, `revision,lastModifiedEpochMillis,fullPath`, encoded as
// ISO-8859-1. Files written by older releases carry `lastModifiedEpochMillis,fullPath` and load
// with revision 0. A missing or empty file means there is no checkpoint.
package checkpoint

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/openmined/scmmirror/internal/utils"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Record is the state of one file as of the last successful sync.
type Record struct {
	Path     string // relative to the workspace root, slash separated
	Revision int
	ModTime  time.Time // millisecond precision
}

// Equal compares records at the precision they are persisted with.
func (r Record) Equal(o Record) bool {
	return r.Path == o.Path && r.Revision == o.Revision && r.ModTime.UnixMilli() == o.ModTime.UnixMilli()
}

// Store loads and replaces the checkpoint file of one workspace.
type Store struct {
	path string
	root string
}

// NewStore returns a store for the checkpoint at path. Record paths are persisted as absolute
// paths under root and relativized against it on load.
func NewStore(path, root string) *Store {
	return &Store{path: path, root: root}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the checkpoint. A missing file yields no records and no error.
func (s *Store) Load() ([]Record, error) {
	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("checkpoint open: %w", err)
	}
	defer file.Close()

	records, err := Decode(file, s.root)
	if err != nil {
		return nil, fmt.Errorf("checkpoint read %s: %w", s.path, err)
	}
	slog.Debug("checkpoint loaded", "path", s.path, "records", len(records))
	return records, nil
}

// Write atomically replaces the checkpoint with records.
func (s *Store) Write(records []Record) error {
	var buf bytes.Buffer
	if err := Encode(&buf, s.root, records); err != nil {
		return fmt.Errorf("checkpoint encode: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("checkpoint write %s: %w", s.path, err)
	}
	slog.Debug("checkpoint written", "path", s.path, "records", len(records))
	return nil
}

// Decode parses checkpoint lines from r. Malformed lines and paths outside root are skipped
// with a warning. When a path repeats, the last line wins.
func Decode(r io.Reader, root string) ([]Record, error) {
	scanner := bufio.NewScanner(charmap.ISO8859_1.NewDecoder().Reader(r))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	index := make(map[string]int)
	var records []Record
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		rec, err := parseLine(line, root)
		if err != nil {
			slog.Warn("checkpoint skip line", "line", lineNo, "error", err)
			continue
		}

		if i, ok := index[rec.Path]; ok {
			records[i] = rec
			continue
		}
		index[rec.Path] = len(records)
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Encode writes records sorted by path, so the same input always yields the same bytes.
// Characters outside ISO-8859-1 are replaced, which makes that path unmatched on the next load.
func Encode(w io.Writer, root string, records []Record) error {
	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b Record) int { return strings.Compare(a.Path, b.Path) })

	enc := encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder()).Writer(w)
	bw := bufio.NewWriter(enc)
	for _, rec := range sorted {
		fullPath := utils.AbsPath(root, rec.Path)
		if !representable(fullPath) {
			slog.Warn("checkpoint path not representable in ISO-8859-1", "path", rec.Path)
		}
		line := strconv.Itoa(rec.Revision) + "," + strconv.FormatInt(rec.ModTime.UnixMilli(), 10) + "," + fullPath + "\n"
		if _, err := bw.WriteString(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func parseLine(line, root string) (Record, error) {
	var (
		revision int
		mtime    int64
		rawPath  string
		err      error
	)

	parts := strings.SplitN(line, ",", 3)
	if len(parts) < 2 {
		return Record{}, fmt.Errorf("expected at least 2 fields, got %d", len(parts))
	}

	if len(parts) == 3 && isInteger(parts[1]) {
		if revision, err = strconv.Atoi(parts[0]); err != nil {
			return Record{}, fmt.Errorf("revision %q: %w", parts[0], err)
		}
		if mtime, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return Record{}, fmt.Errorf("mtime %q: %w", parts[1], err)
		}
		rawPath = parts[2]
	} else {
		// legacy `mtime,path`; the path may itself contain commas
		mtimeStr, rest, _ := strings.Cut(line, ",")
		if mtime, err = strconv.ParseInt(mtimeStr, 10, 64); err != nil {
			return Record{}, fmt.Errorf("mtime %q: %w", mtimeStr, err)
		}
		rawPath = rest
	}

	if rawPath == "" {
		return Record{}, errors.New("empty path")
	}

	relPath, err := relativize(root, rawPath)
	if err != nil {
		return Record{}, fmt.Errorf("path %q: %w", rawPath, err)
	}

	return Record{
		Path:     relPath,
		Revision: revision,
		ModTime:  time.UnixMilli(mtime),
	}, nil
}

func relativize(root, rawPath string) (string, error) {
	native := filepath.FromSlash(rawPath)
	if !filepath.IsAbs(native) {
		return utils.NormPath(rawPath), nil
	}
	return utils.RelPath(root, native)
}

func isInteger(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func representable(s string) bool {
	for _, r := range s {
		if _, ok := charmap.ISO8859_1.EncodeRune(r); !ok {
			return false
		}
	}
	return true
}
