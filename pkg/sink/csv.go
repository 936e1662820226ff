package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Sternrassler/catalog-ingest/pkg/record"
	"github.com/rs/zerolog/log"
)

// CSVSink appends records to a single CSV file.
//
// On open, existing rows are scanned to rebuild the key index, so records
// written by an interrupted run are not written again. A torn final row left
// by a crash is cut off before appending.
type CSVSink struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	seen   *Dedup
}

// OpenCSV opens (or creates) the CSV file at path.
func OpenCSV(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output directory: %v", ErrUnwritable, err)
	}

	seen := NewDedup()
	hasHeader, err := indexExisting(path, seen)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnwritable, path, err)
	}

	w := csv.NewWriter(f)
	if !hasHeader {
		if err := w.Write(record.Columns()); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: write header: %v", ErrUnwritable, err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: flush header: %v", ErrUnwritable, err)
		}
	}

	if seen.Len() > 0 {
		log.Info().
			Str("path", path).
			Int("existing_records", seen.Len()).
			Msg("Resuming CSV output")
	}

	return &CSVSink{path: path, file: f, writer: w, seen: seen}, nil
}

// indexExisting indexes the keys of an existing file and truncates a torn tail.
// It reports whether a header row is present.
//
// Only the final row can be torn: it is cut when the file does not end in a
// newline or when it stops inside a quoted field. A malformed row anywhere
// else means the file was not written by this sink and is refused.
func indexExisting(path string, seen *Dedup) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: open %s: %v", ErrUnwritable, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %v", ErrUnwritable, path, err)
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, fmt.Errorf("%w: read %s: %v", ErrUnwritable, path, err)
	}
	terminated := last[0] == '\n'

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(record.Columns())

	type row struct {
		start int64
		key   string
	}
	var (
		rows  []row
		start int64
		torn  int64 = -1
	)
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_, next := r.Read()
			final := errors.Is(next, io.EOF)
			if !final || (terminated && !errors.Is(err, csv.ErrQuote)) {
				return false, fmt.Errorf("%s: malformed row at offset %d: %w", path, start, err)
			}
			torn = start
			break
		}
		rows = append(rows, row{start: start, key: fields[0]})
		start = r.InputOffset()
	}
	if torn < 0 && !terminated && len(rows) > 0 {
		torn = rows[len(rows)-1].start
		rows = rows[:len(rows)-1]
	}

	if len(rows) > 0 && rows[0].key != record.Columns()[0] {
		return false, fmt.Errorf("%s: unexpected header %q", path, rows[0].key)
	}

	if torn >= 0 {
		log.Warn().
			Str("path", path).
			Int64("offset", torn).
			Int64("size", info.Size()).
			Msg("Truncating torn CSV tail")
		if err := f.Truncate(torn); err != nil {
			return false, fmt.Errorf("%w: truncate %s: %v", ErrUnwritable, path, err)
		}
	}

	for _, rw := range rows[min(1, len(rows)):] {
		seen.Add(rw.key)
	}
	return len(rows) > 0, nil
}

// Append writes unseen records, flushes and fsyncs before returning.
func (s *CSVSink) Append(_ context.Context, records []record.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := s.seen.Filter(records)
	if len(fresh) == 0 {
		observe(0, len(records))
		return 0, nil
	}

	info, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %v", ErrUnwritable, err)
	}
	size := info.Size()

	if err := s.write(fresh); err != nil {
		// Drop whatever part of the batch reached the file so a retry
		// cannot leave the same key twice
		if terr := s.file.Truncate(size); terr != nil {
			log.Error().Err(terr).Str("path", s.path).Msg("Failed to roll back partial CSV write")
		}
		s.writer = csv.NewWriter(s.file)
		return 0, err
	}

	keys := make([]string, len(fresh))
	for i, r := range fresh {
		keys[i] = r.Key()
	}
	s.seen.Add(keys...)

	observe(len(fresh), len(records))
	return len(fresh), nil
}

func (s *CSVSink) write(records []record.Record) error {
	for _, r := range records {
		if err := s.writer.Write(r.Row()); err != nil {
			return fmt.Errorf("%w: write row: %v", ErrUnwritable, err)
		}
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrUnwritable, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrUnwritable, err)
	}
	return nil
}

// Path returns the output file path.
func (s *CSVSink) Path() string { return s.path }

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
