// Package kvcodec reads and writes the flat "key = value" text format shared by
// watched source files and the files the collector reconstructs.
package kvcodec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/tinytelemetry/kvrelay/internal/model"
)

// DefaultMaxLineSize is the maximum size (in bytes) of a single line.
const DefaultMaxLineSize = 1024 * 1024 // 1MB

var (
	// ErrMalformedRecord reports source content that cannot be parsed into a record.
	ErrMalformedRecord = errors.New("kvcodec: malformed record")

	// ErrUnencodable reports a record whose keys or values cannot be represented
	// in the line format without changing meaning on the next read.
	ErrUnencodable = errors.New("kvcodec: record cannot be encoded")
)

// Decode parses key/value lines into a record in file order.
// Blank lines, comment lines (# or !) and lines without '=' are skipped.
// Each remaining line is split on its first '='; key and value are trimmed.
func Decode(r io.Reader) (*model.Record, error) {
	rec := &model.Record{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), DefaultMaxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !utf8.ValidString(line) {
			return nil, fmt.Errorf("%w: line %d: invalid UTF-8", ErrMalformedRecord, lineNo)
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed) {
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("%w: line %d: empty key", ErrMalformedRecord, lineNo)
		}
		rec.Set(key, strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("%w: line %d exceeds %d bytes", ErrMalformedRecord, lineNo+1, DefaultMaxLineSize)
		}
		return nil, fmt.Errorf("kvcodec: read: %w", err)
	}
	return rec, nil
}

// DecodeFile opens path and decodes it. A missing file yields an error
// matching fs.ErrNotExist.
func DecodeFile(path string) (*model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes one "key = value" line per key in record order, omitting the
// reserved sourceFile key.
func Encode(w io.Writer, rec *model.Record) error {
	var encErr error
	rec.Range(func(key, value string) bool {
		if key == model.SourceFileKey {
			return true
		}
		if err := checkEncodable(key, value); err != nil {
			encErr = err
			return false
		}
		return true
	})
	if encErr != nil {
		return encErr
	}

	bw := bufio.NewWriter(w)
	rec.Range(func(key, value string) bool {
		if key == model.SourceFileKey {
			return true
		}
		if _, err := fmt.Fprintf(bw, "%s = %s\n", key, value); err != nil {
			encErr = err
			return false
		}
		return true
	})
	if encErr != nil {
		return fmt.Errorf("kvcodec: write: %w", encErr)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("kvcodec: flush: %w", err)
	}
	return nil
}

func isComment(line string) bool {
	return strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!")
}

func checkEncodable(key, value string) error {
	trimmedKey := strings.TrimSpace(key)
	switch {
	case trimmedKey == "":
		return fmt.Errorf("%w: empty key", ErrUnencodable)
	case strings.ContainsAny(key, "=\r\n"):
		return fmt.Errorf("%w: key %q contains '=' or a line break", ErrUnencodable, key)
	case isComment(trimmedKey):
		return fmt.Errorf("%w: key %q would be read back as a comment", ErrUnencodable, key)
	case strings.ContainsAny(value, "\r\n"):
		return fmt.Errorf("%w: value for %q contains a line break", ErrUnencodable, key)
	}
	return nil
}
