// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package csvfmt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrTornRecord is returned by Reader.Read when the input ends before the
// end of line of a record, which happens when a reader races an in-progress
// append or an append was cut short.
var ErrTornRecord = errors.New("csvfmt: record is incomplete")

// Preference holds the formatting options of a log.
type Preference struct {
	QuoteChar     rune
	DelimiterChar rune
	EndOfLine     string
}

// DefaultPreference returns RFC 4180 style formatting with LF line endings.
func DefaultPreference() Preference {
	return Preference{
		QuoteChar:     '"',
		DelimiterChar: ',',
		EndOfLine:     "\n",
	}
}

// Validate checks that the preference can be encoded unambiguously.
func (p Preference) Validate() error {
	if p.QuoteChar == 0 {
		return fmt.Errorf("quote character is required")
	}
	if p.DelimiterChar == 0 {
		return fmt.Errorf("delimiter character is required")
	}
	if p.QuoteChar == p.DelimiterChar {
		return fmt.Errorf("quote and delimiter characters must differ (both %q)", p.QuoteChar)
	}
	if p.QuoteChar == '\r' || p.QuoteChar == '\n' || p.DelimiterChar == '\r' || p.DelimiterChar == '\n' {
		return fmt.Errorf("quote and delimiter characters cannot be line breaks")
	}
	switch p.EndOfLine {
	case "\n", "\r\n", "\r":
	default:
		return fmt.Errorf("unsupported end of line symbols %q", p.EndOfLine)
	}
	return nil
}

// Writer encodes records with every cell quoted.
type Writer struct {
	w    *bufio.Writer
	pref Preference
}

// NewWriter returns a Writer that writes to w.
func NewWriter(w io.Writer, pref Preference) *Writer {
	return &Writer{w: bufio.NewWriter(w), pref: pref}
}

// Write encodes one record. Data is buffered until Flush.
func (w *Writer) Write(record []string) error {
	quote := string(w.pref.QuoteChar)
	escaped := quote + quote
	for i, cell := range record {
		if i > 0 {
			if _, err := w.w.WriteRune(w.pref.DelimiterChar); err != nil {
				return err
			}
		}
		if _, err := w.w.WriteString(quote + strings.ReplaceAll(cell, quote, escaped) + quote); err != nil {
			return err
		}
	}
	_, err := w.w.WriteString(w.pref.EndOfLine)
	return err
}

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Reader decodes records written by Writer. Unquoted cells are accepted as
// well so hand-edited logs can still be read.
type Reader struct {
	r        *bufio.Reader
	pref     Preference
	line     int
	offset   int64
	lastSize int
}

// NewReader returns a Reader that reads from r.
func NewReader(r io.Reader, pref Preference) *Reader {
	return &Reader{r: bufio.NewReader(r), pref: pref}
}

// Line returns the number of the line the last record started on.
func (r *Reader) Line() int {
	return r.line
}

// Offset returns the number of bytes consumed so far. After a successful
// Read it is the end of that record including its end of line.
func (r *Reader) Offset() int64 {
	return r.offset
}

func (r *Reader) readRune() (rune, error) {
	c, size, err := r.r.ReadRune()
	if err == nil {
		r.offset += int64(size)
		r.lastSize = size
	}
	return c, err
}

func (r *Reader) unreadRune() {
	if r.r.UnreadRune() == nil {
		r.offset -= int64(r.lastSize)
	}
}

// Read returns the next record, io.EOF at the end of input, or ErrTornRecord
// when the input ends before the record's end of line.
func (r *Reader) Read() ([]string, error) {
	var (
		record  []string
		cell    strings.Builder
		quoted  bool
		inQuote bool
		started bool
	)
	r.line++
	for {
		c, err := r.readRune()
		if err == io.EOF {
			if !started {
				return nil, io.EOF
			}
			return nil, ErrTornRecord
		}
		if err != nil {
			return nil, err
		}
		started = true

		if inQuote {
			if c != r.pref.QuoteChar {
				if c == '\n' {
					r.line++
				}
				cell.WriteRune(c)
				continue
			}
			next, err := r.readRune()
			if err == nil && next == r.pref.QuoteChar {
				cell.WriteRune(c)
				continue
			}
			if err == nil {
				r.unreadRune()
			}
			inQuote = false
			continue
		}

		switch {
		case c == r.pref.QuoteChar && !quoted && cell.Len() == 0:
			quoted = true
			inQuote = true
		case c == r.pref.DelimiterChar:
			record = append(record, cell.String())
			cell.Reset()
			quoted = false
		case c == '\n':
			return append(record, cell.String()), nil
		case c == '\r':
			next, err := r.readRune()
			if err == nil && next != '\n' {
				r.unreadRune()
			}
			return append(record, cell.String()), nil
		default:
			cell.WriteRune(c)
		}
	}
}
