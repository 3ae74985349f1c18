// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package tamper

import (
	"errors"
	"fmt"
	"io"

	"github.com/telekom/csvaudit/pkg/csvfmt"
)

// ErrNotTamperEvident is returned when a log has no HMAC/SIGNATURE columns.
var ErrNotTamperEvident = errors.New("log is not tamper-evident")

// Report is the outcome of verifying a log.
type Report struct {
	Rows         int64  `json:"rows"`
	Signatures   int64  `json:"signatures"`
	UnsignedRows int64  `json:"unsignedRows"`
	Valid        bool   `json:"valid"`
	FailedLine   int    `json:"failedLine,omitempty"`
	Reason       string `json:"reason,omitempty"`
	TornTail     bool   `json:"tornTail,omitempty"`
}

// Layout locates the tamper-evidence columns in a header.
type Layout struct {
	HMAC      int
	Signature int
}

// DetectLayout returns the layout of header, or false when the header has no
// tamper-evidence columns.
func DetectLayout(header []string) (Layout, bool) {
	layout := Layout{HMAC: -1, Signature: -1}
	for i, name := range header {
		switch name {
		case HMACColumn:
			layout.HMAC = i
		case SignatureColumn:
			layout.Signature = i
		}
	}
	return layout, layout.HMAC >= 0 && layout.Signature >= 0
}

// IsSignatureRow reports whether record is an injected signature row.
func (l Layout) IsSignatureRow(record []string) bool {
	return l.Signature < len(record) && record[l.Signature] != ""
}

// DataCells returns the cells of record without the tamper-evidence columns.
func (l Layout) DataCells(record []string) []string {
	cells := make([]string, 0, len(record))
	for i, cell := range record {
		if i == l.HMAC || i == l.Signature {
			continue
		}
		cells = append(cells, cell)
	}
	return cells
}

// Verify replays a log and checks every row HMAC and every signature.
func Verify(r io.Reader, pref csvfmt.Preference, ks *KeyStore, topic string) (Report, error) {
	chain := NewChain(ks.ChainSeed(topic))
	signer := ks.Signer()
	report := Report{Valid: true}

	err := replay(r, pref, func(line int, layout Layout, record []string) error {
		if layout.IsSignatureRow(record) {
			if err := chain.VerifySignature(signer, record[layout.Signature]); err != nil {
				return fmt.Errorf("signature mismatch")
			}
			return nil
		}
		if layout.HMAC >= len(record) {
			return fmt.Errorf("row has no HMAC cell")
		}
		if got := chain.Append(layout.DataCells(record)); got != record[layout.HMAC] {
			return fmt.Errorf("row HMAC mismatch")
		}
		return nil
	}, &report)

	report.Rows = chain.Rows()
	report.Signatures = chain.Signatures()
	report.UnsignedRows = chain.pending
	if err != nil {
		var rowErr *rowError
		if errors.As(err, &rowErr) {
			report.Valid = false
			report.FailedLine = rowErr.line
			report.Reason = rowErr.err.Error()
			return report, nil
		}
		return report, err
	}
	return report, nil
}

// Recover rebuilds the chain state of an existing log so that appends can
// continue it. Rows are trusted as written.
func Recover(r io.Reader, pref csvfmt.Preference, seed []byte) (*Chain, error) {
	chain := NewChain(seed)
	var report Report
	err := replay(r, pref, func(_ int, layout Layout, record []string) error {
		if layout.IsSignatureRow(record) {
			chain.Restore(record[layout.Signature])
			return nil
		}
		chain.Append(layout.DataCells(record))
		return nil
	}, &report)
	if err != nil {
		return nil, err
	}
	return chain, nil
}

type rowError struct {
	line int
	err  error
}

func (e *rowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.line, e.err)
}

func replay(r io.Reader, pref csvfmt.Preference, visit func(line int, layout Layout, record []string) error, report *Report) error {
	reader := csvfmt.NewReader(r, pref)
	header, err := reader.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	layout, ok := DetectLayout(header)
	if !ok {
		return ErrNotTamperEvident
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, csvfmt.ErrTornRecord) {
			report.TornTail = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read line %d: %w", reader.Line(), err)
		}
		if len(record) == 1 && record[0] == "" {
			continue
		}
		if err := visit(reader.Line(), layout, record); err != nil {
			return &rowError{line: reader.Line(), err: err}
		}
	}
}
