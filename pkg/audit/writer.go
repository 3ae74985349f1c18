// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/csvfmt"
	"github.com/telekom/csvaudit/pkg/metrics"
	"github.com/telekom/csvaudit/pkg/tamper"
)

const logFileMode = 0o640

// Writer appends rows to the log of one topic.
type Writer interface {
	// WriteRow appends one row. Cells are keyed by column name; columns
	// without a cell are written empty. The row is flushed before returning.
	WriteRow(cells map[string]string) error

	// Flush writes buffered data to the log.
	Flush() error

	// Close flushes and releases the log. It is safe to call more than once.
	Close() error

	// Topic returns the topic the writer appends to.
	Topic() string
}

// signing configures tamper-evident writers.
type signing struct {
	keys     *tamper.KeyStore
	interval time.Duration
}

// writerOptions is everything needed to open a topic log.
type writerOptions struct {
	directory  string
	preference csvfmt.Preference
	signing    *signing
}

func logPath(directory, topic string) string {
	return filepath.Join(directory, topic+".csv")
}

// csvWriter is the file-backed Writer. With signing enabled every data row
// carries a chained HMAC and a background ticker injects signature rows.
type csvWriter struct {
	topic  string
	path   string
	header []string
	logger *zap.Logger

	mu     sync.Mutex
	file   *os.File
	enc    *csvfmt.Writer
	closed bool

	chain    *tamper.Chain
	signer   tamper.Signer
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// openWriter opens the log of topic for appending. The header is written
// when the log is empty; an existing log must have the same header.
func openWriter(topic string, columns []string, opts writerOptions, logger *zap.Logger) (*csvWriter, error) {
	header := slices.Clone(columns)
	if opts.signing != nil {
		header = append(header, tamper.HMACColumn, tamper.SignatureColumn)
	}

	w := &csvWriter{
		topic:  topic,
		path:   logPath(opts.directory, topic),
		header: header,
		logger: logger.With(zap.String("topic", topic)),
	}

	if err := w.trimTornTail(opts.preference); err != nil {
		return nil, err
	}
	existing, err := w.readExisting(opts)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", w.path, err)
	}
	w.file = file
	w.enc = csvfmt.NewWriter(file, opts.preference)

	if !existing {
		if err := w.enc.Write(header); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to write header of %s: %w", w.path, err)
		}
		if err := w.flushLocked(); err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	if opts.signing != nil {
		if w.chain == nil {
			w.chain = tamper.NewChain(opts.signing.keys.ChainSeed(topic))
		}
		w.signer = opts.signing.keys.Signer()
		w.stop = make(chan struct{})
		w.wg.Add(1)
		go w.signLoop(opts.signing.interval)
	}
	return w, nil
}

// trimTornTail truncates the log after its last complete record. A record
// without its end of line was cut short by a crash or a failed write. It is
// unreadable, and a row appended to it would be merged into it and lost.
func (w *csvWriter) trimTornTail(pref csvfmt.Preference) error {
	f, err := os.OpenFile(w.path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect audit log %s: %w", w.path, err)
	}
	defer func() { _ = f.Close() }()

	reader := csvfmt.NewReader(f, pref)
	var complete int64
	for {
		_, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, csvfmt.ErrTornRecord) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read audit log %s: %w", w.path, err)
		}
		complete = reader.Offset()
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to inspect audit log %s: %w", w.path, err)
	}
	if err := f.Truncate(complete); err != nil {
		return fmt.Errorf("failed to discard incomplete row of %s: %w", w.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", w.path, err)
	}
	w.logger.Warn("discarded incomplete trailing row of audit log",
		zap.Int("line", reader.Line()),
		zap.Int64("bytes", info.Size()-complete))
	return nil
}

// readExisting checks the header of a non-empty log and, for signed logs,
// recovers the chain so appends continue it. It reports whether the log
// already has content.
func (w *csvWriter) readExisting(opts writerOptions) (bool, error) {
	f, err := os.Open(w.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect audit log %s: %w", w.path, err)
	}
	defer func() { _ = f.Close() }()

	header, err := csvfmt.NewReader(f, opts.preference).Read()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read header of %s: %w", w.path, err)
	}
	if !slices.Equal(header, w.header) {
		return false, newError(KindSchema, w.topic,
			fmt.Sprintf("existing log %s has a different header", w.path), nil)
	}

	if opts.signing != nil {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return false, fmt.Errorf("failed to rewind %s: %w", w.path, err)
		}
		chain, err := tamper.Recover(f, opts.preference, opts.signing.keys.ChainSeed(w.topic))
		if err != nil {
			return false, fmt.Errorf("failed to recover signature chain of %s: %w", w.path, err)
		}
		w.chain = chain
		w.logger.Info("resuming tamper-evident audit log",
			zap.Int64("rows", chain.Rows()),
			zap.Int64("signatures", chain.Signatures()))
	}
	return true, nil
}

func (w *csvWriter) Topic() string {
	return w.topic
}

func (w *csvWriter) WriteRow(cells map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	record := make([]string, len(w.header))
	data := len(w.header)
	if w.chain != nil {
		data -= 2
	}
	for i, name := range w.header[:data] {
		record[i] = cells[name]
	}
	if w.chain != nil {
		record[data] = w.chain.Append(record[:data])
	}

	if err := w.enc.Write(record); err != nil {
		return fmt.Errorf("failed to write row to %s: %w", w.path, err)
	}
	return w.flushLocked()
}

func (w *csvWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.flushLocked()
}

func (w *csvWriter) flushLocked() error {
	if err := w.enc.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", w.path, err)
	}
	return nil
}

// signLoop injects a signature row every interval when rows were written
// since the previous signature.
func (w *csvWriter) signLoop(interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed && w.chain.Pending() {
				if err := w.signLocked(); err != nil {
					w.logger.Warn("failed to write signature row", zap.Error(err))
				}
			}
			w.mu.Unlock()
		}
	}
}

func (w *csvWriter) signLocked() error {
	sig, err := w.chain.Sign(w.signer)
	if err != nil {
		return err
	}
	record := make([]string, len(w.header))
	record[len(record)-1] = sig
	if err := w.enc.Write(record); err != nil {
		return fmt.Errorf("failed to write signature to %s: %w", w.path, err)
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	metrics.SignaturesWritten.WithLabelValues(w.topic).Inc()
	return nil
}

// Close writes a final signature for pending rows, flushes and closes the log.
func (w *csvWriter) Close() error {
	if w.stop != nil {
		w.stopOnce.Do(func() { close(w.stop) })
		w.wg.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if w.chain != nil && w.chain.Pending() {
		if err := w.signLocked(); err != nil {
			errs = append(errs, err)
		}
	} else if err := w.flushLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %s: %w", w.path, err))
	}
	return errors.Join(errs...)
}
