// Package framing splits inbound byte streams into CRLF-delimited records
// and appends CRLF terminators to outbound ones, per spec.md §4.A. It does
// not interpret the bytes it frames.
package framing

import (
	"bytes"
	"errors"
	"fmt"
)

// DefaultMaxRecordSize is the framing limit enforced unless a Framer is
// constructed with an explicit override.
const DefaultMaxRecordSize = 64 * 1024

// ErrOversize is returned by Feed when buffering more bytes would exceed
// the configured maximum record size without having found a terminator.
// Callers should close the connection with reason OVERSIZE.
var ErrOversize = errors.New("framing: record exceeds maximum size")

// Framer accumulates bytes fed to it and yields complete records, split on
// CRLF. A bare LF is also accepted as a terminator for robustness; a bare
// CR is never treated as one.
type Framer struct {
	buf        bytes.Buffer
	maxRecord  int
}

// New returns a Framer enforcing the given maximum record size. A
// maxRecord of 0 uses DefaultMaxRecordSize.
func New(maxRecord int) *Framer {
	if maxRecord <= 0 {
		maxRecord = DefaultMaxRecordSize
	}
	return &Framer{maxRecord: maxRecord}
}

// Feed appends newly-read bytes and returns every complete record found so
// far, in order. Partial trailing bytes remain buffered for the next call.
func (f *Framer) Feed(chunk []byte) ([][]byte, error) {
	f.buf.Write(chunk)

	var records [][]byte
	for {
		data := f.buf.Bytes()
		idx, termLen := findTerminator(data)
		if idx < 0 {
			if f.buf.Len() > f.maxRecord {
				return records, fmt.Errorf("framing: buffered %d bytes without a terminator: %w", f.buf.Len(), ErrOversize)
			}
			return records, nil
		}

		record := make([]byte, idx)
		copy(record, data[:idx])
		records = append(records, record)

		f.buf.Next(idx + termLen)
	}
}

// findTerminator locates the first CRLF or bare LF in data, returning the
// index of the terminator and its length (2 for CRLF, 1 for bare LF), or
// (-1, 0) if no terminator is present yet.
func findTerminator(data []byte) (int, int) {
	for i, b := range data {
		if b == '\n' {
			if i > 0 && data[i-1] == '\r' {
				return i - 1, 2
			}
			return i, 1
		}
	}
	return -1, 0
}

// Encode appends a CRLF terminator to record. Callers MUST NOT pre-include
// a terminator in record.
func Encode(record []byte) []byte {
	out := make([]byte, 0, len(record)+2)
	out = append(out, record...)
	out = append(out, '\r', '\n')
	return out
}

// Buffered returns the number of bytes currently held without a complete
// record, for diagnostics only.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}
