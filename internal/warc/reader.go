// Package warc reads WARC/1.x record containers and extracts text records from them.
package warc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/JakeFAU/domaintext/internal/ingest"
)

// Header names used when framing records.
const (
	HeaderType          = "WARC-Type"
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
)

const (
	// readerBufferSize also caps a single version or header line.
	readerBufferSize = 64 * 1024
	// MaxHeaderBytes caps the header block of one record.
	MaxHeaderBytes = 1 << 20
	// MaxLineBytes caps the first body line retained as the text payload.
	MaxLineBytes = 1 << 20
)

var errLineTooLong = fmt.Errorf("line exceeds %d bytes", readerBufferSize)

// Record is a single framed record. Only the first body line is retained.
type Record struct {
	Version   string
	Header    textproto.MIMEHeader
	FirstLine []byte
	// Oversized is set when the first body line exceeds MaxLineBytes; FirstLine is then empty.
	Oversized bool
	// Length is the declared body length.
	Length int64
}

// Type returns the WARC-Type header.
func (r Record) Type() string { return r.Header.Get(HeaderType) }

// Reader iterates records as a forward stream. Memory use per record is bounded
// by MaxHeaderBytes and MaxLineBytes whatever the input holds.
type Reader struct {
	br      *bufio.Reader
	body    *bufio.Reader
	limited io.LimitedReader
	offset  int
}

// NewReader wraps r. The caller owns r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		br:   bufio.NewReaderSize(r, readerBufferSize),
		body: bufio.NewReader(nil),
	}
}

// Next returns the next record, io.EOF at a clean end of stream, or an error
// wrapping ingest.ErrMalformedArchive when framing is broken.
func (r *Reader) Next() (Record, error) {
	version, err := r.readVersion()
	if err != nil {
		return Record{}, err
	}
	r.offset++

	header, err := r.readHeader()
	if err != nil {
		return Record{}, r.malformed("read header", err)
	}

	length, err := strconv.ParseInt(strings.TrimSpace(header.Get(HeaderContentLength)), 10, 64)
	if err != nil || length < 0 {
		return Record{}, r.malformed("parse content length", fmt.Errorf("invalid %s %q", HeaderContentLength, header.Get(HeaderContentLength)))
	}

	r.limited = io.LimitedReader{R: r.br, N: length}
	r.body.Reset(&r.limited)

	line, oversized, err := readFirstLine(r.body)
	if err != nil {
		return Record{}, r.malformed("read body", err)
	}
	if _, err := io.Copy(io.Discard, r.body); err != nil {
		return Record{}, r.malformed("skip body", err)
	}
	if r.limited.N > 0 {
		return Record{}, r.malformed("read body", io.ErrUnexpectedEOF)
	}

	return Record{
		Version:   version,
		Header:    header,
		FirstLine: trimLineEnding(line),
		Oversized: oversized,
		Length:    length,
	}, nil
}

// readLine returns the next line including its terminator. The slice is only
// valid until the next read.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return nil, errLineTooLong
	}
	return line, err //nolint:wrapcheck // callers wrap with the record offset
}

// readVersion skips the blank separator lines between records and returns the
// version line of the next one.
func (r *Reader) readVersion() (string, error) {
	for {
		line, err := r.readLine()
		if errors.Is(err, errLineTooLong) {
			return "", r.malformed("read version", err)
		}
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			if err != nil {
				if errors.Is(err, io.EOF) {
					return "", io.EOF
				}
				return "", r.malformed("read version", err)
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "WARC/") {
			return "", r.malformed("read version", fmt.Errorf("unexpected line %q", truncate(trimmed, 40)))
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return "", r.malformed("read version", err)
		}
		return trimmed, nil
	}
}

// readHeader parses "Name: value" lines up to the blank line ending the block.
// Folded continuation lines are joined onto the previous value.
func (r *Reader) readHeader() (textproto.MIMEHeader, error) {
	header := make(textproto.MIMEHeader)
	var lastKey string
	total := 0
	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		total += len(line)
		if total > MaxHeaderBytes {
			return nil, fmt.Errorf("header block exceeds %d bytes", MaxHeaderBytes)
		}

		text := string(trimLineEnding(line))
		if text == "" {
			return header, nil
		}
		if text[0] == ' ' || text[0] == '\t' {
			if lastKey == "" {
				return nil, errors.New("continuation line before first field")
			}
			values := header[lastKey]
			values[len(values)-1] += " " + strings.TrimSpace(text)
			continue
		}
		key, value, ok := strings.Cut(text, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed header line %q", truncate(text, 40))
		}
		lastKey = textproto.CanonicalMIMEHeaderKey(key)
		header.Add(lastKey, strings.TrimSpace(value))
	}
}

// readFirstLine reads the first body line, giving up once it passes MaxLineBytes.
func readFirstLine(br *bufio.Reader) ([]byte, bool, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(line)+len(chunk) > MaxLineBytes {
			return nil, true, nil
		}
		line = append(line, chunk...)
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil, errors.Is(err, io.EOF):
			return line, false, nil
		default:
			return nil, false, err //nolint:wrapcheck // wrapped by Next
		}
	}
}

func (r *Reader) malformed(op string, err error) error {
	return fmt.Errorf("%w: record %d: %s: %w", ingest.ErrMalformedArchive, r.offset, op, err)
}

func trimLineEnding(b []byte) []byte {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
		if n > 0 && b[n-1] == '\r' {
			n--
		}
	}
	return b[:n]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
