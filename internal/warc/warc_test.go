package warc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/domaintext/internal/ingest"
)

type testRecord struct {
	recordType string
	targetURI  string
	body       string
}

func buildArchive(records ...testRecord) string {
	var b strings.Builder
	for _, r := range records {
		b.WriteString("WARC/1.0\r\n")
		fmt.Fprintf(&b, "WARC-Type: %s\r\n", r.recordType)
		if r.targetURI != "" {
			fmt.Fprintf(&b, "WARC-Target-URI: %s\r\n", r.targetURI)
		}
		b.WriteString("WARC-Date: 2024-02-20T10:00:00Z\r\n")
		b.WriteString("Content-Type: text/plain\r\n")
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.body))
		b.WriteString("\r\n")
		b.WriteString(r.body)
		b.WriteString("\r\n\r\n")
	}
	return b.String()
}

func writeArchive(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment.warc.wet")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReaderFramesRecords(t *testing.T) {
	t.Parallel()

	content := buildArchive(
		testRecord{recordType: "warcinfo", body: "software: test\r\nformat: WET\r\n"},
		testRecord{recordType: "conversion", targetURI: "https://example.com/", body: "Hello there\nsecond line\n"},
	)
	rd := NewReader(strings.NewReader(content))

	first, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, "WARC/1.0", first.Version)
	assert.Equal(t, "warcinfo", first.Type())
	assert.Equal(t, "software: test", string(first.FirstLine))

	second, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, "conversion", second.Type())
	assert.Equal(t, "https://example.com/", second.Header.Get(ingest.HeaderTargetURI))
	assert.Equal(t, "Hello there", string(second.FirstLine))
	assert.Equal(t, int64(len("Hello there\nsecond line\n")), second.Length)

	_, err = rd.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderEmptyBody(t *testing.T) {
	t.Parallel()

	rd := NewReader(strings.NewReader(buildArchive(testRecord{recordType: "conversion", targetURI: "https://a.test/"})))
	rec, err := rd.Next()
	require.NoError(t, err)
	assert.Empty(t, rec.FirstLine)
}

func TestReaderMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "missing version", content: "HTTP/1.1 200 OK\r\n\r\n"},
		{name: "bad content length", content: "WARC/1.0\r\nWARC-Type: conversion\r\nContent-Length: lots\r\n\r\nbody"},
		{name: "truncated body", content: "WARC/1.0\r\nWARC-Type: conversion\r\nContent-Length: 100\r\n\r\nshort"},
		{name: "truncated header", content: "WARC/1.0\r\nWARC-Type: conversion\r\n"},
		{name: "header line without colon", content: "WARC/1.0\r\nWARC-Type conversion\r\nContent-Length: 0\r\n\r\n"},
		{name: "unterminated garbage", content: strings.Repeat("x", 200*1024)},
		{name: "overlong header line", content: "WARC/1.0\r\nWARC-Type: " + strings.Repeat("a", 100*1024) + "\r\nContent-Length: 0\r\n\r\n"},
		{name: "header block too large", content: "WARC/1.0\r\n" + strings.Repeat("X-Pad: "+strings.Repeat("p", 1000)+"\r\n", 1100) + "Content-Length: 0\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewReader(strings.NewReader(tt.content)).Next()
			require.ErrorIs(t, err, ingest.ErrMalformedArchive)
		})
	}
}

func TestReaderFoldedHeader(t *testing.T) {
	t.Parallel()

	content := "WARC/1.0\r\nWARC-Type: conversion\r\nX-Note: first\r\n\tsecond\r\nContent-Length: 4\r\n\r\nbody\r\n\r\n"
	rec, err := NewReader(strings.NewReader(content)).Next()
	require.NoError(t, err)
	assert.Equal(t, "first second", rec.Header.Get("X-Note"))
	assert.Equal(t, "body", string(rec.FirstLine))
}

func TestReaderOversizedFirstLine(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("w", MaxLineBytes+10)
	content := buildArchive(
		testRecord{recordType: "conversion", targetURI: "https://big.test/", body: long + "\ntail"},
		testRecord{recordType: "conversion", targetURI: "https://small.test/", body: "small"},
	)
	rd := NewReader(strings.NewReader(content))

	big, err := rd.Next()
	require.NoError(t, err)
	assert.True(t, big.Oversized)
	assert.Empty(t, big.FirstLine)

	small, err := rd.Next()
	require.NoError(t, err)
	assert.False(t, small.Oversized)
	assert.Equal(t, "small", string(small.FirstLine))
}

func TestExtractSkipsOversizedRecord(t *testing.T) {
	t.Parallel()

	content := buildArchive(
		testRecord{recordType: "conversion", targetURI: "https://big.test/", body: strings.Repeat("w", MaxLineBytes+1)},
		testRecord{recordType: "conversion", targetURI: "https://small.test/", body: "kept"},
	)
	path := writeArchive(t, content)

	var got []string
	stats, err := NewExtractor([]string{"conversion"}, nil).Extract(context.Background(), path, func(r ingest.ExtractedRecord) error {
		got = append(got, r.TargetURI())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://small.test/"}, got)
	assert.Equal(t, Stats{Records: 2, Extracted: 1, Oversized: 1}, stats)
}

func TestExtractFiltersAndCounts(t *testing.T) {
	t.Parallel()

	content := buildArchive(
		testRecord{recordType: "warcinfo", body: "software: test\r\n"},
		testRecord{recordType: "conversion", targetURI: "https://example.com/about", body: "About us page\nmore"},
		testRecord{recordType: "conversion", body: "no target uri here"},
		testRecord{recordType: "conversion", targetURI: "https://example.com/bad", body: "bad \xff\xfe bytes"},
		testRecord{recordType: "conversion", targetURI: "https://blog.example.com/", body: "Blog\x00 home"},
	)
	path := writeArchive(t, content)

	var got []ingest.ExtractedRecord
	stats, err := NewExtractor([]string{"conversion"}, nil).Extract(context.Background(), path, func(r ingest.ExtractedRecord) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "About us page", got[0].Text)
	assert.Equal(t, "https://example.com/about", got[0].TargetURI())
	assert.Equal(t, "text/plain", got[0].ContentType)
	assert.Equal(t, "conversion", got[0].RecordType)
	assert.Equal(t, "Blog home", got[1].Text)

	assert.Equal(t, Stats{Records: 5, Extracted: 2, Filtered: 1, Undecodable: 1, MissingURI: 1}, stats)

	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist, "archive should be removed after extraction")
}

func TestExtractMalformedKeepsEarlierRecords(t *testing.T) {
	t.Parallel()

	content := buildArchive(testRecord{recordType: "conversion", targetURI: "https://example.com/", body: "kept"}) +
		"garbage line\r\n"
	path := writeArchive(t, content)

	var got []string
	_, err := NewExtractor(nil, nil).Extract(context.Background(), path, func(r ingest.ExtractedRecord) error {
		got = append(got, r.Text)
		return nil
	})
	require.ErrorIs(t, err, ingest.ErrMalformedArchive)
	assert.Equal(t, []string{"kept"}, got)

	_, statErr := os.Stat(path)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestExtractStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	content := buildArchive(
		testRecord{recordType: "conversion", targetURI: "https://example.com/1", body: "one"},
		testRecord{recordType: "conversion", targetURI: "https://example.com/2", body: "two"},
	)
	path := writeArchive(t, content)
	boom := errors.New("boom")

	calls := 0
	_, err := NewExtractor(nil, nil).Extract(context.Background(), path, func(ingest.ExtractedRecord) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestExtractHonorsCancellation(t *testing.T) {
	t.Parallel()

	path := writeArchive(t, buildArchive(testRecord{recordType: "conversion", targetURI: "https://example.com/", body: "x"}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExtractor(nil, nil).Extract(ctx, path, func(ingest.ExtractedRecord) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
