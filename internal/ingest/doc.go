// Package ingest defines the types and interfaces shared by the archive ingestion
// pipeline: index resolution, archive transfer, decompression, record extraction,
// text normalization and storage.
package ingest
