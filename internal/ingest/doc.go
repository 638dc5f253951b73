// Package ingest defines the types and collaborator interfaces shared by the
// partitioned ingestion pipeline: partitions and their outcomes, the browsing
// session used for discovery and extraction, and the plain fetcher used for
// syndication feeds.
package ingest
