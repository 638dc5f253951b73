// Package store defines the persisted records and the session contract the
// ingestion pipeline writes through. Implementations live in other packages;
// this package must not import database drivers or concrete clients.
package store
