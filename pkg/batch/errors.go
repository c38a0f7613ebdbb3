// Package batch implements the per-(database,table) accumulation buffers
// described for the ingestion pipeline's batch accumulator, sealing
// buffers into immutable Batch values under size, idle, and hard-age
// triggers.
package batch

import "errors"

var (
	ErrEmptyBuffer   = errors.New("cannot seal an empty buffer")
	ErrUnknownBuffer = errors.New("no open buffer for that database/table")
)
