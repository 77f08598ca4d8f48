package interfaces

import "cnascan/internal/models"

// BlobStore is the durable object-store contract. Put has idempotent
// overwrite semantics; Append is used for the JSONL egress-IP log.
// The shipped implementation is Badger-backed, but callers must not
// depend on anything beyond this contract (an S3 client satisfies it
// equally well).
type BlobStore interface {
	// Put stores data under key and returns a locator for logging.
	Put(key string, data []byte, contentType string) (string, error)

	// Append appends a line to the object stored at key, creating it if
	// absent.
	Append(key string, line []byte) error

	// PutPartnership stores an indexed partnership document so individual
	// sociedade results survive a crash independently of batch checkpoints.
	PutPartnership(key string, detail *models.PartnershipDetail) error

	// Close releases the underlying store.
	Close() error
}
