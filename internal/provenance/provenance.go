// Package provenance implements the append-only, hash-linked audit trail of
// every lifecycle event of a tradable item.
//
// Each subject (an item) owns an independent chain. The first record carries
// PreviousHash == GenesisHash; every later record carries the Hash of its
// predecessor. A record's Hash is the SHA-256 of its semantic fields (see
// Digest), so any edit to a stored record or any reordering is detected by
// Service.VerifyChain.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
package provenance
