// Package pager implements a versioned, transactional, page-oriented
// storage engine for tree-structured (XML- or JSON-shaped) node data.
//
// Records are opaque (key, kind, payload) triples addressed through an
// indirect-tree of fixed-fanout page references. Every committed
// revision is a durable, addressable snapshot: writers stage modified
// pages copy-on-write in an in-memory write-ahead log keyed by log_key,
// and a commit walks that log, flushes pages through a byte-handler
// pipeline onto a single append-only data file, then atomically swings
// a double-buffered reference to a fresh UberPage. Readers pin a
// snapshot of exactly one revision and never observe later commits.
//
// The storage format, the copy-on-write write path, the four
// versioning strategies used to reconstruct a logical record page from
// historical fragments, and the resource manager that gates one writer
// against many readers are all implemented here. The typed node layer
// above (elements, attributes, XPath/XQuery, hashing, indexes) is a
// separate concern and is not part of this package.
package pager
