package pager

import (
	"log"
	"time"
)

// VersioningKind names one of the four reconstruction strategies a
// resource is configured with at creation time. It is fixed for the
// lifetime of the resource's data file.
type VersioningKind uint8

const (
	VersioningFull VersioningKind = iota
	VersioningIncremental
	VersioningDifferential
	VersioningSlidingSnapshot
)

func (v VersioningKind) String() string {
	switch v {
	case VersioningFull:
		return "Full"
	case VersioningIncremental:
		return "Incremental"
	case VersioningDifferential:
		return "Differential"
	case VersioningSlidingSnapshot:
		return "SlidingSnapshot"
	default:
		return "Unknown"
	}
}

// ResourceConfig mirrors the already-parsed ressetting.obj
// configuration keys. Parsing the JSON file itself is out of scope;
// callers populate this struct however they obtain those values.
type ResourceConfig struct {
	// ResourceID, parsed as a UUID, becomes the resource's ID() and
	// tags its log lines; an empty or unparseable value selects a
	// freshly minted UUID. It is not written to disk.
	ResourceID string

	// Versioning selects the C5 reconstruction strategy.
	Versioning VersioningKind

	// MaxRevisionsToRestore bounds how many historical fragments the
	// Incremental/Differential/SlidingSnapshot strategies walk and
	// merge; records found only in older fragments are not part of the
	// reconstructed page. 0 or less selects DefaultMaxRevisionsToRestore.
	MaxRevisionsToRestore int

	// BytePipeline is the ordered list of reversible transforms
	// applied to every page body before it is framed. Built by the
	// caller from byteHandlerClasses; nil means no transform.
	BytePipeline *Pipeline

	// ReadPermits bounds the number of concurrent page read
	// transactions; 0 selects DefaultReadPermits.
	ReadPermits int

	// PermitTimeout bounds how long BeginRead/BeginWrite will wait for
	// a free permit before failing with Concurrency/NoPermit; 0 selects
	// DefaultPermitTimeout (spec.md §4.8's 20s default).
	PermitTimeout time.Duration

	// StoreDiffs mirrors storeDiffs. It is carried for the layers
	// above and is not read by this package.
	StoreDiffs bool

	// SpillThreshold is the number of pages a PageWriteTrx may hold in
	// its in-memory WAL before Commit spills them to the on-disk WAL
	// area under memory pressure; 0 selects DefaultSpillThreshold.
	SpillThreshold int

	// Logger receives structured progress/error messages. Defaults to
	// log.Default() when nil.
	Logger *log.Logger
}

func (c *ResourceConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c *ResourceConfig) maxRevisionsToRestore() int {
	if c.MaxRevisionsToRestore <= 0 {
		return DefaultMaxRevisionsToRestore
	}
	return c.MaxRevisionsToRestore
}

func (c *ResourceConfig) permitTimeout() time.Duration {
	if c.PermitTimeout <= 0 {
		return DefaultPermitTimeout
	}
	return c.PermitTimeout
}

func (c *ResourceConfig) readPermits() int {
	if c.ReadPermits <= 0 {
		return DefaultReadPermits
	}
	return c.ReadPermits
}

func (c *ResourceConfig) spillThreshold() int {
	if c.SpillThreshold <= 0 {
		return DefaultSpillThreshold
	}
	return c.SpillThreshold
}

func (c *ResourceConfig) pipeline() *Pipeline {
	if c.BytePipeline == nil {
		return NewPipeline()
	}
	return c.BytePipeline
}
