package btscan

import (
	"errors"
	"fmt"
)

// Index is the search engine for one B-tree index. It owns no pages
// itself; a PageStore supplies them. An Index is safe for concurrent use
// by any number of scans.
type Index struct {
	store        PageStore
	schema       Schema
	log          Logger
	metrics      *Metrics
	split        SplitCompleter
	predLock     PredicateLocker
	leftHopLimit int
	dropPin      bool
}

// New builds an Index over store with the given key schema.
func New(store PageStore, schema Schema, options ...Option) (*Index, error) {
	if store == nil {
		return nil, errors.New("btscan: nil page store")
	}
	if len(schema) == 0 {
		return nil, errors.New("btscan: empty schema")
	}
	for i, col := range schema {
		if col.Comparer == nil {
			return nil, fmt.Errorf("btscan: schema column %d has no comparer", i)
		}
	}

	opts := DefaultOptions()
	for _, o := range options {
		o(&opts)
	}

	return &Index{
		store:        store,
		schema:       schema,
		log:          opts.logger,
		metrics:      opts.metrics,
		split:        opts.split,
		predLock:     opts.predLock,
		leftHopLimit: opts.leftHopLimit,
		dropPin:      opts.dropPin,
	}, nil
}

// Schema returns the index key schema.
func (idx *Index) Schema() Schema {
	return idx.schema
}
