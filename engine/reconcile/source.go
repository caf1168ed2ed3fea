// Package reconcile keeps the cells of the world in line with external
// declarative descriptions of it.
//
// A run of the Engine goes through the phases FETCH, COMPARE, REMOVE, MODIFY
// and ADD. The current phase and the pending work are kept in a phase record
// in storage, updated in the same transaction as every cell it changes, so an
// interrupted run resumes where it stopped.
package reconcile

import (
	"context"

	"github.com/xiaonanln/cellworld/engine/common"
)

// Description describes one cell
type Description struct {
	ID           string                 `yaml:"id" msgpack:"id"`
	ParentID     string                 `yaml:"parent" msgpack:"parent"`
	Type         string                 `yaml:"type" msgpack:"type"`
	Name         string                 `yaml:"name" msgpack:"name"`
	LastModified int64                  `yaml:"lastModified" msgpack:"lastModified"`
	Properties   map[string]interface{} `yaml:"properties" msgpack:"properties"`
}

// Source provides the descriptions of a world. Calls may block on IO and are
// never made inside a transaction.
type Source interface {
	Name() string
	// ListRoots returns the names of the description documents
	ListRoots(ctx context.Context) ([]string, error)
	// Fetch returns the descriptions of a document, parents before children
	Fetch(ctx context.Context, root string) ([]Description, error)
}

// CellID returns the id of the cell described by the description id of the source
func CellID(source string, descID string) common.CellID {
	if descID == "" {
		return ""
	}
	return common.NamedCellID(source, descID)
}
