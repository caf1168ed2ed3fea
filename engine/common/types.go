package common

import (
	"github.com/google/uuid"
)

// CellID identifies a cell
type CellID string

// IsNil returns if CellID is nil
func (id CellID) IsNil() bool {
	return id == ""
}

// GenCellID generates a new random CellID
func GenCellID() CellID {
	return CellID(uuid.NewString())
}

// NamedCellID derives a stable CellID from a namespace and a name.
// The same (namespace, name) pair always yields the same id.
func NamedCellID(namespace string, name string) CellID {
	return CellID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace+"/"+name)).String())
}

// ClientID type
type ClientID string

// GenClientID generates a new Client ID
func GenClientID() ClientID {
	return ClientID(uuid.NewString())
}

// IsNil returns if ClientID is nil
func (id ClientID) IsNil() bool {
	return id == ""
}
