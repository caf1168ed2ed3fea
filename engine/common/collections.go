package common

import "sort"

// StringSet is a set of strings
type StringSet map[string]struct{}

// NewStringSet creates a StringSet holding elems
func NewStringSet(elems ...string) StringSet {
	ss := make(StringSet, len(elems))
	for _, e := range elems {
		ss.Add(e)
	}
	return ss
}

// Contains checks if Stringset contains the string
func (ss StringSet) Contains(elem string) bool {
	_, ok := ss[elem]
	return ok
}

// ContainsAll checks if every elem is in the set
func (ss StringSet) ContainsAll(elems StringSet) bool {
	for e := range elems {
		if !ss.Contains(e) {
			return false
		}
	}
	return true
}

// Add adds the string to StringSet
func (ss StringSet) Add(elem string) {
	ss[elem] = struct{}{}
}

// Remove removes the string from StringSet
func (ss StringSet) Remove(elem string) {
	delete(ss, elem)
}

// ToList convert StringSet to a sorted string slice
func (ss StringSet) ToList() []string {
	keys := make([]string, 0, len(ss))
	for s := range ss {
		keys = append(keys, s)
	}
	sort.Strings(keys)
	return keys
}

// Copy returns an independent copy of the set
func (ss StringSet) Copy() StringSet {
	cp := make(StringSet, len(ss))
	for s := range ss {
		cp[s] = struct{}{}
	}
	return cp
}

// CellIDSet is the data structure for a set of cell IDs
type CellIDSet map[CellID]struct{}

// Add adds a cell ID to CellIDSet
func (es CellIDSet) Add(id CellID) {
	es[id] = struct{}{}
}

// Del removes a cell ID from CellIDSet
func (es CellIDSet) Del(id CellID) {
	delete(es, id)
}

// Contains checks if cell ID is in CellIDSet
func (es CellIDSet) Contains(id CellID) bool {
	_, ok := es[id]
	return ok
}

// ToList convert CellIDSet to a sorted slice of cell IDs
func (es CellIDSet) ToList() []CellID {
	list := make([]CellID, 0, len(es))
	for eid := range es {
		list = append(list, eid)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// ClientIDSet is a set of client IDs
type ClientIDSet map[ClientID]struct{}

// Add adds a client ID
func (cs ClientIDSet) Add(id ClientID) {
	cs[id] = struct{}{}
}

// Del removes a client ID
func (cs ClientIDSet) Del(id ClientID) {
	delete(cs, id)
}

// Contains checks if client ID is in the set
func (cs ClientIDSet) Contains(id ClientID) bool {
	_, ok := cs[id]
	return ok
}

// ToList converts the set to a sorted slice
func (cs ClientIDSet) ToList() []ClientID {
	list := make([]ClientID, 0, len(cs))
	for id := range cs {
		list = append(list, id)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// UnionClientIDs merges the sets, each id appears once in the result
func UnionClientIDs(sets ...ClientIDSet) ClientIDSet {
	union := ClientIDSet{}
	for _, s := range sets {
		for id := range s {
			union.Add(id)
		}
	}
	return union
}
