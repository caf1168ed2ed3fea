package entity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xiaonanln/cellworld/engine/gwlog"
)

// MapAttr is a map attribute containing muiltiple attributes indexed by string keys
type MapAttr struct {
	owner  *Cell
	parent interface{}
	pkey   interface{} // key of this item in parent
	attrs  map[string]interface{}
}

// Size returns the size of MapAttr
func (a *MapAttr) Size() int {
	return len(a.attrs)
}

// String convert MapAttr to readable string
func (a *MapAttr) String() string {
	var sb strings.Builder
	sb.WriteString("MapAttr{")
	for i, k := range a.Keys() {
		if i > 0 {
			sb.WriteString(", ")
		}

		fmt.Fprintf(&sb, "%#v", k)
		sb.WriteString(": ")
		switch a := a.attrs[k].(type) {
		case *MapAttr:
			sb.WriteString(a.String())
		case *ListAttr:
			sb.WriteString(a.String())
		default:
			fmt.Fprintf(&sb, "%#v", a)
		}
	}
	sb.WriteString("}")
	return sb.String()
}

// HasKey returns if the key exists in MapAttr
func (a *MapAttr) HasKey(key string) bool {
	_, ok := a.attrs[key]
	return ok
}

// Keys returns all keys of Attrs, sorted
func (a *MapAttr) Keys() []string {
	keys := make([]string, 0, len(a.attrs))
	for k := range a.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ForEach calls f on all items
// Be careful about the type of val
func (a *MapAttr) ForEach(f func(key string, val interface{})) {
	for k, v := range a.attrs {
		f(k, v)
	}
}

func (a *MapAttr) set(key string, val interface{}) {
	if old, ok := a.attrs[key]; ok {
		switch oa := old.(type) {
		case *MapAttr:
			if oa == val {
				return
			}
			oa.removeFromParent()
		case *ListAttr:
			if oa == val {
				return
			}
			oa.removeFromParent()
		default:
			if isPrimitiveAttrEqual(old, val) {
				return
			}
		}
	}

	switch sa := val.(type) {
	case *MapAttr:
		// val is MapAttr, set parent and owner accordingly
		if sa.parent != nil || sa.owner != nil || sa.pkey != nil {
			gwlog.Panicf("MapAttr reused in key %s", key)
		}
		sa.setParent(a.owner, a, key)
	case *ListAttr:
		// val is ListAttr, set parent and owner accordingly
		if sa.parent != nil || sa.owner != nil || sa.pkey != nil {
			gwlog.Panicf("ListAttr reused in key %s", key)
		}
		sa.setParent(a.owner, a, key)
	}
	a.attrs[key] = val
	a.notifyChanged()
}

func isPrimitiveAttrEqual(old, val interface{}) bool {
	switch val.(type) {
	case *MapAttr, *ListAttr, []byte:
		return false
	}
	return old == val
}

func (a *MapAttr) notifyChanged() {
	if a.owner != nil {
		a.owner.onAttrsChanged()
	}
}

// SetInt sets int value at the key
func (a *MapAttr) SetInt(key string, v int64) {
	a.set(key, v)
}

// SetFloat sets float value at the key
func (a *MapAttr) SetFloat(key string, v float64) {
	a.set(key, v)
}

// SetBool sets bool value at the key
func (a *MapAttr) SetBool(key string, v bool) {
	a.set(key, v)
}

// SetStr sets string value at the key
func (a *MapAttr) SetStr(key string, v string) {
	a.set(key, v)
}

// SetMapAttr sets MapAttr value at the key
func (a *MapAttr) SetMapAttr(key string, attr *MapAttr) {
	a.set(key, attr)
}

// SetListAttr sets ListAttr value at the key
func (a *MapAttr) SetListAttr(key string, attr *ListAttr) {
	a.set(key, attr)
}

// SetDefaultInt sets default int value at the key
func (a *MapAttr) SetDefaultInt(key string, v int64) {
	if _, ok := a.attrs[key]; !ok {
		a.set(key, v)
	}
}

// SetDefaultStr sets default string value at the key
func (a *MapAttr) SetDefaultStr(key string, v string) {
	if _, ok := a.attrs[key]; !ok {
		a.set(key, v)
	}
}

// GetInt returns the attribute of specified key in MapAttr as int64
func (a *MapAttr) GetInt(key string) int64 {
	if val, ok := a.attrs[key]; ok {
		return attrToInt(val)
	}
	return 0
}

// GetStr returns the attribute of specified key in MapAttr as string
func (a *MapAttr) GetStr(key string) string {
	if val, ok := a.attrs[key]; ok {
		return attrToStr(val)
	}
	return ""
}

// GetFloat returns the attribute of specified key in MapAttr as float64
func (a *MapAttr) GetFloat(key string) float64 {
	if val, ok := a.attrs[key]; ok {
		return attrToFloat(val)
	}
	return 0
}

// GetBool returns the attribute of specified key in MapAttr as bool
func (a *MapAttr) GetBool(key string) bool {
	if val, ok := a.attrs[key]; ok {
		return attrToBool(val)
	}
	return false
}

// GetMapAttr returns the attribute of specified key in MapAttr as MapAttr
func (a *MapAttr) GetMapAttr(key string) *MapAttr {
	if val, ok := a.attrs[key]; ok {
		return val.(*MapAttr)
	}
	v := NewMapAttr()
	a.set(key, v)
	return v
}

// GetListAttr returns the attribute of specified key in MapAttr as ListAttr
func (a *MapAttr) GetListAttr(key string) *ListAttr {
	if val, ok := a.attrs[key]; ok {
		return val.(*ListAttr)
	}
	v := NewListAttr()
	a.set(key, v)
	return v
}

func (a *MapAttr) pop(key string) interface{} {
	val, ok := a.attrs[key]
	if !ok {
		return nil
	}

	delete(a.attrs, key)
	switch sa := val.(type) {
	case *MapAttr:
		sa.removeFromParent()
	case *ListAttr:
		sa.removeFromParent()
	}
	a.notifyChanged()
	return val
}

// Del deletes a key in MapAttr
func (a *MapAttr) Del(key string) {
	a.pop(key)
}

// PopInt deletes a key in MapAttr and returns the attribute as int64
func (a *MapAttr) PopInt(key string) int64 {
	if val := a.pop(key); val != nil {
		return attrToInt(val)
	}
	return 0
}

// PopStr deletes a key in MapAttr and returns the attribute as string
func (a *MapAttr) PopStr(key string) string {
	if val := a.pop(key); val != nil {
		return attrToStr(val)
	}
	return ""
}

// Clear removes all key-values from the MapAttr
func (a *MapAttr) Clear() {
	if len(a.attrs) == 0 {
		return
	}

	var curattrs map[string]interface{}
	curattrs, a.attrs = a.attrs, map[string]interface{}{}
	for _, v := range curattrs {
		switch sa := v.(type) {
		case *MapAttr:
			sa.removeFromParent()
		case *ListAttr:
			sa.removeFromParent()
		}
	}
	a.notifyChanged()
}

// ToMap converts MapAttr to native map, recursively. The result shares nothing
// mutable with the MapAttr.
func (a *MapAttr) ToMap() map[string]interface{} {
	return a.ToMapWithFilter(nil)
}

// ToMapWithFilter converts filtered fields of MapAttr to to native map, recursively
func (a *MapAttr) ToMapWithFilter(filter func(string) bool) map[string]interface{} {
	doc := make(map[string]interface{}, len(a.attrs))
	for k, v := range a.attrs {
		if filter != nil && !filter(k) {
			continue
		}

		switch a := v.(type) {
		case *MapAttr:
			doc[k] = a.ToMap()
		case *ListAttr:
			doc[k] = a.ToList()
		case []byte:
			doc[k] = append([]byte(nil), a...)
		default:
			doc[k] = v
		}
	}
	return doc
}

// AssignMap assigns native map to MapAttr recursively
func (a *MapAttr) AssignMap(doc map[string]interface{}) {
	for k, v := range doc {
		a.assign(k, v)
	}
}

// ReplaceMap makes the content of MapAttr equal to doc. Keys whose value is
// unchanged are left untouched, keys missing from doc are deleted.
func (a *MapAttr) ReplaceMap(doc map[string]interface{}) {
	for k := range a.attrs {
		if _, ok := doc[k]; !ok {
			a.pop(k)
		}
	}

	current := a.ToMap()
	for k, v := range doc {
		if cv, ok := current[k]; ok && attrValueEqual(cv, uniformAttrValue(v)) {
			continue
		}
		a.assign(k, v)
	}
}

func (a *MapAttr) assign(k string, v interface{}) {
	switch iv := v.(type) {
	case map[string]interface{}:
		ia := NewMapAttr()
		ia.AssignMap(iv)
		a.set(k, ia)
	case map[interface{}]interface{}:
		ia := NewMapAttr()
		ia.AssignMap(uniformAttrValue(iv).(map[string]interface{}))
		a.set(k, ia)
	case []interface{}:
		ia := NewListAttr()
		ia.AssignList(iv)
		a.set(k, ia)
	default:
		a.set(k, uniformAttrType(v))
	}
}

func (a *MapAttr) removeFromParent() {
	a.parent = nil
	a.pkey = nil
	a.setOwner(nil)
}

func (a *MapAttr) setParent(owner *Cell, parent interface{}, pkey interface{}) {
	a.parent = parent
	a.pkey = pkey
	a.setOwner(owner)
}

func (a *MapAttr) setOwner(owner *Cell) {
	a.owner = owner

	// set owner of children recursively
	for _, v := range a.attrs {
		switch a := v.(type) {
		case *MapAttr:
			a.setOwner(owner)
		case *ListAttr:
			a.setOwner(owner)
		}
	}
}

// NewMapAttr creates a new MapAttr
func NewMapAttr() *MapAttr {
	return &MapAttr{
		attrs: make(map[string]interface{}),
	}
}
