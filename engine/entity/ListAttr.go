package entity

import (
	"fmt"
	"strings"

	"github.com/xiaonanln/cellworld/engine/gwlog"
)

// ListAttr is a attribute for a list of attributes
type ListAttr struct {
	owner  *Cell
	parent interface{}
	pkey   interface{} // key of this item in parent
	items  []interface{}
}

func (a *ListAttr) String() string {
	var sb strings.Builder
	sb.WriteString("ListAttr{")
	for i, v := range a.items {
		if i > 0 {
			sb.WriteString(", ")
		}

		switch a := v.(type) {
		case *MapAttr:
			sb.WriteString(a.String())
		case *ListAttr:
			sb.WriteString(a.String())
		default:
			fmt.Fprintf(&sb, "%#v", v)
		}
	}

	sb.WriteString("}")
	return sb.String()
}

// Size returns size of ListAttr
func (a *ListAttr) Size() int {
	return len(a.items)
}

func (a *ListAttr) removeFromParent() {
	a.parent = nil
	a.pkey = nil
	a.setOwner(nil)
}

func (a *ListAttr) setParent(owner *Cell, parent interface{}, pkey interface{}) {
	a.parent = parent
	a.pkey = pkey
	a.setOwner(owner)
}

func (a *ListAttr) setOwner(owner *Cell) {
	a.owner = owner

	// set owner of children recursively
	for _, v := range a.items {
		switch a := v.(type) {
		case *MapAttr:
			a.setOwner(owner)
		case *ListAttr:
			a.setOwner(owner)
		}
	}
}

func (a *ListAttr) notifyChanged() {
	if a.owner != nil {
		a.owner.onAttrsChanged()
	}
}

func (a *ListAttr) adopt(val interface{}, index int) {
	switch sa := val.(type) {
	case *MapAttr:
		if sa.parent != nil || sa.owner != nil || sa.pkey != nil {
			gwlog.Panicf("MapAttr reused in index %d", index)
		}
		sa.setParent(a.owner, a, index)
	case *ListAttr:
		if sa.parent != nil || sa.owner != nil || sa.pkey != nil {
			gwlog.Panicf("ListAttr reused in index %d", index)
		}
		sa.setParent(a.owner, a, index)
	}
}

func (a *ListAttr) set(index int, val interface{}) {
	switch old := a.items[index].(type) {
	case *MapAttr:
		old.removeFromParent()
	case *ListAttr:
		old.removeFromParent()
	}
	a.adopt(val, index)
	a.items[index] = val
	a.notifyChanged()
}

// GetInt gets item value as int
func (a *ListAttr) GetInt(index int) int64 {
	return attrToInt(a.items[index])
}

// GetFloat gets item value as float64
func (a *ListAttr) GetFloat(index int) float64 {
	return attrToFloat(a.items[index])
}

// GetStr gets item value as string
func (a *ListAttr) GetStr(index int) string {
	return attrToStr(a.items[index])
}

// GetBool gets item value as bool
func (a *ListAttr) GetBool(index int) bool {
	return attrToBool(a.items[index])
}

// GetMapAttr gets item value as MapAttr
func (a *ListAttr) GetMapAttr(index int) *MapAttr {
	return a.items[index].(*MapAttr)
}

// AppendInt puts int value to the end of list
func (a *ListAttr) AppendInt(v int64) {
	a.append(v)
}

// AppendFloat puts float value to the end of list
func (a *ListAttr) AppendFloat(v float64) {
	a.append(v)
}

// AppendStr puts string value to the end of list
func (a *ListAttr) AppendStr(v string) {
	a.append(v)
}

// AppendMapAttr puts MapAttr value to the end of list
func (a *ListAttr) AppendMapAttr(attr *MapAttr) {
	a.append(attr)
}

func (a *ListAttr) pop() interface{} {
	size := len(a.items)
	val := a.items[size-1]
	a.items = a.items[:size-1]

	switch sa := val.(type) {
	case *MapAttr:
		sa.removeFromParent()
	case *ListAttr:
		sa.removeFromParent()
	}

	a.notifyChanged()
	return val
}

// PopInt removes the last item and returns as int64
func (a *ListAttr) PopInt() int64 {
	return attrToInt(a.pop())
}

// PopStr removes the last item and returns as string
func (a *ListAttr) PopStr() string {
	return attrToStr(a.pop())
}

// append puts item to the end of list
func (a *ListAttr) append(val interface{}) {
	a.adopt(val, len(a.items))
	a.items = append(a.items, val)
	a.notifyChanged()
}

// SetInt sets int value at the index
func (a *ListAttr) SetInt(index int, v int64) {
	a.set(index, v)
}

// SetStr sets string value at the index
func (a *ListAttr) SetStr(index int, v string) {
	a.set(index, v)
}

// ToList converts ListAttr to slice, recursively
func (a *ListAttr) ToList() []interface{} {
	l := make([]interface{}, len(a.items))

	for i, v := range a.items {
		switch a := v.(type) {
		case *MapAttr:
			l[i] = a.ToMap()
		case *ListAttr:
			l[i] = a.ToList()
		case []byte:
			l[i] = append([]byte(nil), a...)
		default:
			l[i] = v
		}
	}
	return l
}

// AssignList appends the items of slice to ListAttr, recursively
func (a *ListAttr) AssignList(l []interface{}) {
	for _, v := range l {
		switch iv := v.(type) {
		case map[string]interface{}:
			ia := NewMapAttr()
			ia.AssignMap(iv)
			a.append(ia)
		case map[interface{}]interface{}:
			ia := NewMapAttr()
			ia.AssignMap(uniformAttrValue(iv).(map[string]interface{}))
			a.append(ia)
		case []interface{}:
			ia := NewListAttr()
			ia.AssignList(iv)
			a.append(ia)
		default:
			a.append(uniformAttrType(v))
		}
	}
}

// NewListAttr creates a new ListAttr
func NewListAttr() *ListAttr {
	return &ListAttr{
		items: []interface{}{},
	}
}
