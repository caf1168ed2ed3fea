package entity

import (
	"reflect"

	"github.com/xiaonanln/typeconv"
)

var (
	float64Type = reflect.TypeOf(float64(0))
	stringType  = reflect.TypeOf("")
	boolType    = reflect.TypeOf(false)
)

// uniformAttrType converts numeric attribute values to int64 or float64 so that
// values decoded from different sources compare equal
func uniformAttrType(v interface{}) interface{} {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case float32:
		return float64(val)
	case []byte:
		return append([]byte(nil), val...)
	}
	return v
}

// uniformAttrValue converts a native value to the shape MapAttr.ToMap produces
func uniformAttrValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, iv := range val {
			m[k] = uniformAttrValue(iv)
		}
		return m
	case map[interface{}]interface{}:
		return uniformAttrValue(typeconv.MapStringAnything(val))
	case []interface{}:
		l := make([]interface{}, len(val))
		for i, iv := range val {
			l[i] = uniformAttrValue(iv)
		}
		return l
	case *MapAttr:
		return val.ToMap()
	case *ListAttr:
		return val.ToList()
	}
	return uniformAttrType(v)
}

// uniformAttrMap applies uniformAttrValue to every value of doc
func uniformAttrMap(doc map[string]interface{}) map[string]interface{} {
	if len(doc) == 0 {
		return nil
	}
	return uniformAttrValue(doc).(map[string]interface{})
}

func attrToInt(val interface{}) int64 {
	return typeconv.Int(val)
}

func attrToFloat(val interface{}) float64 {
	if f, ok := val.(float64); ok {
		return f
	}
	return typeconv.Convert(val, float64Type).Float()
}

func attrToStr(val interface{}) string {
	if s, ok := val.(string); ok {
		return s
	}
	return typeconv.Convert(val, stringType).String()
}

func attrToBool(val interface{}) bool {
	if b, ok := val.(bool); ok {
		return b
	}
	return typeconv.Convert(val, boolType).Bool()
}

func attrValueEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}
