package expr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// ErrMalformedFilter is returned when a value cannot be used as a filter.
var ErrMalformedFilter = errors.New("malformed filter")

// Raw is a backing-native document used as a filter. References to the
// current document are written relative to VarExpr and rewritten at render
// time.
type Raw struct {
	doc interface{}
}

var _ Filter = Raw{}

// NewRaw wraps doc, normalizing YAML-style maps into string-keyed ones.
func NewRaw(doc interface{}) Raw {
	return Raw{doc: normalize(doc)}
}

// Doc returns the wrapped document.
func (r Raw) Doc() interface{} { return r.doc }

// ToMongo implements Filter.
func (r Raw) ToMongo(prefix string) interface{} {
	return rewrite(r.doc, prefix)
}

// Serialize implements Filter.
func (r Raw) Serialize() interface{} { return r.doc }

func rewrite(v interface{}, prefix string) interface{} {
	switch t := v.(type) {
	case string:
		if t == VarExpr {
			return Ref(prefix, "")
		}
		if strings.HasPrefix(t, VarExpr+".") {
			return Ref(prefix, strings.TrimPrefix(t, VarExpr+"."))
		}
		return t
	case map[string]interface{}:
		out := make(bson.M, len(t))
		for k, a := range t {
			out[k] = rewrite(a, prefix)
		}
		return out
	case bson.M:
		return rewrite(map[string]interface{}(t), prefix)
	case []interface{}:
		out := make(bson.A, 0, len(t))
		for _, a := range t {
			out = append(out, rewrite(a, prefix))
		}
		return out
	case bson.A:
		return rewrite([]interface{}(t), prefix)
	default:
		return v
	}
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, a := range t {
			out[fmt.Sprint(k)] = normalize(a)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, a := range t {
			out[k] = normalize(a)
		}
		return out
	case bson.M:
		return normalize(map[string]interface{}(t))
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, a := range t {
			out = append(out, normalize(a))
		}
		return out
	case bson.A:
		return normalize([]interface{}(t))
	default:
		return v
	}
}

// Parse converts a loosely typed value into a Filter. Filters are returned
// unchanged, documents, lists, booleans and "$"-references become Raw.
func Parse(v interface{}) (Filter, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Filter:
		return t, nil
	case map[string]interface{}, map[interface{}]interface{}, bson.M, []interface{}, bson.A, bool:
		return NewRaw(t), nil
	case string:
		if strings.HasPrefix(t, "$") {
			return NewRaw(t), nil
		}
	}
	return nil, errors.Wrapf(ErrMalformedFilter, "unsupported filter of type %T", v)
}

// IsExpression reports whether f was built as an *Expression.
func IsExpression(f Filter) bool {
	_, ok := f.(*Expression)
	return ok
}

// AsQuery renders f as a $match query document: expressions are wrapped in
// $expr, raw documents are used as-is.
func AsQuery(f Filter) interface{} {
	if IsExpression(f) {
		return bson.M{"$expr": f.ToMongo("")}
	}
	return f.ToMongo("")
}

// SerializeQuery is the serialized form of AsQuery.
func SerializeQuery(f Filter) interface{} {
	if IsExpression(f) {
		return map[string]interface{}{"$expr": f.Serialize()}
	}
	return f.Serialize()
}
