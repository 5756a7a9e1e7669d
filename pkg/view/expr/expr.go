package expr

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	// VarExpr stands for the document a serialized filter is applied to.
	VarExpr = "$$expr"
	// VarThis is the element variable of $filter, $map and $reduce.
	VarThis = "$$this"
	// VarValue is the accumulator variable of $reduce.
	VarValue = "$$value"
)

// Filter is a predicate, or more generally any aggregation expression, over a
// document. It is either an *Expression built in Go or a Raw document,
// typically decoded from a serialized stage.
type Filter interface {
	// ToMongo renders the filter against the document referenced by prefix.
	// An empty prefix refers to the root document.
	ToMongo(prefix string) interface{}
	// Serialize returns the JSON-compatible form in which references to the
	// current document are written relative to VarExpr.
	Serialize() interface{}
}

// Ref returns the aggregation reference of path relative to prefix. Paths
// starting with "$" are absolute and returned unchanged.
func Ref(prefix, path string) string {
	if strings.HasPrefix(path, "$") {
		return path
	}
	if path == "" {
		if prefix == "" {
			return "$$ROOT"
		}
		return prefix
	}
	if prefix == "" {
		return "$" + path
	}
	return prefix + "." + path
}

// Join joins path segments with ".", skipping empty ones.
func Join(parts ...string) string {
	nonEmpty := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ".")
}

type kind int

const (
	kindField kind = iota
	kindLiteral
	kindOp
)

// Expression is an aggregation expression tree whose field references are
// resolved against a prefix at render time.
type Expression struct {
	kind    kind
	path    string
	value   interface{}
	op      string
	operand interface{}
}

var _ Filter = (*Expression)(nil)

// F references a field of the current document. F("") is the document itself.
func F(path string) *Expression {
	return &Expression{kind: kindField, path: path}
}

// Lit wraps a literal value.
func Lit(v interface{}) *Expression {
	return &Expression{kind: kindLiteral, value: v}
}

// Op builds an operator expression. operand may be a list of arguments, a
// document (for operators such as $filter) or a single argument.
func Op(op string, operand interface{}) *Expression {
	return &Expression{kind: kindOp, op: op, operand: operand}
}

// Scoped renders f against a fixed prefix regardless of the enclosing one.
// It is used for the bodies of $filter/$map/$reduce.
func Scoped(prefix string, f Filter) Filter {
	return scoped{prefix: prefix, f: f}
}

type scoped struct {
	prefix string
	f      Filter
}

func (s scoped) ToMongo(string) interface{} { return s.f.ToMongo(s.prefix) }
func (s scoped) Serialize() interface{}     { return s.f.ToMongo(s.prefix) }

// ToMongo implements Filter.
func (e *Expression) ToMongo(prefix string) interface{} {
	switch e.kind {
	case kindField:
		return Ref(prefix, e.path)
	case kindLiteral:
		return literal(e.value)
	default:
		return bson.M{e.op: render(e.operand, prefix)}
	}
}

// Serialize implements Filter.
func (e *Expression) Serialize() interface{} {
	return e.ToMongo(VarExpr)
}

func (e *Expression) String() string {
	return fmt.Sprintf("%v", e.Serialize())
}

func literal(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "$") {
			return bson.M{"$literal": t}
		}
		return t
	case []string:
		out := make(bson.A, 0, len(t))
		for _, s := range t {
			out = append(out, literal(s))
		}
		return out
	case []interface{}:
		out := make(bson.A, 0, len(t))
		for _, s := range t {
			out = append(out, literal(s))
		}
		return out
	default:
		return v
	}
}

func render(v interface{}, prefix string) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case Filter:
		return t.ToMongo(prefix)
	case []interface{}:
		out := make(bson.A, 0, len(t))
		for _, a := range t {
			out = append(out, render(a, prefix))
		}
		return out
	case bson.A:
		return render([]interface{}(t), prefix)
	case map[string]interface{}:
		out := make(bson.M, len(t))
		for k, a := range t {
			out[k] = render(a, prefix)
		}
		return out
	case bson.M:
		return render(map[string]interface{}(t), prefix)
	default:
		return literal(v)
	}
}

func args(e *Expression, others ...interface{}) []interface{} {
	return append([]interface{}{e}, others...)
}

func (e *Expression) Eq(v interface{}) *Expression  { return Op("$eq", args(e, v)) }
func (e *Expression) Ne(v interface{}) *Expression  { return Op("$ne", args(e, v)) }
func (e *Expression) Gt(v interface{}) *Expression  { return Op("$gt", args(e, v)) }
func (e *Expression) Gte(v interface{}) *Expression { return Op("$gte", args(e, v)) }
func (e *Expression) Lt(v interface{}) *Expression  { return Op("$lt", args(e, v)) }
func (e *Expression) Lte(v interface{}) *Expression { return Op("$lte", args(e, v)) }

func (e *Expression) Add(v interface{}) *Expression      { return Op("$add", args(e, v)) }
func (e *Expression) Subtract(v interface{}) *Expression { return Op("$subtract", args(e, v)) }
func (e *Expression) Multiply(v interface{}) *Expression { return Op("$multiply", args(e, v)) }

// Not negates a boolean expression.
func (e *Expression) Not() *Expression { return Op("$not", []interface{}{e}) }

// IsIn is true when the expression's value is one of values.
func (e *Expression) IsIn(values interface{}) *Expression {
	return Op("$in", []interface{}{e, values})
}

// Contains is true when the array expression contains any (or all) of values.
func (e *Expression) Contains(values []interface{}, all bool) *Expression {
	arr := Op("$ifNull", []interface{}{e, bson.A{}})
	if len(values) == 1 && !all {
		return Op("$in", []interface{}{values[0], arr})
	}
	if all {
		return Op("$setIsSubset", []interface{}{values, arr})
	}
	return Op("$gt", []interface{}{
		Op("$size", Op("$setIntersection", []interface{}{arr, values})),
		0,
	})
}

// Exists is true when the value is present and not null.
func (e *Expression) Exists() *Expression {
	return Op("$gt", []interface{}{e, nil})
}

// Length returns the size of an array, treating missing arrays as empty.
func (e *Expression) Length() *Expression {
	return Op("$size", Op("$ifNull", []interface{}{e, bson.A{}}))
}

// Filter keeps the array elements for which cond holds. cond is evaluated
// against each element.
func (e *Expression) Filter(cond Filter) *Expression {
	return Op("$filter", map[string]interface{}{
		"input": e,
		"cond":  Scoped(VarThis, cond),
	})
}

// Map applies in to each array element.
func (e *Expression) Map(in Filter) *Expression {
	return Op("$map", map[string]interface{}{
		"input": e,
		"in":    Scoped(VarThis, in),
	})
}

// ArrayElemAt returns the element at idx.
func (e *Expression) ArrayElemAt(idx int) *Expression {
	return Op("$arrayElemAt", []interface{}{e, idx})
}

// IfElse returns then when e holds, otherwise els.
func (e *Expression) IfElse(then, els interface{}) *Expression {
	return Op("$cond", []interface{}{e, then, els})
}

// And is the conjunction of the given expressions.
func And(exprs ...Filter) Filter {
	return junction("$and", exprs)
}

// Or is the disjunction of the given expressions.
func Or(exprs ...Filter) Filter {
	return junction("$or", exprs)
}

func junction(op string, exprs []Filter) Filter {
	nonNil := make([]interface{}, 0, len(exprs))
	for _, e := range exprs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0].(Filter)
	}
	return Op(op, nonNil)
}

// Not negates any filter.
func Not(f Filter) Filter {
	return Op("$not", []interface{}{f})
}

// ObjectID converts a hex id into an ObjectID, leaving other ids untouched.
func ObjectID(id string) interface{} {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

// ObjectIDs converts ids with ObjectID.
func ObjectIDs(ids []string) bson.A {
	out := make(bson.A, 0, len(ids))
	for _, id := range ids {
		out = append(out, ObjectID(id))
	}
	return out
}
