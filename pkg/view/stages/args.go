package stages

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// stringList accepts a string or a list of strings. nil stays nil.
func stringList(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []string:
		return append([]string(nil), t...), nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, errors.Errorf("expected a string, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errors.Errorf("expected a string or a list of strings, got %T", v)
}

func valueList(v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return t
	case []string:
		out := make([]interface{}, 0, len(t))
		for _, s := range t {
			out = append(out, s)
		}
		return out
	default:
		return []interface{}{t}
	}
}

// boolOr dereferences b, defaulting to def.
func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseFilter parses an optional filter argument.
func parseFilter(stage string, v interface{}) (expr.Filter, error) {
	f, err := expr.Parse(v)
	if err != nil {
		return nil, &ConfigurationError{Stage: stage, Err: err}
	}
	return f, nil
}

// serializeFilter returns the kwarg form of a filter applied to a label or
// field value.
func serializeFilter(f expr.Filter) interface{} {
	if f == nil {
		return nil
	}
	return f.Serialize()
}

// serializeQuery returns the kwarg form of a filter applied to a sample.
func serializeQuery(f expr.Filter) interface{} {
	if f == nil {
		return nil
	}
	return expr.SerializeQuery(f)
}

// order returns the sort direction.
func order(reverse bool) int {
	if reverse {
		return -1
	}
	return 1
}

// idValues converts string values into ObjectIDs when path is an id path.
func idValues(path string, values []interface{}) []interface{} {
	if !isIDPath(path) {
		return values
	}
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, expr.ObjectID(s))
			continue
		}
		out = append(out, v)
	}
	return out
}

func isIDPath(path string) bool {
	db := schema.DBPath(path)
	return db == "_id" || len(db) > 4 && db[len(db)-4:] == "._id"
}

// checkField fails unless path exists in the view.
func checkField(s Stage, v *View, path string) (*schema.Field, error) {
	f, ok := schema.GetField(v, path)
	if !ok {
		return nil, invalidf(s, ErrUnknownField, "%q", path)
	}
	return f, nil
}

// kwargMap returns the kwargs of s keyed by name.
func kwargMap(s Stage) map[string]interface{} {
	kwargs := s.Kwargs()
	out := make(map[string]interface{}, len(kwargs))
	for _, kw := range kwargs {
		out[kw.Name] = kw.Value
	}
	return out
}
