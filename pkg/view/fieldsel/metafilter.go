package fieldsel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/datacurate/viewstage/pkg/util"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// DefaultInfoDepth is how deep field info mappings are searched unless
// configured otherwise.
const DefaultInfoDepth = 1

const (
	keyName          = "name"
	keyType          = "type"
	keyDescription   = "description"
	keyInfo          = "info"
	keyAny           = "any"
	keyIncludeNested = "include_nested_fields"
)

// ErrMalformedMetaFilter is returned for meta filters that cannot be parsed.
var ErrMalformedMetaFilter = errors.New("malformed meta filter")

// MetaFilter matches schema fields by their metadata. Matching is a
// case-insensitive substring test.
type MetaFilter struct {
	Name        string
	Type        string
	Description string
	// Info matches any key or value of the info mapping.
	Info string
	// InfoKeys matches the value found under a given info key.
	InfoKeys map[string]string
	// Any makes a field match when any criterion holds rather than all.
	Any bool
	// IncludeNested also matches embedded fields.
	IncludeNested bool
	// Depth bounds how deep info mappings are walked.
	Depth int
}

// ParseMetaFilter builds a MetaFilter from a string, which matches any
// metadata, or from a mapping with keys name, type, description, info,
// info.<key>, any and include_nested_fields.
func ParseMetaFilter(v interface{}, depth int) (*MetaFilter, error) {
	if depth <= 0 {
		depth = DefaultInfoDepth
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *MetaFilter:
		return t, nil
	case string:
		return &MetaFilter{Name: t, Type: t, Description: t, Info: t, Any: true, Depth: depth}, nil
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, a := range t {
			m[fmt.Sprint(k)] = a
		}
		return parseMetaFilterMap(m, depth)
	case map[string]interface{}:
		return parseMetaFilterMap(t, depth)
	}
	return nil, errors.Wrapf(ErrMalformedMetaFilter, "unsupported type %T", v)
}

func parseMetaFilterMap(m map[string]interface{}, depth int) (*MetaFilter, error) {
	mf := &MetaFilter{Depth: depth}
	for k, v := range m {
		switch {
		case k == keyAny || k == keyIncludeNested:
			b, ok := v.(bool)
			if !ok {
				return nil, errors.Wrapf(ErrMalformedMetaFilter, "%q must be a boolean", k)
			}
			if k == keyAny {
				mf.Any = b
			} else {
				mf.IncludeNested = b
			}
		case k == keyName || k == keyType || k == keyDescription || k == keyInfo:
			s, ok := v.(string)
			if !ok {
				return nil, errors.Wrapf(ErrMalformedMetaFilter, "%q must be a string", k)
			}
			switch k {
			case keyName:
				mf.Name = s
			case keyType:
				mf.Type = s
			case keyDescription:
				mf.Description = s
			default:
				mf.Info = s
			}
		case strings.HasPrefix(k, keyInfo+"."):
			if mf.InfoKeys == nil {
				mf.InfoKeys = map[string]string{}
			}
			mf.InfoKeys[strings.TrimPrefix(k, keyInfo+".")] = fmt.Sprint(v)
		default:
			return nil, errors.Wrapf(ErrMalformedMetaFilter, "unknown key %q", k)
		}
	}
	return mf, nil
}

// Serialize returns the mapping form of the filter.
func (mf *MetaFilter) Serialize() map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range map[string]string{
		keyName: mf.Name, keyType: mf.Type, keyDescription: mf.Description, keyInfo: mf.Info,
	} {
		if v != "" {
			out[k] = v
		}
	}
	for k, v := range mf.InfoKeys {
		out[keyInfo+"."+k] = v
	}
	if mf.Any {
		out[keyAny] = true
	}
	if mf.IncludeNested {
		out[keyIncludeNested] = true
	}
	return out
}

// Match reports whether f satisfies the filter.
func (mf *MetaFilter) Match(f *schema.Field) bool {
	var results []bool
	if mf.Name != "" {
		results = append(results, util.ContainsFold(f.Name, mf.Name))
	}
	if mf.Type != "" {
		results = append(results,
			util.ContainsFold(f.Type, mf.Type) ||
				util.ContainsFold(f.DocumentType, mf.Type) ||
				util.ContainsFold(f.Subfield, mf.Type))
	}
	if mf.Description != "" {
		results = append(results, util.ContainsFold(f.Description, mf.Description))
	}
	if mf.Info != "" {
		results = append(results, walkInfo(f.Info, mf.Info, 1, mf.depth()))
	}
	for _, k := range util.SortedKeys(stringSet(mf.InfoKeys)) {
		v, ok := f.Info[k]
		results = append(results, ok && walkInfo(v, mf.InfoKeys[k], 1, mf.depth()))
	}
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r && mf.Any {
			return true
		}
		if !r && !mf.Any {
			return false
		}
	}
	return !mf.Any
}

func (mf *MetaFilter) depth() int {
	if mf.Depth <= 0 {
		return DefaultInfoDepth
	}
	return mf.Depth
}

// Paths returns the sorted paths of the fields of s matching the filter.
// Nested fields are only considered with IncludeNested.
func (mf *MetaFilter) Paths(s schema.Schema) []string {
	var out []string
	var walk func(prefix string, fields []*schema.Field)
	walk = func(prefix string, fields []*schema.Field) {
		for _, f := range fields {
			p := f.Name
			if prefix != "" {
				p = prefix + "." + f.Name
			}
			if mf.Match(f) {
				out = append(out, p)
			}
			if mf.IncludeNested {
				walk(p, f.Fields)
			}
		}
	}
	walk("", s)
	sort.Strings(out)
	return out
}

// walkInfo searches keys and scalar values of v for needle. Nested mappings
// and lists are only entered while level < depth.
func walkInfo(v interface{}, needle string, level, depth int) bool {
	switch t := v.(type) {
	case nil:
		return false
	case map[string]interface{}:
		for k, a := range t {
			if util.ContainsFold(k, needle) {
				return true
			}
			if isScalar(a) {
				if walkInfo(a, needle, level, depth) {
					return true
				}
			} else if level < depth && walkInfo(a, needle, level+1, depth) {
				return true
			}
		}
		return false
	case []interface{}:
		for _, a := range t {
			if isScalar(a) {
				if walkInfo(a, needle, level, depth) {
					return true
				}
			} else if level < depth && walkInfo(a, needle, level+1, depth) {
				return true
			}
		}
		return false
	default:
		return util.ContainsFold(fmt.Sprint(t), needle)
	}
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return false
	}
	return true
}

func stringSet(m map[string]string) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
