package labelfilter

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// SetField returns the pipeline assigning value to path. value is rendered
// against the document holding the field: the sample or frame for
// top-level fields, the embedded document for nested ones, and each element
// for fields of list elements such as "predictions.detections.label".
// Paths that do not exist in the schema are created.
func SetField(c schema.Collection, path string, value expr.Filter) []bson.D {
	path = schema.DBPath(path)
	rel, isFrame := schema.HandleFrameField(c, path)
	parts := strings.Split(rel, ".")
	listIdx := listAncestor(c.Schema(isFrame), parts)

	if !isFrame {
		if listIdx < 0 {
			return []bson.D{set(bson.M{rel: value.ToMongo(parentRef("", parts))})}
		}
		listPath := strings.Join(parts[:listIdx+1], ".")
		rest := parts[listIdx+1:]
		return []bson.D{set(bson.M{listPath: bson.M{"$map": bson.M{
			"input": "$" + listPath,
			"as":    "this",
			"in":    assign(expr.VarThis, rest, value.ToMongo(parentRef(expr.VarThis, rest))),
		}}})}
	}

	if listIdx < 0 {
		return []bson.D{mapFrames(assign(varFrame, parts, value.ToMongo(parentRef(varFrame, parts))))}
	}
	listParts := parts[:listIdx+1]
	rest := parts[listIdx+1:]
	elements := bson.M{"$map": bson.M{
		"input": varFrame + "." + strings.Join(listParts, "."),
		"as":    "label",
		"in":    assign(varLabel, rest, value.ToMongo(parentRef(varLabel, rest))),
	}}
	return []bson.D{mapFrames(assign(varFrame, listParts, elements))}
}

// listAncestor returns the index of the first strict ancestor of parts that
// is a list, or -1.
func listAncestor(s schema.Schema, parts []string) int {
	for i := 0; i < len(parts)-1; i++ {
		f, ok := s.Get(strings.Join(parts[:i+1], "."))
		if !ok {
			return -1
		}
		if f.IsList() {
			return i
		}
	}
	return -1
}

func parentRef(prefix string, parts []string) string {
	parent := strings.Join(parts[:len(parts)-1], ".")
	if parent == "" {
		return prefix
	}
	return expr.Ref(prefix, parent)
}
