// Package labelfilter builds the pipelines that filter the contents of label
// fields. Sample-level and frame-level fields, holding either a single label
// or a list of labels, each need their own pipeline shape. Building a
// pipeline never touches the backing store.
package labelfilter

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

const (
	varFrame = "$$frame"
	varLabel = "$$label"
)

func set(doc bson.M) bson.D   { return bson.D{{Key: "$set", Value: doc}} }
func match(doc bson.M) bson.D { return bson.D{{Key: "$match", Value: doc}} }

func matchExpr(e interface{}) bson.D {
	return match(bson.M{"$expr": e})
}

func exists(ref interface{}) bson.M {
	return bson.M{"$gt": bson.A{ref, nil}}
}

func size(ref interface{}) bson.M {
	return bson.M{"$size": bson.M{"$ifNull": bson.A{ref, bson.A{}}}}
}

// assign returns the document referenced by ref with the dotted path parts
// set to value. Missing or null intermediate documents are left null.
func assign(ref string, parts []string, value interface{}) interface{} {
	child := ref + "." + parts[0]
	v := value
	if len(parts) > 1 {
		v = bson.M{"$cond": bson.A{exists(child), assign(child, parts[1:], value), nil}}
	}
	return bson.M{"$mergeObjects": bson.A{ref, bson.M{parts[0]: v}}}
}

func mapFrames(in interface{}) bson.D {
	return set(bson.M{schema.FramesField: bson.M{"$map": bson.M{
		"input": "$" + schema.FramesField,
		"as":    "frame",
		"in":    in,
	}}})
}

// countFrames sums perFrame over all frames. perFrame refers to the frame as
// $$this.
func countFrames(perFrame interface{}) bson.M {
	return bson.M{"$reduce": bson.M{
		"input":        bson.M{"$ifNull": bson.A{"$" + schema.FramesField, bson.A{}}},
		"initialValue": 0,
		"in":           bson.M{"$add": bson.A{expr.VarValue, perFrame}},
	}}
}

func scalarCond(ref string, cond expr.Filter) bson.M {
	return bson.M{"$cond": bson.M{
		"if":   cond.ToMongo(ref),
		"then": ref,
		"else": nil,
	}}
}

func listFilter(input interface{}, cond expr.Filter) bson.M {
	return bson.M{"$filter": bson.M{
		"input": input,
		"as":    "this",
		"cond":  cond.ToMongo(expr.VarThis),
	}}
}

// FilterField filters a sample-level field holding a single label. The field
// is nulled out when cond does not hold.
func FilterField(path, newPath string, cond expr.Filter, onlyMatches bool) []bson.D {
	if newPath == "" {
		newPath = path
	}
	pipeline := []bson.D{set(bson.M{newPath: scalarCond("$"+path, cond)})}
	if onlyMatches {
		pipeline = append(pipeline, match(bson.M{newPath: bson.M{"$exists": true, "$ne": nil}}))
	}
	return pipeline
}

// FilterList filters the elements of a sample-level list.
func FilterList(listPath, newListPath string, cond expr.Filter, onlyMatches bool) []bson.D {
	if newListPath == "" {
		newListPath = listPath
	}
	pipeline := []bson.D{set(bson.M{newListPath: listFilter("$"+listPath, cond)})}
	if onlyMatches {
		pipeline = append(pipeline, matchExpr(bson.M{"$gt": bson.A{size("$" + newListPath), 0}}))
	}
	return pipeline
}

// FilterFramesField filters a frame-level field holding a single label.
// Paths are relative to the frame.
func FilterFramesField(path, newPath string, cond expr.Filter, onlyMatches bool) []bson.D {
	if newPath == "" {
		newPath = path
	}
	ref := varFrame + "." + path
	pipeline := []bson.D{mapFrames(assign(varFrame, strings.Split(newPath, "."), scalarCond(ref, cond)))}
	if onlyMatches {
		perFrame := bson.M{"$cond": bson.A{exists(expr.Ref(expr.VarThis, newPath)), 1, 0}}
		pipeline = append(pipeline, matchExpr(bson.M{"$gt": bson.A{countFrames(perFrame), 0}}))
	}
	return pipeline
}

// FilterFramesList filters the elements of a frame-level list. Paths are
// relative to the frame.
func FilterFramesList(listPath, newListPath string, cond expr.Filter, onlyMatches bool) []bson.D {
	if newListPath == "" {
		newListPath = listPath
	}
	filtered := listFilter(varFrame+"."+listPath, cond)
	pipeline := []bson.D{mapFrames(assign(varFrame, strings.Split(newListPath, "."), filtered))}
	if onlyMatches {
		perFrame := size(expr.Ref(expr.VarThis, newListPath))
		pipeline = append(pipeline, matchExpr(bson.M{"$gt": bson.A{countFrames(perFrame), 0}}))
	}
	return pipeline
}

// Filter dispatches to the builder matching the shape of the resolved label
// field. newPath is the label field to write, defaulting to the input field.
func Filter(lp schema.LabelPath, newPath string, cond expr.Filter, onlyMatches bool) []bson.D {
	if newPath == "" {
		newPath = lp.Path
	}
	newList := newPath
	if lp.IsList() {
		newList = newPath + "." + lp.ListField
	}
	switch {
	case lp.IsFrame && lp.IsList():
		return FilterFramesList(lp.ListPath(), newList, cond, onlyMatches)
	case lp.IsFrame:
		return FilterFramesField(lp.Path, newPath, cond, onlyMatches)
	case lp.IsList():
		return FilterList(lp.ListPath(), newList, cond, onlyMatches)
	default:
		return FilterField(lp.Path, newPath, cond, onlyMatches)
	}
}

// HasLabels returns an aggregation expression that holds when the label
// field still contains at least one label.
func HasLabels(lp schema.LabelPath) interface{} {
	switch {
	case lp.IsFrame && lp.IsList():
		return bson.M{"$gt": bson.A{countFrames(size(expr.Ref(expr.VarThis, lp.ListPath()))), 0}}
	case lp.IsFrame:
		perFrame := bson.M{"$cond": bson.A{exists(expr.Ref(expr.VarThis, lp.Path)), 1, 0}}
		return bson.M{"$gt": bson.A{countFrames(perFrame), 0}}
	case lp.IsList():
		return bson.M{"$gt": bson.A{size("$" + lp.ListPath()), 0}}
	default:
		return exists("$" + lp.Path)
	}
}

// CountLabels returns an aggregation expression counting the labels in the
// field.
func CountLabels(lp schema.LabelPath) interface{} {
	switch {
	case lp.IsFrame && lp.IsList():
		return countFrames(size(expr.Ref(expr.VarThis, lp.ListPath())))
	case lp.IsFrame:
		return countFrames(bson.M{"$cond": bson.A{exists(expr.Ref(expr.VarThis, lp.Path)), 1, 0}})
	case lp.IsList():
		return size("$" + lp.ListPath())
	default:
		return bson.M{"$cond": bson.A{exists("$" + lp.Path), 1, 0}}
	}
}
