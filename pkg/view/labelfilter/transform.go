package labelfilter

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// TransformLabels replaces every label of the field with in(ref), where ref
// references the label being replaced. Missing labels stay missing.
func TransformLabels(lp schema.LabelPath, in func(ref string) interface{}) []bson.D {
	switch {
	case lp.IsFrame && lp.IsList():
		list := bson.M{"$map": bson.M{
			"input": varFrame + "." + lp.ListPath(),
			"as":    "label",
			"in":    in(varLabel),
		}}
		return []bson.D{mapFrames(assign(varFrame, strings.Split(lp.ListPath(), "."), list))}
	case lp.IsFrame:
		ref := varFrame + "." + lp.Path
		value := bson.M{"$cond": bson.A{exists(ref), in(ref), nil}}
		return []bson.D{mapFrames(assign(varFrame, strings.Split(lp.Path, "."), value))}
	case lp.IsList():
		return []bson.D{set(bson.M{lp.ListPath(): bson.M{"$map": bson.M{
			"input": "$" + lp.ListPath(),
			"as":    "label",
			"in":    in(varLabel),
		}}})}
	default:
		ref := "$" + lp.Path
		return []bson.D{set(bson.M{lp.Path: bson.M{"$cond": bson.A{exists(ref), in(ref), nil}}})}
	}
}

// TransformList replaces the label list of a list field with in(ref), where
// ref references the list.
func TransformList(lp schema.LabelPath, in func(ref string) interface{}) []bson.D {
	if lp.IsFrame {
		ref := varFrame + "." + lp.ListPath()
		return []bson.D{mapFrames(assign(varFrame, strings.Split(lp.ListPath(), "."), in(ref)))}
	}
	return []bson.D{set(bson.M{lp.ListPath(): in("$" + lp.ListPath())})}
}

// CountMatches returns an aggregation expression counting the labels of the
// field for which cond holds. A nil cond counts every label.
func CountMatches(lp schema.LabelPath, cond expr.Filter) interface{} {
	if cond == nil {
		return CountLabels(lp)
	}
	matches := func(input interface{}) interface{} {
		return size(listFilter(input, cond))
	}
	single := func(ref string) interface{} {
		return bson.M{"$cond": bson.A{
			bson.M{"$and": bson.A{exists(ref), cond.ToMongo(ref)}}, 1, 0,
		}}
	}
	switch {
	case lp.IsFrame && lp.IsList():
		return countFrames(matches(expr.Ref(expr.VarThis, lp.ListPath())))
	case lp.IsFrame:
		return countFrames(single(expr.Ref(expr.VarThis, lp.Path)))
	case lp.IsList():
		return matches(bson.M{"$ifNull": bson.A{"$" + lp.ListPath(), bson.A{}}})
	default:
		return single("$" + lp.Path)
	}
}
