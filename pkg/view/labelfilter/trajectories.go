package labelfilter

import (
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// IndexField is the label attribute identifying an object across frames.
const IndexField = "index"

// ErrTrajectoriesUnsupported is returned for fields that cannot carry
// trajectories.
var ErrTrajectoriesUnsupported = errors.New("trajectory filtering requires a frame-level Detections, Polylines or Keypoints field")

var trajectoryTypes = map[string]struct{}{
	schema.Detections: {},
	schema.Polylines:  {},
	schema.Keypoints:  {},
}

// SupportsTrajectories reports whether lp can be filtered by trajectory.
func SupportsTrajectories(lp schema.LabelPath) bool {
	_, ok := trajectoryTypes[lp.DocType]
	return ok && lp.IsFrame
}

// ScratchField returns the temporary sample field holding the matching
// trajectory indexes of lp.
func ScratchField(lp schema.LabelPath) string {
	return "_" + strings.ReplaceAll(lp.Path, ".", "_") + "_trajectories"
}

// Trajectories rewrites cond so that whole trajectories are kept: a label
// matches when its object index is the index of a label matching cond in
// any frame of the sample. pre computes the matching indexes into a scratch
// field which post removes. Labels without an index never match.
func Trajectories(lp schema.LabelPath, cond expr.Filter) (expr.Filter, []bson.D, []bson.D, error) {
	if !SupportsTrajectories(lp) {
		return nil, nil, nil, errors.Wrapf(ErrTrajectoriesUnsupported, "%q has type %s", lp.FullPath(), lp.DocType)
	}
	scratch := ScratchField(lp)
	index := varLabel + "." + IndexField

	matching := bson.M{"$map": bson.M{
		"input": bson.M{"$filter": bson.M{
			"input": bson.M{"$ifNull": bson.A{expr.VarThis + "." + lp.ListPath(), bson.A{}}},
			"as":    "label",
			"cond":  bson.M{"$and": bson.A{exists(index), cond.ToMongo(varLabel)}},
		}},
		"as": "label",
		"in": index,
	}}
	pre := []bson.D{set(bson.M{scratch: bson.M{"$reduce": bson.M{
		"input":        bson.M{"$ifNull": bson.A{"$" + schema.FramesField, bson.A{}}},
		"initialValue": bson.A{},
		"in":           bson.M{"$setUnion": bson.A{expr.VarValue, matching}},
	}}})}

	idx := expr.F(IndexField)
	rewritten := expr.And(
		idx.Exists(),
		idx.IsIn(expr.Op("$ifNull", []interface{}{expr.F("$" + scratch), bson.A{}})),
	)
	post := []bson.D{{{Key: "$unset", Value: scratch}}}
	return rewritten, pre, post, nil
}
