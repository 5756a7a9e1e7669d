package stages

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/datacurate/viewstage/pkg/view/schema"
	"github.com/datacurate/viewstage/pkg/view/schema/schematest"
)

func TestGroupBy(t *testing.T) {
	c, _ := newTestCompiler(t)
	coll := schematest.Image(t)

	res, err := c.Compile(context.Background(), coll, chainOf(t, StageTypeGroupBy, stageConfigs[StageTypeGroupBy]))
	require.NoError(t, err)

	expected := Pipeline{
		{{Key: "$set", Value: bson.M{"_group_key": bson.M{"$ifNull": bson.A{"$label_key", nil}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "_group_key", Value: 1}, {Key: "confidence", Value: -1}}}},
		{{Key: "$group", Value: bson.M{"_id": "$_group_key", "doc": bson.M{"$first": "$$ROOT"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$doc"}}},
		{{Key: "$unset", Value: "_group_key"}},
	}
	if diff := cmp.Diff(expected, res.Pipeline); diff != "" {
		t.Fatalf("unexpected pipeline (-want +got):\n%s", diff)
	}
	assert.True(t, res.View.IsDynamicGroups())
	assert.ElementsMatch(t, []string{"label_key", "confidence"}, coll.Indexes())

	_, err = c.Apply(res.View, []Stage{newStage(t, StageTypeGroupBy, map[string]interface{}{"field_or_expr": "uniqueness"})})
	assert.ErrorIs(t, err, ErrGroupState)
}

func TestGroupBy_Flat(t *testing.T) {
	c, _ := newTestCompiler(t)
	res, err := c.Compile(context.Background(), schematest.Image(t), chainOf(t, StageTypeGroupBy, map[string]interface{}{
		"field_or_expr": "label_key",
		"flat":          true,
		"match_expr":    map[string]interface{}{"$gt": []interface{}{map[string]interface{}{"$size": "$$expr"}, 1}},
		"sort_expr":     map[string]interface{}{"$size": "$$expr"},
		"reverse":       true,
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"$set", "$group", "$match", "$set", "$sort", "$unwind", "$replaceRoot", "$unset",
	}, opsOf(res.Pipeline))
	assert.Equal(t, bson.M{"$expr": bson.M{"$gt": bson.A{bson.M{"$size": "$docs"}, 1}}}, res.Pipeline[2][0].Value)
	assert.Equal(t, bson.D{{Key: "_group_sort", Value: -1}, {Key: "_id", Value: 1}}, res.Pipeline[4][0].Value)
	assert.False(t, res.View.IsDynamicGroups())
}

func TestGroupBy_Invalid(t *testing.T) {
	_, err := New(StageTypeGroupBy, map[string]interface{}{
		"field_or_expr": "label_key",
		"match_expr":    map[string]interface{}{"$gt": []interface{}{map[string]interface{}{"$size": "$$expr"}, 1}},
	})
	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)

	for name, tc := range map[string]struct {
		coll   func(testing.TB) *schema.Static
		config map[string]interface{}
		err    error
	}{
		"unknown field":  {schematest.Image, map[string]interface{}{"field_or_expr": "missing"}, ErrUnknownField},
		"unknown order":  {schematest.Image, map[string]interface{}{"field_or_expr": "label_key", "order_by": "missing"}, ErrUnknownField},
		"frame-level":    {schematest.Video, map[string]interface{}{"field_or_expr": "frames.quality"}, ErrFieldType},
		"frame ordering": {schematest.Video, map[string]interface{}{"field_or_expr": "filepath", "order_by": "frames.quality"}, ErrFieldType},
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestCompiler(t)
			err := c.Validate(context.Background(), tc.coll(t), chainOf(t, StageTypeGroupBy, tc.config))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestFlatten(t *testing.T) {
	c, _ := newTestCompiler(t)
	coll := schematest.Image(t)
	res, err := c.Compile(context.Background(), coll, chainOf(t,
		StageTypeMatch, map[string]interface{}{"filter": map[string]interface{}{"tags": "validated"}},
		StageTypeGroupBy, stageConfigs[StageTypeGroupBy],
		StageTypeFlatten, stageConfigs[StageTypeFlatten],
	))
	require.NoError(t, err)
	assert.False(t, res.View.IsDynamicGroups())

	n := len(res.Pipeline)
	require.Equal(t, []string{"$lookup", "$unwind", "$replaceRoot"}, opsOf(res.Pipeline[n-3:]))

	lookup := res.Pipeline[n-3][0].Value.(bson.M)
	assert.Equal(t, coll.SampleCollectionName(), lookup["from"])
	assert.Equal(t, bson.M{"group_key": bson.M{"$ifNull": bson.A{"$label_key", nil}}}, lookup["let"])
	expected := bson.A{
		bson.D{{Key: "$match", Value: bson.M{"tags": "validated"}}},
		bson.D{{Key: "$match", Value: bson.M{"$expr": bson.M{"$eq": bson.A{
			bson.M{"$ifNull": bson.A{"$label_key", nil}},
			"$$group_key",
		}}}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "confidence", Value: -1}}}},
		bson.D{{Key: "$limit", Value: 1}},
	}
	if diff := cmp.Diff(expected, lookup["pipeline"]); diff != "" {
		t.Fatalf("unexpected group pipeline (-want +got):\n%s", diff)
	}
	assert.Equal(t, "$_flat", res.Pipeline[n-2][0].Value)
}

func TestFlatten_KeepsInnerSchema(t *testing.T) {
	c, _ := newTestCompiler(t)
	res, err := c.Compile(context.Background(), schematest.Image(t), chainOf(t,
		StageTypeGroupBy, map[string]interface{}{"field_or_expr": "label_key"},
		StageTypeFlatten, map[string]interface{}{"stages": []interface{}{
			map[string]interface{}{
				KeyClass:  StageTypeExcludeFields,
				KeyKwargs: []interface{}{[]interface{}{"field_names", []interface{}{"uniqueness"}}},
			},
		}},
	))
	require.NoError(t, err)
	assert.False(t, res.View.Schema(false).Has("uniqueness"))
}

func TestFlatten_Invalid(t *testing.T) {
	c, _ := newTestCompiler(t)
	err := c.Validate(context.Background(), schematest.Image(t), chainOf(t, StageTypeFlatten, stageConfigs[StageTypeFlatten]))
	assert.ErrorIs(t, err, ErrGroupState)

	err = c.Validate(context.Background(), schematest.Image(t), chainOf(t,
		StageTypeGroupBy, map[string]interface{}{"field_or_expr": "label_key"},
		StageTypeFlatten, map[string]interface{}{"stages": []interface{}{
			map[string]interface{}{
				KeyClass:  StageTypeGroupBy,
				KeyKwargs: []interface{}{[]interface{}{"field_or_expr", "uniqueness"}},
			},
		}},
	))
	assert.ErrorIs(t, err, ErrGroupState)

	_, err = New(StageTypeFlatten, map[string]interface{}{"stages": []interface{}{
		map[string]interface{}{
			KeyClass:  StageTypeToPatches,
			KeyKwargs: []interface{}{[]interface{}{"field", "ground_truth"}},
		},
	}})
	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestSelectGroups(t *testing.T) {
	gid, err := primitive.ObjectIDFromHex(groupID)
	require.NoError(t, err)

	res := compileOne(t, schematest.Group(t), StageTypeSelectGroups, stageConfigs[StageTypeSelectGroups])
	require.Equal(t, []string{"$match", "$match", "$set", "$sort", "$unset"}, opsOf(res.Pipeline))
	assert.Equal(t, bson.M{"group.name": "left"}, res.Pipeline[0][0].Value)
	assert.Equal(t, bson.M{"group._id": bson.M{"$in": []interface{}{gid}}}, res.Pipeline[1][0].Value)

	res = compileOne(t, schematest.Group(t), StageTypeExcludeGroups, stageConfigs[StageTypeExcludeGroups])
	assert.Equal(t, bson.M{"group._id": bson.M{"$not": bson.M{"$in": []interface{}{gid}}}}, res.Pipeline[1][0].Value)

	c, _ := newTestCompiler(t)
	err = c.Validate(context.Background(), schematest.Image(t), chainOf(t, StageTypeSelectGroups, stageConfigs[StageTypeSelectGroups]))
	assert.ErrorIs(t, err, ErrMediaType)
}

func TestSelectGroupSlices(t *testing.T) {
	res := compileOne(t, schematest.Group(t), StageTypeSelectGroupSlices, stageConfigs[StageTypeSelectGroupSlices])
	require.Equal(t, []string{"$match", "$project", "$lookup", "$unwind", "$replaceRoot"}, opsOf(res.Pipeline))
	assert.Equal(t, schema.MediaImage, res.View.MediaType())

	lookup := res.Pipeline[2][0].Value.(bson.M)
	cond := lookup["pipeline"].(bson.A)[0].(bson.D)[0].Value.(bson.M)["$expr"].(bson.M)["$and"].(bson.A)
	assert.Equal(t, bson.M{"$in": bson.A{"$group.name", []string{"left", "right"}}}, cond[1])
}

func TestSelectGroupSlices_Grouped(t *testing.T) {
	c, _ := newTestCompiler(t)
	res, err := c.Compile(context.Background(), schematest.Group(t), chainOf(t,
		StageTypeSelectGroupSlices, map[string]interface{}{"slices": []interface{}{"ego", "right"}, "flat": false},
	))
	require.NoError(t, err)

	assert.Equal(t, schema.MediaGroup, res.View.MediaType())
	assert.Equal(t, map[string]string{"ego": schema.MediaVideo, "right": schema.MediaImage}, res.View.GroupMediaTypes())
	assert.Equal(t, "ego", res.View.DefaultGroupSlice())
	assert.Equal(t, Pipeline{{{Key: "$match", Value: bson.M{"group.name": "ego"}}}}, res.Pipeline)
}

func TestSelectGroupSlices_Invalid(t *testing.T) {
	for name, tc := range map[string]struct {
		config map[string]interface{}
		err    error
	}{
		"unknown slice": {map[string]interface{}{"slices": "top"}, ErrUnknownField},
		"mixed media":   {map[string]interface{}{"slices": []interface{}{"left", "ego"}}, ErrMediaType},
		"no such media": {map[string]interface{}{"media_type": "point_cloud"}, ErrGroupState},
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestCompiler(t)
			err := c.Validate(context.Background(), schematest.Group(t), chainOf(t, StageTypeSelectGroupSlices, tc.config))
			assert.ErrorIs(t, err, tc.err)
		})
	}

	res := compileOne(t, schematest.Group(t), StageTypeSelectGroupSlices, map[string]interface{}{
		"slices": []interface{}{"left", "ego"}, "_allow_mixed": true,
	})
	assert.Equal(t, schema.MediaMixed, res.View.MediaType())
}

func TestExcludeGroupSlices(t *testing.T) {
	res := compileOne(t, schematest.Group(t), StageTypeExcludeGroupSlices, map[string]interface{}{"media_type": "video"})
	assert.Equal(t, map[string]string{"left": schema.MediaImage, "right": schema.MediaImage}, res.View.GroupMediaTypes())
	assert.Equal(t, "left", res.View.DefaultGroupSlice())

	res = compileOne(t, schematest.Group(t), StageTypeExcludeGroupSlices, map[string]interface{}{"slices": "left"})
	assert.Equal(t, "ego", res.View.DefaultGroupSlice())
	assert.Equal(t, Pipeline{{{Key: "$match", Value: bson.M{"group.name": "ego"}}}}, res.Pipeline)

	c, _ := newTestCompiler(t)
	err := c.Validate(context.Background(), schematest.Group(t), chainOf(t,
		StageTypeExcludeGroupSlices, map[string]interface{}{"slices": []interface{}{"left", "right", "ego"}},
	))
	assert.ErrorIs(t, err, ErrGroupState)
}
