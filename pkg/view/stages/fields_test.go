package stages

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/schema"
	"github.com/datacurate/viewstage/pkg/view/schema/schematest"
)

func projected(doc bson.D) []string {
	var out []string
	for _, e := range doc {
		out = append(out, e.Key)
	}
	return out
}

func TestSelectFields(t *testing.T) {
	for name, tc := range map[string]struct {
		config   map[string]interface{}
		expected []string
	}{
		"defaults only": {
			config: map[string]interface{}{},
		},
		"named field": {
			config:   map[string]interface{}{"field_names": []interface{}{"ground_truth"}},
			expected: []string{"ground_truth"},
		},
		"single name": {
			config:   map[string]interface{}{"field_names": "uniqueness"},
			expected: []string{"uniqueness"},
		},
		"default field named again": {
			config: map[string]interface{}{"field_names": []interface{}{"filepath", "id"}},
		},
		"meta filter on description": {
			config:   map[string]interface{}{"meta_filter": map[string]interface{}{"description": "annotations"}},
			expected: []string{"ground_truth"},
		},
		"meta filter string": {
			config:   map[string]interface{}{"meta_filter": "annotators"},
			expected: []string{"ground_truth"},
		},
		"missing field allowed": {
			config:   map[string]interface{}{"field_names": []interface{}{"missing", "weather"}, "_allow_missing": true},
			expected: []string{"weather"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestCompiler(t)
			res, err := c.Compile(context.Background(), schematest.Image(t), chainOf(t, StageTypeSelectFields, tc.config))
			require.NoError(t, err)

			want := append(schema.DefaultSampleFields.Names(), tc.expected...)
			assert.ElementsMatch(t, want, res.View.Schema(false).Names())

			require.Len(t, res.Pipeline, 1)
			require.Equal(t, "$project", res.Pipeline[0][0].Key)
			assert.ElementsMatch(t, want, projected(res.Pipeline[0][0].Value.(bson.D)))
		})
	}
}

func TestSelectFields_Projection(t *testing.T) {
	c, _ := newTestCompiler(t)
	res, err := c.Compile(context.Background(), schematest.Image(t), chainOf(t,
		StageTypeSelectFields, map[string]interface{}{"field_names": []interface{}{"ground_truth", "ground_truth.detections"}},
	))
	require.NoError(t, err)

	expected := Pipeline{{{Key: "$project", Value: bson.D{
		{Key: "_dataset_id", Value: true},
		{Key: "_id", Value: true},
		{Key: "_media_type", Value: true},
		{Key: "_rand", Value: true},
		{Key: "created_at", Value: true},
		{Key: "filepath", Value: true},
		{Key: "ground_truth", Value: true},
		{Key: "last_modified_at", Value: true},
		{Key: "metadata", Value: true},
		{Key: "tags", Value: true},
	}}}}
	if diff := cmp.Diff(expected, res.Pipeline); diff != "" {
		t.Fatalf("unexpected pipeline (-want +got):\n%s", diff)
	}
}

func TestSelectFields_Frames(t *testing.T) {
	c, _ := newTestCompiler(t)
	res, err := c.Compile(context.Background(), schematest.Video(t), chainOf(t,
		StageTypeSelectFields, map[string]interface{}{"field_names": []interface{}{"frames.detections"}},
	))
	require.NoError(t, err)

	assert.ElementsMatch(t, append(schema.DefaultFrameFields.Names(), "detections"), res.View.Schema(true).Names())
	assert.False(t, res.View.Schema(false).Has("events"))

	require.Equal(t, []string{"$lookup", "$project", "$project"}, opsOf(res.Pipeline))
	keys := projected(res.Pipeline[1][0].Value.(bson.D))
	assert.Contains(t, keys, "frames.detections")
	assert.Contains(t, keys, "frames.frame_number")
	assert.NotContains(t, keys, "frames.quality")
}

func TestSelectFields_UnknownField(t *testing.T) {
	c, _ := newTestCompiler(t)
	err := c.Validate(context.Background(), schematest.Image(t), chainOf(t,
		StageTypeSelectFields, map[string]interface{}{"field_names": []interface{}{"missing"}},
	))
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestExcludeFields(t *testing.T) {
	c, _ := newTestCompiler(t)
	res, err := c.Compile(context.Background(), schematest.Image(t), chainOf(t,
		StageTypeExcludeFields, map[string]interface{}{"field_names": []interface{}{"uniqueness", "predictions"}},
	))
	require.NoError(t, err)

	expected := Pipeline{{{Key: "$project", Value: bson.D{
		{Key: "predictions", Value: false},
		{Key: "uniqueness", Value: false},
	}}}}
	if diff := cmp.Diff(expected, res.Pipeline); diff != "" {
		t.Fatalf("unexpected pipeline (-want +got):\n%s", diff)
	}
	assert.False(t, res.View.Schema(false).Has("uniqueness"))
	assert.True(t, res.View.Schema(false).Has("ground_truth"))

	// Later stages validate against the reduced schema.
	err = c.Validate(context.Background(), schematest.Image(t), chainOf(t,
		StageTypeExcludeFields, map[string]interface{}{"field_names": []interface{}{"uniqueness"}},
		StageTypeSortBy, map[string]interface{}{"field_or_expr": "uniqueness"},
	))
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestExcludeFields_Defaults(t *testing.T) {
	for name, tc := range map[string]struct {
		coll  func(testing.TB) *schema.Static
		field string
	}{
		"id":           {schematest.Image, "id"},
		"filepath":     {schematest.Image, "filepath"},
		"tags":         {schematest.Image, "tags"},
		"_rand":        {schematest.Image, "_rand"},
		"frames":       {schematest.Video, "frames"},
		"frame number": {schematest.Video, "frames.frame_number"},
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestCompiler(t)
			err := c.Validate(context.Background(), tc.coll(t), chainOf(t,
				StageTypeExcludeFields, map[string]interface{}{"field_names": []interface{}{tc.field}},
			))
			assert.ErrorIs(t, err, ErrDefaultField)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestExcludeFields_MetaFilterSkipsDefaults(t *testing.T) {
	c, _ := newTestCompiler(t)
	res, err := c.Compile(context.Background(), schematest.Image(t), chainOf(t,
		StageTypeExcludeFields, map[string]interface{}{"meta_filter": map[string]interface{}{"type": "ObjectId"}},
	))
	require.NoError(t, err)
	assert.Empty(t, res.Pipeline)
	assert.True(t, res.View.Schema(false).Has("_id"))
}

func TestExcludeFields_MalformedMetaFilter(t *testing.T) {
	c, _ := newTestCompiler(t)
	err := c.Validate(context.Background(), schematest.Image(t), chainOf(t,
		StageTypeExcludeFields, map[string]interface{}{"meta_filter": map[string]interface{}{"colour": "red"}},
	))
	assert.ErrorIs(t, err, ErrMalformedFilter)
}

func TestSetField(t *testing.T) {
	for name, tc := range map[string]struct {
		coll   func(testing.TB) *schema.Static
		config map[string]interface{}
		key    string
		err    error
	}{
		"top-level field": {
			coll:   schematest.Image,
			config: stageConfigs[StageTypeSetField],
			key:    "uniqueness",
		},
		"label attribute": {
			coll: schematest.Image,
			config: map[string]interface{}{
				"field": "ground_truth.detections.label",
				"expr":  map[string]interface{}{"$toUpper": "$$expr"},
			},
			key: "ground_truth.detections",
		},
		"frame field": {
			coll: schematest.Video,
			config: map[string]interface{}{
				"field": "frames.quality",
				"expr":  0.5,
			},
			key: "frames",
		},
		"missing field": {
			coll:   schematest.Image,
			config: map[string]interface{}{"field": "missing", "expr": 1},
			err:    ErrUnknownField,
		},
		"missing field allowed": {
			coll:   schematest.Image,
			config: map[string]interface{}{"field": "missing", "expr": 1, "_allow_missing": true},
			key:    "missing",
		},
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestCompiler(t)
			res, err := c.Compile(context.Background(), tc.coll(t), chainOf(t, StageTypeSetField, tc.config))
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			var set bson.M
			for _, s := range res.Pipeline {
				if s[0].Key == "$set" {
					set = s[0].Value.(bson.M)
				}
			}
			require.NotNil(t, set)
			assert.Contains(t, set, tc.key)
		})
	}
}
