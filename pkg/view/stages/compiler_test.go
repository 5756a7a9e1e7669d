package stages

import (
	"context"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/schema"
	"github.com/datacurate/viewstage/pkg/view/schema/schematest"
)

func chainOf(t testing.TB, specs ...interface{}) *Chain {
	t.Helper()
	var stages []Stage
	for i := 0; i < len(specs); i += 2 {
		config, _ := specs[i+1].(map[string]interface{})
		stages = append(stages, newStage(t, specs[i].(string), config))
	}
	return NewChain(stages...)
}

func TestCompile_Pipeline(t *testing.T) {
	c, _ := newTestCompiler(t)
	coll := schematest.Image(t)
	chain := chainOf(t,
		StageTypeMatch, map[string]interface{}{"filter": map[string]interface{}{"label_key": "a"}},
		StageTypeSortBy, map[string]interface{}{"field_or_expr": "uniqueness", "reverse": true},
		StageTypeSkip, map[string]interface{}{"skip": 1},
		StageTypeLimit, map[string]interface{}{"limit": 2},
	)

	res, err := c.Compile(context.Background(), coll, chain)
	require.NoError(t, err)

	expected := Pipeline{
		{{Key: "$match", Value: bson.M{"label_key": "a"}}},
		{{Key: "$sort", Value: bson.D{{Key: "uniqueness", Value: -1}}}},
		{{Key: "$skip", Value: 1}},
		{{Key: "$limit", Value: 2}},
	}
	if diff := cmp.Diff(expected, res.Pipeline); diff != "" {
		t.Fatalf("unexpected pipeline (-want +got):\n%s", diff)
	}
	assert.Same(t, coll, res.Collection)
	assert.Contains(t, coll.Indexes(), "uniqueness")
	assert.Len(t, res.View.Stages(), 4)
}

func TestCompile_Limits(t *testing.T) {
	for name, tc := range map[string]struct {
		stage    string
		config   map[string]interface{}
		expected Pipeline
	}{
		"limit zero": {StageTypeLimit, map[string]interface{}{"limit": 0}, matchNothing()},
		"skip zero":  {StageTypeSkip, map[string]interface{}{"skip": 0}, Pipeline{}},
		"take zero":  {StageTypeTake, map[string]interface{}{"size": 0}, matchNothing()},
		"match all tags": {StageTypeMatchTags, map[string]interface{}{"tags": "a", "all": true}, Pipeline{
			{{Key: "$match", Value: bson.M{"tags": bson.M{"$all": []interface{}{"a"}}}}},
		}},
		"match no tags": {StageTypeMatchTags, map[string]interface{}{"tags": []interface{}{"a", "b"}, "bool": false}, Pipeline{
			{{Key: "$match", Value: bson.M{"tags": bson.M{"$nin": []interface{}{"a", "b"}}}}},
		}},
		"exists": {StageTypeExists, map[string]interface{}{"field": "uniqueness"}, Pipeline{
			{{Key: "$match", Value: bson.M{"uniqueness": bson.M{"$exists": true, "$ne": nil}}}},
		}},
		"not exists": {StageTypeExists, map[string]interface{}{"field": "uniqueness", "bool": false}, Pipeline{
			{{Key: "$match", Value: bson.M{"uniqueness": nil}}},
		}},
	} {
		t.Run(name, func(t *testing.T) {
			v := NewView(context.Background(), schematest.Image(t))
			s := newStage(t, tc.stage, tc.config)
			p, err := s.ToMongo(v, nil)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.expected, p); diff != "" {
				t.Fatalf("unexpected pipeline (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompile_Idempotent(t *testing.T) {
	for name, tc := range map[string]struct {
		coll  func(testing.TB) *schema.Static
		chain []interface{}
	}{
		"basic": {schematest.Image, []interface{}{
			StageTypeTake, map[string]interface{}{"size": 3, "seed": 1},
			StageTypeSelectFields, map[string]interface{}{"field_names": []interface{}{"ground_truth"}},
		}},
		"labels": {schematest.Image, []interface{}{
			StageTypeFilterLabels, stageConfigs[StageTypeFilterLabels],
			StageTypeMatchLabels, stageConfigs[StageTypeMatchLabels],
			StageTypeSelectLabels, stageConfigs[StageTypeSelectLabels],
			StageTypeLimitLabels, stageConfigs[StageTypeLimitLabels],
			StageTypeMapLabels, stageConfigs[StageTypeMapLabels],
		}},
		"grouping": {schematest.Image, []interface{}{
			StageTypeGroupBy, stageConfigs[StageTypeGroupBy],
			StageTypeFlatten, stageConfigs[StageTypeFlatten],
		}},
		"frames": {schematest.Video, []interface{}{
			StageTypeMatchFrames, stageConfigs[StageTypeMatchFrames],
			StageTypeFilterLabels, map[string]interface{}{
				"field":        "frames.detections",
				"filter":       map[string]interface{}{"$gt": []interface{}{"$$expr.confidence", 0.9}},
				"trajectories": true,
			},
			StageTypeExcludeFields, map[string]interface{}{"field_names": []interface{}{"frames.quality"}},
		}},
		"groups": {schematest.Group, []interface{}{
			StageTypeSelectGroupSlices, map[string]interface{}{"slices": []interface{}{"left", "right"}},
		}},
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestCompiler(t)
			coll := tc.coll(t)
			chain := chainOf(t, tc.chain...)

			first, err := c.Compile(context.Background(), coll, chain)
			require.NoError(t, err)
			second, err := c.Compile(context.Background(), coll, chain)
			require.NoError(t, err)
			if diff := cmp.Diff(first.Pipeline, second.Pipeline); diff != "" {
				t.Fatalf("pipelines differ (-first +second):\n%s", diff)
			}

			// Compiling stage by stage with the validation cache yields the
			// same pipeline as compiling with none.
			v := c.NewView(context.Background(), coll)
			for _, s := range chain.Stages() {
				if !v.FramesAttached() && v.MediaType() == schema.MediaVideo && s.NeedsFrames(v) {
					v = v.attachFrames()
				}
				cache, err := s.Validate(v)
				require.NoError(t, err)
				withCache, err := s.ToMongo(v, cache)
				require.NoError(t, err)
				without, err := s.ToMongo(v, nil)
				require.NoError(t, err)
				if diff := cmp.Diff(withCache, without); diff != "" {
					t.Fatalf("%s: cached and uncached pipelines differ:\n%s", s.Name(), diff)
				}
				v = v.Apply(s, withCache, cache)
			}
		})
	}
}

func TestCompile_AbortsOnInvalidStage(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCompiler(DefaultOptions(), nil, log.NewNopLogger(), reg)
	require.NoError(t, err)
	chain := chainOf(t,
		StageTypeLimit, map[string]interface{}{"limit": 5},
		StageTypeExcludeFields, map[string]interface{}{"field_names": []interface{}{"filepath"}},
	)

	res, err := c.Compile(context.Background(), schematest.Image(t), chain)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrDefaultField)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, StageTypeExcludeFields, ve.Stage)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.failures.WithLabelValues(StageTypeExcludeFields)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.compiled.WithLabelValues(StageTypeLimit)))
}

func TestNewCompiler_NilLogger(t *testing.T) {
	c, err := NewCompiler(DefaultOptions(), nil, nil, nil)
	require.NoError(t, err)
	chain := chainOf(t,
		StageTypeExcludeFields, map[string]interface{}{"field_names": []interface{}{"filepath"}},
	)

	var res *Result
	require.NotPanics(t, func() {
		res, err = c.Compile(context.Background(), schematest.Image(t), chain)
	})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrDefaultField)
}

func TestCompile_Validate(t *testing.T) {
	c, _ := newTestCompiler(t)
	for name, tc := range map[string]struct {
		coll  func(testing.TB) *schema.Static
		chain []interface{}
		err   error
	}{
		"unknown field": {schematest.Image, []interface{}{
			StageTypeSortBy, map[string]interface{}{"field_or_expr": "nope"},
		}, ErrUnknownField},
		"not a label field": {schematest.Image, []interface{}{
			StageTypeFilterLabels, map[string]interface{}{"field": "uniqueness", "filter": true},
		}, ErrFieldType},
		"frames of images": {schematest.Image, []interface{}{
			StageTypeMatchFrames, stageConfigs[StageTypeMatchFrames],
		}, ErrMediaType},
		"grouped twice": {schematest.Image, []interface{}{
			StageTypeGroupBy, stageConfigs[StageTypeGroupBy],
			StageTypeGroupBy, stageConfigs[StageTypeGroupBy],
		}, ErrGroupState},
		"flatten ungrouped": {schematest.Image, []interface{}{
			StageTypeFlatten, nil,
		}, ErrGroupState},
		"geo near not first": {schematest.Image, []interface{}{
			StageTypeLimit, map[string]interface{}{"limit": 1},
			StageTypeGeoNear, stageConfigs[StageTypeGeoNear],
		}, ErrStagePosition},
		"trajectories of sample field": {schematest.Image, []interface{}{
			StageTypeFilterLabels, map[string]interface{}{"field": "ground_truth", "filter": true, "trajectories": true},
		}, ErrFieldType},
		"groups of images": {schematest.Image, []interface{}{
			StageTypeSelectGroups, stageConfigs[StageTypeSelectGroups],
		}, ErrMediaType},
		"unknown slice": {schematest.Group, []interface{}{
			StageTypeSelectGroupSlices, map[string]interface{}{"slices": "top"},
		}, ErrUnknownField},
		"mixed media": {schematest.Group, []interface{}{
			StageTypeSelectGroupSlices, nil,
		}, ErrMediaType},
		"no similarity index": {schematest.Image, []interface{}{
			StageTypeSortBySimilarity, map[string]interface{}{"query": sampleID},
		}, ErrUnknownField},
		"patches of video": {schematest.Video, []interface{}{
			StageTypeToPatches, map[string]interface{}{"field": "frames.detections"},
		}, ErrMediaType},
		"patches of classification": {schematest.Image, []interface{}{
			StageTypeToPatches, map[string]interface{}{"field": "weather"},
		}, ErrFieldType},
		"unknown evaluation": {schematest.Image, []interface{}{
			StageTypeToEvaluationPatches, map[string]interface{}{"eval_key": "nope"},
		}, ErrUnknownField},
	} {
		t.Run(name, func(t *testing.T) {
			err := c.Validate(context.Background(), tc.coll(t), chainOf(t, tc.chain...))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.err)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestCompile_Frames(t *testing.T) {
	matchFrames := []interface{}{StageTypeMatchFrames, stageConfigs[StageTypeMatchFrames]}
	limit := []interface{}{StageTypeLimit, map[string]interface{}{"limit": 1}}

	for name, tc := range map[string]struct {
		chain    []interface{}
		attach   bool
		expected []string
	}{
		"sample stages never attach": {
			chain:    limit,
			expected: []string{"$limit"},
		},
		"attached at the end on request": {
			chain:    limit,
			attach:   true,
			expected: []string{"$limit", "$lookup"},
		},
		"attached before the first frame stage": {
			chain:    append(append([]interface{}{}, limit...), matchFrames...),
			expected: []string{"$limit", "$lookup", "$set", "$match", "$project"},
		},
		"kept when requested": {
			chain:    append(append([]interface{}{}, matchFrames...), limit...),
			attach:   true,
			expected: []string{"$lookup", "$set", "$match", "$limit"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.AttachFrames = tc.attach
			c, err := NewCompiler(opts, nil, log.NewNopLogger(), nil)
			require.NoError(t, err)
			coll := schematest.Video(t)

			res, err := c.Compile(context.Background(), coll, chainOf(t, tc.chain...))
			require.NoError(t, err)
			var ops []string
			for _, s := range res.Pipeline {
				ops = append(ops, s[0].Key)
			}
			assert.Equal(t, tc.expected, ops)

			for _, s := range res.Pipeline {
				if s[0].Key == "$lookup" {
					lookup := s[0].Value.(bson.M)
					assert.Equal(t, coll.FrameCollectionName(), lookup["from"])
					assert.Equal(t, schema.FramesField, lookup["as"])
				}
				if s[0].Key == "$project" {
					assert.Equal(t, bson.M{schema.FramesField: false}, s[0].Value)
				}
			}
		})
	}
}

func TestCompile_GroupSliceMatch(t *testing.T) {
	c, _ := newTestCompiler(t)
	coll := schematest.Group(t)

	res, err := c.Compile(context.Background(), coll, chainOf(t, StageTypeLimit, map[string]interface{}{"limit": 1}))
	require.NoError(t, err)
	expected := Pipeline{
		{{Key: "$match", Value: bson.M{"group.name": "left"}}},
		{{Key: "$limit", Value: 1}},
	}
	if diff := cmp.Diff(expected, res.Pipeline); diff != "" {
		t.Fatalf("unexpected pipeline (-want +got):\n%s", diff)
	}
}

func TestCompile_GroupFrames(t *testing.T) {
	egoDefault := func(t testing.TB) *schema.Static {
		return schematest.Load(t, strings.Replace(schematest.GroupYAML, "default_group_slice: left", "default_group_slice: ego", 1))
	}
	matchFrames := []interface{}{StageTypeMatchFrames, stageConfigs[StageTypeMatchFrames]}

	for name, tc := range map[string]struct {
		coll  func(testing.TB) *schema.Static
		chain []interface{}
		ops   []string
		err   error
	}{
		"video default slice": {
			coll:  egoDefault,
			chain: matchFrames,
			ops:   []string{"$match", "$lookup", "$set", "$match", "$project"},
		},
		"video slice selected": {
			coll: schematest.Group,
			chain: append([]interface{}{
				StageTypeSelectGroupSlices, map[string]interface{}{"slices": []interface{}{"ego", "right"}, "flat": false},
			}, matchFrames...),
			ops: []string{"$match", "$lookup", "$set", "$match", "$project"},
		},
		"image default slice": {
			coll:  schematest.Group,
			chain: matchFrames,
			err:   ErrMediaType,
		},
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestCompiler(t)
			res, err := c.Compile(context.Background(), tc.coll(t), chainOf(t, tc.chain...))
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.ops, opsOf(res.Pipeline))

			lookup := res.Pipeline[1][0].Value.(bson.M)
			assert.Equal(t, "frames.samples.multiview", lookup["from"])
			assert.Equal(t, schema.FramesField, lookup["as"])
			assert.Equal(t, bson.M{schema.FramesField: false}, res.Pipeline[4][0].Value)
		})
	}
}
