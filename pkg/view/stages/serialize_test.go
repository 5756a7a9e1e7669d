package stages

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacurate/viewstage/pkg/view/derived"
)

const (
	sampleID = "5f8d254a27ad06815ab89df4"
	labelID  = "5f8d254a27ad06815ab89df5"
	frameID  = "5f8d254a27ad06815ab89df6"
	groupID  = "5f8d254a27ad06815ab89df7"
)

func limitDict(n int) map[string]interface{} {
	return map[string]interface{}{
		KeyClass:  StageTypeLimit,
		KeyKwargs: []interface{}{[]interface{}{"limit", n}},
	}
}

// stageConfigs holds a valid kwargs mapping for every stage type.
var stageConfigs = map[string]map[string]interface{}{
	StageTypeConcat:  {"samples": []interface{}{limitDict(2)}},
	StageTypeExclude: {"sample_ids": []interface{}{sampleID}},
	StageTypeExcludeBy: {
		"field":  "label_key",
		"values": []interface{}{"a", "b"},
	},
	StageTypeExcludeFields:      {"field_names": []interface{}{"uniqueness"}},
	StageTypeExcludeFrames:      {"frame_ids": []interface{}{frameID}},
	StageTypeExcludeGroups:      {"group_ids": []interface{}{groupID}},
	StageTypeExcludeGroupSlices: {"slices": []interface{}{"ego"}},
	StageTypeExcludeLabels:      {"ids": []interface{}{labelID}},
	StageTypeExists:             {"field": "uniqueness", "bool": false},
	StageTypeFilterField: {
		"field":  "uniqueness",
		"filter": map[string]interface{}{"$gt": []interface{}{"$$expr", 0.5}},
	},
	StageTypeFilterLabels: {
		"field":  "ground_truth",
		"filter": map[string]interface{}{"$eq": []interface{}{"$$expr.label", "cat"}},
	},
	StageTypeFilterKeypoints: {
		"field":  "points",
		"filter": map[string]interface{}{"$gt": []interface{}{"$$expr.confidence", 0.5}},
	},
	StageTypeFlatten: {"stages": []interface{}{limitDict(1)}},
	StageTypeGeoNear: {
		"point":        []interface{}{-73.97, 40.77},
		"max_distance": 5000.0,
	},
	StageTypeGeoWithin: {
		"boundary": []interface{}{
			[]interface{}{-74.0, 40.0},
			[]interface{}{-73.0, 40.0},
			[]interface{}{-73.0, 41.0},
			[]interface{}{-74.0, 40.0},
		},
	},
	StageTypeGroupBy: {
		"field_or_expr": "label_key",
		"order_by":      "confidence",
		"reverse":       true,
	},
	StageTypeLimit:       {"limit": 5},
	StageTypeLimitLabels: {"field": "ground_truth", "limit": 2},
	StageTypeMapLabels: {
		"field": "ground_truth",
		"map":   map[string]interface{}{"cat": "animal", "dog": "animal"},
	},
	StageTypeMatch: {"filter": map[string]interface{}{
		"confidence": map[string]interface{}{"$gt": 0.5},
	}},
	StageTypeMatchFrames: {"filter": map[string]interface{}{"$gt": []interface{}{"$$expr.quality", 0.5}}},
	StageTypeMatchLabels: {
		"filter": map[string]interface{}{"$eq": []interface{}{"$$expr.label", "cat"}},
		"fields": []interface{}{"ground_truth"},
	},
	StageTypeMatchTags: {"tags": []interface{}{"validated"}, "all": true},
	StageTypeMongo: {"pipeline": []interface{}{
		map[string]interface{}{"$limit": 3},
	}},
	StageTypeSelect: {"sample_ids": []interface{}{sampleID}, "ordered": true},
	StageTypeSelectBy: {
		"field":   "label_key",
		"values":  []interface{}{"a"},
		"ordered": true,
	},
	StageTypeSelectFields:      {"field_names": []interface{}{"ground_truth"}},
	StageTypeSelectFrames:      {"frame_ids": []interface{}{frameID}},
	StageTypeSelectGroups:      {"group_ids": []interface{}{groupID}, "ordered": true},
	StageTypeSelectGroupSlices: {"slices": []interface{}{"left", "right"}},
	StageTypeSelectLabels:      {"tags": []interface{}{"hard"}},
	StageTypeSetField: {
		"field": "uniqueness",
		"expr":  map[string]interface{}{"$multiply": []interface{}{"$$expr", 2}},
	},
	StageTypeShuffle:          {"seed": 51},
	StageTypeSkip:             {"skip": 2},
	StageTypeSortBy:           {"field_or_expr": "uniqueness", "reverse": true},
	StageTypeSortBySimilarity: {"query": "a photo of a dog", "k": 10, "brain_key": "clip_sim"},
	StageTypeTake:             {"size": 3, "seed": 51},
	StageTypeToClips: {
		"field_or_expr": "frames.detections",
		"config":        map[string]interface{}{"min_len": 2, "tol": 1},
	},
	StageTypeToEvaluationPatches: {"eval_key": "eval"},
	StageTypeToFrames:            {},
	StageTypeToPatches: {
		"field":  "ground_truth",
		"config": map[string]interface{}{"other_fields": true},
	},
	StageTypeToTrajectories: {"field": "frames.detections"},
}

func newStage(t testing.TB, name string, config map[string]interface{}) Stage {
	t.Helper()
	s, err := New(name, config)
	require.NoError(t, err)
	require.Equal(t, name, s.Name())
	return s
}

func newTestCompiler(t testing.TB) (*Compiler, *derived.MemoryStore) {
	t.Helper()
	store := derived.NewMemoryStore()
	gen := derived.NewGenerator(store, "derived.", log.NewNopLogger(), prometheus.NewRegistry())
	c, err := NewCompiler(DefaultOptions(), gen, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	return c, store
}

func TestNames(t *testing.T) {
	names := Names()
	require.Len(t, names, len(stageConfigs))
	for _, name := range names {
		_, ok := stageConfigs[name]
		assert.True(t, ok, name)
	}
}

func TestNew_Errors(t *testing.T) {
	for name, tc := range map[string]struct {
		stage  string
		config map[string]interface{}
	}{
		"unknown kwarg":        {StageTypeLimit, map[string]interface{}{"limit": 1, "offset": 2}},
		"wrong kwarg type":     {StageTypeLimit, map[string]interface{}{"limit": "five"}},
		"missing field":        {StageTypeFilterLabels, map[string]interface{}{"filter": true}},
		"match needs a filter": {StageTypeMatch, map[string]interface{}{}},
		"negative limit":       {StageTypeLimitLabels, map[string]interface{}{"field": "ground_truth", "limit": -1}},
		"exprs need flat": {StageTypeGroupBy, map[string]interface{}{
			"field_or_expr": "label_key",
			"match_expr":    map[string]interface{}{"$gt": []interface{}{map[string]interface{}{"$size": "$$expr"}, 1}},
		}},
		"ordered exclude":    {StageTypeExcludeGroups, map[string]interface{}{"group_ids": []interface{}{groupID}, "ordered": true}},
		"sample frames":      {StageTypeToFrames, map[string]interface{}{"config": map[string]interface{}{"sample_frames": true}}},
		"unknown config key": {StageTypeToPatches, map[string]interface{}{"field": "ground_truth", "config": map[string]interface{}{"size": 3}}},
		"nested generator": {StageTypeFlatten, map[string]interface{}{"stages": []interface{}{
			map[string]interface{}{KeyClass: StageTypeToFrames, KeyKwargs: []interface{}{}},
		}}},
		"bad map": {StageTypeMapLabels, map[string]interface{}{"field": "ground_truth", "map": map[string]interface{}{"cat": 1}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.stage, tc.config)
			require.Error(t, err)
			var ce *ConfigurationError
			assert.ErrorAs(t, err, &ce)
		})
	}

	_, err := New("Nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage type")
}

func TestNew_YAMLMaps(t *testing.T) {
	s := newStage(t, StageTypeMatch, map[string]interface{}{
		"filter": map[interface{}]interface{}{"label_key": "a"},
	})
	p, err := s.ToMongo(nil, nil)
	require.NoError(t, err)
	require.Len(t, p, 1)
	assert.Equal(t, "$match", p[0][0].Key)
}

func TestRoundTrip(t *testing.T) {
	for name, config := range stageConfigs {
		t.Run(name, func(t *testing.T) {
			s := newStage(t, name, config)

			// Direct.
			out, err := FromDict(Serialize(s, ""))
			require.NoError(t, err)
			assert.True(t, Equal(s, out), "%+v != %+v", Serialize(s, ""), Serialize(out, ""))

			// Through JSON.
			buf, err := Marshal(s, "")
			require.NoError(t, err)
			decoded, id, err := Unmarshal(buf)
			require.NoError(t, err)
			assert.Empty(t, id)
			assert.True(t, Equal(s, decoded), "%s", buf)
		})
	}
}

func TestSerialize_KwargOrder(t *testing.T) {
	s := newStage(t, StageTypeSelectBy, stageConfigs[StageTypeSelectBy])
	buf, err := Marshal(s, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"_cls":"SelectBy","kwargs":[["field","label_key"],["values",["a"]],["ordered",true]]}`, string(buf))
	assert.Contains(t, string(buf), `"kwargs":[["field","label_key"],["values",["a"]],["ordered",true]]`)
}

func TestTake_SeedIsDeterministic(t *testing.T) {
	a := newStage(t, StageTypeTake, map[string]interface{}{"size": 3, "seed": 7})
	b := newStage(t, StageTypeTake, map[string]interface{}{"size": 3, "seed": 7})
	assert.True(t, Equal(a, b))

	// The drawn multiplier is part of the kwargs, so unseeded stages
	// survive serialization.
	c := newStage(t, StageTypeShuffle, nil)
	out, err := FromDict(Serialize(c, ""))
	require.NoError(t, err)
	assert.True(t, Equal(c, out))
}

func TestEqual(t *testing.T) {
	a := newStage(t, StageTypeLimit, map[string]interface{}{"limit": 5})
	b := newStage(t, StageTypeLimit, map[string]interface{}{"limit": 5.0})
	c := newStage(t, StageTypeLimit, map[string]interface{}{"limit": 6})
	d := newStage(t, StageTypeSkip, map[string]interface{}{"skip": 5})

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(a, d))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(a, nil))
}

func TestChain_UUIDs(t *testing.T) {
	chain := NewChain(
		newStage(t, StageTypeLimit, map[string]interface{}{"limit": 5}),
		newStage(t, StageTypeSkip, map[string]interface{}{"skip": 1}),
	)

	withoutIDs, err := chain.Marshal(false)
	require.NoError(t, err)
	assert.NotContains(t, string(withoutIDs), KeyUUID)

	first := chain.UUID(0)
	require.NotEmpty(t, first)
	assert.Equal(t, first, chain.UUID(0))
	assert.NotEqual(t, first, chain.UUID(1))

	// Appending shares the assigned IDs.
	longer := chain.Add(newStage(t, StageTypeShuffle, map[string]interface{}{"seed": 1}))
	assert.Equal(t, first, longer.UUID(0))
	assert.Equal(t, 2, chain.Len())
	assert.Equal(t, 3, longer.Len())

	buf, err := longer.Marshal(true)
	require.NoError(t, err)
	decoded, err := UnmarshalChain(buf)
	require.NoError(t, err)
	require.Equal(t, 3, decoded.Len())
	assert.Equal(t, first, decoded.UUID(0))
	assert.Equal(t, longer.UUID(2), decoded.UUID(2))
	for i, s := range decoded.Stages() {
		assert.True(t, Equal(longer.Stages()[i], s))
	}

	// UUIDs never change the upstream encoding.
	a, err := MarshalStages(chain.Stages(), false)
	require.NoError(t, err)
	assert.JSONEq(t, string(withoutIDs), string(a))
}

func TestUnmarshal_KeepsUUID(t *testing.T) {
	s := newStage(t, StageTypeLimit, map[string]interface{}{"limit": 5})
	buf, err := Marshal(s, "abc")
	require.NoError(t, err)
	_, id, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	_, _, err = Unmarshal([]byte(`{"_cls":"Limit","kwargs":[["limit"]]}`))
	require.Error(t, err)
}

func TestGenerators_Unsupported(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{StageTypeToPatches, StageTypeToEvaluationPatches, StageTypeToClips, StageTypeToTrajectories, StageTypeToFrames} {
		s := newStage(t, name, stageConfigs[name])
		_, err := s.ToMongo(nil, nil)
		assert.ErrorIs(t, err, ErrUnsupportedOperation, name)
	}
	limit := newStage(t, StageTypeLimit, stageConfigs[StageTypeLimit])
	_, err := LoadView(ctx, limit, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}
