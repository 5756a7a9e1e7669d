package stages

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const (
	StageTypeConcat              = "Concat"
	StageTypeExclude             = "Exclude"
	StageTypeExcludeBy           = "ExcludeBy"
	StageTypeExcludeFields       = "ExcludeFields"
	StageTypeExcludeFrames       = "ExcludeFrames"
	StageTypeExcludeGroups       = "ExcludeGroups"
	StageTypeExcludeGroupSlices  = "ExcludeGroupSlices"
	StageTypeExcludeLabels       = "ExcludeLabels"
	StageTypeExists              = "Exists"
	StageTypeFilterField         = "FilterField"
	StageTypeFilterLabels        = "FilterLabels"
	StageTypeFilterKeypoints     = "FilterKeypoints"
	StageTypeFlatten             = "Flatten"
	StageTypeGeoNear             = "GeoNear"
	StageTypeGeoWithin           = "GeoWithin"
	StageTypeGroupBy             = "GroupBy"
	StageTypeLimit               = "Limit"
	StageTypeLimitLabels         = "LimitLabels"
	StageTypeMapLabels           = "MapLabels"
	StageTypeMatch               = "Match"
	StageTypeMatchFrames         = "MatchFrames"
	StageTypeMatchLabels         = "MatchLabels"
	StageTypeMatchTags           = "MatchTags"
	StageTypeMongo               = "Mongo"
	StageTypeSelect              = "Select"
	StageTypeSelectBy            = "SelectBy"
	StageTypeSelectFields        = "SelectFields"
	StageTypeSelectFrames        = "SelectFrames"
	StageTypeSelectGroups        = "SelectGroups"
	StageTypeSelectGroupSlices   = "SelectGroupSlices"
	StageTypeSelectLabels        = "SelectLabels"
	StageTypeSetField            = "SetField"
	StageTypeShuffle             = "Shuffle"
	StageTypeSkip                = "Skip"
	StageTypeSortBy              = "SortBy"
	StageTypeSortBySimilarity    = "SortBySimilarity"
	StageTypeTake                = "Take"
	StageTypeToClips             = "ToClips"
	StageTypeToEvaluationPatches = "ToEvaluationPatches"
	StageTypeToFrames            = "ToFrames"
	StageTypeToPatches           = "ToPatches"
	StageTypeToTrajectories      = "ToTrajectories"
)

type factory func(config interface{}) (Stage, error)

// typed returns a factory decoding the config of a stage into C before
// handing it to the constructor.
func typed[C any, S Stage](name string, ctor func(C) (S, error)) factory {
	return func(config interface{}) (Stage, error) {
		var cfg C
		if config != nil {
			dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				ErrorUnused: true,
				Result:      &cfg,
			})
			if err != nil {
				return nil, err
			}
			if err := dec.Decode(normalize(config)); err != nil {
				return nil, misconfigured(name, "%v", err)
			}
		}
		s, err := ctor(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

var registry map[string]factory

// Constructors decode nested stages through New, so the table is filled at
// init time.
func init() {
	registry = map[string]factory{
		StageTypeConcat:              typed(StageTypeConcat, NewConcat),
		StageTypeExclude:             typed(StageTypeExclude, NewExclude),
		StageTypeExcludeBy:           typed(StageTypeExcludeBy, NewExcludeBy),
		StageTypeExcludeFields:       typed(StageTypeExcludeFields, NewExcludeFields),
		StageTypeExcludeFrames:       typed(StageTypeExcludeFrames, NewExcludeFrames),
		StageTypeExcludeGroups:       typed(StageTypeExcludeGroups, NewExcludeGroups),
		StageTypeExcludeGroupSlices:  typed(StageTypeExcludeGroupSlices, NewExcludeGroupSlices),
		StageTypeExcludeLabels:       typed(StageTypeExcludeLabels, NewExcludeLabels),
		StageTypeExists:              typed(StageTypeExists, NewExists),
		StageTypeFilterField:         typed(StageTypeFilterField, NewFilterField),
		StageTypeFilterLabels:        typed(StageTypeFilterLabels, NewFilterLabels),
		StageTypeFilterKeypoints:     typed(StageTypeFilterKeypoints, NewFilterKeypoints),
		StageTypeFlatten:             typed(StageTypeFlatten, NewFlatten),
		StageTypeGeoNear:             typed(StageTypeGeoNear, NewGeoNear),
		StageTypeGeoWithin:           typed(StageTypeGeoWithin, NewGeoWithin),
		StageTypeGroupBy:             typed(StageTypeGroupBy, NewGroupBy),
		StageTypeLimit:               typed(StageTypeLimit, NewLimit),
		StageTypeLimitLabels:         typed(StageTypeLimitLabels, NewLimitLabels),
		StageTypeMapLabels:           typed(StageTypeMapLabels, NewMapLabels),
		StageTypeMatch:               typed(StageTypeMatch, NewMatch),
		StageTypeMatchFrames:         typed(StageTypeMatchFrames, NewMatchFrames),
		StageTypeMatchLabels:         typed(StageTypeMatchLabels, NewMatchLabels),
		StageTypeMatchTags:           typed(StageTypeMatchTags, NewMatchTags),
		StageTypeMongo:               typed(StageTypeMongo, NewMongo),
		StageTypeSelect:              typed(StageTypeSelect, NewSelect),
		StageTypeSelectBy:            typed(StageTypeSelectBy, NewSelectBy),
		StageTypeSelectFields:        typed(StageTypeSelectFields, NewSelectFields),
		StageTypeSelectFrames:        typed(StageTypeSelectFrames, NewSelectFrames),
		StageTypeSelectGroups:        typed(StageTypeSelectGroups, NewSelectGroups),
		StageTypeSelectGroupSlices:   typed(StageTypeSelectGroupSlices, NewSelectGroupSlices),
		StageTypeSelectLabels:        typed(StageTypeSelectLabels, NewSelectLabels),
		StageTypeSetField:            typed(StageTypeSetField, NewSetField),
		StageTypeShuffle:             typed(StageTypeShuffle, NewShuffle),
		StageTypeSkip:                typed(StageTypeSkip, NewSkip),
		StageTypeSortBy:              typed(StageTypeSortBy, NewSortBy),
		StageTypeSortBySimilarity:    typed(StageTypeSortBySimilarity, NewSortBySimilarity),
		StageTypeTake:                typed(StageTypeTake, NewTake),
		StageTypeToClips:             typed(StageTypeToClips, NewToClips),
		StageTypeToEvaluationPatches: typed(StageTypeToEvaluationPatches, NewToEvaluationPatches),
		StageTypeToFrames:            typed(StageTypeToFrames, NewToFrames),
		StageTypeToPatches:           typed(StageTypeToPatches, NewToPatches),
		StageTypeToTrajectories:      typed(StageTypeToTrajectories, NewToTrajectories),
	}
}

// New creates a stage of the given type from its kwargs, keyed by name.
func New(stageType string, config interface{}) (Stage, error) {
	f, ok := registry[stageType]
	if !ok {
		return nil, errors.Errorf(ErrUnknownStage, stageType)
	}
	return f(config)
}

// Names returns the registered stage types, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// normalize turns YAML-decoded maps into string-keyed ones, recursively.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}
