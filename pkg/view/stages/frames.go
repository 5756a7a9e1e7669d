package stages

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// filterFrames keeps the frames for which cond holds, optionally dropping
// the samples left without frames.
func filterFrames(cond interface{}, omitEmpty bool) Pipeline {
	p := Pipeline{stage("$set", bson.M{schema.FramesField: bson.M{"$filter": bson.M{
		"input": "$" + schema.FramesField,
		"as":    "this",
		"cond":  cond,
	}}})}
	if omitEmpty {
		p = append(p, stage("$match", bson.M{"$expr": bson.M{"$gt": bson.A{
			bson.M{"$size": bson.M{"$ifNull": bson.A{"$" + schema.FramesField, bson.A{}}}}, 0,
		}}}))
	}
	return p
}

func checkFrames(s Stage, v *View) (Cache, error) {
	if !schema.HasFrames(v) {
		return nil, invalidf(s, ErrMediaType, "%s has no frames", schema.ActiveMediaType(v))
	}
	return checked{}, nil
}

// MatchFramesConfig configures a MatchFrames stage.
type MatchFramesConfig struct {
	Filter    interface{} `mapstructure:"filter"`
	OmitEmpty *bool       `mapstructure:"omit_empty"`
}

// MatchFrames keeps the frames of video samples matching a filter.
type MatchFrames struct {
	base
	filter    expr.Filter
	omitEmpty bool
}

func NewMatchFrames(cfg MatchFramesConfig) (*MatchFrames, error) {
	f, err := parseFilter(StageTypeMatchFrames, cfg.Filter)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, misconfigured(StageTypeMatchFrames, ErrMissingArguments, "filter")
	}
	return &MatchFrames{filter: f, omitEmpty: boolOr(cfg.OmitEmpty, true)}, nil
}

func (s *MatchFrames) Name() string { return StageTypeMatchFrames }

func (s *MatchFrames) Kwargs() []Kwarg {
	return []Kwarg{{"filter", serializeFilter(s.filter)}, {"omit_empty", s.omitEmpty}}
}

func (s *MatchFrames) NeedsFrames(*View) bool          { return true }
func (s *MatchFrames) Validate(v *View) (Cache, error) { return checkFrames(s, v) }

func (s *MatchFrames) ToMongo(v *View, c Cache) (Pipeline, error) {
	if c == nil {
		if _, err := s.Validate(v); err != nil {
			return nil, err
		}
	}
	return filterFrames(s.filter.ToMongo("$$this"), s.omitEmpty), nil
}

// FramesConfig configures SelectFrames and ExcludeFrames stages.
type FramesConfig struct {
	FrameIDs  interface{} `mapstructure:"frame_ids"`
	OmitEmpty *bool       `mapstructure:"omit_empty"`
}

// SelectFrames keeps only the frames with the given ids.
type SelectFrames struct {
	base
	ids       []string
	omitEmpty bool
}

func NewSelectFrames(cfg FramesConfig) (*SelectFrames, error) {
	ids, err := stringList(cfg.FrameIDs)
	if err != nil {
		return nil, misconfigured(StageTypeSelectFrames, "frame_ids: %v", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return &SelectFrames{ids: ids, omitEmpty: boolOr(cfg.OmitEmpty, true)}, nil
}

func (s *SelectFrames) Name() string { return StageTypeSelectFrames }

func (s *SelectFrames) Kwargs() []Kwarg {
	return []Kwarg{{"frame_ids", s.ids}, {"omit_empty", s.omitEmpty}}
}

func (s *SelectFrames) NeedsFrames(*View) bool          { return true }
func (s *SelectFrames) Validate(v *View) (Cache, error) { return checkFrames(s, v) }

func (s *SelectFrames) ToMongo(v *View, c Cache) (Pipeline, error) {
	if c == nil {
		if _, err := s.Validate(v); err != nil {
			return nil, err
		}
	}
	cond := bson.M{"$in": bson.A{"$$this._id", expr.ObjectIDs(s.ids)}}
	p := Pipeline{}
	if s.omitEmpty {
		// Samples without any selected frame can be skipped before the
		// filter runs.
		p = append(p, stage("$match", bson.M{schema.FramePath("_id"): bson.M{"$in": expr.ObjectIDs(s.ids)}}))
	}
	return append(p, filterFrames(cond, s.omitEmpty)...), nil
}

// ExcludeFrames omits the frames with the given ids.
type ExcludeFrames struct {
	base
	ids       []string
	omitEmpty bool
}

func NewExcludeFrames(cfg FramesConfig) (*ExcludeFrames, error) {
	ids, err := stringList(cfg.FrameIDs)
	if err != nil {
		return nil, misconfigured(StageTypeExcludeFrames, "frame_ids: %v", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return &ExcludeFrames{ids: ids, omitEmpty: boolOr(cfg.OmitEmpty, false)}, nil
}

func (s *ExcludeFrames) Name() string { return StageTypeExcludeFrames }

func (s *ExcludeFrames) Kwargs() []Kwarg {
	return []Kwarg{{"frame_ids", s.ids}, {"omit_empty", s.omitEmpty}}
}

func (s *ExcludeFrames) NeedsFrames(*View) bool          { return true }
func (s *ExcludeFrames) Validate(v *View) (Cache, error) { return checkFrames(s, v) }

func (s *ExcludeFrames) ToMongo(v *View, c Cache) (Pipeline, error) {
	if c == nil {
		if _, err := s.Validate(v); err != nil {
			return nil, err
		}
	}
	cond := bson.M{"$not": bson.A{bson.M{"$in": bson.A{"$$this._id", expr.ObjectIDs(s.ids)}}}}
	return filterFrames(cond, s.omitEmpty), nil
}
