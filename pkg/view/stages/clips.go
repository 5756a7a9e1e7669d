package stages

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/labelfilter"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

const (
	supportField = "support"
	clipsField   = "_clips"
)

func checkVideos(s Stage, v *View) error {
	if v.MediaType() != schema.MediaVideo {
		return invalidf(s, ErrMediaType, "%s collections are not supported", v.MediaType())
	}
	return nil
}

// clipSchema is the schema of rows of a generated clip view.
func clipSchema(v *View, other []string, extra ...*schema.Field) schema.Schema {
	fields := fieldsOf(v.Schema(false), baseFields(v, other))
	fields = append(fields,
		&schema.Field{Name: sampleIDField, Type: schema.TypeObjectID},
		&schema.Field{Name: supportField, Type: schema.TypeFrameSupport},
	)
	return append(fields, extra...)
}

// ClipsConfig configures a ToClips stage.
type ClipsConfig struct {
	FieldOrExpr interface{} `mapstructure:"field_or_expr"`
	Config      interface{} `mapstructure:"config"`
}

// ToClips generates a view with one row per clip of each video. Clips are
// the supports of a temporal detection field, or the runs of consecutive
// frames for which a frame-level field is non-empty or a frame expression
// holds. Runs separated by at most tol frames are merged and runs shorter
// than min_len frames are dropped.
type ToClips struct {
	generator
	field      string
	expression expr.Filter
	raw        interface{}
	config     map[string]interface{}
	tol        int
	minLen     int
}

type clipsCache struct {
	// temporal is set when clips come from a temporal detection field.
	temporal *schema.LabelPath
	field    *schema.Field
	other    []string
}

func NewToClips(cfg ClipsConfig) (*ToClips, error) {
	s := &ToClips{}
	switch t := cfg.FieldOrExpr.(type) {
	case nil:
		return nil, misconfigured(StageTypeToClips, ErrMissingArguments, "field_or_expr")
	case string:
		if t == "" {
			return nil, misconfigured(StageTypeToClips, ErrEmptyField)
		}
		s.field = t
		s.raw = t
	default:
		f, err := parseFilter(StageTypeToClips, t)
		if err != nil {
			return nil, err
		}
		s.expression = f
		s.raw = f.Serialize()
	}
	config, err := parseGeneratorConfig(StageTypeToClips, cfg.Config, "other_fields", "tol", "min_len")
	if err != nil {
		return nil, err
	}
	s.config = config
	if s.tol, err = intConfig(config, "tol", 0); err != nil {
		return nil, misconfigured(StageTypeToClips, "%v", err)
	}
	if s.minLen, err = intConfig(config, "min_len", 0); err != nil {
		return nil, misconfigured(StageTypeToClips, "%v", err)
	}
	if s.tol < 0 {
		return nil, misconfigured(StageTypeToClips, ErrNegativeValue, "tol")
	}
	if s.minLen < 0 {
		return nil, misconfigured(StageTypeToClips, ErrNegativeValue, "min_len")
	}
	return s, nil
}

func (s *ToClips) Name() string { return StageTypeToClips }

func (s *ToClips) Kwargs() []Kwarg {
	var config interface{}
	if s.config != nil {
		config = s.config
	}
	return []Kwarg{{"field_or_expr", s.raw}, {"config", config}}
}

// NeedsFrames is false only for sample-level temporal detection fields.
func (s *ToClips) NeedsFrames(v *View) bool {
	return s.field == "" || schema.IsFrameField(v, s.field)
}

func (s *ToClips) Validate(v *View) (Cache, error) {
	if err := checkVideos(s, v); err != nil {
		return nil, err
	}
	c := &clipsCache{}
	if s.field != "" {
		f, err := checkField(s, v, s.field)
		if err != nil {
			return nil, err
		}
		c.field = f
		if !schema.IsFrameField(v, s.field) {
			lp, err := v.label(s.field)
			if err != nil {
				return nil, invalid(s, err)
			}
			if schema.ElementType(lp.DocType) != schema.TemporalDetection {
				return nil, invalidf(s, ErrFieldType, "%q has type %s, expected temporal detections", s.field, lp.DocType)
			}
			c.temporal = &lp
		}
	}
	var err error
	skip := []string{supportField}
	if c.temporal != nil {
		skip = append(skip, c.temporal.Path)
	}
	if c.other, err = otherFields(s, v, s.config, skip...); err != nil {
		return nil, err
	}
	return c, nil
}

// frameCond is the predicate over a frame, bound to $$this, selecting the
// frames that belong to clips.
func (s *ToClips) frameCond(v *View, c *clipsCache) interface{} {
	if s.expression != nil {
		return s.expression.ToMongo(expr.VarThis)
	}
	rel, _ := schema.HandleFrameField(v, schema.DBPath(s.field))
	ref := expr.Ref(expr.VarThis, rel)
	if c.field.IsLabel() {
		if list := schema.LabelListField(c.field.DocumentType); list != "" {
			return bson.M{"$gt": bson.A{bson.M{"$size": bson.M{"$ifNull": bson.A{ref + "." + list, bson.A{}}}}, 0}}
		}
		return bson.M{"$gt": bson.A{ref, nil}}
	}
	return bson.M{"$and": bson.A{ref}}
}

// segments groups the sorted frame numbers at input into [first, last]
// runs, merging runs separated by at most tol missing frames.
func segments(input interface{}, tol int) interface{} {
	last := bson.M{"$arrayElemAt": bson.A{"$$value", -1}}
	return bson.M{"$reduce": bson.M{
		"input":        input,
		"initialValue": bson.A{},
		"in": bson.M{"$cond": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"$eq": bson.A{bson.M{"$size": "$$value"}, 0}},
				bson.M{"$gt": bson.A{
					bson.M{"$subtract": bson.A{"$$this", bson.M{"$arrayElemAt": bson.A{last, 1}}}},
					tol + 1,
				}},
			}},
			bson.M{"$concatArrays": bson.A{"$$value", bson.A{bson.A{"$$this", "$$this"}}}},
			bson.M{"$concatArrays": bson.A{
				bson.M{"$slice": bson.A{"$$value", bson.M{"$subtract": bson.A{bson.M{"$size": "$$value"}, 1}}}},
				bson.A{bson.A{bson.M{"$arrayElemAt": bson.A{last, 0}}, "$$this"}},
			}},
		}},
	}}
}

func (s *ToClips) pipeline(v *View, c *clipsCache) Pipeline {
	base := baseFields(v, c.other)
	if c.temporal != nil {
		lp := *c.temporal
		label := "$" + lp.Path
		var p Pipeline
		if lp.IsList() {
			label = "$" + lp.ListPath()
			p = append(p, stage("$unwind", label))
		} else {
			p = append(p, stage("$match", bson.M{lp.Path: bson.M{"$ne": nil}}))
		}
		return append(p, reshape(base, "", bson.M{
			sampleIDField: "$_id",
			supportField:  label + "." + supportField,
			lp.Path:       label,
		}))
	}
	frameNumbers := bson.M{"$map": bson.M{
		"input": bson.M{"$filter": bson.M{
			"input": bson.M{"$ifNull": bson.A{"$" + schema.FramesField, bson.A{}}},
			"as":    "this",
			"cond":  s.frameCond(v, c),
		}},
		"as": "this",
		"in": "$$this.frame_number",
	}}
	clips := segments(frameNumbers, s.tol)
	if s.minLen > 1 {
		clips = bson.M{"$filter": bson.M{
			"input": clips,
			"as":    "clip",
			"cond": bson.M{"$gte": bson.A{
				bson.M{"$subtract": bson.A{bson.M{"$arrayElemAt": bson.A{"$$clip", 1}}, bson.M{"$arrayElemAt": bson.A{"$$clip", 0}}}},
				s.minLen - 1,
			}},
		}}
	}
	return Pipeline{
		stage("$set", bson.M{clipsField: clips}),
		stage("$unwind", "$"+clipsField),
		reshape(base, "", bson.M{sampleIDField: "$_id", supportField: "$" + clipsField}),
	}
}

func (s *ToClips) LoadView(ctx context.Context, v *View, c Cache) (schema.Collection, error) {
	cache, err := validated[*clipsCache](s, v, c)
	if err != nil {
		return nil, err
	}
	var extra []*schema.Field
	if cache.temporal != nil {
		extra = append(extra, elementField(cache.field, cache.temporal.Path))
	}
	return loadDerived(ctx, s, v, KindClips, s.pipeline(v, cache), s.config, schema.DeriveSpec{
		MediaType:           schema.MediaVideo,
		FrameCollectionName: v.FrameCollectionName(),
		SampleFields:        clipSchema(v, cache.other, extra...),
		FrameFields:         v.Schema(true),
		DefaultFields:       []string{sampleIDField, supportField},
	})
}

// TrajectoriesConfig configures a ToTrajectories stage.
type TrajectoriesConfig struct {
	Field  string      `mapstructure:"field"`
	Config interface{} `mapstructure:"config"`
}

// ToTrajectories generates a view with one clip per object trajectory of a
// frame-level label list field. An object is identified by its label and
// index, and its clip spans the first to the last frame it appears in.
type ToTrajectories struct {
	generator
	field  string
	config map[string]interface{}
}

func NewToTrajectories(cfg TrajectoriesConfig) (*ToTrajectories, error) {
	if cfg.Field == "" {
		return nil, misconfigured(StageTypeToTrajectories, ErrEmptyField)
	}
	config, err := parseGeneratorConfig(StageTypeToTrajectories, cfg.Config, "other_fields")
	if err != nil {
		return nil, err
	}
	return &ToTrajectories{field: cfg.Field, config: config}, nil
}

func (s *ToTrajectories) Name() string { return StageTypeToTrajectories }

func (s *ToTrajectories) Kwargs() []Kwarg {
	var config interface{}
	if s.config != nil {
		config = s.config
	}
	return []Kwarg{{"field", s.field}, {"config", config}}
}

func (s *ToTrajectories) NeedsFrames(*View) bool { return true }

type trajectoriesCache struct {
	lp    schema.LabelPath
	field *schema.Field
	other []string
}

func (s *ToTrajectories) Validate(v *View) (Cache, error) {
	if err := checkVideos(s, v); err != nil {
		return nil, err
	}
	lp, err := v.label(s.field)
	if err != nil {
		return nil, invalid(s, err)
	}
	if !labelfilter.SupportsTrajectories(lp) {
		return nil, invalidf(s, ErrFieldType, "%q: %v", s.field, labelfilter.ErrTrajectoriesUnsupported)
	}
	f, _ := schema.GetField(v, s.field)
	other, err := otherFields(s, v, s.config, supportField, lp.Path)
	if err != nil {
		return nil, err
	}
	return &trajectoriesCache{lp: lp, field: f, other: other}, nil
}

func (s *ToTrajectories) pipeline(v *View, c *trajectoriesCache) Pipeline {
	frames := "$" + schema.FramesField
	label := frames + "." + c.lp.ListPath()
	base := baseFields(v, c.other)
	first := bson.M{}
	for _, f := range base {
		first[f] = bson.M{"$first": "$" + f}
	}
	first["_id"] = bson.M{
		"sample": "$_id",
		"label":  label + ".label",
		"index":  label + "." + labelfilter.IndexField,
	}
	first["first"] = bson.M{"$min": frames + ".frame_number"}
	first["last"] = bson.M{"$max": frames + ".frame_number"}
	return Pipeline{
		stage("$unwind", frames),
		stage("$unwind", label),
		stage("$match", bson.M{schema.FramePath(c.lp.ListPath()) + "." + labelfilter.IndexField: bson.M{"$ne": nil}}),
		stage("$group", first),
		stage("$sort", bson.D{{Key: "_id.sample", Value: 1}, {Key: "first", Value: 1}, {Key: "_id.label", Value: 1}, {Key: "_id.index", Value: 1}}),
		reshape(base, "", bson.M{
			sampleIDField: "$_id.sample",
			supportField:  bson.A{"$first", "$last"},
			c.lp.Path: bson.M{
				"_cls":                 schema.ElementType(c.lp.DocType),
				"label":                "$_id.label",
				labelfilter.IndexField: "$_id.index",
			},
		}),
	}
}

func (s *ToTrajectories) LoadView(ctx context.Context, v *View, c Cache) (schema.Collection, error) {
	cache, err := validated[*trajectoriesCache](s, v, c)
	if err != nil {
		return nil, err
	}
	object := &schema.Field{
		Name:         cache.lp.Path,
		Type:         schema.TypeEmbedded,
		DocumentType: schema.ElementType(cache.lp.DocType),
		Fields: []*schema.Field{
			{Name: "label", Type: schema.TypeString},
			{Name: labelfilter.IndexField, Type: schema.TypeInt},
		},
	}
	return loadDerived(ctx, s, v, KindTrajectories, s.pipeline(v, cache), s.config, schema.DeriveSpec{
		MediaType:           schema.MediaVideo,
		FrameCollectionName: v.FrameCollectionName(),
		SampleFields:        clipSchema(v, cache.other, object),
		FrameFields:         v.Schema(true),
		DefaultFields:       []string{sampleIDField, supportField},
	})
}
