package stages

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/schema"
)

var patchTypes = map[string]struct{}{
	schema.Detection: {},
	schema.Polyline:  {},
	schema.Keypoint:  {},
}

func checkImages(s Stage, v *View) error {
	if v.MediaType() != schema.MediaImage {
		return invalidf(s, ErrMediaType, "%s collections are not supported", v.MediaType())
	}
	return nil
}

// PatchesConfig configures a ToPatches stage.
type PatchesConfig struct {
	Field  string      `mapstructure:"field"`
	Config interface{} `mapstructure:"config"`
}

// ToPatches generates a view with one row per object of a label field.
// Each row holds the object in the field and references its sample through
// _sample_id.
type ToPatches struct {
	generator
	field  string
	config map[string]interface{}
}

type patchesCache struct {
	lp    schema.LabelPath
	field *schema.Field
	other []string
}

func NewToPatches(cfg PatchesConfig) (*ToPatches, error) {
	if cfg.Field == "" {
		return nil, misconfigured(StageTypeToPatches, ErrEmptyField)
	}
	config, err := parseGeneratorConfig(StageTypeToPatches, cfg.Config, "other_fields")
	if err != nil {
		return nil, err
	}
	return &ToPatches{field: cfg.Field, config: config}, nil
}

func (s *ToPatches) Name() string { return StageTypeToPatches }

func (s *ToPatches) Kwargs() []Kwarg {
	var config interface{}
	if s.config != nil {
		config = s.config
	}
	return []Kwarg{{"field", s.field}, {"config", config}}
}

func (s *ToPatches) Validate(v *View) (Cache, error) {
	if err := checkImages(s, v); err != nil {
		return nil, err
	}
	lp, err := v.label(s.field)
	if err != nil {
		return nil, invalid(s, err)
	}
	if _, ok := patchTypes[schema.ElementType(lp.DocType)]; !ok || strings.Contains(lp.Path, ".") {
		return nil, invalidf(s, ErrFieldType, "cannot extract patches from %q of type %s", s.field, lp.DocType)
	}
	f, _ := schema.GetField(v, s.field)
	other, err := otherFields(s, v, s.config, s.field)
	if err != nil {
		return nil, err
	}
	return &patchesCache{lp: lp, field: f, other: other}, nil
}

func (s *ToPatches) pipeline(v *View, c *patchesCache) Pipeline {
	base := baseFields(v, c.other)
	label := "$" + c.lp.Path
	var p Pipeline
	if c.lp.IsList() {
		label = "$" + c.lp.ListPath()
		p = append(p, stage("$unwind", label))
	} else {
		p = append(p, stage("$match", bson.M{c.lp.Path: bson.M{"$ne": nil}}))
	}
	return append(p, reshape(base, "", bson.M{
		"_id":         label + "._id",
		sampleIDField: "$_id",
		c.lp.Path:     label,
	}))
}

func (s *ToPatches) LoadView(ctx context.Context, v *View, c Cache) (schema.Collection, error) {
	cache, err := validated[*patchesCache](s, v, c)
	if err != nil {
		return nil, err
	}
	fields := fieldsOf(v.Schema(false), baseFields(v, cache.other))
	fields = append(fields,
		&schema.Field{Name: sampleIDField, Type: schema.TypeObjectID},
		elementField(cache.field, cache.lp.Path),
	)
	return loadDerived(ctx, s, v, KindPatches, s.pipeline(v, cache), s.config, schema.DeriveSpec{
		MediaType:     schema.MediaImage,
		SampleFields:  fields,
		DefaultFields: []string{sampleIDField},
	})
}

// Evaluation patch types.
const (
	PatchTruePositive  = "tp"
	PatchFalsePositive = "fp"
	PatchFalseNegative = "fn"
)

// EvaluationPatchesConfig configures a ToEvaluationPatches stage.
type EvaluationPatchesConfig struct {
	EvalKey string      `mapstructure:"eval_key"`
	Config  interface{} `mapstructure:"config"`
}

// ToEvaluationPatches generates a view with one row per outcome of a
// detection evaluation: matched prediction and ground truth pairs, false
// positives and false negatives. Each row records its type, IoU and crowd
// flag.
type ToEvaluationPatches struct {
	generator
	evalKey string
	config  map[string]interface{}
}

type evaluationPatchesCache struct {
	gt, pred           schema.LabelPath
	gtField, predField *schema.Field
	other              []string
}

func NewToEvaluationPatches(cfg EvaluationPatchesConfig) (*ToEvaluationPatches, error) {
	if cfg.EvalKey == "" {
		return nil, misconfigured(StageTypeToEvaluationPatches, ErrMissingArguments, "eval_key")
	}
	config, err := parseGeneratorConfig(StageTypeToEvaluationPatches, cfg.Config, "other_fields")
	if err != nil {
		return nil, err
	}
	return &ToEvaluationPatches{evalKey: cfg.EvalKey, config: config}, nil
}

func (s *ToEvaluationPatches) Name() string { return StageTypeToEvaluationPatches }

func (s *ToEvaluationPatches) Kwargs() []Kwarg {
	var config interface{}
	if s.config != nil {
		config = s.config
	}
	return []Kwarg{{"eval_key", s.evalKey}, {"config", config}}
}

func (s *ToEvaluationPatches) Validate(v *View) (Cache, error) {
	if err := checkImages(s, v); err != nil {
		return nil, err
	}
	info, err := v.Evaluation(s.evalKey)
	if err != nil {
		return nil, invalidf(s, ErrUnknownField, "%v", err)
	}
	c := &evaluationPatchesCache{}
	for _, f := range []struct {
		path  string
		lp    *schema.LabelPath
		field **schema.Field
	}{{info.GTField, &c.gt, &c.gtField}, {info.PredField, &c.pred, &c.predField}} {
		lp, err := v.label(f.path)
		if err != nil {
			return nil, invalid(s, err)
		}
		if !lp.IsList() || lp.IsFrame {
			return nil, invalidf(s, ErrFieldType, "evaluated field %q must be a sample-level label list", f.path)
		}
		*f.lp = lp
		*f.field, _ = schema.GetField(v, f.path)
	}
	if c.other, err = otherFields(s, v, s.config, info.GTField, info.PredField); err != nil {
		return nil, err
	}
	return c, nil
}

// wrapLabels returns a label list document of the given type holding items.
func wrapLabels(lp schema.LabelPath, items interface{}) bson.M {
	return bson.M{"_cls": lp.DocType, lp.ListField: items}
}

func (s *ToEvaluationPatches) pipeline(v *View, c *evaluationPatchesCache) Pipeline {
	key := s.evalKey
	gts := bson.M{"$ifNull": bson.A{"$" + c.gt.ListPath(), bson.A{}}}
	preds := bson.M{"$ifNull": bson.A{"$" + c.pred.ListPath(), bson.A{}}}
	matched := bson.M{"$filter": bson.M{
		"input": gts,
		"as":    "gt",
		"cond":  bson.M{"$eq": bson.A{bson.M{"$toString": "$$gt._id"}, "$$pred." + key + "_id"}},
	}}
	predPatches := bson.M{"$map": bson.M{
		"input": bson.M{"$filter": bson.M{
			"input": preds,
			"as":    "pred",
			"cond":  bson.M{"$in": bson.A{"$$pred." + key, bson.A{PatchTruePositive, PatchFalsePositive}}},
		}},
		"as": "pred",
		"in": bson.M{
			"type":  "$$pred." + key,
			"iou":   "$$pred." + key + "_iou",
			"crowd": false,
			"gt":    wrapLabels(c.gt, matched),
			"pred":  wrapLabels(c.pred, bson.A{"$$pred"}),
		},
	}}
	gtPatches := bson.M{"$map": bson.M{
		"input": bson.M{"$filter": bson.M{
			"input": gts,
			"as":    "gt",
			"cond":  bson.M{"$eq": bson.A{"$$gt." + key, PatchFalseNegative}},
		}},
		"as": "gt",
		"in": bson.M{
			"type":  PatchFalseNegative,
			"iou":   nil,
			"crowd": bson.M{"$ifNull": bson.A{"$$gt.iscrowd", false}},
			"gt":    wrapLabels(c.gt, bson.A{"$$gt"}),
			"pred":  wrapLabels(c.pred, bson.A{}),
		},
	}}
	return Pipeline{
		stage("$set", bson.M{"_patches": bson.M{"$concatArrays": bson.A{predPatches, gtPatches}}}),
		stage("$unwind", "$_patches"),
		reshape(baseFields(v, c.other), "", bson.M{
			sampleIDField: "$_id",
			"type":        "$_patches.type",
			"iou":         "$_patches.iou",
			"crowd":       "$_patches.crowd",
			c.gt.Path:     "$_patches.gt",
			c.pred.Path:   "$_patches.pred",
		}),
	}
}

func (s *ToEvaluationPatches) LoadView(ctx context.Context, v *View, c Cache) (schema.Collection, error) {
	cache, err := validated[*evaluationPatchesCache](s, v, c)
	if err != nil {
		return nil, err
	}
	fields := fieldsOf(v.Schema(false), baseFields(v, cache.other))
	fields = append(fields,
		&schema.Field{Name: sampleIDField, Type: schema.TypeObjectID},
		&schema.Field{Name: "type", Type: schema.TypeString},
		&schema.Field{Name: "iou", Type: schema.TypeFloat},
		&schema.Field{Name: "crowd", Type: schema.TypeBool},
		cache.gtField.Clone(),
		cache.predField.Clone(),
	)
	return loadDerived(ctx, s, v, KindEvaluationPatches, s.pipeline(v, cache), s.config, schema.DeriveSpec{
		MediaType:     schema.MediaImage,
		SampleFields:  fields,
		DefaultFields: []string{sampleIDField},
	})
}
