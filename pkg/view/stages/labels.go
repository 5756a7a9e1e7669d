package stages

import (
	"math"
	"sort"

	"github.com/mitchellh/mapstructure"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/labelfilter"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// LabelRef identifies one label of one sample.
type LabelRef struct {
	SampleID    string `mapstructure:"sample_id" json:"sample_id"`
	Field       string `mapstructure:"field" json:"field"`
	LabelID     string `mapstructure:"label_id" json:"label_id"`
	FrameNumber *int   `mapstructure:"frame_number" json:"frame_number,omitempty"`
}

func (r LabelRef) kwarg() map[string]interface{} {
	m := map[string]interface{}{"sample_id": r.SampleID, "field": r.Field, "label_id": r.LabelID}
	if r.FrameNumber != nil {
		m["frame_number"] = *r.FrameNumber
	}
	return m
}

func parseLabelRefs(v interface{}) ([]LabelRef, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []LabelRef:
		return append([]LabelRef{}, t...), nil
	}
	refs := []LabelRef{}
	cfg := &mapstructure.DecoderConfig{ErrorUnused: true, Result: &refs}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(v); err != nil {
		return nil, err
	}
	return refs, nil
}

// LabelSelection indexes explicitly selected labels by field.
type LabelSelection struct {
	fields  map[string]map[string]struct{}
	samples map[string]struct{}
}

// NewLabelSelection indexes labels.
func NewLabelSelection(labels []LabelRef) *LabelSelection {
	ls := &LabelSelection{fields: map[string]map[string]struct{}{}, samples: map[string]struct{}{}}
	for _, l := range labels {
		field := schema.DBPath(l.Field)
		if ls.fields[field] == nil {
			ls.fields[field] = map[string]struct{}{}
		}
		ls.fields[field][l.LabelID] = struct{}{}
		ls.samples[l.SampleID] = struct{}{}
	}
	return ls
}

// Fields returns the fields holding selected labels.
func (ls *LabelSelection) Fields() []string {
	out := make([]string, 0, len(ls.fields))
	for f := range ls.fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// LabelIDs returns the selected labels of a field.
func (ls *LabelSelection) LabelIDs(field string) []string {
	return setToSorted(ls.fields[field])
}

// SampleIDs returns the samples holding selected labels.
func (ls *LabelSelection) SampleIDs() []string {
	return setToSorted(ls.samples)
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// labelCriteria are the ANDed criteria selecting labels.
type labelCriteria struct {
	labels []LabelRef
	ids    []string
	tags   []string
	filter expr.Filter
	fields []string
}

func newLabelCriteria(stage string, labels, ids, tags, fields interface{}) (labelCriteria, error) {
	var (
		c   labelCriteria
		err error
	)
	if c.labels, err = parseLabelRefs(labels); err != nil {
		return c, misconfigured(stage, "labels: %v", err)
	}
	if c.ids, err = stringList(ids); err != nil {
		return c, misconfigured(stage, "ids: %v", err)
	}
	if c.tags, err = stringList(tags); err != nil {
		return c, misconfigured(stage, "tags: %v", err)
	}
	if c.fields, err = stringList(fields); err != nil {
		return c, misconfigured(stage, "fields: %v", err)
	}
	return c, nil
}

func (c labelCriteria) labelsKwarg() interface{} {
	if c.labels == nil {
		return nil
	}
	out := make([]interface{}, 0, len(c.labels))
	for _, l := range c.labels {
		out = append(out, l.kwarg())
	}
	return out
}

func (c labelCriteria) empty() bool {
	return c.labels == nil && c.ids == nil && c.tags == nil && c.filter == nil
}

// cond returns the predicate over a label of field, or nil when there are
// no criteria.
func (c labelCriteria) cond(sel *LabelSelection, field string) expr.Filter {
	var parts []expr.Filter
	if c.labels != nil {
		parts = append(parts, expr.F("_id").IsIn(expr.ObjectIDs(sel.LabelIDs(field))))
	}
	if c.ids != nil {
		parts = append(parts, expr.F("_id").IsIn(expr.ObjectIDs(c.ids)))
	}
	if c.tags != nil {
		parts = append(parts, expr.F("tags").Contains(valueList(c.tags), false))
	}
	if c.filter != nil {
		parts = append(parts, c.filter)
	}
	return expr.And(parts...)
}

// targets resolves the label fields the criteria apply to: the given
// fields, else the fields of the explicit labels, else every label field.
func (c labelCriteria) targets(s Stage, v *View, sel *LabelSelection) ([]schema.LabelPath, error) {
	fields := c.fields
	if fields == nil && c.labels != nil {
		fields = sel.Fields()
		if len(fields) == 0 {
			return nil, nil
		}
	}
	targets, err := v.labelFields(fields)
	if err != nil {
		return nil, invalid(s, err)
	}
	return targets, nil
}

type labelsCache struct {
	sel      *LabelSelection
	targets  []schema.LabelPath
	excluded [2][]string
}

func (c *labelsCache) needsFrames() bool {
	for _, lp := range c.targets {
		if lp.IsFrame {
			return true
		}
	}
	return len(c.excluded[1]) > 0
}

func (c *labelsCache) fullPaths() []string {
	out := make([]string, 0, len(c.targets))
	for _, lp := range c.targets {
		out = append(out, lp.FullPath())
	}
	return out
}

func anyHasLabels(targets []schema.LabelPath) bson.D {
	or := make(bson.A, 0, len(targets))
	for _, lp := range targets {
		or = append(or, labelfilter.HasLabels(lp))
	}
	return stage("$match", bson.M{"$expr": bson.M{"$or": or}})
}

// SelectLabelsConfig configures a SelectLabels stage.
type SelectLabelsConfig struct {
	Labels    interface{} `mapstructure:"labels"`
	IDs       interface{} `mapstructure:"ids"`
	Tags      interface{} `mapstructure:"tags"`
	Fields    interface{} `mapstructure:"fields"`
	OmitEmpty *bool       `mapstructure:"omit_empty"`
}

// SelectLabels keeps only the labels matching all given criteria. Label
// fields other than the targeted ones are excluded.
type SelectLabels struct {
	base
	criteria  labelCriteria
	omitEmpty bool
}

func NewSelectLabels(cfg SelectLabelsConfig) (*SelectLabels, error) {
	c, err := newLabelCriteria(StageTypeSelectLabels, cfg.Labels, cfg.IDs, cfg.Tags, cfg.Fields)
	if err != nil {
		return nil, err
	}
	return &SelectLabels{criteria: c, omitEmpty: boolOr(cfg.OmitEmpty, true)}, nil
}

func (s *SelectLabels) Name() string { return StageTypeSelectLabels }

func (s *SelectLabels) Kwargs() []Kwarg {
	return []Kwarg{
		{"labels", s.criteria.labelsKwarg()},
		{"ids", s.criteria.ids},
		{"tags", s.criteria.tags},
		{"fields", s.criteria.fields},
		{"omit_empty", s.omitEmpty},
	}
}

func (s *SelectLabels) cache(v *View) *labelsCache {
	c, err := validated[*labelsCache](s, v, nil)
	if err != nil {
		return &labelsCache{}
	}
	return c
}

func (s *SelectLabels) NeedsFrames(v *View) bool        { return s.cache(v).needsFrames() }
func (s *SelectLabels) FilteredFields(v *View) []string { return s.cache(v).fullPaths() }

func (s *SelectLabels) ExcludedFields(v *View, frames bool) []string {
	if frames {
		return s.cache(v).excluded[1]
	}
	return s.cache(v).excluded[0]
}

func (s *SelectLabels) Validate(v *View) (Cache, error) {
	sel := NewLabelSelection(s.criteria.labels)
	targets, err := s.criteria.targets(s, v, sel)
	if err != nil {
		return nil, err
	}
	c := &labelsCache{sel: sel, targets: targets}
	keep := map[string]struct{}{}
	for _, lp := range targets {
		keep[lp.FullPath()] = struct{}{}
	}
	for _, f := range schema.LabelFields(v) {
		if _, ok := keep[f]; ok {
			continue
		}
		if rel, isFrame := schema.HandleFrameField(v, f); isFrame {
			c.excluded[1] = append(c.excluded[1], rel)
		} else {
			c.excluded[0] = append(c.excluded[0], f)
		}
	}
	return c, nil
}

func (s *SelectLabels) ToMongo(v *View, c Cache) (Pipeline, error) {
	cache, err := validated[*labelsCache](s, v, c)
	if err != nil {
		return nil, err
	}
	var p Pipeline
	if s.criteria.labels != nil {
		p = append(p, stage("$match", bson.M{"_id": bson.M{"$in": expr.ObjectIDs(cache.sel.SampleIDs())}}))
	}
	for _, lp := range cache.targets {
		if cond := s.criteria.cond(cache.sel, lp.FullPath()); cond != nil {
			p = append(p, labelfilter.Filter(lp, "", cond, false)...)
		}
	}
	if s.omitEmpty {
		p = append(p, anyHasLabels(cache.targets))
	}
	var excluded bson.D
	for _, f := range cache.excluded[0] {
		excluded = append(excluded, bson.E{Key: f, Value: false})
	}
	if v.FramesAttached() {
		for _, f := range cache.excluded[1] {
			excluded = append(excluded, bson.E{Key: schema.FramePath(f), Value: false})
		}
	}
	if len(excluded) > 0 {
		p = append(p, stage("$project", excluded))
	}
	return p, nil
}

// ExcludeLabelsConfig configures an ExcludeLabels stage.
type ExcludeLabelsConfig struct {
	Labels    interface{} `mapstructure:"labels"`
	IDs       interface{} `mapstructure:"ids"`
	Tags      interface{} `mapstructure:"tags"`
	Fields    interface{} `mapstructure:"fields"`
	OmitEmpty *bool       `mapstructure:"omit_empty"`
}

// ExcludeLabels omits the labels matching all given criteria. Without
// criteria every label of the given fields is omitted.
type ExcludeLabels struct {
	base
	criteria  labelCriteria
	omitEmpty bool
}

func NewExcludeLabels(cfg ExcludeLabelsConfig) (*ExcludeLabels, error) {
	c, err := newLabelCriteria(StageTypeExcludeLabels, cfg.Labels, cfg.IDs, cfg.Tags, cfg.Fields)
	if err != nil {
		return nil, err
	}
	if c.empty() && c.fields == nil {
		return nil, misconfigured(StageTypeExcludeLabels, ErrMissingArguments, "labels, ids, tags or fields")
	}
	return &ExcludeLabels{criteria: c, omitEmpty: boolOr(cfg.OmitEmpty, true)}, nil
}

func (s *ExcludeLabels) Name() string { return StageTypeExcludeLabels }

func (s *ExcludeLabels) Kwargs() []Kwarg {
	return []Kwarg{
		{"labels", s.criteria.labelsKwarg()},
		{"ids", s.criteria.ids},
		{"tags", s.criteria.tags},
		{"fields", s.criteria.fields},
		{"omit_empty", s.omitEmpty},
	}
}

func (s *ExcludeLabels) cache(v *View) *labelsCache {
	c, err := validated[*labelsCache](s, v, nil)
	if err != nil {
		return &labelsCache{}
	}
	return c
}

func (s *ExcludeLabels) NeedsFrames(v *View) bool        { return s.cache(v).needsFrames() }
func (s *ExcludeLabels) FilteredFields(v *View) []string { return s.cache(v).fullPaths() }

func (s *ExcludeLabels) Validate(v *View) (Cache, error) {
	sel := NewLabelSelection(s.criteria.labels)
	targets, err := s.criteria.targets(s, v, sel)
	if err != nil {
		return nil, err
	}
	return &labelsCache{sel: sel, targets: targets}, nil
}

func (s *ExcludeLabels) ToMongo(v *View, c Cache) (Pipeline, error) {
	cache, err := validated[*labelsCache](s, v, c)
	if err != nil {
		return nil, err
	}
	var p Pipeline
	for _, lp := range cache.targets {
		keep := expr.Filter(expr.Lit(false))
		if cond := s.criteria.cond(cache.sel, lp.FullPath()); cond != nil {
			keep = expr.Not(cond)
		}
		p = append(p, labelfilter.Filter(lp, "", keep, false)...)
	}
	if s.omitEmpty && len(cache.targets) > 0 {
		p = append(p, anyHasLabels(cache.targets))
	}
	return p, nil
}

// FilterLabelsConfig configures a FilterLabels stage.
type FilterLabelsConfig struct {
	Field        string      `mapstructure:"field"`
	Filter       interface{} `mapstructure:"filter"`
	OnlyMatches  *bool       `mapstructure:"only_matches"`
	Trajectories bool        `mapstructure:"trajectories"`
}

// FilterLabels keeps the labels of a field matching a filter. With
// trajectories, a frame-level object is kept in every frame as soon as it
// matches in one.
type FilterLabels struct {
	base
	field        string
	filter       expr.Filter
	onlyMatches  bool
	trajectories bool
}

func NewFilterLabels(cfg FilterLabelsConfig) (*FilterLabels, error) {
	if cfg.Field == "" {
		return nil, misconfigured(StageTypeFilterLabels, ErrEmptyField)
	}
	f, err := parseFilter(StageTypeFilterLabels, cfg.Filter)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, misconfigured(StageTypeFilterLabels, ErrMissingArguments, "filter")
	}
	return &FilterLabels{
		field:        cfg.Field,
		filter:       f,
		onlyMatches:  boolOr(cfg.OnlyMatches, true),
		trajectories: cfg.Trajectories,
	}, nil
}

func (s *FilterLabels) Name() string { return StageTypeFilterLabels }

func (s *FilterLabels) Kwargs() []Kwarg {
	return []Kwarg{
		{"field", s.field},
		{"filter", serializeFilter(s.filter)},
		{"only_matches", s.onlyMatches},
		{"trajectories", s.trajectories},
	}
}

func (s *FilterLabels) NeedsFrames(v *View) bool      { return schema.IsFrameField(v, s.field) }
func (s *FilterLabels) FilteredFields(*View) []string { return []string{s.field} }

func (s *FilterLabels) Validate(v *View) (Cache, error) {
	lp, err := v.label(s.field)
	if err != nil {
		return nil, invalid(s, err)
	}
	if s.trajectories && !labelfilter.SupportsTrajectories(lp) {
		return nil, invalidf(s, ErrFieldType, "%s: %v", s.field, labelfilter.ErrTrajectoriesUnsupported)
	}
	return lp, nil
}

func (s *FilterLabels) ToMongo(v *View, c Cache) (Pipeline, error) {
	lp, err := validated[schema.LabelPath](s, v, c)
	if err != nil {
		return nil, err
	}
	if !s.trajectories {
		return labelfilter.Filter(lp, "", s.filter, s.onlyMatches), nil
	}
	cond, pre, post, err := labelfilter.Trajectories(lp, s.filter)
	if err != nil {
		return nil, invalidf(s, ErrFieldType, "%v", err)
	}
	p := append(Pipeline{}, pre...)
	p = append(p, labelfilter.Filter(lp, "", cond, s.onlyMatches)...)
	return append(p, post...), nil
}

// MatchLabelsConfig configures a MatchLabels stage.
type MatchLabelsConfig struct {
	Labels interface{} `mapstructure:"labels"`
	IDs    interface{} `mapstructure:"ids"`
	Tags   interface{} `mapstructure:"tags"`
	Filter interface{} `mapstructure:"filter"`
	Fields interface{} `mapstructure:"fields"`
	Bool   *bool       `mapstructure:"bool"`
}

// MatchLabels keeps the samples with at least one label matching all given
// criteria. With bool false exactly the other samples are kept.
type MatchLabels struct {
	base
	criteria labelCriteria
	want     bool
}

func NewMatchLabels(cfg MatchLabelsConfig) (*MatchLabels, error) {
	c, err := newLabelCriteria(StageTypeMatchLabels, cfg.Labels, cfg.IDs, cfg.Tags, cfg.Fields)
	if err != nil {
		return nil, err
	}
	if c.filter, err = parseFilter(StageTypeMatchLabels, cfg.Filter); err != nil {
		return nil, err
	}
	return &MatchLabels{criteria: c, want: boolOr(cfg.Bool, true)}, nil
}

func (s *MatchLabels) Name() string { return StageTypeMatchLabels }

func (s *MatchLabels) Kwargs() []Kwarg {
	return []Kwarg{
		{"labels", s.criteria.labelsKwarg()},
		{"ids", s.criteria.ids},
		{"tags", s.criteria.tags},
		{"filter", serializeFilter(s.criteria.filter)},
		{"fields", s.criteria.fields},
		{"bool", s.want},
	}
}

func (s *MatchLabels) NeedsFrames(v *View) bool {
	c, err := validated[*labelsCache](s, v, nil)
	return err == nil && c.needsFrames()
}

func (s *MatchLabels) Validate(v *View) (Cache, error) {
	sel := NewLabelSelection(s.criteria.labels)
	targets, err := s.criteria.targets(s, v, sel)
	if err != nil {
		return nil, err
	}
	return &labelsCache{sel: sel, targets: targets}, nil
}

// Predicate returns the aggregation expression that holds for the samples
// with a matching label.
func (s *MatchLabels) Predicate(v *View, c Cache) (interface{}, error) {
	cache, err := validated[*labelsCache](s, v, c)
	if err != nil {
		return nil, err
	}
	or := make(bson.A, 0, len(cache.targets))
	for _, lp := range cache.targets {
		cond := s.criteria.cond(cache.sel, lp.FullPath())
		or = append(or, bson.M{"$gt": bson.A{labelfilter.CountMatches(lp, cond), 0}})
	}
	return bson.M{"$or": or}, nil
}

func (s *MatchLabels) ToMongo(v *View, c Cache) (Pipeline, error) {
	pred, err := s.Predicate(v, c)
	if err != nil {
		return nil, err
	}
	if !s.want {
		pred = bson.M{"$not": bson.A{pred}}
	}
	return Pipeline{stage("$match", bson.M{"$expr": pred})}, nil
}

// FilterFieldConfig configures a FilterField stage.
type FilterFieldConfig struct {
	Field       string      `mapstructure:"field"`
	Filter      interface{} `mapstructure:"filter"`
	OnlyMatches *bool       `mapstructure:"only_matches"`
}

// FilterField nulls out a field whose value does not match a filter.
type FilterField struct {
	base
	field       string
	filter      expr.Filter
	onlyMatches bool
}

func NewFilterField(cfg FilterFieldConfig) (*FilterField, error) {
	if cfg.Field == "" {
		return nil, misconfigured(StageTypeFilterField, ErrEmptyField)
	}
	f, err := parseFilter(StageTypeFilterField, cfg.Filter)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, misconfigured(StageTypeFilterField, ErrMissingArguments, "filter")
	}
	return &FilterField{field: cfg.Field, filter: f, onlyMatches: boolOr(cfg.OnlyMatches, true)}, nil
}

func (s *FilterField) Name() string { return StageTypeFilterField }

func (s *FilterField) Kwargs() []Kwarg {
	return []Kwarg{{"field", s.field}, {"filter", serializeFilter(s.filter)}, {"only_matches", s.onlyMatches}}
}

func (s *FilterField) NeedsFrames(v *View) bool      { return schema.IsFrameField(v, s.field) }
func (s *FilterField) FilteredFields(*View) []string { return []string{s.field} }

func (s *FilterField) Validate(v *View) (Cache, error) {
	if _, err := checkField(s, v, s.field); err != nil {
		return nil, err
	}
	return checked{}, nil
}

func (s *FilterField) ToMongo(v *View, c Cache) (Pipeline, error) {
	if c == nil {
		if _, err := s.Validate(v); err != nil {
			return nil, err
		}
	}
	path := schema.DBPath(s.field)
	if rel, ok := schema.HandleFrameField(v, path); ok {
		return labelfilter.FilterFramesField(rel, "", s.filter, s.onlyMatches), nil
	}
	return labelfilter.FilterField(path, "", s.filter, s.onlyMatches), nil
}

// FilterKeypointsConfig configures a FilterKeypoints stage.
type FilterKeypointsConfig struct {
	Field       string      `mapstructure:"field"`
	Filter      interface{} `mapstructure:"filter"`
	Labels      interface{} `mapstructure:"labels"`
	OnlyMatches *bool       `mapstructure:"only_matches"`
}

// FilterKeypoints blanks out the individual points of keypoints that do not
// match. The filter is applied to each point as {confidence, label}, and
// labels restrict the skeleton labels kept.
type FilterKeypoints struct {
	base
	field       string
	filter      expr.Filter
	labels      []string
	onlyMatches bool
}

type filterKeypointsCache struct {
	lp       schema.LabelPath
	skeleton []interface{}
}

func NewFilterKeypoints(cfg FilterKeypointsConfig) (*FilterKeypoints, error) {
	if cfg.Field == "" {
		return nil, misconfigured(StageTypeFilterKeypoints, ErrEmptyField)
	}
	f, err := parseFilter(StageTypeFilterKeypoints, cfg.Filter)
	if err != nil {
		return nil, err
	}
	labels, err := stringList(cfg.Labels)
	if err != nil {
		return nil, misconfigured(StageTypeFilterKeypoints, "labels: %v", err)
	}
	if f == nil && labels == nil {
		return nil, misconfigured(StageTypeFilterKeypoints, ErrMissingArguments, "filter or labels")
	}
	return &FilterKeypoints{field: cfg.Field, filter: f, labels: labels, onlyMatches: boolOr(cfg.OnlyMatches, true)}, nil
}

func (s *FilterKeypoints) Name() string { return StageTypeFilterKeypoints }

func (s *FilterKeypoints) Kwargs() []Kwarg {
	return []Kwarg{
		{"field", s.field},
		{"filter", serializeFilter(s.filter)},
		{"labels", s.labels},
		{"only_matches", s.onlyMatches},
	}
}

func (s *FilterKeypoints) NeedsFrames(v *View) bool      { return schema.IsFrameField(v, s.field) }
func (s *FilterKeypoints) FilteredFields(*View) []string { return []string{s.field} }

func (s *FilterKeypoints) Validate(v *View) (Cache, error) {
	lp, err := v.label(s.field)
	if err != nil {
		return nil, invalid(s, err)
	}
	if schema.ElementType(lp.DocType) != schema.Keypoint {
		return nil, invalidf(s, ErrFieldType, "%q has type %s, expected keypoints", s.field, lp.DocType)
	}
	c := &filterKeypointsCache{lp: lp}
	if s.labels != nil {
		f, _ := schema.GetField(v, s.field)
		skeleton, ok := f.Info["skeleton"].([]interface{})
		if !ok {
			return nil, invalidf(s, ErrFieldType, "%q has no skeleton to filter labels by", s.field)
		}
		c.skeleton = skeleton
	}
	return c, nil
}

// keepPoint is the predicate over point i of the keypoint at ref.
func (s *FilterKeypoints) keepPoint(ref string, skeleton []interface{}) interface{} {
	point := bson.M{
		"confidence": bson.M{"$arrayElemAt": bson.A{bson.M{"$ifNull": bson.A{ref + ".confidence", bson.A{}}}, "$$i"}},
	}
	var conds bson.A
	if s.filter != nil {
		conds = append(conds, s.filter.ToMongo("$$point"))
	}
	if s.labels != nil {
		point["label"] = bson.M{"$arrayElemAt": bson.A{skeleton, "$$i"}}
		conds = append(conds, bson.M{"$in": bson.A{"$$point.label", valueList(s.labels)}})
	}
	return bson.M{"$let": bson.M{
		"vars": bson.M{"point": point},
		"in":   bson.M{"$and": conds},
	}}
}

func (s *FilterKeypoints) points(ref string, skeleton []interface{}) interface{} {
	return bson.M{"$map": bson.M{
		"input": bson.M{"$range": bson.A{0, bson.M{"$size": bson.M{"$ifNull": bson.A{ref + ".points", bson.A{}}}}}},
		"as":    "i",
		"in": bson.M{"$cond": bson.A{
			s.keepPoint(ref, skeleton),
			bson.M{"$arrayElemAt": bson.A{ref + ".points", "$$i"}},
			bson.A{math.NaN(), math.NaN()},
		}},
	}}
}

func hasVisiblePoints(ref string) interface{} {
	return bson.M{"$gt": bson.A{
		bson.M{"$size": bson.M{"$filter": bson.M{
			"input": bson.M{"$ifNull": bson.A{ref + ".points", bson.A{}}},
			"as":    "p",
			"cond":  bson.M{"$ne": bson.A{bson.M{"$arrayElemAt": bson.A{"$$p", 0}}, math.NaN()}},
		}}},
		0,
	}}
}

func (s *FilterKeypoints) ToMongo(v *View, c Cache) (Pipeline, error) {
	cache, err := validated[*filterKeypointsCache](s, v, c)
	if err != nil {
		return nil, err
	}
	lp := cache.lp
	p := labelfilter.TransformLabels(lp, func(ref string) interface{} {
		return bson.M{"$mergeObjects": bson.A{ref, bson.M{"points": s.points(ref, cache.skeleton)}}}
	})
	if !s.onlyMatches {
		return p, nil
	}
	if lp.IsList() {
		p = append(p, labelfilter.TransformList(lp, func(ref string) interface{} {
			return bson.M{"$cond": bson.A{
				bson.M{"$isArray": ref},
				bson.M{"$filter": bson.M{"input": ref, "as": "kp", "cond": hasVisiblePoints("$$kp")}},
				ref,
			}}
		})...)
	} else {
		p = append(p, labelfilter.TransformLabels(lp, func(ref string) interface{} {
			return bson.M{"$cond": bson.A{hasVisiblePoints(ref), ref, nil}}
		})...)
	}
	return append(p, stage("$match", bson.M{"$expr": labelfilter.HasLabels(lp)})), nil
}

// LimitLabelsConfig configures a LimitLabels stage.
type LimitLabelsConfig struct {
	Field string `mapstructure:"field"`
	Limit int    `mapstructure:"limit"`
}

// LimitLabels keeps at most the given number of labels of a list field.
type LimitLabels struct {
	base
	field string
	limit int
}

func NewLimitLabels(cfg LimitLabelsConfig) (*LimitLabels, error) {
	if cfg.Field == "" {
		return nil, misconfigured(StageTypeLimitLabels, ErrEmptyField)
	}
	if cfg.Limit < 0 {
		return nil, misconfigured(StageTypeLimitLabels, ErrNegativeValue, "limit")
	}
	return &LimitLabels{field: cfg.Field, limit: cfg.Limit}, nil
}

func (s *LimitLabels) Name() string    { return StageTypeLimitLabels }
func (s *LimitLabels) Kwargs() []Kwarg { return []Kwarg{{"field", s.field}, {"limit", s.limit}} }

func (s *LimitLabels) NeedsFrames(v *View) bool      { return schema.IsFrameField(v, s.field) }
func (s *LimitLabels) FilteredFields(*View) []string { return []string{s.field} }

func (s *LimitLabels) Validate(v *View) (Cache, error) {
	lp, err := v.label(s.field)
	if err != nil {
		return nil, invalid(s, err)
	}
	if !lp.IsList() {
		return nil, invalidf(s, ErrFieldType, "%q has type %s, expected a label list", s.field, lp.DocType)
	}
	return lp, nil
}

func (s *LimitLabels) ToMongo(v *View, c Cache) (Pipeline, error) {
	lp, err := validated[schema.LabelPath](s, v, c)
	if err != nil {
		return nil, err
	}
	return labelfilter.TransformList(lp, func(ref string) interface{} {
		return bson.M{"$cond": bson.A{bson.M{"$isArray": ref}, bson.M{"$slice": bson.A{ref, s.limit}}, ref}}
	}), nil
}

// MapLabelsConfig configures a MapLabels stage.
type MapLabelsConfig struct {
	Field string                 `mapstructure:"field"`
	Map   map[string]interface{} `mapstructure:"map"`
}

// MapLabels renames the labels of a field.
type MapLabels struct {
	base
	field   string
	mapping map[string]interface{}
}

func NewMapLabels(cfg MapLabelsConfig) (*MapLabels, error) {
	if cfg.Field == "" {
		return nil, misconfigured(StageTypeMapLabels, ErrEmptyField)
	}
	for k, v := range cfg.Map {
		if _, ok := v.(string); !ok {
			return nil, misconfigured(StageTypeMapLabels, "label %q must map to a string, got %T", k, v)
		}
	}
	return &MapLabels{field: cfg.Field, mapping: cfg.Map}, nil
}

func (s *MapLabels) Name() string { return StageTypeMapLabels }

func (s *MapLabels) Kwargs() []Kwarg {
	mapping := s.mapping
	if mapping == nil {
		mapping = map[string]interface{}{}
	}
	return []Kwarg{{"field", s.field}, {"map", mapping}}
}

func (s *MapLabels) NeedsFrames(v *View) bool    { return schema.IsFrameField(v, s.field) }
func (s *MapLabels) EditedFields(*View) []string { return []string{s.field} }

func (s *MapLabels) Validate(v *View) (Cache, error) {
	lp, err := v.label(s.field)
	if err != nil {
		return nil, invalid(s, err)
	}
	return lp, nil
}

func (s *MapLabels) ToMongo(v *View, c Cache) (Pipeline, error) {
	lp, err := validated[schema.LabelPath](s, v, c)
	if err != nil {
		return nil, err
	}
	if len(s.mapping) == 0 {
		return Pipeline{}, nil
	}
	return labelfilter.TransformLabels(lp, func(ref string) interface{} {
		branches := make(bson.A, 0, len(s.mapping))
		for _, k := range sortedKeys(s.mapping) {
			branches = append(branches, bson.M{
				"case": bson.M{"$eq": bson.A{ref + ".label", k}},
				"then": s.mapping[k],
			})
		}
		label := bson.M{"$switch": bson.M{"branches": branches, "default": ref + ".label"}}
		return bson.M{"$mergeObjects": bson.A{ref, bson.M{"label": label}}}
	}), nil
}
