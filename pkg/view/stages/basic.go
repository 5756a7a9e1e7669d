package stages

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

const (
	randTakeField    = "_rand_take"
	randShuffleField = "_rand_shuffle"
	selectOrderField = "_select_order"
	sortExprField    = "_sort_field"
)

func matchNothing() Pipeline {
	return Pipeline{stage("$match", bson.M{"_id": nil})}
}

// LimitConfig configures a Limit stage.
type LimitConfig struct {
	Limit int `mapstructure:"limit"`
}

// Limit keeps at most the given number of samples. A non-positive limit
// keeps none.
type Limit struct {
	base
	cfg LimitConfig
}

func NewLimit(cfg LimitConfig) (*Limit, error) { return &Limit{cfg: cfg}, nil }

func (s *Limit) Name() string                  { return StageTypeLimit }
func (s *Limit) Kwargs() []Kwarg               { return []Kwarg{{"limit", s.cfg.Limit}} }
func (s *Limit) Validate(*View) (Cache, error) { return nil, nil }

func (s *Limit) ToMongo(*View, Cache) (Pipeline, error) {
	if s.cfg.Limit <= 0 {
		return matchNothing(), nil
	}
	return Pipeline{stage("$limit", s.cfg.Limit)}, nil
}

// SkipConfig configures a Skip stage.
type SkipConfig struct {
	Skip int `mapstructure:"skip"`
}

// Skip omits the given number of samples.
type Skip struct {
	base
	cfg SkipConfig
}

func NewSkip(cfg SkipConfig) (*Skip, error) { return &Skip{cfg: cfg}, nil }

func (s *Skip) Name() string                  { return StageTypeSkip }
func (s *Skip) Kwargs() []Kwarg               { return []Kwarg{{"skip", s.cfg.Skip}} }
func (s *Skip) Validate(*View) (Cache, error) { return nil, nil }

func (s *Skip) ToMongo(*View, Cache) (Pipeline, error) {
	if s.cfg.Skip <= 0 {
		return Pipeline{}, nil
	}
	return Pipeline{stage("$skip", s.cfg.Skip)}, nil
}

// randint derives the multiplier used to permute the _rand field. The same
// seed always yields the same permutation.
func randint(seed *int64) int64 {
	const lo, hi = 10_000_000, 10_000_000_000
	if seed == nil {
		return lo + rand.Int63n(hi-lo)
	}
	return lo + rand.New(rand.NewSource(*seed)).Int63n(hi-lo)
}

func randPipeline(field string, mult int64) Pipeline {
	return Pipeline{
		stage("$set", bson.M{field: bson.M{"$mod": bson.A{
			bson.M{"$multiply": bson.A{mult, "$_rand"}}, 1,
		}}}),
		stage("$sort", bson.D{{Key: field, Value: 1}}),
	}
}

// TakeConfig configures a Take stage.
type TakeConfig struct {
	Size    int    `mapstructure:"size"`
	Seed    *int64 `mapstructure:"seed"`
	Randint *int64 `mapstructure:"_randint"`
}

// Take randomly samples the given number of samples.
type Take struct {
	base
	cfg TakeConfig
}

func NewTake(cfg TakeConfig) (*Take, error) {
	if cfg.Randint == nil {
		r := randint(cfg.Seed)
		cfg.Randint = &r
	}
	return &Take{cfg: cfg}, nil
}

func (s *Take) Name() string { return StageTypeTake }

func (s *Take) Kwargs() []Kwarg {
	return []Kwarg{{"size", s.cfg.Size}, {"seed", s.cfg.Seed}, {"_randint", *s.cfg.Randint}}
}

func (s *Take) Validate(*View) (Cache, error) { return nil, nil }

func (s *Take) ToMongo(*View, Cache) (Pipeline, error) {
	if s.cfg.Size <= 0 {
		return matchNothing(), nil
	}
	p := randPipeline(randTakeField, *s.cfg.Randint)
	return append(p, stage("$limit", s.cfg.Size), stage("$unset", randTakeField)), nil
}

// ShuffleConfig configures a Shuffle stage.
type ShuffleConfig struct {
	Seed    *int64 `mapstructure:"seed"`
	Randint *int64 `mapstructure:"_randint"`
}

// Shuffle randomly orders the samples.
type Shuffle struct {
	base
	cfg ShuffleConfig
}

func NewShuffle(cfg ShuffleConfig) (*Shuffle, error) {
	if cfg.Randint == nil {
		r := randint(cfg.Seed)
		cfg.Randint = &r
	}
	return &Shuffle{cfg: cfg}, nil
}

func (s *Shuffle) Name() string { return StageTypeShuffle }
func (s *Shuffle) Kwargs() []Kwarg {
	return []Kwarg{{"seed", s.cfg.Seed}, {"_randint", *s.cfg.Randint}}
}
func (s *Shuffle) Validate(*View) (Cache, error) { return nil, nil }

func (s *Shuffle) ToMongo(*View, Cache) (Pipeline, error) {
	return append(randPipeline(randShuffleField, *s.cfg.Randint), stage("$unset", randShuffleField)), nil
}

// selectByValues matches the documents whose path is one of values,
// optionally ordering them as values are.
func selectByValues(path string, values []interface{}, ordered bool) Pipeline {
	values = idValues(path, values)
	p := Pipeline{stage("$match", bson.M{path: bson.M{"$in": values}})}
	if ordered {
		p = append(p,
			stage("$set", bson.M{selectOrderField: bson.M{"$indexOfArray": bson.A{values, "$" + path}}}),
			stage("$sort", bson.D{{Key: selectOrderField, Value: 1}}),
			stage("$unset", selectOrderField),
		)
	}
	return p
}

func excludeByValues(path string, values []interface{}) Pipeline {
	values = idValues(path, values)
	return Pipeline{stage("$match", bson.M{path: bson.M{"$not": bson.M{"$in": values}}})}
}

// ExcludeConfig configures an Exclude stage.
type ExcludeConfig struct {
	SampleIDs interface{} `mapstructure:"sample_ids"`
}

// Exclude omits the samples with the given IDs.
type Exclude struct {
	base
	ids []string
}

func NewExclude(cfg ExcludeConfig) (*Exclude, error) {
	ids, err := stringList(cfg.SampleIDs)
	if err != nil {
		return nil, misconfigured(StageTypeExclude, "sample_ids: %v", err)
	}
	return &Exclude{ids: ids}, nil
}

func (s *Exclude) Name() string                  { return StageTypeExclude }
func (s *Exclude) Kwargs() []Kwarg               { return []Kwarg{{"sample_ids", s.ids}} }
func (s *Exclude) Validate(*View) (Cache, error) { return nil, nil }

func (s *Exclude) ToMongo(*View, Cache) (Pipeline, error) {
	return excludeByValues("_id", valueList(s.ids)), nil
}

// ExcludeByConfig configures an ExcludeBy stage.
type ExcludeByConfig struct {
	Field  string      `mapstructure:"field"`
	Values interface{} `mapstructure:"values"`
}

// ExcludeBy omits the samples whose field is one of the given values.
type ExcludeBy struct {
	base
	field  string
	values []interface{}
}

func NewExcludeBy(cfg ExcludeByConfig) (*ExcludeBy, error) {
	if cfg.Field == "" {
		return nil, misconfigured(StageTypeExcludeBy, ErrEmptyField)
	}
	return &ExcludeBy{field: cfg.Field, values: valueList(cfg.Values)}, nil
}

func (s *ExcludeBy) Name() string { return StageTypeExcludeBy }

func (s *ExcludeBy) Kwargs() []Kwarg {
	return []Kwarg{{"field", s.field}, {"values", s.values}}
}

func (s *ExcludeBy) Validate(v *View) (Cache, error) {
	if _, err := checkField(s, v, s.field); err != nil {
		return nil, err
	}
	return checked{}, nil
}

func (s *ExcludeBy) ToMongo(v *View, c Cache) (Pipeline, error) {
	if c == nil {
		if _, err := s.Validate(v); err != nil {
			return nil, err
		}
	}
	return excludeByValues(schema.DBPath(s.field), s.values), nil
}

// SelectConfig configures a Select stage.
type SelectConfig struct {
	SampleIDs interface{} `mapstructure:"sample_ids"`
	Ordered   bool        `mapstructure:"ordered"`
}

// Select keeps the samples with the given IDs.
type Select struct {
	base
	ids     []string
	ordered bool
}

func NewSelect(cfg SelectConfig) (*Select, error) {
	ids, err := stringList(cfg.SampleIDs)
	if err != nil {
		return nil, misconfigured(StageTypeSelect, "sample_ids: %v", err)
	}
	return &Select{ids: ids, ordered: cfg.Ordered}, nil
}

func (s *Select) Name() string                  { return StageTypeSelect }
func (s *Select) Kwargs() []Kwarg               { return []Kwarg{{"sample_ids", s.ids}, {"ordered", s.ordered}} }
func (s *Select) Validate(*View) (Cache, error) { return nil, nil }

func (s *Select) ToMongo(*View, Cache) (Pipeline, error) {
	return selectByValues("_id", valueList(s.ids), s.ordered), nil
}

// SelectByConfig configures a SelectBy stage.
type SelectByConfig struct {
	Field   string      `mapstructure:"field"`
	Values  interface{} `mapstructure:"values"`
	Ordered bool        `mapstructure:"ordered"`
}

// SelectBy keeps the samples whose field is one of the given values.
type SelectBy struct {
	base
	field   string
	values  []interface{}
	ordered bool
}

func NewSelectBy(cfg SelectByConfig) (*SelectBy, error) {
	if cfg.Field == "" {
		return nil, misconfigured(StageTypeSelectBy, ErrEmptyField)
	}
	return &SelectBy{field: cfg.Field, values: valueList(cfg.Values), ordered: cfg.Ordered}, nil
}

func (s *SelectBy) Name() string { return StageTypeSelectBy }

func (s *SelectBy) Kwargs() []Kwarg {
	return []Kwarg{{"field", s.field}, {"values", s.values}, {"ordered", s.ordered}}
}

func (s *SelectBy) Validate(v *View) (Cache, error) {
	if _, err := checkField(s, v, s.field); err != nil {
		return nil, err
	}
	return checked{}, nil
}

func (s *SelectBy) ToMongo(v *View, c Cache) (Pipeline, error) {
	if c == nil {
		if _, err := s.Validate(v); err != nil {
			return nil, err
		}
	}
	return selectByValues(schema.DBPath(s.field), s.values, s.ordered), nil
}

// MatchConfig configures a Match stage.
type MatchConfig struct {
	Filter interface{} `mapstructure:"filter"`
}

// Match keeps the samples matching a filter.
type Match struct {
	base
	filter expr.Filter
}

func NewMatch(cfg MatchConfig) (*Match, error) {
	f, err := parseFilter(StageTypeMatch, cfg.Filter)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, misconfigured(StageTypeMatch, ErrMissingArguments, "filter")
	}
	return &Match{filter: f}, nil
}

func (s *Match) Name() string                  { return StageTypeMatch }
func (s *Match) Kwargs() []Kwarg               { return []Kwarg{{"filter", serializeQuery(s.filter)}} }
func (s *Match) Validate(*View) (Cache, error) { return nil, nil }

func (s *Match) ToMongo(*View, Cache) (Pipeline, error) {
	return Pipeline{stage("$match", expr.AsQuery(s.filter))}, nil
}

// MatchTagsConfig configures a MatchTags stage.
type MatchTagsConfig struct {
	Tags interface{} `mapstructure:"tags"`
	Bool *bool       `mapstructure:"bool"`
	All  bool        `mapstructure:"all"`
}

// MatchTags keeps the samples with any, or all, of the given tags. With
// bool false the complement is kept.
type MatchTags struct {
	base
	tags []string
	want bool
	all  bool
}

func NewMatchTags(cfg MatchTagsConfig) (*MatchTags, error) {
	tags, err := stringList(cfg.Tags)
	if err != nil {
		return nil, misconfigured(StageTypeMatchTags, "tags: %v", err)
	}
	return &MatchTags{tags: tags, want: boolOr(cfg.Bool, true), all: cfg.All}, nil
}

func (s *MatchTags) Name() string { return StageTypeMatchTags }

func (s *MatchTags) Kwargs() []Kwarg {
	return []Kwarg{{"tags", s.tags}, {"bool", s.want}, {"all", s.all}}
}

func (s *MatchTags) Validate(*View) (Cache, error) { return nil, nil }

func (s *MatchTags) ToMongo(*View, Cache) (Pipeline, error) {
	tags := valueList(s.tags)
	var cond bson.M
	switch {
	case s.want && s.all:
		cond = bson.M{"$all": tags}
	case s.want:
		cond = bson.M{"$in": tags}
	case s.all:
		cond = bson.M{"$not": bson.M{"$all": tags}}
	default:
		cond = bson.M{"$nin": tags}
	}
	return Pipeline{stage("$match", bson.M{"tags": cond})}, nil
}

// ExistsConfig configures an Exists stage.
type ExistsConfig struct {
	Field string `mapstructure:"field"`
	Bool  *bool  `mapstructure:"bool"`
}

// Exists keeps the samples with a non-null value for a field. Frame
// fields match when any frame has a value. With bool false the complement
// is kept.
type Exists struct {
	base
	field string
	want  bool
}

func NewExists(cfg ExistsConfig) (*Exists, error) {
	if cfg.Field == "" {
		return nil, misconfigured(StageTypeExists, ErrEmptyField)
	}
	return &Exists{field: cfg.Field, want: boolOr(cfg.Bool, true)}, nil
}

func (s *Exists) Name() string    { return StageTypeExists }
func (s *Exists) Kwargs() []Kwarg { return []Kwarg{{"field", s.field}, {"bool", s.want}} }

func (s *Exists) NeedsFrames(v *View) bool { return schema.IsFrameField(v, s.field) }

func (s *Exists) Validate(v *View) (Cache, error) {
	if _, err := checkField(s, v, s.field); err != nil {
		return nil, err
	}
	return checked{}, nil
}

func (s *Exists) ToMongo(v *View, c Cache) (Pipeline, error) {
	if c == nil {
		if _, err := s.Validate(v); err != nil {
			return nil, err
		}
	}
	path := schema.DBPath(s.field)
	if rel, ok := schema.HandleFrameField(v, path); ok && rel != "" {
		anyFrame := expr.F("$" + schema.FramesField).Filter(expr.F(rel).Exists()).Length().Gt(0)
		cond := expr.Filter(anyFrame)
		if !s.want {
			cond = expr.Not(anyFrame)
		}
		return Pipeline{stage("$match", expr.AsQuery(cond))}, nil
	}
	if s.want {
		return Pipeline{stage("$match", bson.M{path: bson.M{"$exists": true, "$ne": nil}})}, nil
	}
	return Pipeline{stage("$match", bson.M{path: nil})}, nil
}

// MongoConfig configures a Mongo stage.
type MongoConfig struct {
	Pipeline    interface{} `mapstructure:"pipeline"`
	NeedsFrames *bool       `mapstructure:"_needs_frames"`
	GroupSlices interface{} `mapstructure:"_group_slices"`
}

// Mongo appends a raw aggregation pipeline.
type Mongo struct {
	base
	pipeline    Pipeline
	needsFrames *bool
	slices      []string
}

func NewMongo(cfg MongoConfig) (*Mongo, error) {
	var docs []interface{}
	switch t := cfg.Pipeline.(type) {
	case Pipeline:
		for _, d := range t {
			docs = append(docs, d)
		}
	case bson.D:
		docs = []interface{}{t}
	case map[string]interface{}, bson.M:
		docs = []interface{}{t}
	case []interface{}:
		docs = t
	case bson.A:
		docs = t
	default:
		return nil, misconfigured(StageTypeMongo, "pipeline must be a document or a list of documents, got %T", cfg.Pipeline)
	}
	p := make(Pipeline, 0, len(docs))
	for i, d := range docs {
		doc, err := toDoc(d)
		if err != nil {
			return nil, misconfigured(StageTypeMongo, "pipeline stage %d: %v", i, err)
		}
		p = append(p, doc)
	}
	slices, err := stringList(cfg.GroupSlices)
	if err != nil {
		return nil, misconfigured(StageTypeMongo, "_group_slices: %v", err)
	}
	return &Mongo{pipeline: p, needsFrames: cfg.NeedsFrames, slices: slices}, nil
}

func (s *Mongo) Name() string { return StageTypeMongo }

func (s *Mongo) Kwargs() []Kwarg {
	return []Kwarg{{"pipeline", s.pipeline}, {"_needs_frames", s.needsFrames}, {"_group_slices", s.slices}}
}

// NeedsFrames implements Probe. Unless given explicitly, a pipeline needs
// frames when it mentions the frames field.
func (s *Mongo) NeedsFrames(*View) bool {
	if s.needsFrames != nil {
		return *s.needsFrames
	}
	buf, err := json.Marshal(s.pipeline)
	if err != nil {
		return false
	}
	return strings.Contains(string(buf), `"$`+schema.FramesField) ||
		strings.Contains(string(buf), `"`+schema.FramesField+`.`)
}

func (s *Mongo) NeedsGroupSlices(*View) []string { return s.slices }

func (s *Mongo) Validate(*View) (Cache, error) { return nil, nil }

func (s *Mongo) ToMongo(*View, Cache) (Pipeline, error) {
	return append(Pipeline(nil), s.pipeline...), nil
}

// SortByConfig configures a SortBy stage.
type SortByConfig struct {
	FieldOrExpr interface{} `mapstructure:"field_or_expr"`
	Reverse     bool        `mapstructure:"reverse"`
	CreateIndex *bool       `mapstructure:"create_index"`
}

type sortKey struct {
	path  string
	order int
}

// SortBy orders the samples by a field, a list of fields, or an
// expression.
type SortBy struct {
	base
	keys        []sortKey
	expression  expr.Filter
	raw         interface{}
	reverse     bool
	createIndex bool
}

func NewSortBy(cfg SortByConfig) (*SortBy, error) {
	s := &SortBy{reverse: cfg.Reverse, createIndex: boolOr(cfg.CreateIndex, true)}
	ord := order(cfg.Reverse)
	switch t := cfg.FieldOrExpr.(type) {
	case string:
		if t == "" {
			return nil, misconfigured(StageTypeSortBy, ErrEmptyField)
		}
		if strings.HasPrefix(t, "$") {
			s.expression = expr.NewRaw(t)
			s.raw = t
			break
		}
		s.keys = []sortKey{{path: t, order: ord}}
		s.raw = t
	case []string:
		for _, f := range t {
			s.keys = append(s.keys, sortKey{path: f, order: ord})
		}
		s.raw = valueList(t)
	case []interface{}:
		raw := make([]interface{}, 0, len(t))
		for _, e := range t {
			key, kw, err := parseSortKey(e, ord)
			if err != nil {
				return nil, misconfigured(StageTypeSortBy, "%v", err)
			}
			s.keys = append(s.keys, key)
			raw = append(raw, kw)
		}
		s.raw = raw
	default:
		f, err := parseFilter(StageTypeSortBy, t)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, misconfigured(StageTypeSortBy, ErrMissingArguments, "field_or_expr")
		}
		s.expression = f
		s.raw = f.Serialize()
	}
	return s, nil
}

func parseSortKey(e interface{}, def int) (sortKey, interface{}, error) {
	switch t := e.(type) {
	case string:
		return sortKey{path: t, order: def}, t, nil
	case []interface{}:
		if len(t) == 2 {
			path, ok := t[0].(string)
			if ok {
				switch o := t[1].(type) {
				case int:
					return sortKey{path: path, order: sign(float64(o))}, []interface{}{path, sign(float64(o))}, nil
				case float64:
					return sortKey{path: path, order: sign(o)}, []interface{}{path, sign(o)}, nil
				}
			}
		}
	}
	return sortKey{}, nil, errors.Errorf("sort key must be a field or a [field, order] pair, got %v", e)
}

func sign(f float64) int {
	if f < 0 {
		return -1
	}
	return 1
}

func (s *SortBy) Name() string { return StageTypeSortBy }

func (s *SortBy) Kwargs() []Kwarg {
	return []Kwarg{{"field_or_expr", s.raw}, {"reverse", s.reverse}, {"create_index", s.createIndex}}
}

func (s *SortBy) Validate(v *View) (Cache, error) {
	for _, k := range s.keys {
		if _, err := checkField(s, v, k.path); err != nil {
			return nil, err
		}
		if schema.IsFrameField(v, k.path) {
			return nil, invalidf(s, ErrFieldType, "cannot sort samples by frame field %q", k.path)
		}
	}
	if s.createIndex && len(s.keys) == 1 {
		v.ensureIndex(schema.DBPath(s.keys[0].path), schema.IndexOptions{Kind: schema.IndexAscending})
	}
	return checked{}, nil
}

func (s *SortBy) ToMongo(v *View, c Cache) (Pipeline, error) {
	if s.expression != nil {
		return Pipeline{
			stage("$set", bson.M{sortExprField: s.expression.ToMongo("")}),
			stage("$sort", bson.D{{Key: sortExprField, Value: order(s.reverse)}}),
			stage("$unset", sortExprField),
		}, nil
	}
	if c == nil {
		if _, err := s.Validate(v); err != nil {
			return nil, err
		}
	}
	doc := make(bson.D, 0, len(s.keys))
	for _, k := range s.keys {
		doc = append(doc, bson.E{Key: schema.DBPath(k.path), Value: k.order})
	}
	return Pipeline{stage("$sort", doc)}, nil
}
