package stages

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

const (
	groupKeyField  = "_group_key"
	groupSortField = "_group_sort"
	flatField      = "_flat"
)

// GroupByConfig configures a GroupBy stage.
type GroupByConfig struct {
	FieldOrExpr interface{} `mapstructure:"field_or_expr"`
	OrderBy     string      `mapstructure:"order_by"`
	Reverse     bool        `mapstructure:"reverse"`
	Flat        bool        `mapstructure:"flat"`
	MatchExpr   interface{} `mapstructure:"match_expr"`
	SortExpr    interface{} `mapstructure:"sort_expr"`
	CreateIndex *bool       `mapstructure:"create_index"`
}

// GroupBy groups the samples by a field or an expression.
//
// Grouped output holds one representative sample per group, the first one
// in order_by order, and makes the view dynamically grouped. Flat output
// keeps every sample, clustered by group, optionally restricted and ordered
// by expressions evaluated over each whole group.
type GroupBy struct {
	base
	field       string
	expression  expr.Filter
	raw         interface{}
	orderBy     string
	reverse     bool
	flat        bool
	matchExpr   expr.Filter
	sortExpr    expr.Filter
	createIndex bool
}

func NewGroupBy(cfg GroupByConfig) (*GroupBy, error) {
	s := &GroupBy{
		orderBy:     cfg.OrderBy,
		reverse:     cfg.Reverse,
		flat:        cfg.Flat,
		createIndex: boolOr(cfg.CreateIndex, true),
	}
	switch t := cfg.FieldOrExpr.(type) {
	case nil:
		return nil, misconfigured(StageTypeGroupBy, ErrMissingArguments, "field_or_expr")
	case string:
		if t == "" {
			return nil, misconfigured(StageTypeGroupBy, ErrEmptyField)
		}
		if t[0] == '$' {
			s.expression = expr.NewRaw(t)
		} else {
			s.field = t
		}
		s.raw = t
	default:
		f, err := parseFilter(StageTypeGroupBy, t)
		if err != nil {
			return nil, err
		}
		s.expression = f
		s.raw = f.Serialize()
	}
	var err error
	if s.matchExpr, err = parseFilter(StageTypeGroupBy, cfg.MatchExpr); err != nil {
		return nil, err
	}
	if s.sortExpr, err = parseFilter(StageTypeGroupBy, cfg.SortExpr); err != nil {
		return nil, err
	}
	if !s.flat && (s.matchExpr != nil || s.sortExpr != nil) {
		return nil, misconfigured(StageTypeGroupBy, "match_expr and sort_expr require flat")
	}
	return s, nil
}

func (s *GroupBy) Name() string { return StageTypeGroupBy }

func (s *GroupBy) Kwargs() []Kwarg {
	var orderBy interface{}
	if s.orderBy != "" {
		orderBy = s.orderBy
	}
	return []Kwarg{
		{"field_or_expr", s.raw},
		{"order_by", orderBy},
		{"reverse", s.reverse},
		{"flat", s.flat},
		{"match_expr", serializeFilter(s.matchExpr)},
		{"sort_expr", serializeFilter(s.sortExpr)},
		{"create_index", s.createIndex},
	}
}

func (s *GroupBy) GroupExpr(*View) interface{} { return s.raw }
func (s *GroupBy) OutputsDynamicGroups() bool  { return !s.flat }

// key renders the group key of the document at prefix. Missing keys render
// as null so that they compare equal.
func (s *GroupBy) key(prefix string) interface{} {
	var k interface{}
	if s.expression != nil {
		k = s.expression.ToMongo(prefix)
	} else {
		k = expr.Ref(prefix, schema.DBPath(s.field))
	}
	return bson.M{"$ifNull": bson.A{k, nil}}
}

func (s *GroupBy) Validate(v *View) (Cache, error) {
	if v.IsDynamicGroups() {
		return nil, invalidf(s, ErrGroupState, "view is already grouped")
	}
	for _, path := range []string{s.field, s.orderBy} {
		if path == "" {
			continue
		}
		if _, err := checkField(s, v, path); err != nil {
			return nil, err
		}
		if schema.IsFrameField(v, path) {
			return nil, invalidf(s, ErrFieldType, "cannot group samples by frame field %q", path)
		}
	}
	if s.createIndex {
		if s.field != "" {
			v.ensureIndex(schema.DBPath(s.field), schema.IndexOptions{Kind: schema.IndexAscending})
		}
		if s.orderBy != "" {
			v.ensureIndex(schema.DBPath(s.orderBy), schema.IndexOptions{Kind: schema.IndexAscending})
		}
	}
	// The view being grouped is what Flatten reads the groups back from.
	return v, nil
}

func (s *GroupBy) ToMongo(v *View, c Cache) (Pipeline, error) {
	if _, err := validated[*View](s, v, c); err != nil {
		return nil, err
	}
	p := Pipeline{stage("$set", bson.M{groupKeyField: s.key("")})}
	keyRef := "$" + groupKeyField
	ord := order(s.reverse)
	if !s.flat {
		sortDoc := bson.D{{Key: groupKeyField, Value: 1}}
		if s.orderBy != "" {
			sortDoc = append(sortDoc, bson.E{Key: schema.DBPath(s.orderBy), Value: ord})
		}
		return append(p,
			stage("$sort", sortDoc),
			stage("$group", bson.M{"_id": keyRef, "doc": bson.M{"$first": "$$ROOT"}}),
			stage("$sort", bson.D{{Key: "_id", Value: 1}}),
			stage("$replaceRoot", bson.M{"newRoot": "$doc"}),
			stage("$unset", groupKeyField),
		), nil
	}
	if s.orderBy != "" {
		p = append(p, stage("$sort", bson.D{{Key: schema.DBPath(s.orderBy), Value: ord}}))
	}
	p = append(p, stage("$group", bson.M{"_id": keyRef, "docs": bson.M{"$push": "$$ROOT"}}))
	if s.matchExpr != nil {
		p = append(p, stage("$match", bson.M{"$expr": s.matchExpr.ToMongo("$docs")}))
	}
	if s.sortExpr != nil {
		p = append(p,
			stage("$set", bson.M{groupSortField: s.sortExpr.ToMongo("$docs")}),
			stage("$sort", bson.D{{Key: groupSortField, Value: ord}, {Key: "_id", Value: 1}}),
		)
	} else {
		p = append(p, stage("$sort", bson.D{{Key: "_id", Value: 1}}))
	}
	return append(p,
		stage("$unwind", "$docs"),
		stage("$replaceRoot", bson.M{"newRoot": "$docs"}),
		stage("$unset", groupKeyField),
	), nil
}

func (s *GroupBy) apply(v *View, c Cache) {
	pre, ok := c.(*View)
	if !ok || s.flat {
		return
	}
	v.dynamic = &dynamicGroups{
		key:      s.key,
		orderBy:  s.orderBy,
		reverse:  s.reverse,
		upstream: pre.fullPipeline(),
		view:     pre,
	}
}

// FlattenConfig configures a Flatten stage.
type FlattenConfig struct {
	Stages interface{} `mapstructure:"stages"`
}

// Flatten turns a dynamically grouped view back into one row per sample,
// applying stages to the samples of each group first.
type Flatten struct {
	base
	stages []Stage
}

type flattenCache struct {
	groups *dynamicGroups
	sub    *View
}

func NewFlatten(cfg FlattenConfig) (*Flatten, error) {
	stages, err := decodeStages(cfg.Stages)
	if err != nil {
		return nil, misconfigured(StageTypeFlatten, "stages: %v", err)
	}
	for _, st := range stages {
		if _, ok := st.(Generator); ok {
			return nil, misconfigured(StageTypeFlatten, "%s stages cannot be applied to groups", st.Name())
		}
	}
	return &Flatten{stages: stages}, nil
}

func (s *Flatten) Name() string    { return StageTypeFlatten }
func (s *Flatten) Kwargs() []Kwarg { return []Kwarg{{"stages", serializeStages(s.stages)}} }

func (s *Flatten) FlattensGroups() bool { return true }

func (s *Flatten) Validate(v *View) (Cache, error) {
	if !v.IsDynamicGroups() {
		return nil, invalidf(s, ErrGroupState, "view is not grouped")
	}
	sub, err := v.compiler.Apply(v.dynamic.view, s.stages)
	if err != nil {
		return nil, invalid(s, err)
	}
	if sub.IsDynamicGroups() {
		return nil, invalidf(s, ErrGroupState, "stages cannot group the samples of a group")
	}
	return &flattenCache{groups: v.dynamic, sub: sub}, nil
}

func (s *Flatten) ToMongo(v *View, c Cache) (Pipeline, error) {
	cache, err := validated[*flattenCache](s, v, c)
	if err != nil {
		return nil, err
	}
	g := cache.groups
	inner := append(bson.A{}, toArray(g.upstream)...)
	inner = append(inner, stage("$match", bson.M{"$expr": bson.M{"$eq": bson.A{g.key(""), "$$group_key"}}}))
	if g.orderBy != "" {
		inner = append(inner, stage("$sort", bson.D{{Key: schema.DBPath(g.orderBy), Value: order(g.reverse)}}))
	}
	inner = append(inner, toArray(cache.sub.pipeline[len(g.view.pipeline):])...)
	return Pipeline{
		stage("$lookup", bson.M{
			"from":     g.view.root.SampleCollectionName(),
			"let":      bson.M{"group_key": g.key("")},
			"pipeline": inner,
			"as":       flatField,
		}),
		stage("$unwind", "$"+flatField),
		stage("$replaceRoot", bson.M{"newRoot": "$" + flatField}),
	}, nil
}

func (s *Flatten) apply(v *View, c Cache) {
	cache, ok := c.(*flattenCache)
	if !ok {
		return
	}
	sub := cache.sub
	v.dynamic = nil
	v.framesAttached = sub.framesAttached
	v.restrictions = append([]restriction(nil), sub.restrictions...)
	v.mediaType = sub.mediaType
	v.slices = sub.slices
	v.activeSlice = sub.activeSlice
}

func toArray(p Pipeline) bson.A {
	out := make(bson.A, 0, len(p))
	for _, d := range p {
		out = append(out, d)
	}
	return out
}
