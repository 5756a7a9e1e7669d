package stages

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/fieldsel"
	"github.com/datacurate/viewstage/pkg/view/labelfilter"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// FieldsConfig configures SelectFields and ExcludeFields stages.
type FieldsConfig struct {
	FieldNames   interface{} `mapstructure:"field_names"`
	MetaFilter   interface{} `mapstructure:"meta_filter"`
	AllowMissing bool        `mapstructure:"_allow_missing"`
}

type fieldsArgs struct {
	names        []string
	metaFilter   interface{}
	allowMissing bool
}

func newFieldsArgs(stage string, cfg FieldsConfig) (fieldsArgs, error) {
	names, err := stringList(cfg.FieldNames)
	if err != nil {
		return fieldsArgs{}, misconfigured(stage, "field_names: %v", err)
	}
	return fieldsArgs{names: names, metaFilter: cfg.MetaFilter, allowMissing: cfg.AllowMissing}, nil
}

func (a fieldsArgs) kwargs() []Kwarg {
	mf := a.metaFilter
	if f, ok := mf.(*fieldsel.MetaFilter); ok {
		mf = f.Serialize()
	}
	return []Kwarg{{"field_names", a.names}, {"meta_filter", mf}, {"_allow_missing", a.allowMissing}}
}

// paths resolves the named and meta-filtered fields of the view into
// sample and frame paths. Named fields that do not exist are an error
// unless allowMissing, in which case they are skipped.
func (a fieldsArgs) paths(s Stage, v *View) (named, meta [2][]string, err error) {
	for _, name := range a.names {
		path := schema.DBPath(name)
		rel, isFrame := schema.HandleFrameField(v, path)
		if isFrame && rel == "" {
			named[1] = append(named[1], "")
			continue
		}
		idx := 0
		if isFrame {
			idx = 1
		}
		if !v.Schema(isFrame).Has(rel) {
			if a.allowMissing {
				continue
			}
			return named, meta, invalidf(s, ErrUnknownField, "%q", name)
		}
		named[idx] = append(named[idx], rel)
	}
	if a.metaFilter == nil {
		return named, meta, nil
	}
	mf, err := fieldsel.ParseMetaFilter(a.metaFilter, v.options().MetaFilterDepth)
	if err != nil {
		return named, meta, invalid(s, err)
	}
	meta[0] = mf.Paths(v.Schema(false))
	if schema.HasFrames(v) {
		meta[1] = mf.Paths(v.Schema(true))
	}
	return named, meta, nil
}

// SelectFields keeps only the given fields, plus the default fields.
type SelectFields struct {
	base
	args fieldsArgs
}

type selectFieldsCache struct {
	sample    []string
	frames    []string
	hasFrames bool
}

func NewSelectFields(cfg FieldsConfig) (*SelectFields, error) {
	args, err := newFieldsArgs(StageTypeSelectFields, cfg)
	if err != nil {
		return nil, err
	}
	return &SelectFields{args: args}, nil
}

func (s *SelectFields) Name() string    { return StageTypeSelectFields }
func (s *SelectFields) Kwargs() []Kwarg { return s.args.kwargs() }

func (s *SelectFields) NeedsFrames(v *View) bool { return schema.HasFrames(v) }

func (s *SelectFields) SelectedFields(v *View, frames bool) []string {
	c, err := validated[*selectFieldsCache](s, v, nil)
	if err != nil {
		return nil
	}
	if frames {
		if !c.hasFrames {
			return nil
		}
		return c.frames
	}
	return c.sample
}

func (s *SelectFields) Validate(v *View) (Cache, error) {
	named, meta, err := s.args.paths(s, v)
	if err != nil {
		return nil, err
	}
	c := &selectFieldsCache{hasFrames: schema.HasFrames(v)}
	c.sample = fieldsel.Resolve(append(named[0], meta[0]...), v.DefaultFields(false))
	if c.hasFrames {
		frames := append(named[1], meta[1]...)
		// Selecting "frames" itself keeps every frame field.
		for _, p := range frames {
			if p == "" {
				frames = v.Schema(true).Names()
				break
			}
		}
		c.frames = fieldsel.Resolve(frames, v.DefaultFields(true))
	}
	return c, nil
}

func (s *SelectFields) ToMongo(v *View, c Cache) (Pipeline, error) {
	cache, err := validated[*selectFieldsCache](s, v, c)
	if err != nil {
		return nil, err
	}
	var frames []string
	if cache.hasFrames && v.FramesAttached() {
		frames = cache.frames
	}
	paths := fieldsel.Project(cache.sample, frames)
	doc := make(bson.D, 0, len(paths))
	for _, p := range paths {
		doc = append(doc, bson.E{Key: p, Value: true})
	}
	return Pipeline{stage("$project", doc)}, nil
}

// ExcludeFields omits the given fields. Default fields cannot be excluded.
type ExcludeFields struct {
	base
	args fieldsArgs
}

type excludeFieldsCache struct {
	sample []string
	frames []string
}

func NewExcludeFields(cfg FieldsConfig) (*ExcludeFields, error) {
	args, err := newFieldsArgs(StageTypeExcludeFields, cfg)
	if err != nil {
		return nil, err
	}
	return &ExcludeFields{args: args}, nil
}

func (s *ExcludeFields) Name() string    { return StageTypeExcludeFields }
func (s *ExcludeFields) Kwargs() []Kwarg { return s.args.kwargs() }

func (s *ExcludeFields) NeedsFrames(v *View) bool {
	return len(s.ExcludedFields(v, true)) > 0
}

func (s *ExcludeFields) ExcludedFields(v *View, frames bool) []string {
	c, err := validated[*excludeFieldsCache](s, v, nil)
	if err != nil {
		return nil
	}
	if frames {
		return c.frames
	}
	return c.sample
}

func (s *ExcludeFields) Validate(v *View) (Cache, error) {
	named, meta, err := s.args.paths(s, v)
	if err != nil {
		return nil, err
	}
	for _, p := range named[1] {
		if p == "" {
			return nil, invalidf(s, ErrDefaultField, "%q", schema.FramesField)
		}
	}
	for i, frames := range []bool{false, true} {
		if protected := fieldsel.Protected(named[i], v.DefaultFields(frames)); len(protected) > 0 {
			if frames {
				for j := range protected {
					protected[j] = schema.FramePath(protected[j])
				}
			}
			return nil, invalidf(s, ErrDefaultField, "%q", protected)
		}
	}
	c := &excludeFieldsCache{}
	c.sample = fieldsel.RemoveDescendants(append(named[0], unprotected(meta[0], v.DefaultFields(false))...))
	c.frames = fieldsel.RemoveDescendants(append(named[1], unprotected(meta[1], v.DefaultFields(true))...))
	return c, nil
}

// unprotected drops the default fields matched by a meta filter.
func unprotected(paths, defaults []string) []string {
	protected := map[string]struct{}{}
	for _, p := range fieldsel.Protected(paths, defaults) {
		protected[p] = struct{}{}
	}
	var out []string
	for _, p := range paths {
		if _, ok := protected[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *ExcludeFields) ToMongo(v *View, c Cache) (Pipeline, error) {
	cache, err := validated[*excludeFieldsCache](s, v, c)
	if err != nil {
		return nil, err
	}
	paths := append([]string(nil), cache.sample...)
	for _, p := range cache.frames {
		paths = append(paths, schema.FramePath(p))
	}
	if len(paths) == 0 {
		return Pipeline{}, nil
	}
	doc := make(bson.D, 0, len(paths))
	for _, p := range fieldsel.RemoveDescendants(paths) {
		doc = append(doc, bson.E{Key: p, Value: false})
	}
	return Pipeline{stage("$project", doc)}, nil
}

// SetFieldConfig configures a SetField stage.
type SetFieldConfig struct {
	Field        string      `mapstructure:"field"`
	Expr         interface{} `mapstructure:"expr"`
	AllowMissing bool        `mapstructure:"_allow_missing"`
}

// SetField sets a field, or an attribute of every element of a list, to
// the value of an expression evaluated against the document holding it.
type SetField struct {
	base
	field        string
	expr         expr.Filter
	allowMissing bool
}

func NewSetField(cfg SetFieldConfig) (*SetField, error) {
	if cfg.Field == "" {
		return nil, misconfigured(StageTypeSetField, ErrEmptyField)
	}
	e, err := parseSetValue(cfg.Expr)
	if err != nil {
		return nil, &ConfigurationError{Stage: StageTypeSetField, Err: err}
	}
	return &SetField{field: cfg.Field, expr: e, allowMissing: cfg.AllowMissing}, nil
}

// parseSetValue accepts expressions as well as plain literals.
func parseSetValue(v interface{}) (expr.Filter, error) {
	switch v.(type) {
	case nil, string, int, int64, float64:
		if s, ok := v.(string); ok && len(s) > 0 && s[0] == '$' {
			return expr.Parse(v)
		}
		return expr.Lit(v), nil
	}
	return expr.Parse(v)
}

func (s *SetField) Name() string { return StageTypeSetField }

func (s *SetField) Kwargs() []Kwarg {
	return []Kwarg{{"field", s.field}, {"expr", s.expr.Serialize()}, {"_allow_missing", s.allowMissing}}
}

func (s *SetField) NeedsFrames(v *View) bool    { return schema.IsFrameField(v, s.field) }
func (s *SetField) EditedFields(*View) []string { return []string{s.field} }

func (s *SetField) Validate(v *View) (Cache, error) {
	if !s.allowMissing {
		if _, err := checkField(s, v, s.field); err != nil {
			return nil, err
		}
	}
	return checked{}, nil
}

func (s *SetField) ToMongo(v *View, c Cache) (Pipeline, error) {
	if c == nil {
		if _, err := s.Validate(v); err != nil {
			return nil, err
		}
	}
	return labelfilter.SetField(v, s.field, s.expr), nil
}
