package stages

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/schema"
)

// Pipeline is an ordered list of aggregation stage documents.
type Pipeline = []bson.D

// Cache holds what a stage resolved while validating against a view. Each
// stage defines its own concrete type.
type Cache interface{}

// checked is the cache of stages whose validation resolves nothing.
type checked struct{}

// Kwarg is a named constructor parameter of a stage.
type Kwarg struct {
	Name  string
	Value interface{}
}

// Stage is one step of a view. Stages are immutable once constructed.
type Stage interface {
	// Name returns the stable type tag of the stage.
	Name() string
	// Kwargs returns the constructor parameters in display order. Values are
	// JSON compatible.
	Kwargs() []Kwarg
	// Validate checks the stage against v. It is idempotent.
	Validate(v *View) (Cache, error)
	// ToMongo returns the pipeline of the stage. A nil cache validates the
	// stage first.
	ToMongo(v *View, c Cache) (Pipeline, error)

	Probe
}

// Generator is a stage that produces a new collection rather than a
// pipeline over its input.
type Generator interface {
	Stage
	LoadView(ctx context.Context, v *View, c Cache) (schema.Collection, error)
}

// Probe lets callers reason about a list of stages without compiling it.
// The zero behaviour, provided by embedding base, is "no effect".
type Probe interface {
	// NeedsFrames reports whether the stage reads or writes frames.
	NeedsFrames(v *View) bool
	// NeedsGroupSlices returns the group slices the stage reads.
	NeedsGroupSlices(v *View) []string
	// EditedFields returns the fields whose contents the stage changes.
	EditedFields(v *View) []string
	// FilteredFields returns the label fields the stage filters.
	FilteredFields(v *View) []string
	// SelectedFields returns the only fields kept by the stage, or nil.
	SelectedFields(v *View, frames bool) []string
	// ExcludedFields returns the fields dropped by the stage.
	ExcludedFields(v *View, frames bool) []string
	// MediaType returns the media type of the stage output, or "" when the
	// stage does not change it.
	MediaType(v *View) string
	// GroupExpr returns the key of the dynamic groups produced by the stage.
	GroupExpr(v *View) interface{}
	OutputsDynamicGroups() bool
	FlattensGroups() bool
}

type base struct{}

func (base) NeedsFrames(*View) bool              { return false }
func (base) NeedsGroupSlices(*View) []string     { return nil }
func (base) EditedFields(*View) []string         { return nil }
func (base) FilteredFields(*View) []string       { return nil }
func (base) SelectedFields(*View, bool) []string { return nil }
func (base) ExcludedFields(*View, bool) []string { return nil }
func (base) MediaType(*View) string              { return "" }
func (base) GroupExpr(*View) interface{}         { return nil }
func (base) OutputsDynamicGroups() bool          { return false }
func (base) FlattensGroups() bool                { return false }

// generator is embedded by stages implementing Generator.
type generator struct{ base }

func (generator) ToMongo(*View, Cache) (Pipeline, error) {
	return nil, errors.Wrap(ErrUnsupportedOperation, "stage generates a view, use LoadView")
}

// LoadView loads the collection generated by s.
func LoadView(ctx context.Context, s Stage, v *View, c Cache) (schema.Collection, error) {
	g, ok := s.(Generator)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedOperation, "%s stage does not generate a view, use ToMongo", s.Name())
	}
	return g.LoadView(ctx, v, c)
}

// validated returns c, or the cache of a fresh validation when c is nil.
func validated[C any](s Stage, v *View, c Cache) (C, error) {
	var zero C
	if c == nil {
		var err error
		if c, err = s.Validate(v); err != nil {
			return zero, err
		}
	}
	typed, ok := c.(C)
	if !ok {
		return zero, errors.Errorf("unexpected cache %T for %s stage", c, s.Name())
	}
	return typed, nil
}

func stage(op string, value interface{}) bson.D {
	return bson.D{{Key: op, Value: value}}
}
