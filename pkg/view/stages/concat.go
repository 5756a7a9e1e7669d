package stages

import (
	"go.mongodb.org/mongo-driver/bson"
)

// ConcatConfig configures a Concat stage.
type ConcatConfig struct {
	Samples interface{} `mapstructure:"samples"`
}

// Concat appends the samples of another view of the same collection.
type Concat struct {
	base
	stages []Stage
}

func NewConcat(cfg ConcatConfig) (*Concat, error) {
	if cfg.Samples == nil {
		return nil, misconfigured(StageTypeConcat, ErrMissingArguments, "samples")
	}
	stages, err := decodeStages(cfg.Samples)
	if err != nil {
		return nil, misconfigured(StageTypeConcat, "samples: %v", err)
	}
	for _, st := range stages {
		if _, ok := st.(Generator); ok {
			return nil, misconfigured(StageTypeConcat, "cannot concatenate samples of a %s stage", st.Name())
		}
	}
	return &Concat{stages: stages}, nil
}

func (s *Concat) Name() string    { return StageTypeConcat }
func (s *Concat) Kwargs() []Kwarg { return []Kwarg{{"samples", serializeStages(s.stages)}} }

func (s *Concat) Validate(v *View) (Cache, error) {
	if v.IsDynamicGroups() {
		return nil, invalidf(s, ErrGroupState, "cannot concatenate samples to a grouped view")
	}
	other, err := v.compiler.Apply(v.compiler.newView(v.ctx, v.root), s.stages)
	if err != nil {
		return nil, invalid(s, err)
	}
	if other.IsDynamicGroups() {
		return nil, invalidf(s, ErrGroupState, "cannot concatenate grouped samples")
	}
	if other.MediaType() != v.MediaType() {
		return nil, invalidf(s, ErrMediaType, "cannot concatenate %s samples to a %s view", other.MediaType(), v.MediaType())
	}
	return other, nil
}

func (s *Concat) ToMongo(v *View, c Cache) (Pipeline, error) {
	other, err := validated[*View](s, v, c)
	if err != nil {
		return nil, err
	}
	return Pipeline{stage("$unionWith", bson.M{
		"coll":     v.root.SampleCollectionName(),
		"pipeline": toArray(other.finalPipeline(v.framesAttached)),
	})}, nil
}
