package stages

import (
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/datacurate/viewstage/pkg/view/derived"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// SortBySimilarityConfig configures a SortBySimilarity stage.
type SortBySimilarityConfig struct {
	Query     interface{} `mapstructure:"query"`
	K         *int        `mapstructure:"k"`
	Reverse   bool        `mapstructure:"reverse"`
	DistField string      `mapstructure:"dist_field"`
	BrainKey  string      `mapstructure:"brain_key"`
}

// SortBySimilarity orders the samples by similarity to a query, delegating
// to a similarity index of the collection. The query is a sample or label
// ID, a list of IDs, a vector, or a text prompt.
type SortBySimilarity struct {
	base
	query     interface{}
	k         *int
	reverse   bool
	distField string
	brainKey  string
}

func NewSortBySimilarity(cfg SortBySimilarityConfig) (*SortBySimilarity, error) {
	if cfg.Query == nil {
		return nil, misconfigured(StageTypeSortBySimilarity, ErrMissingArguments, "query")
	}
	if cfg.K != nil && *cfg.K < 0 {
		return nil, misconfigured(StageTypeSortBySimilarity, ErrNegativeValue, "k")
	}
	return &SortBySimilarity{
		query:     cfg.Query,
		k:         cfg.K,
		reverse:   cfg.Reverse,
		distField: cfg.DistField,
		brainKey:  cfg.BrainKey,
	}, nil
}

func (s *SortBySimilarity) Name() string { return StageTypeSortBySimilarity }

func (s *SortBySimilarity) Kwargs() []Kwarg {
	var k, distField, brainKey interface{}
	if s.k != nil {
		k = *s.k
	}
	if s.distField != "" {
		distField = s.distField
	}
	if s.brainKey != "" {
		brainKey = s.brainKey
	}
	return []Kwarg{
		{"query", s.query},
		{"k", k},
		{"reverse", s.reverse},
		{"dist_field", distField},
		{"brain_key", brainKey},
	}
}

// isPrompt reports whether the query is a text prompt rather than an ID.
func (s *SortBySimilarity) isPrompt() bool {
	q, ok := s.query.(string)
	if !ok {
		return false
	}
	_, err := primitive.ObjectIDFromHex(q)
	return err != nil
}

func (s *SortBySimilarity) index(v *View) (schema.SimilarityIndex, error) {
	if s.brainKey != "" {
		idx, err := v.SimilarityIndex(s.brainKey)
		if err != nil {
			return nil, invalidf(s, ErrUnknownField, "%v", err)
		}
		return idx, nil
	}
	for _, key := range v.SimilarityIndexes() {
		idx, err := v.SimilarityIndex(key)
		if err != nil {
			continue
		}
		if !s.isPrompt() || idx.SupportsPrompts() {
			return idx, nil
		}
	}
	if s.isPrompt() {
		return nil, invalidf(s, ErrUnknownField, "no similarity index supports prompts")
	}
	return nil, invalidf(s, ErrUnknownField, "no similarity index")
}

func (s *SortBySimilarity) Validate(v *View) (Cache, error) {
	idx, err := s.index(v)
	if err != nil {
		return nil, err
	}
	if s.isPrompt() && !idx.SupportsPrompts() {
		return nil, invalidf(s, ErrIncompatible, "similarity index %q does not support prompts", idx.Key())
	}
	if s.reverse && !idx.SupportsLeastSimilarity() {
		return nil, invalidf(s, ErrIncompatible, "similarity index %q does not support least similarity", idx.Key())
	}
	return idx, nil
}

func (s *SortBySimilarity) ToMongo(v *View, c Cache) (Pipeline, error) {
	idx, err := validated[schema.SimilarityIndex](s, v, c)
	if err != nil {
		return nil, err
	}
	upstream, err := MarshalStages(v.lineage, false)
	if err != nil {
		return nil, errors.Wrap(err, "serializing upstream stages")
	}
	config := kwargMap(s)
	config["brain_key"] = idx.Key()
	fp, err := derived.Fingerprint(v.origin, upstream, config)
	if err != nil {
		return nil, errors.Wrap(err, "fingerprinting similarity query")
	}
	if p, ok := v.compiler.similarity.Get(fp); ok {
		return append(Pipeline(nil), p...), nil
	}
	k := 0
	if s.k != nil {
		k = *s.k
	}
	p, err := idx.SortPipeline(v.ctx, s.query, k, s.reverse, s.distField)
	if err != nil {
		return nil, errors.Wrapf(err, "sorting by similarity with index %q", idx.Key())
	}
	level.Debug(v.logger()).Log("msg", "cached similarity pipeline", "brain_key", idx.Key(), "fingerprint", fp)
	v.compiler.similarity.Add(fp, p)
	return append(Pipeline(nil), p...), nil
}
