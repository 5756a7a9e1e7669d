package schema

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	ErrDatasetNameRequired = "dataset name is required"
	ErrInvalidMediaType    = "invalid media type: %q"
	ErrGroupFieldRequired  = "group datasets require a group field and at least one slice"
	ErrUnknownDataset      = "unknown dataset: %q"
	ErrUnknownEvaluation   = "unknown evaluation key: %q"
	ErrUnknownSimilarity   = "unknown similarity index: %q"
)

// DefaultSampleFields are present on every sample.
var DefaultSampleFields = Schema{
	{Name: "_id", Type: TypeObjectID},
	{Name: "filepath", Type: TypeString},
	{Name: "tags", Type: TypeList, Subfield: TypeString},
	{Name: "metadata", Type: TypeEmbedded, DocumentType: "Metadata"},
	{Name: "created_at", Type: TypeDate},
	{Name: "last_modified_at", Type: TypeDate},
	{Name: "_media_type", Type: TypeString},
	{Name: "_rand", Type: TypeFloat},
	{Name: "_dataset_id", Type: TypeObjectID},
}

// DefaultFrameFields are present on every frame.
var DefaultFrameFields = Schema{
	{Name: "_id", Type: TypeObjectID},
	{Name: "frame_number", Type: TypeInt},
	{Name: "_sample_id", Type: TypeObjectID},
	{Name: "_dataset_id", Type: TypeObjectID},
	{Name: "created_at", Type: TypeDate},
	{Name: "last_modified_at", Type: TypeDate},
}

// DatasetConfig describes a dataset schema, typically loaded from YAML.
type DatasetConfig struct {
	Name              string                    `yaml:"name"`
	MediaType         string                    `yaml:"media_type"`
	SampleCollection  string                    `yaml:"sample_collection"`
	FrameCollection   string                    `yaml:"frame_collection"`
	GroupField        string                    `yaml:"group_field"`
	GroupSlices       map[string]string         `yaml:"group_slices"`
	DefaultGroupSlice string                    `yaml:"default_group_slice"`
	SampleFields      Schema                    `yaml:"sample_fields"`
	FrameFields       Schema                    `yaml:"frame_fields"`
	DefaultFields     []string                  `yaml:"default_fields"`
	Evaluations       map[string]EvaluationInfo `yaml:"evaluations"`
}

// Validate checks the configuration and fills in defaults.
func (c *DatasetConfig) Validate() error {
	if c.Name == "" {
		return errors.New(ErrDatasetNameRequired)
	}
	switch c.MediaType {
	case "":
		c.MediaType = MediaImage
	case MediaImage, MediaVideo:
	case MediaGroup:
		if c.GroupField == "" || len(c.GroupSlices) == 0 {
			return errors.New(ErrGroupFieldRequired)
		}
		if c.DefaultGroupSlice == "" {
			slices := make([]string, 0, len(c.GroupSlices))
			for s := range c.GroupSlices {
				slices = append(slices, s)
			}
			sort.Strings(slices)
			c.DefaultGroupSlice = slices[0]
		}
	default:
		return errors.Errorf(ErrInvalidMediaType, c.MediaType)
	}
	if c.SampleCollection == "" {
		c.SampleCollection = "samples." + c.Name
	}
	if c.FrameCollection == "" && c.MediaType != MediaImage {
		c.FrameCollection = "frames.samples." + c.Name
	}
	return nil
}

// ParseDatasetConfig decodes a YAML dataset description.
func ParseDatasetConfig(data []byte) (DatasetConfig, error) {
	var cfg DatasetConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing dataset config")
	}
	normalizeInfo(cfg.SampleFields)
	normalizeInfo(cfg.FrameFields)
	return cfg, nil
}

// LoadDatasetConfig reads a YAML dataset description from disk.
func LoadDatasetConfig(filename string) (DatasetConfig, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return DatasetConfig{}, errors.Wrap(err, "Error reading dataset config file")
	}
	return ParseDatasetConfig(buf)
}

func normalizeInfo(fields []*Field) {
	for _, f := range fields {
		for k, v := range f.Info {
			f.Info[k] = normalizeYAML(v)
		}
		normalizeInfo(f.Fields)
	}
}

func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, a := range t {
			out[fmt.Sprint(k)] = normalizeYAML(a)
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}

// Indexer creates indexes on backing collections.
type Indexer interface {
	CreateIndex(ctx context.Context, collection, path string, opts IndexOptions) error
}

// Catalog is a set of datasets able to refer to each other.
type Catalog struct {
	mu       sync.RWMutex
	datasets map[string]*Static
	indexer  Indexer
}

// NewCatalog creates an empty catalog. indexer may be nil, in which case
// index requests are only recorded.
func NewCatalog(indexer Indexer) *Catalog {
	return &Catalog{
		datasets: map[string]*Static{},
		indexer:  indexer,
	}
}

// Add validates cfg and registers the dataset, replacing any previous one
// with the same name.
func (c *Catalog) Add(cfg DatasetConfig) (*Static, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Static{
		cfg:          cfg,
		catalog:      c,
		sampleFields: withDefaults(cfg.SampleFields, DefaultSampleFields),
		similarity:   map[string]SimilarityIndex{},
	}
	if cfg.MediaType == MediaGroup {
		s.sampleFields = withDefaults(s.sampleFields, Schema{{
			Name: cfg.GroupField, Type: TypeEmbedded, DocumentType: "Group",
			Fields: []*Field{{Name: "_id", Type: TypeObjectID}, {Name: "name", Type: TypeString}},
		}})
	}
	if HasFrameCollection(s) {
		s.frameFields = withDefaults(cfg.FrameFields, DefaultFrameFields)
	}
	c.mu.Lock()
	c.datasets[cfg.Name] = s
	c.mu.Unlock()
	return s, nil
}

// Get returns a registered dataset.
func (c *Catalog) Get(name string) (*Static, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.datasets[name]
	if !ok {
		return nil, errors.Errorf(ErrUnknownDataset, name)
	}
	return s, nil
}

func withDefaults(fields Schema, defaults Schema) Schema {
	out := defaults.Clone()
	for _, f := range fields {
		replaced := false
		for i, d := range out {
			if d.Name == f.Name {
				out[i] = f.Clone()
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, f.Clone())
		}
	}
	return out
}

// Static is a Collection backed by a fixed schema description.
type Static struct {
	cfg          DatasetConfig
	catalog      *Catalog
	sampleFields Schema
	frameFields  Schema

	mu         sync.Mutex
	indexes    []string
	similarity map[string]SimilarityIndex
}

var _ Collection = (*Static)(nil)

func (s *Static) Name() string                       { return s.cfg.Name }
func (s *Static) SampleCollectionName() string       { return s.cfg.SampleCollection }
func (s *Static) FrameCollectionName() string        { return s.cfg.FrameCollection }
func (s *Static) MediaType() string                  { return s.cfg.MediaType }
func (s *Static) GroupField() string                 { return s.cfg.GroupField }
func (s *Static) GroupMediaTypes() map[string]string { return s.cfg.GroupSlices }
func (s *Static) DefaultGroupSlice() string          { return s.cfg.DefaultGroupSlice }

// Schema implements Collection.
func (s *Static) Schema(frames bool) Schema {
	if frames {
		return s.frameFields
	}
	return s.sampleFields
}

// DefaultFields implements Collection.
func (s *Static) DefaultFields(frames bool) []string {
	var base Schema
	if frames {
		base = DefaultFrameFields
	} else {
		base = DefaultSampleFields
	}
	out := base.Names()
	if !frames {
		if s.cfg.GroupField != "" {
			out = append(out, s.cfg.GroupField)
		}
		out = append(out, s.cfg.DefaultFields...)
	}
	return out
}

// CreateIndex implements Collection.
func (s *Static) CreateIndex(ctx context.Context, path string, opts IndexOptions) error {
	coll := s.cfg.SampleCollection
	if HasFrameCollection(s) && (path == FramesField || strings.HasPrefix(path, FramesField+".")) {
		coll, path = s.cfg.FrameCollection, strings.TrimPrefix(strings.TrimPrefix(path, FramesField), ".")
	}
	s.mu.Lock()
	s.indexes = append(s.indexes, path)
	s.mu.Unlock()
	if s.catalog == nil || s.catalog.indexer == nil {
		return nil
	}
	return s.catalog.indexer.CreateIndex(ctx, coll, path, opts)
}

// Indexes returns the paths for which an index was requested.
func (s *Static) Indexes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.indexes...)
}

// Evaluation implements Collection.
func (s *Static) Evaluation(key string) (*EvaluationInfo, error) {
	info, ok := s.cfg.Evaluations[key]
	if !ok {
		return nil, errors.Errorf(ErrUnknownEvaluation, key)
	}
	info.Key = key
	return &info, nil
}

// AddSimilarityIndex registers a similarity index on the dataset.
func (s *Static) AddSimilarityIndex(idx SimilarityIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.similarity[idx.Key()] = idx
}

// SimilarityIndex implements Collection.
func (s *Static) SimilarityIndex(key string) (SimilarityIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.similarity[key]
	if !ok {
		return nil, errors.Errorf(ErrUnknownSimilarity, key)
	}
	return idx, nil
}

// SimilarityIndexes implements Collection.
func (s *Static) SimilarityIndexes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.similarity))
	for k := range s.similarity {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dataset implements Collection.
func (s *Static) Dataset(name string) (Collection, error) {
	if s.catalog == nil {
		return nil, errors.Errorf(ErrUnknownDataset, name)
	}
	return s.catalog.Get(name)
}

// Derive implements Collection.
func (s *Static) Derive(spec DeriveSpec) (Collection, error) {
	cfg := DatasetConfig{
		Name:             spec.Name,
		MediaType:        spec.MediaType,
		SampleCollection: spec.CollectionName,
		FrameCollection:  spec.FrameCollectionName,
		SampleFields:     spec.SampleFields,
		FrameFields:      spec.FrameFields,
		DefaultFields:    spec.DefaultFields,
		Evaluations:      s.cfg.Evaluations,
	}
	if cfg.MediaType == MediaGroup {
		cfg.GroupField = s.cfg.GroupField
		cfg.GroupSlices = s.cfg.GroupSlices
		cfg.DefaultGroupSlice = s.cfg.DefaultGroupSlice
	}
	catalog := s.catalog
	if catalog == nil {
		catalog = NewCatalog(nil)
	}
	return catalog.Add(cfg)
}
