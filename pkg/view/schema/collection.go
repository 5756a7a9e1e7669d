package schema

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Media types.
const (
	MediaImage = "image"
	MediaVideo = "video"
	MediaGroup = "group"
	// MediaMixed is the media type of a flattened group whose slices have
	// different media types.
	MediaMixed = "mixed"
)

// FramesField is the field holding the frames of a video sample once they
// are attached to it.
const FramesField = "frames"

// IndexKind selects the kind of index to create.
type IndexKind string

const (
	IndexAscending IndexKind = "asc"
	Index2DSphere  IndexKind = "2dsphere"
)

// IndexOptions configures index creation.
type IndexOptions struct {
	Kind   IndexKind
	Unique bool
}

// EvaluationInfo describes a stored detection evaluation run.
type EvaluationInfo struct {
	Key       string `yaml:"key"`
	PredField string `yaml:"pred_field"`
	GTField   string `yaml:"gt_field"`
	Type      string `yaml:"type"`
}

// SimilarityIndex is an external index able to sort a collection by
// similarity to a query.
type SimilarityIndex interface {
	Key() string
	// SupportsPrompts reports whether text queries are accepted.
	SupportsPrompts() bool
	// SupportsLeastSimilarity reports whether reverse sorting is allowed.
	SupportsLeastSimilarity() bool
	// SortPipeline returns the pipeline that orders the collection by
	// similarity to query.
	SortPipeline(ctx context.Context, query interface{}, k int, reverse bool, distField string) ([]bson.D, error)
}

// DeriveSpec describes a generated collection.
type DeriveSpec struct {
	// Name is the dataset name of the generated view.
	Name string
	// Kind is the generator kind, e.g. "patches".
	Kind string
	// CollectionName is the backing collection holding the generated rows.
	CollectionName string
	// FrameCollectionName is the backing collection of generated frames, if any.
	FrameCollectionName string
	MediaType           string
	SampleFields        Schema
	FrameFields         Schema
	// DefaultFields are required in addition to the standard defaults.
	DefaultFields []string
	// Source is the dataset the rows were generated from.
	Source string
}

// Collection is the schema and path capability stages compile against. It
// is owned by the caller and never mutated by a stage.
type Collection interface {
	// Name is the dataset identity.
	Name() string
	SampleCollectionName() string
	FrameCollectionName() string
	MediaType() string

	GroupField() string
	// GroupMediaTypes maps group slice names to their media type.
	GroupMediaTypes() map[string]string
	DefaultGroupSlice() string

	// Schema returns the sample schema, or the frame schema when frames is set.
	Schema(frames bool) Schema
	// DefaultFields returns the paths that are always present.
	DefaultFields(frames bool) []string

	CreateIndex(ctx context.Context, path string, opts IndexOptions) error

	Evaluation(key string) (*EvaluationInfo, error)
	SimilarityIndex(key string) (SimilarityIndex, error)
	SimilarityIndexes() []string

	// Dataset returns another dataset by name.
	Dataset(name string) (Collection, error)
	// Derive returns a handle on a generated collection.
	Derive(spec DeriveSpec) (Collection, error)
}
