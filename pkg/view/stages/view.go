package stages

import (
	"context"
	"sort"

	"github.com/go-kit/log"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// View is a collection seen through the stages applied to it so far. It
// implements schema.Collection: the schema reflects field selections and
// exclusions, the media type and group slices reflect the stages that
// change them.
type View struct {
	ctx      context.Context
	compiler *Compiler
	root     schema.Collection
	// origin is the dataset the chain started from and lineage every stage
	// applied since, including generators.
	origin  string
	lineage []Stage

	stages         []Stage
	pipeline       Pipeline
	framesAttached bool

	restrictions []restriction
	mediaType    string
	slices       map[string]string
	activeSlice  string
	dynamic      *dynamicGroups
}

type restriction struct {
	frames  bool
	exclude bool
	paths   []string
}

// dynamicGroups is the state of a view grouped by GroupBy.
type dynamicGroups struct {
	// key renders the group key against a document prefix.
	key     func(prefix string) interface{}
	orderBy string
	reverse bool
	// upstream is the pipeline that produced the records being grouped.
	upstream Pipeline
	// view is the view the records being grouped were read from.
	view *View
}

var _ schema.Collection = (*View)(nil)

// NewView returns the view of coll without any stage, compiled with the
// default compiler.
func NewView(ctx context.Context, coll schema.Collection) *View {
	return defaultCompiler().newView(ctx, coll)
}

func (v *View) clone() *View {
	out := *v
	out.stages = append([]Stage(nil), v.stages...)
	out.lineage = append([]Stage(nil), v.lineage...)
	out.pipeline = append(Pipeline(nil), v.pipeline...)
	out.restrictions = append([]restriction(nil), v.restrictions...)
	return &out
}

// Context returns the context of the compilation.
func (v *View) Context() context.Context { return v.ctx }

// Root returns the collection the view pipeline runs over.
func (v *View) Root() schema.Collection { return v.root }

// Stages returns the stages applied to the root collection.
func (v *View) Stages() []Stage { return append([]Stage(nil), v.stages...) }

// Pipeline returns the pipeline of the applied stages.
func (v *View) Pipeline() Pipeline { return append(Pipeline(nil), v.pipeline...) }

// IsDynamicGroups reports whether the view is dynamically grouped.
func (v *View) IsDynamicGroups() bool { return v.dynamic != nil }

// FramesAttached reports whether frames are attached at this point of the
// pipeline.
func (v *View) FramesAttached() bool { return v.framesAttached }

func (v *View) logger() log.Logger { return v.compiler.logger }

func (v *View) options() Options { return v.compiler.opts }

// Apply returns the view after s, whose pipeline is p.
func (v *View) Apply(s Stage, p Pipeline, c Cache) *View {
	out := v.clone()
	out.stages = append(out.stages, s)
	out.lineage = append(out.lineage, s)
	out.pipeline = append(out.pipeline, p...)
	for _, frames := range []bool{false, true} {
		if sel := s.SelectedFields(v, frames); sel != nil {
			out.restrictions = append(out.restrictions, restriction{frames: frames, paths: sel})
		}
		if exc := s.ExcludedFields(v, frames); len(exc) > 0 {
			out.restrictions = append(out.restrictions, restriction{frames: frames, exclude: true, paths: exc})
		}
	}
	if mt := s.MediaType(v); mt != "" {
		out.mediaType = mt
	}
	if st, ok := s.(stateful); ok {
		st.apply(out, c)
	}
	return out
}

// stateful stages change view state beyond what Probe describes.
type stateful interface {
	apply(v *View, c Cache)
}

// attachFrames returns the view with the frames of each sample attached.
func (v *View) attachFrames() *View {
	out := v.clone()
	out.pipeline = append(out.pipeline, v.framesLookup())
	out.framesAttached = true
	return out
}

func (v *View) framesLookup() bson.D {
	match := bson.A{bson.M{"$eq": bson.A{"$$sample_id", "$_sample_id"}}}
	let := bson.M{"sample_id": "$_id"}
	// Clip views reference the frames of their source sample within their
	// support.
	if v.root.Schema(false).Has("_sample_id") && v.root.Schema(false).Has("support") {
		let = bson.M{"sample_id": "$_sample_id", "support": "$support"}
		match = append(match,
			bson.M{"$gte": bson.A{"$frame_number", bson.M{"$arrayElemAt": bson.A{"$$support", 0}}}},
			bson.M{"$lte": bson.A{"$frame_number", bson.M{"$arrayElemAt": bson.A{"$$support", 1}}}},
		)
	}
	return stage("$lookup", bson.M{
		"from": v.root.FrameCollectionName(),
		"let":  let,
		"pipeline": bson.A{
			stage("$match", bson.M{"$expr": bson.M{"$and": match}}),
			stage("$sort", bson.D{{Key: "frame_number", Value: 1}}),
		},
		"as": schema.FramesField,
	})
}

func detachFrames() bson.D {
	return stage("$project", bson.M{schema.FramesField: false})
}

// groupSliceMatch restricts a group collection to the active slice.
func (v *View) groupSliceMatch() bson.D {
	return stage("$match", bson.M{v.root.GroupField() + ".name": v.DefaultGroupSlice()})
}

// fullPipeline returns the pipeline that produces the documents of the
// view from the root collection.
func (v *View) fullPipeline() Pipeline {
	var p Pipeline
	if v.root.MediaType() == schema.MediaGroup {
		p = append(p, v.groupSliceMatch())
	}
	return append(p, v.pipeline...)
}

func (v *View) finalPipeline(attachFrames bool) Pipeline {
	p := v.fullPipeline()
	switch {
	case attachFrames && !v.framesAttached && schema.HasFrames(v):
		p = append(p, v.framesLookup())
	case !attachFrames && v.framesAttached:
		p = append(p, detachFrames())
	}
	return p
}

// Name implements schema.Collection.
func (v *View) Name() string { return v.root.Name() }

func (v *View) SampleCollectionName() string { return v.root.SampleCollectionName() }
func (v *View) FrameCollectionName() string  { return v.root.FrameCollectionName() }
func (v *View) GroupField() string           { return v.root.GroupField() }

// MediaType implements schema.Collection.
func (v *View) MediaType() string {
	if v.mediaType != "" {
		return v.mediaType
	}
	return v.root.MediaType()
}

// GroupMediaTypes implements schema.Collection.
func (v *View) GroupMediaTypes() map[string]string {
	if v.slices != nil {
		return v.slices
	}
	return v.root.GroupMediaTypes()
}

// DefaultGroupSlice implements schema.Collection.
func (v *View) DefaultGroupSlice() string {
	if v.activeSlice != "" {
		return v.activeSlice
	}
	return v.root.DefaultGroupSlice()
}

// Schema implements schema.Collection.
func (v *View) Schema(frames bool) schema.Schema {
	s := v.root.Schema(frames)
	for _, r := range v.restrictions {
		if r.frames != frames {
			continue
		}
		if r.exclude {
			s = s.Exclude(r.paths)
		} else {
			s = s.Select(r.paths)
		}
	}
	return s
}

func (v *View) DefaultFields(frames bool) []string { return v.root.DefaultFields(frames) }

func (v *View) CreateIndex(ctx context.Context, path string, opts schema.IndexOptions) error {
	return v.root.CreateIndex(ctx, path, opts)
}

func (v *View) Evaluation(key string) (*schema.EvaluationInfo, error) {
	return v.root.Evaluation(key)
}

func (v *View) SimilarityIndex(key string) (schema.SimilarityIndex, error) {
	return v.root.SimilarityIndex(key)
}

func (v *View) SimilarityIndexes() []string { return v.root.SimilarityIndexes() }

func (v *View) Dataset(name string) (schema.Collection, error) { return v.root.Dataset(name) }

func (v *View) Derive(spec schema.DeriveSpec) (schema.Collection, error) {
	return v.root.Derive(spec)
}

// label resolves a label field of the view.
func (v *View) label(path string) (schema.LabelPath, error) {
	return schema.ResolveLabel(v, path)
}

// labelFields returns the label fields of the view, optionally restricted
// to the given fields, which must all be label fields.
func (v *View) labelFields(fields []string) ([]schema.LabelPath, error) {
	if len(fields) == 0 {
		fields = schema.LabelFields(v)
	}
	out := make([]schema.LabelPath, 0, len(fields))
	for _, f := range fields {
		lp, err := v.label(f)
		if err != nil {
			return nil, err
		}
		out = append(out, lp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullPath() < out[j].FullPath() })
	return out, nil
}

// ensureIndex creates an index, logging failures.
func (v *View) ensureIndex(path string, opts schema.IndexOptions) {
	if !v.options().CreateIndexes {
		return
	}
	v.compiler.createIndex(v.ctx, v, path, opts)
}

// fieldRef returns the document reference of a field path, with "id"
// components mapped to "_id".
func fieldRef(path string) string {
	return expr.Ref("", schema.DBPath(path))
}
