package stages

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/schema"
)

// FramesViewConfig configures a ToFrames stage.
type FramesViewConfig struct {
	Config interface{} `mapstructure:"config"`
}

// ToFrames generates an image view with one row per frame of each video.
// Frames are read from the frame collection; sampling frames to disk is not
// supported.
type ToFrames struct {
	generator
	config map[string]interface{}
}

func NewToFrames(cfg FramesViewConfig) (*ToFrames, error) {
	config, err := parseGeneratorConfig(StageTypeToFrames, cfg.Config, "sample_frames")
	if err != nil {
		return nil, err
	}
	if sample, _ := config["sample_frames"].(bool); sample {
		return nil, misconfigured(StageTypeToFrames, "sample_frames is not supported")
	}
	return &ToFrames{config: config}, nil
}

func (s *ToFrames) Name() string { return StageTypeToFrames }

func (s *ToFrames) Kwargs() []Kwarg {
	var config interface{}
	if s.config != nil {
		config = s.config
	}
	return []Kwarg{{"config", config}}
}

func (s *ToFrames) NeedsFrames(*View) bool { return true }

func (s *ToFrames) Validate(v *View) (Cache, error) {
	if err := checkVideos(s, v); err != nil {
		return nil, err
	}
	return checked{}, nil
}

// sampleFieldsOnFrames are the sample fields copied onto each frame row.
var sampleFieldsOnFrames = []string{"filepath", "tags", "metadata", "_rand"}

func (s *ToFrames) pipeline(v *View) Pipeline {
	extra := bson.M{
		sampleIDField: "$_id",
		"_media_type": schema.MediaImage,
	}
	for _, f := range sampleFieldsOnFrames {
		if v.Schema(false).Has(f) {
			extra[f] = "$" + f
		}
	}
	return Pipeline{
		stage("$unwind", "$"+schema.FramesField),
		stage("$replaceRoot", bson.M{"newRoot": bson.M{"$mergeObjects": bson.A{"$" + schema.FramesField, extra}}}),
	}
}

func (s *ToFrames) LoadView(ctx context.Context, v *View, c Cache) (schema.Collection, error) {
	if _, err := validated[checked](s, v, c); err != nil {
		return nil, err
	}
	frames := v.Schema(true)
	fields := fieldsOf(v.Schema(false), append([]string{"_id"}, sampleFieldsOnFrames...))
	for _, f := range frames {
		if !fields.Has(f.Name) {
			fields = append(fields, f.Clone())
		}
	}
	if !fields.Has("_media_type") {
		fields = append(fields, &schema.Field{Name: "_media_type", Type: schema.TypeString})
	}
	if !fields.Has(sampleIDField) {
		fields = append(fields, &schema.Field{Name: sampleIDField, Type: schema.TypeObjectID})
	}
	return loadDerived(ctx, s, v, KindFrames, s.pipeline(v), s.config, schema.DeriveSpec{
		MediaType:     schema.MediaImage,
		SampleFields:  fields,
		DefaultFields: []string{sampleIDField, "frame_number"},
	})
}
