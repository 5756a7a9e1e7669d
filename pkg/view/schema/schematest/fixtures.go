// Package schematest provides datasets for tests of packages compiling
// against a schema.Collection.
package schematest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datacurate/viewstage/pkg/view/schema"
)

const detectionFields = `
          - name: _id
            type: ObjectIdField
          - name: label
            type: StringField
          - name: confidence
            type: FloatField
          - name: tags
            type: ListField
            subfield: StringField
          - name: bounding_box
            type: ListField
            subfield: FloatField
          - name: index
            type: IntField
`

// ImageYAML describes an image dataset with a bit of every label type.
const ImageYAML = `
name: quickstart
media_type: image
sample_fields:
  - name: ground_truth
    type: EmbeddedDocumentField
    document_type: Detections
    description: Human annotations
    info:
      source: annotators
    fields:
      - name: detections
        type: ListField
        subfield: EmbeddedDocumentField
        document_type: Detection
        fields:` + detectionFields + `
  - name: predictions
    type: EmbeddedDocumentField
    document_type: Detections
    description: Model output
    info:
      model:
        name: yolo
    fields:
      - name: detections
        type: ListField
        subfield: EmbeddedDocumentField
        document_type: Detection
        fields:` + detectionFields + `
  - name: weather
    type: EmbeddedDocumentField
    document_type: Classification
    fields:
      - name: _id
        type: ObjectIdField
      - name: label
        type: StringField
      - name: confidence
        type: FloatField
      - name: tags
        type: ListField
        subfield: StringField
  - name: points
    type: EmbeddedDocumentField
    document_type: Keypoints
    info:
      skeleton: [nose, left_eye, right_eye]
    fields:
      - name: keypoints
        type: ListField
        subfield: EmbeddedDocumentField
        document_type: Keypoint
        fields:
          - name: _id
            type: ObjectIdField
          - name: label
            type: StringField
          - name: points
            type: ListField
          - name: confidence
            type: ListField
            subfield: FloatField
          - name: tags
            type: ListField
            subfield: StringField
  - name: location
    type: EmbeddedDocumentField
    document_type: GeoLocation
    fields:
      - name: point
        type: ListField
        subfield: FloatField
      - name: polygon
        type: ListField
  - name: uniqueness
    type: FloatField
  - name: label_key
    type: StringField
  - name: confidence
    type: FloatField
  - name: embedding
    type: VectorField
evaluations:
  eval:
    pred_field: predictions
    gt_field: ground_truth
    type: detection
`

// VideoYAML describes a video dataset with frame-level labels.
const VideoYAML = `
name: clips
media_type: video
sample_fields:
  - name: events
    type: EmbeddedDocumentField
    document_type: TemporalDetections
    fields:
      - name: detections
        type: ListField
        subfield: EmbeddedDocumentField
        document_type: TemporalDetection
        fields:
          - name: _id
            type: ObjectIdField
          - name: label
            type: StringField
          - name: support
            type: FrameSupportField
          - name: tags
            type: ListField
            subfield: StringField
  - name: support
    type: FrameSupportField
frame_fields:
  - name: detections
    type: EmbeddedDocumentField
    document_type: Detections
    fields:
      - name: detections
        type: ListField
        subfield: EmbeddedDocumentField
        document_type: Detection
        fields:` + detectionFields + `
  - name: scene
    type: EmbeddedDocumentField
    document_type: Classification
    fields:
      - name: _id
        type: ObjectIdField
      - name: label
        type: StringField
      - name: tags
        type: ListField
        subfield: StringField
  - name: quality
    type: FloatField
`

// GroupYAML describes a group dataset with two image slices and a video
// slice.
const GroupYAML = `
name: multiview
media_type: group
group_field: group
default_group_slice: left
group_slices:
  left: image
  right: image
  ego: video
sample_fields:
  - name: ground_truth
    type: EmbeddedDocumentField
    document_type: Detections
    fields:
      - name: detections
        type: ListField
        subfield: EmbeddedDocumentField
        document_type: Detection
        fields:` + detectionFields + `
frame_fields:
  - name: quality
    type: FloatField
`

// Load registers the given YAML dataset descriptions in a fresh catalog and
// returns the first one.
func Load(t testing.TB, docs ...string) *schema.Static {
	t.Helper()
	catalog := schema.NewCatalog(nil)
	var first *schema.Static
	for _, doc := range docs {
		cfg, err := schema.ParseDatasetConfig([]byte(doc))
		require.NoError(t, err)
		s, err := catalog.Add(cfg)
		require.NoError(t, err)
		if first == nil {
			first = s
		}
	}
	return first
}

func Image(t testing.TB) *schema.Static { return Load(t, ImageYAML, VideoYAML) }
func Video(t testing.TB) *schema.Static { return Load(t, VideoYAML, ImageYAML) }
func Group(t testing.TB) *schema.Static { return Load(t, GroupYAML) }
