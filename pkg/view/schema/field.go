package schema

import (
	"sort"
	"strings"
)

// Field types.
const (
	TypeObjectID     = "ObjectIdField"
	TypeString       = "StringField"
	TypeInt          = "IntField"
	TypeFloat        = "FloatField"
	TypeBool         = "BooleanField"
	TypeDate         = "DateTimeField"
	TypeList         = "ListField"
	TypeDict         = "DictField"
	TypeEmbedded     = "EmbeddedDocumentField"
	TypeFrameSupport = "FrameSupportField"
	TypeVector       = "VectorField"
)

// Label document types.
const (
	Classification     = "Classification"
	Classifications    = "Classifications"
	Detection          = "Detection"
	Detections         = "Detections"
	Polyline           = "Polyline"
	Polylines          = "Polylines"
	Keypoint           = "Keypoint"
	Keypoints          = "Keypoints"
	TemporalDetection  = "TemporalDetection"
	TemporalDetections = "TemporalDetections"
	Segmentation       = "Segmentation"
	Heatmap            = "Heatmap"
	Regression         = "Regression"
	GeoLocation        = "GeoLocation"
	GeoLocations       = "GeoLocations"
)

var labelListFields = map[string]string{
	Classifications:    "classifications",
	Detections:         "detections",
	Polylines:          "polylines",
	Keypoints:          "keypoints",
	TemporalDetections: "detections",
	GeoLocations:       "locations",
}

var listElementTypes = map[string]string{
	Classifications:    Classification,
	Detections:         Detection,
	Polylines:          Polyline,
	Keypoints:          Keypoint,
	TemporalDetections: TemporalDetection,
	GeoLocations:       GeoLocation,
}

var labelTypes = map[string]struct{}{
	Classification: {}, Classifications: {}, Detection: {}, Detections: {},
	Polyline: {}, Polylines: {}, Keypoint: {}, Keypoints: {},
	TemporalDetection: {}, TemporalDetections: {}, Segmentation: {},
	Heatmap: {}, Regression: {}, GeoLocation: {}, GeoLocations: {},
}

// IsLabelType reports whether docType is a label document type.
func IsLabelType(docType string) bool {
	_, ok := labelTypes[docType]
	return ok
}

// LabelListField returns the name of the list attribute of a label list
// type such as Detections, or "" for other types.
func LabelListField(docType string) string {
	return labelListFields[docType]
}

// ElementType returns the single-label type held by a label list type.
func ElementType(docType string) string {
	if t, ok := listElementTypes[docType]; ok {
		return t
	}
	return docType
}

// Field describes one entry of a collection schema.
type Field struct {
	Name         string                 `yaml:"name" json:"name"`
	Type         string                 `yaml:"type" json:"type"`
	DocumentType string                 `yaml:"document_type,omitempty" json:"document_type,omitempty"`
	Subfield     string                 `yaml:"subfield,omitempty" json:"subfield,omitempty"`
	Description  string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Info         map[string]interface{} `yaml:"info,omitempty" json:"info,omitempty"`
	Fields       []*Field               `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// IsLabel reports whether the field holds a label document.
func (f *Field) IsLabel() bool {
	return f.Type == TypeEmbedded && IsLabelType(f.DocumentType)
}

// IsLabelList reports whether the field holds a label list document such as
// Detections.
func (f *Field) IsLabelList() bool {
	return f.IsLabel() && LabelListField(f.DocumentType) != ""
}

// IsList reports whether the field is a list.
func (f *Field) IsList() bool {
	return f.Type == TypeList
}

// Get returns the direct subfield called name.
func (f *Field) Get(name string) (*Field, bool) {
	for _, sub := range f.Fields {
		if sub.Name == name {
			return sub, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the field.
func (f *Field) Clone() *Field {
	c := *f
	if f.Fields != nil {
		c.Fields = Schema(f.Fields).Clone()
	}
	return &c
}

// Schema is an ordered list of top-level fields.
type Schema []*Field

// Get resolves a dotted path.
func (s Schema) Get(path string) (*Field, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	fields := []*Field(s)
	var current *Field
	for _, part := range parts {
		found := false
		for _, f := range fields {
			if f.Name == part {
				current, found = f, true
				break
			}
		}
		if !found {
			return nil, false
		}
		fields = current.Fields
	}
	return current, true
}

// Has reports whether path resolves.
func (s Schema) Has(path string) bool {
	_, ok := s.Get(path)
	return ok
}

// Names returns the top-level field names.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s))
	for _, f := range s {
		names = append(names, f.Name)
	}
	return names
}

// Flatten returns every path of the schema, including nested ones, mapped to
// its field.
func (s Schema) Flatten() map[string]*Field {
	out := map[string]*Field{}
	var walk func(prefix string, fields []*Field)
	walk = func(prefix string, fields []*Field) {
		for _, f := range fields {
			p := f.Name
			if prefix != "" {
				p = prefix + "." + f.Name
			}
			out[p] = f
			walk(p, f.Fields)
		}
	}
	walk("", s)
	return out
}

// Paths returns the sorted flattened paths.
func (s Schema) Paths() []string {
	flat := s.Flatten()
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	if s == nil {
		return nil
	}
	out := make(Schema, 0, len(s))
	for _, f := range s {
		out = append(out, f.Clone())
	}
	return out
}

// Select keeps only the given paths and the ancestors needed to reach them.
// Selecting a path keeps all of its descendants.
func (s Schema) Select(paths []string) Schema {
	keep := map[string]struct{}{}
	for _, p := range paths {
		keep[p] = struct{}{}
	}
	return prune(s, "", func(path string) (bool, bool) {
		if _, ok := keep[path]; ok {
			return true, true
		}
		for p := range keep {
			if strings.HasPrefix(p, path+".") {
				return true, false
			}
		}
		return false, false
	})
}

// Exclude drops the given paths and their descendants.
func (s Schema) Exclude(paths []string) Schema {
	drop := map[string]struct{}{}
	for _, p := range paths {
		drop[p] = struct{}{}
	}
	return prune(s, "", func(path string) (bool, bool) {
		if _, ok := drop[path]; ok {
			return false, false
		}
		return true, false
	})
}

// prune walks the schema; decide returns whether to keep a path and whether
// to keep its whole subtree without further checks.
func prune(fields []*Field, prefix string, decide func(path string) (keep, whole bool)) Schema {
	var out Schema
	for _, f := range fields {
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		keep, whole := decide(path)
		if !keep {
			continue
		}
		c := f.Clone()
		if !whole && len(f.Fields) > 0 {
			c.Fields = prune(f.Fields, path, decide)
		}
		out = append(out, c)
	}
	return out
}
