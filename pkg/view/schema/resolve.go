package schema

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrFieldNotFound = errors.New("field does not exist")
	ErrNotLabelField = errors.New("field is not a label field")
	ErrNoGeoField    = errors.New("collection has no GeoLocation field")
)

// DBPath maps public "id" path components onto the stored "_id" ones.
func DBPath(path string) string {
	if path == "" {
		return path
	}
	parts := strings.Split(path, ".")
	for i, p := range parts {
		if p == "id" {
			parts[i] = "_id"
		}
	}
	return strings.Join(parts, ".")
}

// ActiveMediaType returns the media type of the samples the collection
// currently yields: the media type of the active slice for groups.
func ActiveMediaType(c Collection) string {
	if c.MediaType() == MediaGroup {
		return c.GroupMediaTypes()[c.DefaultGroupSlice()]
	}
	return c.MediaType()
}

// HasFrames reports whether the samples the collection currently yields
// carry frames.
func HasFrames(c Collection) bool {
	return ActiveMediaType(c) == MediaVideo
}

// HasFrameCollection reports whether any samples of the dataset, in any
// group slice, have frames.
func HasFrameCollection(c Collection) bool {
	if c.MediaType() == MediaVideo {
		return true
	}
	if c.MediaType() == MediaGroup {
		for _, m := range c.GroupMediaTypes() {
			if m == MediaVideo {
				return true
			}
		}
	}
	return false
}

// IsFrameField reports whether path refers to a frame-level field.
func IsFrameField(c Collection, path string) bool {
	return HasFrames(c) && (path == FramesField || strings.HasPrefix(path, FramesField+"."))
}

// HandleFrameField strips the frames prefix of a frame-level path.
func HandleFrameField(c Collection, path string) (string, bool) {
	if !IsFrameField(c, path) {
		return path, false
	}
	return strings.TrimPrefix(strings.TrimPrefix(path, FramesField), "."), true
}

// FramePath prefixes a frame-level path with the frames field.
func FramePath(path string) string {
	if path == "" {
		return FramesField
	}
	return FramesField + "." + path
}

// GetField resolves a sample- or frame-level path.
func GetField(c Collection, path string) (*Field, bool) {
	path = DBPath(path)
	if rest, ok := HandleFrameField(c, path); ok {
		if rest == "" {
			return &Field{Name: FramesField, Type: TypeList, Subfield: TypeEmbedded}, true
		}
		return c.Schema(true).Get(rest)
	}
	return c.Schema(false).Get(path)
}

// LabelPath is a resolved label field.
type LabelPath struct {
	// Path is the label field path without the frames prefix.
	Path    string
	IsFrame bool
	DocType string
	// ListField is the list attribute of label list types, e.g. "detections".
	ListField string
}

// IsList reports whether the field holds a list of labels.
func (l LabelPath) IsList() bool {
	return l.ListField != ""
}

// ListPath returns the path of the label list, or the label path itself for
// single labels.
func (l LabelPath) ListPath() string {
	if l.ListField == "" {
		return l.Path
	}
	return l.Path + "." + l.ListField
}

// FullPath returns the path including the frames prefix.
func (l LabelPath) FullPath() string {
	if l.IsFrame {
		return FramePath(l.Path)
	}
	return l.Path
}

// ResolveLabel resolves a label field path.
func ResolveLabel(c Collection, path string) (LabelPath, error) {
	f, ok := GetField(c, path)
	if !ok {
		return LabelPath{}, errors.Wrapf(ErrFieldNotFound, "%q", path)
	}
	if !f.IsLabel() {
		return LabelPath{}, errors.Wrapf(ErrNotLabelField, "%q has type %s", path, f.Type)
	}
	p, isFrame := HandleFrameField(c, DBPath(path))
	return LabelPath{
		Path:      p,
		IsFrame:   isFrame,
		DocType:   f.DocumentType,
		ListField: LabelListField(f.DocumentType),
	}, nil
}

// LabelFields returns the top-level label fields. Frame-level fields are
// returned with the frames prefix.
func LabelFields(c Collection) []string {
	var out []string
	for _, f := range c.Schema(false) {
		if f.IsLabel() {
			out = append(out, f.Name)
		}
	}
	if HasFrames(c) {
		for _, f := range c.Schema(true) {
			if f.IsLabel() {
				out = append(out, FramePath(f.Name))
			}
		}
	}
	return out
}

// GeoLocationField returns the first top-level GeoLocation field.
func GeoLocationField(c Collection) (string, error) {
	for _, f := range c.Schema(false) {
		if f.Type == TypeEmbedded && f.DocumentType == GeoLocation {
			return f.Name, nil
		}
	}
	return "", ErrNoGeoField
}
