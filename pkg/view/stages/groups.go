package stages

import (
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/schema"
)

func checkGroups(s Stage, v *View) error {
	if v.MediaType() != schema.MediaGroup {
		return invalidf(s, ErrMediaType, "%s is not a group collection", v.MediaType())
	}
	return nil
}

// GroupsConfig configures SelectGroups and ExcludeGroups stages.
type GroupsConfig struct {
	GroupIDs interface{} `mapstructure:"group_ids"`
	Ordered  bool        `mapstructure:"ordered"`
}

// SelectGroups keeps the groups with the given IDs.
type SelectGroups struct {
	base
	ids     []string
	ordered bool
}

func NewSelectGroups(cfg GroupsConfig) (*SelectGroups, error) {
	ids, err := stringList(cfg.GroupIDs)
	if err != nil {
		return nil, misconfigured(StageTypeSelectGroups, "group_ids: %v", err)
	}
	return &SelectGroups{ids: ids, ordered: cfg.Ordered}, nil
}

func (s *SelectGroups) Name() string { return StageTypeSelectGroups }

func (s *SelectGroups) Kwargs() []Kwarg {
	return []Kwarg{{"group_ids", s.ids}, {"ordered", s.ordered}}
}

func (s *SelectGroups) Validate(v *View) (Cache, error) {
	if err := checkGroups(s, v); err != nil {
		return nil, err
	}
	return checked{}, nil
}

func (s *SelectGroups) ToMongo(v *View, c Cache) (Pipeline, error) {
	if c == nil {
		if _, err := s.Validate(v); err != nil {
			return nil, err
		}
	}
	return selectByValues(v.GroupField()+"._id", valueList(s.ids), s.ordered), nil
}

// ExcludeGroups omits the groups with the given IDs.
type ExcludeGroups struct {
	base
	ids []string
}

func NewExcludeGroups(cfg GroupsConfig) (*ExcludeGroups, error) {
	if cfg.Ordered {
		return nil, misconfigured(StageTypeExcludeGroups, "ordered is not supported")
	}
	ids, err := stringList(cfg.GroupIDs)
	if err != nil {
		return nil, misconfigured(StageTypeExcludeGroups, "group_ids: %v", err)
	}
	return &ExcludeGroups{ids: ids}, nil
}

func (s *ExcludeGroups) Name() string    { return StageTypeExcludeGroups }
func (s *ExcludeGroups) Kwargs() []Kwarg { return []Kwarg{{"group_ids", s.ids}} }

func (s *ExcludeGroups) Validate(v *View) (Cache, error) {
	if err := checkGroups(s, v); err != nil {
		return nil, err
	}
	return checked{}, nil
}

func (s *ExcludeGroups) ToMongo(v *View, c Cache) (Pipeline, error) {
	if c == nil {
		if _, err := s.Validate(v); err != nil {
			return nil, err
		}
	}
	return excludeByValues(v.GroupField()+"._id", valueList(s.ids)), nil
}

// groupSlices is the set of slices a group view is restricted to.
type groupSlices struct {
	slices map[string]string
	// media is the media type shared by the slices, or schema.MediaMixed.
	media string
}

func (g *groupSlices) names() []string {
	return setToSorted(toSet(g.slices))
}

func toSet(m map[string]string) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func newGroupSlices(all map[string]string, keep func(name, media string) bool) *groupSlices {
	g := &groupSlices{slices: map[string]string{}}
	for name, media := range all {
		if !keep(name, media) {
			continue
		}
		g.slices[name] = media
		switch g.media {
		case "", media:
			g.media = media
		default:
			g.media = schema.MediaMixed
		}
	}
	return g
}

// restrict limits v to the slices of g. The active slice moves to the first
// remaining slice when it was dropped.
func (g *groupSlices) restrict(v *View) {
	v.slices = g.slices
	if _, ok := g.slices[v.DefaultGroupSlice()]; !ok {
		names := g.names()
		v.activeSlice = names[0]
	}
}

func checkSliceNames(s Stage, v *View, names []string) error {
	all := v.GroupMediaTypes()
	var unknown []string
	for _, n := range names {
		if _, ok := all[n]; !ok {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return invalidf(s, ErrUnknownField, "group slices %q", unknown)
	}
	return nil
}

// SelectGroupSlicesConfig configures a SelectGroupSlices stage.
type SelectGroupSlicesConfig struct {
	Slices     interface{} `mapstructure:"slices"`
	MediaType  string      `mapstructure:"media_type"`
	Flat       *bool       `mapstructure:"flat"`
	AllowMixed bool        `mapstructure:"_allow_mixed"`
}

// SelectGroupSlices keeps the given slices of a group collection. Flat
// selection emits the samples of every selected slice as a non-group
// collection, otherwise the view stays grouped with fewer slices.
type SelectGroupSlices struct {
	base
	slices     []string
	mediaType  string
	flat       bool
	allowMixed bool
}

func NewSelectGroupSlices(cfg SelectGroupSlicesConfig) (*SelectGroupSlices, error) {
	slices, err := stringList(cfg.Slices)
	if err != nil {
		return nil, misconfigured(StageTypeSelectGroupSlices, "slices: %v", err)
	}
	return &SelectGroupSlices{
		slices:     slices,
		mediaType:  cfg.MediaType,
		flat:       boolOr(cfg.Flat, true),
		allowMixed: cfg.AllowMixed,
	}, nil
}

func (s *SelectGroupSlices) Name() string { return StageTypeSelectGroupSlices }

func (s *SelectGroupSlices) Kwargs() []Kwarg {
	var mediaType interface{}
	if s.mediaType != "" {
		mediaType = s.mediaType
	}
	return []Kwarg{
		{"slices", s.slices},
		{"media_type", mediaType},
		{"flat", s.flat},
		{"_allow_mixed", s.allowMixed},
	}
}

func (s *SelectGroupSlices) cache(v *View) *groupSlices {
	c, err := validated[*groupSlices](s, v, nil)
	if err != nil {
		return &groupSlices{}
	}
	return c
}

func (s *SelectGroupSlices) NeedsGroupSlices(v *View) []string { return s.cache(v).names() }
func (s *SelectGroupSlices) FlattensGroups() bool              { return s.flat }

func (s *SelectGroupSlices) MediaType(v *View) string {
	if !s.flat {
		return ""
	}
	return s.cache(v).media
}

func (s *SelectGroupSlices) Validate(v *View) (Cache, error) {
	if err := checkGroups(s, v); err != nil {
		return nil, err
	}
	if err := checkSliceNames(s, v, s.slices); err != nil {
		return nil, err
	}
	wanted := map[string]struct{}{}
	for _, n := range s.slices {
		wanted[n] = struct{}{}
	}
	g := newGroupSlices(v.GroupMediaTypes(), func(name, media string) bool {
		if _, ok := wanted[name]; s.slices != nil && !ok {
			return false
		}
		return s.mediaType == "" || media == s.mediaType
	})
	if len(g.slices) == 0 {
		return nil, invalidf(s, ErrGroupState, "no group slice has media type %q", s.mediaType)
	}
	if s.flat && g.media == schema.MediaMixed && !s.allowMixed {
		return nil, invalidf(s, ErrMediaType, "slices %q have different media types", g.names())
	}
	return g, nil
}

func (s *SelectGroupSlices) ToMongo(v *View, c Cache) (Pipeline, error) {
	g, err := validated[*groupSlices](s, v, c)
	if err != nil {
		return nil, err
	}
	if !s.flat {
		return Pipeline{}, nil
	}
	gf := v.GroupField()
	return Pipeline{
		stage("$project", bson.M{gf: true}),
		stage("$lookup", bson.M{
			"from": v.SampleCollectionName(),
			"let":  bson.M{"group_id": "$" + gf + "._id"},
			"pipeline": bson.A{stage("$match", bson.M{"$expr": bson.M{"$and": bson.A{
				bson.M{"$eq": bson.A{"$" + gf + "._id", "$$group_id"}},
				bson.M{"$in": bson.A{"$" + gf + ".name", g.names()}},
			}}})},
			"as": "groups",
		}),
		stage("$unwind", "$groups"),
		stage("$replaceRoot", bson.M{"newRoot": "$groups"}),
	}, nil
}

func (s *SelectGroupSlices) apply(v *View, c Cache) {
	if s.flat {
		return
	}
	if g, ok := c.(*groupSlices); ok {
		g.restrict(v)
	}
}

// ExcludeGroupSlicesConfig configures an ExcludeGroupSlices stage.
type ExcludeGroupSlicesConfig struct {
	Slices    interface{} `mapstructure:"slices"`
	MediaType string      `mapstructure:"media_type"`
}

// ExcludeGroupSlices removes slices from a group collection, which stays
// grouped.
type ExcludeGroupSlices struct {
	base
	slices    []string
	mediaType string
}

func NewExcludeGroupSlices(cfg ExcludeGroupSlicesConfig) (*ExcludeGroupSlices, error) {
	slices, err := stringList(cfg.Slices)
	if err != nil {
		return nil, misconfigured(StageTypeExcludeGroupSlices, "slices: %v", err)
	}
	if slices == nil && cfg.MediaType == "" {
		return nil, misconfigured(StageTypeExcludeGroupSlices, ErrMissingArguments, "slices or media_type")
	}
	return &ExcludeGroupSlices{slices: slices, mediaType: cfg.MediaType}, nil
}

func (s *ExcludeGroupSlices) Name() string { return StageTypeExcludeGroupSlices }

func (s *ExcludeGroupSlices) Kwargs() []Kwarg {
	var mediaType interface{}
	if s.mediaType != "" {
		mediaType = s.mediaType
	}
	return []Kwarg{{"slices", s.slices}, {"media_type", mediaType}}
}

func (s *ExcludeGroupSlices) NeedsGroupSlices(v *View) []string {
	g, err := validated[*groupSlices](s, v, nil)
	if err != nil {
		return nil
	}
	return g.names()
}

func (s *ExcludeGroupSlices) Validate(v *View) (Cache, error) {
	if err := checkGroups(s, v); err != nil {
		return nil, err
	}
	if err := checkSliceNames(s, v, s.slices); err != nil {
		return nil, err
	}
	excluded := map[string]struct{}{}
	for _, n := range s.slices {
		excluded[n] = struct{}{}
	}
	g := newGroupSlices(v.GroupMediaTypes(), func(name, media string) bool {
		_, ok := excluded[name]
		return !ok && (s.mediaType == "" || media != s.mediaType)
	})
	if len(g.slices) == 0 {
		return nil, invalidf(s, ErrGroupState, "cannot exclude every group slice")
	}
	return g, nil
}

func (s *ExcludeGroupSlices) ToMongo(v *View, c Cache) (Pipeline, error) {
	if _, err := validated[*groupSlices](s, v, c); err != nil {
		return nil, err
	}
	return Pipeline{}, nil
}

func (s *ExcludeGroupSlices) apply(v *View, c Cache) {
	if g, ok := c.(*groupSlices); ok {
		g.restrict(v)
	}
}
