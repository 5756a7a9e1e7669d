package stages

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

const distanceField = "_distance"

// geoPoint normalizes a GeoJSON point or a [longitude, latitude] pair.
func geoPoint(v interface{}) (map[string]interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		if t["type"] != "Point" {
			return nil, errors.Errorf("expected a GeoJSON Point, got %v", t["type"])
		}
		return t, nil
	case []float64:
		coords := make([]interface{}, 0, len(t))
		for _, c := range t {
			coords = append(coords, c)
		}
		return geoPoint(coords)
	case []interface{}:
		if len(t) != 2 {
			return nil, errors.Errorf("expected [longitude, latitude], got %v", t)
		}
		return map[string]interface{}{"type": "Point", "coordinates": t}, nil
	}
	return nil, errors.Errorf("expected a point, got %T", v)
}

// geoPolygon normalizes a GeoJSON geometry, a list of [longitude, latitude]
// points or a list of such rings into a GeoJSON Polygon.
func geoPolygon(v interface{}) (map[string]interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		if _, ok := t["type"].(string); !ok {
			return nil, errors.New("GeoJSON geometry has no type")
		}
		return t, nil
	case []interface{}:
		if len(t) == 0 {
			return nil, errors.New("empty boundary")
		}
		first, ok := t[0].([]interface{})
		if !ok || len(first) == 0 {
			return nil, errors.Errorf("expected a list of points, got %v", t[0])
		}
		rings := t
		if _, isPoint := first[0].(float64); isPoint {
			rings = []interface{}{t}
		} else if _, isPoint := first[0].(int); isPoint {
			rings = []interface{}{t}
		}
		return map[string]interface{}{"type": "Polygon", "coordinates": rings}, nil
	}
	return nil, errors.Errorf("expected a boundary, got %T", v)
}

// geoField resolves the GeoLocation field of a geo stage.
func geoField(s Stage, v *View, field string) (string, error) {
	if field == "" {
		f, err := schema.GeoLocationField(v)
		if err != nil {
			return "", invalid(s, err)
		}
		field = f
	}
	f, err := checkField(s, v, field)
	if err != nil {
		return "", err
	}
	if f.DocumentType != schema.GeoLocation || schema.IsFrameField(v, field) {
		return "", invalidf(s, ErrFieldType, "%q is not a sample-level GeoLocation field", field)
	}
	path := schema.DBPath(field) + ".point"
	return path, nil
}

// GeoNearConfig configures a GeoNear stage.
type GeoNearConfig struct {
	Point         interface{} `mapstructure:"point"`
	LocationField string      `mapstructure:"location_field"`
	MinDistance   *float64    `mapstructure:"min_distance"`
	MaxDistance   *float64    `mapstructure:"max_distance"`
	Query         interface{} `mapstructure:"query"`
	CreateIndex   *bool       `mapstructure:"create_index"`
}

// GeoNear sorts the samples by proximity to a point, in meters, optionally
// restricted to a distance range and a query. It must be the first stage.
type GeoNear struct {
	base
	point       map[string]interface{}
	field       string
	minDistance *float64
	maxDistance *float64
	query       expr.Filter
	createIndex bool
}

func NewGeoNear(cfg GeoNearConfig) (*GeoNear, error) {
	point, err := geoPoint(cfg.Point)
	if err != nil {
		return nil, misconfigured(StageTypeGeoNear, "point: %v", err)
	}
	for _, d := range []*float64{cfg.MinDistance, cfg.MaxDistance} {
		if d != nil && *d < 0 {
			return nil, misconfigured(StageTypeGeoNear, ErrNegativeValue, "distance")
		}
	}
	if cfg.MinDistance != nil && cfg.MaxDistance != nil && *cfg.MinDistance > *cfg.MaxDistance {
		return nil, misconfigured(StageTypeGeoNear, "min_distance exceeds max_distance")
	}
	query, err := parseFilter(StageTypeGeoNear, cfg.Query)
	if err != nil {
		return nil, err
	}
	return &GeoNear{
		point:       point,
		field:       cfg.LocationField,
		minDistance: cfg.MinDistance,
		maxDistance: cfg.MaxDistance,
		query:       query,
		createIndex: boolOr(cfg.CreateIndex, true),
	}, nil
}

func (s *GeoNear) Name() string { return StageTypeGeoNear }

func (s *GeoNear) Kwargs() []Kwarg {
	var field, minDistance, maxDistance interface{}
	if s.field != "" {
		field = s.field
	}
	if s.minDistance != nil {
		minDistance = *s.minDistance
	}
	if s.maxDistance != nil {
		maxDistance = *s.maxDistance
	}
	return []Kwarg{
		{"point", s.point},
		{"location_field", field},
		{"min_distance", minDistance},
		{"max_distance", maxDistance},
		{"query", serializeQuery(s.query)},
		{"create_index", s.createIndex},
	}
}

func (s *GeoNear) Validate(v *View) (Cache, error) {
	if len(v.fullPipeline()) > 0 {
		return nil, invalidf(s, ErrStagePosition, "$geoNear must run first")
	}
	path, err := geoField(s, v, s.field)
	if err != nil {
		return nil, err
	}
	if s.createIndex {
		v.ensureIndex(path, schema.IndexOptions{Kind: schema.Index2DSphere})
	}
	return path, nil
}

func (s *GeoNear) ToMongo(v *View, c Cache) (Pipeline, error) {
	path, err := validated[string](s, v, c)
	if err != nil {
		return nil, err
	}
	near := bson.M{
		"near":          s.point,
		"key":           path,
		"distanceField": distanceField,
		"spherical":     true,
	}
	if s.minDistance != nil {
		near["minDistance"] = *s.minDistance
	}
	if s.maxDistance != nil {
		near["maxDistance"] = *s.maxDistance
	}
	if s.query != nil {
		near["query"] = expr.AsQuery(s.query)
	}
	return Pipeline{stage("$geoNear", near), stage("$unset", distanceField)}, nil
}

// GeoWithinConfig configures a GeoWithin stage.
type GeoWithinConfig struct {
	Boundary      interface{} `mapstructure:"boundary"`
	LocationField string      `mapstructure:"location_field"`
	Strict        *bool       `mapstructure:"strict"`
	CreateIndex   *bool       `mapstructure:"create_index"`
}

// GeoWithin keeps the samples located within a boundary. Unless strict,
// locations intersecting the boundary are kept as well.
type GeoWithin struct {
	base
	boundary    map[string]interface{}
	field       string
	strict      bool
	createIndex bool
}

func NewGeoWithin(cfg GeoWithinConfig) (*GeoWithin, error) {
	boundary, err := geoPolygon(cfg.Boundary)
	if err != nil {
		return nil, misconfigured(StageTypeGeoWithin, "boundary: %v", err)
	}
	return &GeoWithin{
		boundary:    boundary,
		field:       cfg.LocationField,
		strict:      boolOr(cfg.Strict, true),
		createIndex: boolOr(cfg.CreateIndex, true),
	}, nil
}

func (s *GeoWithin) Name() string { return StageTypeGeoWithin }

func (s *GeoWithin) Kwargs() []Kwarg {
	var field interface{}
	if s.field != "" {
		field = s.field
	}
	return []Kwarg{
		{"boundary", s.boundary},
		{"location_field", field},
		{"strict", s.strict},
		{"create_index", s.createIndex},
	}
}

func (s *GeoWithin) Validate(v *View) (Cache, error) {
	path, err := geoField(s, v, s.field)
	if err != nil {
		return nil, err
	}
	if s.createIndex {
		v.ensureIndex(path, schema.IndexOptions{Kind: schema.Index2DSphere})
	}
	return path, nil
}

func (s *GeoWithin) ToMongo(v *View, c Cache) (Pipeline, error) {
	path, err := validated[string](s, v, c)
	if err != nil {
		return nil, err
	}
	op := "$geoWithin"
	if !s.strict {
		op = "$geoIntersects"
	}
	return Pipeline{stage("$match", bson.M{path: bson.M{op: bson.M{"$geometry": s.boundary}}})}, nil
}
