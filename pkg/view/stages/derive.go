package stages

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/view/derived"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// Derived view kinds.
const (
	KindPatches           = "patches"
	KindEvaluationPatches = "evaluation_patches"
	KindClips             = "clips"
	KindTrajectories      = "trajectories"
	KindFrames            = "frames"
)

const sampleIDField = "_sample_id"

// parseGeneratorConfig checks the config kwarg of a generator stage.
func parseGeneratorConfig(stage string, v interface{}, allowed ...string) (map[string]interface{}, error) {
	if v == nil {
		return nil, nil
	}
	cfg, ok := v.(map[string]interface{})
	if !ok {
		return nil, misconfigured(stage, "config must be a mapping, got %T", v)
	}
	known := map[string]struct{}{derived.NameKey: {}}
	for _, k := range allowed {
		known[k] = struct{}{}
	}
	for _, k := range sortedKeys(cfg) {
		if _, ok := known[k]; !ok {
			return nil, misconfigured(stage, "unknown config key %q", k)
		}
	}
	if name, ok := cfg[derived.NameKey]; ok {
		if _, isString := name.(string); !isString {
			return nil, misconfigured(stage, "%s must be a string", derived.NameKey)
		}
	}
	return cfg, nil
}

// otherFields resolves the other_fields config of a generator: false keeps
// none, true keeps every non-default top-level field, names keep those
// fields.
func otherFields(s Stage, v *View, cfg map[string]interface{}, skip ...string) ([]string, error) {
	excluded := map[string]struct{}{}
	for _, f := range append(v.DefaultFields(false), skip...) {
		excluded[f] = struct{}{}
	}
	switch t := cfg["other_fields"].(type) {
	case nil:
		return nil, nil
	case bool:
		if !t {
			return nil, nil
		}
		var out []string
		for _, name := range v.Schema(false).Names() {
			if _, ok := excluded[name]; !ok {
				out = append(out, name)
			}
		}
		return out, nil
	default:
		names, err := stringList(t)
		if err != nil {
			return nil, misconfigured(s.Name(), "other_fields: %v", err)
		}
		var out []string
		for _, name := range names {
			if _, err := checkField(s, v, name); err != nil {
				return nil, err
			}
			if _, ok := excluded[name]; !ok {
				out = append(out, name)
			}
		}
		return out, nil
	}
}

// intConfig reads an integer config value decoded from JSON or YAML.
func intConfig(cfg map[string]interface{}, key string, def int) (int, error) {
	switch t := cfg[key].(type) {
	case nil:
		return def, nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != float64(int(t)) {
			return 0, errors.Errorf("%s must be an integer, got %v", key, t)
		}
		return int(t), nil
	}
	return 0, errors.Errorf("%s must be an integer, got %T", key, cfg[key])
}

// baseFields returns the default and other fields carried onto every
// generated row, without _id.
func baseFields(v *View, other []string) []string {
	var out []string
	for _, f := range append(v.DefaultFields(false), other...) {
		if f != "_id" && v.Schema(false).Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// reshape replaces each row with the base fields read relative to prefix,
// merged with extra.
func reshape(base []string, prefix string, extra bson.M) bson.D {
	doc := bson.M{}
	for _, f := range base {
		doc[f] = "$" + prefix + f
	}
	return stage("$replaceRoot", bson.M{"newRoot": bson.M{"$mergeObjects": bson.A{doc, extra}}})
}

// fieldsOf returns copies of the named top-level fields of s, in s order.
func fieldsOf(s schema.Schema, names []string) schema.Schema {
	want := map[string]struct{}{}
	for _, n := range names {
		want[n] = struct{}{}
	}
	var out schema.Schema
	for _, f := range s {
		if _, ok := want[f.Name]; ok {
			out = append(out, f.Clone())
		}
	}
	return out
}

// elementField returns the field holding a single element of a label list
// field, named name.
func elementField(f *schema.Field, name string) *schema.Field {
	out := &schema.Field{Name: name, Type: schema.TypeEmbedded, DocumentType: schema.ElementType(f.DocumentType)}
	if list, ok := f.Get(schema.LabelListField(f.DocumentType)); ok {
		out.Fields = schema.Schema(list.Fields).Clone()
	} else {
		out.Fields = schema.Schema(f.Fields).Clone()
	}
	return out
}

// loadDerived materializes the rows of a generator stage and returns the
// generated collection.
func loadDerived(ctx context.Context, s Stage, v *View, kind string, p Pipeline, config map[string]interface{}, spec schema.DeriveSpec) (schema.Collection, error) {
	generation := append(v.fullPipeline(), p...)
	// The desired name is moved to the top level, where it does not
	// participate in the fingerprint.
	cfg := kwargMap(s)
	stripped := make(map[string]interface{}, len(config))
	for k, val := range config {
		if k == derived.NameKey {
			cfg[derived.NameKey] = val
			continue
		}
		stripped[k] = val
	}
	cfg["config"] = stripped
	res, err := v.compiler.generate(ctx, v, kind, generation, cfg)
	if err != nil {
		return nil, err
	}
	spec.Name = res.Collection
	spec.Kind = kind
	spec.CollectionName = res.Collection
	spec.Source = v.origin
	out, err := v.Derive(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s view", kind)
	}
	level.Debug(v.logger()).Log("msg", "loaded derived view", "kind", kind, "collection", res.Collection, "outcome", res.Outcome)
	return out, nil
}
