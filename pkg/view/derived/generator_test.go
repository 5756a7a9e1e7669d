package derived

import (
	"context"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func request(upstream string, config map[string]interface{}) Request {
	return Request{
		Dataset:  "quickstart",
		Kind:     "patches",
		Source:   "samples.quickstart",
		Pipeline: []bson.D{{{Key: "$unwind", Value: "$ground_truth.detections"}}},
		Upstream: []byte(upstream),
		Config:   config,
	}
}

func TestConfigHash_IgnoresName(t *testing.T) {
	a, err := ConfigHash(map[string]interface{}{"field": "ground_truth", NameKey: "a"})
	require.NoError(t, err)
	b, err := ConfigHash(map[string]interface{}{"field": "ground_truth", NameKey: "b"})
	require.NoError(t, err)
	c, err := ConfigHash(map[string]interface{}{"field": "predictions"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestFingerprint(t *testing.T) {
	cfg := map[string]interface{}{"field": "ground_truth"}
	a, err := Fingerprint("quickstart", []byte(`[]`), cfg)
	require.NoError(t, err)
	b, err := Fingerprint("quickstart", []byte(`[]`), map[string]interface{}{"field": "ground_truth"})
	require.NoError(t, err)
	c, err := Fingerprint("quickstart", []byte(`[{"_cls":"Limit"}]`), cfg)
	require.NoError(t, err)
	d, err := Fingerprint("other", []byte(`[]`), cfg)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestGenerator_ReuseRegenerateRename(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := prometheus.NewRegistry()
	g := NewGenerator(store, "derived.", log.NewNopLogger(), reg)

	cfg := map[string]interface{}{"field": "ground_truth"}
	first, err := g.Generate(ctx, request(`[]`, cfg))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGenerated, first.Outcome)
	assert.Equal(t, "derived.patches.quickstart."+first.Fingerprint, first.Collection)

	m, ok := store.Collection(first.Collection)
	require.True(t, ok)
	assert.Equal(t, "samples.quickstart", m.Source)

	again, err := g.Generate(ctx, request(`[]`, cfg))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReused, again.Outcome)
	assert.Equal(t, first.Collection, again.Collection)
	assert.Equal(t, int64(1), store.Materializations.Load())

	named, err := g.Generate(ctx, request(`[]`, map[string]interface{}{"field": "ground_truth", NameKey: "my_patches"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRenamed, named.Outcome)
	assert.Equal(t, "my_patches", named.Collection)
	assert.Equal(t, int64(1), store.Renames.Load())
	_, ok = store.Collection(first.Collection)
	assert.False(t, ok)

	changed, err := g.Generate(ctx, request(`[{"_cls":"Limit"}]`, cfg))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGenerated, changed.Outcome)
	assert.NotEqual(t, first.Fingerprint, changed.Fingerprint)
	assert.Equal(t, int64(0), store.Drops.Load())
	assert.Equal(t, 2, store.Collections())

	assert.Equal(t, 2.0, testutil.ToFloat64(g.views.WithLabelValues("patches", OutcomeGenerated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.views.WithLabelValues("patches", OutcomeReused)))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.views.WithLabelValues("patches", OutcomeRenamed)))
}

func TestGenerator_DifferentUpstreamsCoexist(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g := NewGenerator(store, "derived.", log.NewNopLogger(), prometheus.NewRegistry())

	cfg := map[string]interface{}{"field": "ground_truth"}
	a, err := g.Generate(ctx, request(`[]`, cfg))
	require.NoError(t, err)
	b, err := g.Generate(ctx, request(`[{"_cls":"Limit"}]`, cfg))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGenerated, b.Outcome)
	assert.NotEqual(t, a.Collection, b.Collection)

	_, ok := store.Collection(a.Collection)
	assert.True(t, ok, "generating another upstream must not drop %s", a.Collection)

	again, err := g.Generate(ctx, request(`[]`, cfg))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReused, again.Outcome)
	assert.Equal(t, a.Collection, again.Collection)

	againB, err := g.Generate(ctx, request(`[{"_cls":"Limit"}]`, cfg))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReused, againB.Outcome)

	assert.Equal(t, int64(2), store.Materializations.Load())
	assert.Equal(t, int64(0), store.Drops.Load())
	assert.Equal(t, 2, store.Collections())
}

func TestNewKey_Upstream(t *testing.T) {
	cfg := map[string]interface{}{"field": "ground_truth"}
	a, err := NewKey("quickstart", "patches", []byte(`[]`), cfg)
	require.NoError(t, err)
	b, err := NewKey("quickstart", "patches", []byte(`[{"_cls":"Limit"}]`), cfg)
	require.NoError(t, err)
	c, err := NewKey("quickstart", "patches", []byte(`[]`), map[string]interface{}{"field": "ground_truth", NameKey: "x"})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
}

func TestGenerator_RegeneratesMissingCollection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g := NewGenerator(store, "", log.NewNopLogger(), nil)

	cfg := map[string]interface{}{"field": "ground_truth"}
	first, err := g.Generate(ctx, request(`[]`, cfg))
	require.NoError(t, err)
	require.NoError(t, store.Drop(ctx, first.Collection))

	second, err := g.Generate(ctx, request(`[]`, cfg))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGenerated, second.Outcome)
	assert.Equal(t, int64(2), store.Materializations.Load())
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Materialize(context.Context, string, []bson.D, string) error {
	return errors.New("disk full")
}

func TestGenerator_MaterializeFailure(t *testing.T) {
	store := failingStore{NewMemoryStore()}
	g := NewGenerator(store, "", log.NewNopLogger(), prometheus.NewRegistry())

	_, err := g.Generate(context.Background(), request(`[]`, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	d, err := store.Descriptor(context.Background(), Key{Dataset: "quickstart", Kind: "patches"})
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.views.WithLabelValues("patches", OutcomeFailed)))
}

func TestGenerator_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	g := NewGenerator(store, "", log.NewNopLogger(), nil)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Generate(context.Background(), request(`[]`, nil))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0].Collection, r.Collection)
	}
	assert.Equal(t, 1, store.Collections())
}

func TestGenerator_SharedRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewGenerator(NewMemoryStore(), "", log.NewNopLogger(), reg)
	b := NewGenerator(NewMemoryStore(), "", log.NewNopLogger(), reg)
	assert.Same(t, a.views, b.views)
}
