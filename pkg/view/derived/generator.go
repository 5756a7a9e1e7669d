// Package derived materializes and reuses the collections behind generated
// views such as patches, clips and frames.
//
// A derived collection is keyed by dataset, upstream stages, generator kind
// and config, so views over different upstream stages never evict each
// other. The fingerprint of the state it was generated from is recorded
// with it: while the fingerprint is unchanged and the collection still
// exists it is reused, otherwise it is regenerated. Only a collection
// recorded under the same key is ever dropped. Concurrent requests for the
// same state within a process share one generation; across processes
// generation is at-least-once and collections left behind are garbage
// collected elsewhere.
package derived

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/singleflight"
)

// Generation outcomes.
const (
	OutcomeGenerated = "generated"
	OutcomeReused    = "reused"
	OutcomeRenamed   = "renamed"
	OutcomeFailed    = "failed"
)

// Request describes a derived collection to produce.
type Request struct {
	Dataset string
	Kind    string
	// Source is the backing collection the pipeline runs over.
	Source   string
	Pipeline []bson.D
	// Upstream is the serialized upstream stage list.
	Upstream []byte
	// Config is the generator config. Its NameKey entry, if any, is the
	// desired collection name.
	Config map[string]interface{}
}

// Result is the collection serving a request.
type Result struct {
	Collection  string
	Fingerprint string
	Outcome     string
}

// Generator resolves requests against a Store.
type Generator struct {
	store  Store
	prefix string
	logger log.Logger
	views  *prometheus.CounterVec
	group  singleflight.Group
	now    func() time.Time
}

// NewGenerator creates a generator. Collections without a configured name
// are named prefix + kind + "." + dataset + "." + fingerprint.
func NewGenerator(store Store, prefix string, logger log.Logger, registerer prometheus.Registerer) *Generator {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	return &Generator{
		store:  store,
		prefix: prefix,
		logger: log.With(logger, "component", "derived"),
		views:  getDerivedViewsMetric(registerer),
		now:    time.Now,
	}
}

func getDerivedViewsMetric(registerer prometheus.Registerer) *prometheus.CounterVec {
	views := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "viewstage",
		Name:      "derived_views_total",
		Help:      "Derived view resolutions by generator kind and outcome.",
	}, []string{"kind", "outcome"})
	err := registerer.Register(views)
	if err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			views = existing.ExistingCollector.(*prometheus.CounterVec)
		} else {
			panic(err)
		}
	}
	return views
}

// Generate returns the collection holding the rows of req, generating it
// when no up-to-date collection exists.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	key, err := NewKey(req.Dataset, req.Kind, req.Upstream, req.Config)
	if err != nil {
		return Result{}, errors.Wrap(err, "hashing derived view config")
	}
	fp, err := Fingerprint(req.Dataset, req.Upstream, req.Config)
	if err != nil {
		return Result{}, errors.Wrap(err, "fingerprinting derived view")
	}
	target := g.collectionName(req, fp)

	v, err, _ := g.group.Do(key.String()+"/"+fp+"/"+target, func() (interface{}, error) {
		return g.resolve(ctx, req, key, fp, target)
	})
	if err != nil {
		g.views.WithLabelValues(req.Kind, OutcomeFailed).Inc()
		return Result{}, err
	}
	res := v.(Result)
	g.views.WithLabelValues(req.Kind, res.Outcome).Inc()
	return res, nil
}

func (g *Generator) collectionName(req Request, fp string) string {
	if name, ok := req.Config[NameKey].(string); ok && name != "" {
		return name
	}
	return fmt.Sprintf("%s%s.%s.%s", g.prefix, req.Kind, req.Dataset, fp)
}

func (g *Generator) resolve(ctx context.Context, req Request, key Key, fp, target string) (Result, error) {
	logger := log.With(g.logger, "kind", req.Kind, "dataset", req.Dataset, "fingerprint", fp)

	prev, err := g.store.Descriptor(ctx, key)
	if err != nil {
		return Result{}, errors.Wrap(err, "reading derived view descriptor")
	}

	if prev != nil && prev.Fingerprint == fp {
		exists, err := g.store.Exists(ctx, prev.Collection)
		if err != nil {
			return Result{}, errors.Wrap(err, "checking derived collection")
		}
		if exists {
			if prev.Collection == target {
				level.Debug(logger).Log("msg", "reusing derived collection", "collection", target)
				return Result{Collection: target, Fingerprint: fp, Outcome: OutcomeReused}, nil
			}
			if err := g.store.Rename(ctx, prev.Collection, target); err != nil {
				return Result{}, errors.Wrapf(err, "renaming derived collection %q", prev.Collection)
			}
			if err := g.record(ctx, key, fp, target, req.Config); err != nil {
				return Result{}, err
			}
			level.Debug(logger).Log("msg", "renamed derived collection", "from", prev.Collection, "to", target)
			return Result{Collection: target, Fingerprint: fp, Outcome: OutcomeRenamed}, nil
		}
	}

	if err := g.store.Materialize(ctx, req.Source, req.Pipeline, target); err != nil {
		return Result{}, errors.Wrapf(err, "materializing %s view of %q", req.Kind, req.Dataset)
	}
	if err := g.record(ctx, key, fp, target, req.Config); err != nil {
		return Result{}, err
	}
	level.Info(logger).Log("msg", "generated derived collection", "collection", target)

	if prev != nil && prev.Collection != target {
		if err := g.store.Drop(ctx, prev.Collection); err != nil {
			level.Warn(logger).Log("msg", "failed to drop superseded derived collection", "collection", prev.Collection, "err", err)
		}
	}
	return Result{Collection: target, Fingerprint: fp, Outcome: OutcomeGenerated}, nil
}

func (g *Generator) record(ctx context.Context, key Key, fp, collection string, config map[string]interface{}) error {
	err := g.store.PutDescriptor(ctx, Descriptor{
		Key:         key,
		Fingerprint: fp,
		Collection:  collection,
		Config:      config,
		UpdatedAt:   g.now(),
	})
	return errors.Wrap(err, "recording derived view descriptor")
}
