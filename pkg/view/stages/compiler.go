package stages

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/datacurate/viewstage/pkg/view/derived"
	"github.com/datacurate/viewstage/pkg/view/fieldsel"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// Options configures compilation.
type Options struct {
	// AttachFrames keeps the frames of video samples in the output.
	AttachFrames bool
	// CreateIndexes enables the best-effort index creation of sort, group
	// and geo stages.
	CreateIndexes bool
	// MetaFilterDepth bounds how deep meta filters walk field info.
	MetaFilterDepth int
	// SimilarityCacheSize is the number of similarity pipelines kept.
	SimilarityCacheSize int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		CreateIndexes:       true,
		MetaFilterDepth:     fieldsel.DefaultInfoDepth,
		SimilarityCacheSize: 128,
	}
}

// Compiler validates and compiles stage chains into pipelines.
type Compiler struct {
	opts       Options
	logger     log.Logger
	derived    *derived.Generator
	similarity *lru.Cache[string, Pipeline]

	compiled      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	indexFailures prometheus.Counter
}

// Result is a compiled view.
type Result struct {
	// Collection is the collection the pipeline runs over. It differs from
	// the compiled collection when the chain contains a generator.
	Collection schema.Collection
	Pipeline   Pipeline
	View       *View
}

// NewCompiler creates a compiler. gen may be nil, in which case generator
// stages fail to load. A nil logger discards log lines.
func NewCompiler(opts Options, gen *derived.Generator, logger log.Logger, registerer prometheus.Registerer) (*Compiler, error) {
	if opts.MetaFilterDepth <= 0 {
		opts.MetaFilterDepth = fieldsel.DefaultInfoDepth
	}
	if opts.SimilarityCacheSize <= 0 {
		opts.SimilarityCacheSize = DefaultOptions().SimilarityCacheSize
	}
	cache, err := lru.New[string, Pipeline](opts.SimilarityCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating similarity cache")
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Compiler{
		opts:       opts,
		logger:     log.With(logger, "component", "compiler"),
		derived:    gen,
		similarity: cache,
		compiled: getCounterVec(registerer, prometheus.CounterOpts{
			Namespace: "viewstage",
			Name:      "compiled_stages_total",
			Help:      "Stages compiled, by stage type.",
		}, "stage"),
		failures: getCounterVec(registerer, prometheus.CounterOpts{
			Namespace: "viewstage",
			Name:      "compile_failures_total",
			Help:      "Stages that failed to validate or compile, by stage type.",
		}, "stage"),
		indexFailures: getCounterVec(registerer, prometheus.CounterOpts{
			Namespace: "viewstage",
			Name:      "index_creation_failures_total",
			Help:      "Best-effort index creations that failed.",
		}).WithLabelValues(),
	}, nil
}

func getCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(opts, labels)
	err := registerer.Register(vec)
	if err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			vec = existing.ExistingCollector.(*prometheus.CounterVec)
		} else {
			panic(err)
		}
	}
	return vec
}

var (
	defaultOnce sync.Once
	defaultComp *Compiler
)

func defaultCompiler() *Compiler {
	defaultOnce.Do(func() {
		c, err := NewCompiler(DefaultOptions(), nil, log.NewNopLogger(), nil)
		if err != nil {
			panic(err)
		}
		defaultComp = c
	})
	return defaultComp
}

func (c *Compiler) newView(ctx context.Context, coll schema.Collection) *View {
	return &View{ctx: ctx, compiler: c, root: coll, origin: coll.Name()}
}

// NewView returns the view of coll without any stage.
func (c *Compiler) NewView(ctx context.Context, coll schema.Collection) *View {
	return c.newView(ctx, coll)
}

// Compile validates every stage of chain in order and returns the pipeline
// of the resulting view. Nothing is returned unless every stage succeeds.
func (c *Compiler) Compile(ctx context.Context, coll schema.Collection, chain *Chain) (*Result, error) {
	v, err := c.Apply(c.newView(ctx, coll), chain.Stages())
	if err != nil {
		return nil, err
	}
	return &Result{
		Collection: v.root,
		Pipeline:   v.finalPipeline(c.opts.AttachFrames),
		View:       v,
	}, nil
}

// Validate validates chain against coll. Generator stages are loaded since
// the stages after them validate against the generated collection.
func (c *Compiler) Validate(ctx context.Context, coll schema.Collection, chain *Chain) error {
	_, err := c.Apply(c.newView(ctx, coll), chain.Stages())
	return err
}

// Apply validates and compiles stages on top of v.
func (c *Compiler) Apply(v *View, stages []Stage) (*View, error) {
	for i, s := range stages {
		next, err := c.step(v, s)
		if err != nil {
			c.failures.WithLabelValues(s.Name()).Inc()
			level.Debug(c.logger).Log("msg", "stage failed", "stage", s.Name(), "position", i, "err", err)
			return nil, errors.Wrapf(err, "stage %d (%s)", i, s.Name())
		}
		c.compiled.WithLabelValues(s.Name()).Inc()
		v = next
	}
	return v, nil
}

func (c *Compiler) step(v *View, s Stage) (*View, error) {
	if !v.framesAttached && schema.HasFrames(v) && s.NeedsFrames(v) {
		v = v.attachFrames()
	}
	cache, err := s.Validate(v)
	if err != nil {
		return nil, err
	}
	if g, ok := s.(Generator); ok {
		out, err := g.LoadView(v.ctx, v, cache)
		if err != nil {
			return nil, err
		}
		level.Debug(c.logger).Log("msg", "switched to generated collection", "stage", s.Name(), "collection", out.SampleCollectionName())
		next := c.newView(v.ctx, out)
		next.origin = v.origin
		next.lineage = append(append([]Stage(nil), v.lineage...), s)
		return next, nil
	}
	p, err := s.ToMongo(v, cache)
	if err != nil {
		return nil, err
	}
	return v.Apply(s, p, cache), nil
}

func (c *Compiler) createIndex(ctx context.Context, coll schema.Collection, path string, opts schema.IndexOptions) {
	if err := coll.CreateIndex(ctx, path, opts); err != nil {
		c.indexFailures.Inc()
		level.Warn(c.logger).Log("msg", "failed to create index", "path", path, "err", err)
	}
}

// generate materializes, or reuses, the derived collection of kind.
func (c *Compiler) generate(ctx context.Context, v *View, kind string, pipeline Pipeline, config map[string]interface{}) (derived.Result, error) {
	if c.derived == nil {
		return derived.Result{}, errors.Wrap(ErrUnsupportedOperation, "no derived view store configured")
	}
	upstream, err := MarshalStages(v.lineage, false)
	if err != nil {
		return derived.Result{}, errors.Wrap(err, "serializing upstream stages")
	}
	return c.derived.Generate(ctx, derived.Request{
		Dataset:  v.origin,
		Kind:     kind,
		Source:   v.root.SampleCollectionName(),
		Pipeline: pipeline,
		Upstream: upstream,
		Config:   config,
	})
}
