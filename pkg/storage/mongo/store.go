// Package mongo keeps derived collections and their descriptors in MongoDB
// and creates the indexes requested while compiling views.
package mongo

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/instrument"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/datacurate/viewstage/pkg/view/derived"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// codeNamespaceNotFound is returned by renameCollection when the source
// collection does not exist.
const codeNamespaceNotFound = 26

// Store implements derived.Store and schema.Indexer on a MongoDB database.
type Store struct {
	cfg     Config
	client  *mongo.Client
	db      *mongo.Database
	logger  log.Logger
	metrics *metrics
}

var (
	_ derived.Store  = (*Store)(nil)
	_ schema.Indexer = (*Store)(nil)
)

// NewStore connects to the configured server.
func NewStore(ctx context.Context, cfg Config, logger log.Logger, r prometheus.Registerer) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, errors.New("mongo URI is not configured")
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mongo")
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "pinging mongo")
	}

	return &Store{
		cfg:     cfg,
		client:  client,
		db:      client.Database(cfg.Database),
		logger:  log.With(logger, "component", "mongo-store", "database", cfg.Database),
		metrics: newMetrics(r),
	}, nil
}

// Stop disconnects from the server.
func (s *Store) Stop(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) instrument(ctx context.Context, op string, f func(context.Context) error) error {
	return instrument.CollectedRequest(ctx, op, s.metrics.requestDuration, instrument.ErrorCode, f)
}

// Descriptor implements derived.Store.
func (s *Store) Descriptor(ctx context.Context, key derived.Key) (*derived.Descriptor, error) {
	var d derived.Descriptor
	err := s.instrument(ctx, "Mongo.FindDescriptor", func(ctx context.Context) error {
		return s.db.Collection(s.cfg.DescriptorCollection).FindOne(ctx, descriptorFilter(key)).Decode(&d)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &d, nil
}

// PutDescriptor implements derived.Store.
func (s *Store) PutDescriptor(ctx context.Context, d derived.Descriptor) error {
	err := s.instrument(ctx, "Mongo.PutDescriptor", func(ctx context.Context) error {
		_, err := s.db.Collection(s.cfg.DescriptorCollection).ReplaceOne(ctx, descriptorFilter(d.Key), d, options.Replace().SetUpsert(true))
		return err
	})
	return errors.WithStack(err)
}

// Exists implements derived.Store.
func (s *Store) Exists(ctx context.Context, collection string) (bool, error) {
	var names []string
	err := s.instrument(ctx, "Mongo.ListCollections", func(ctx context.Context) error {
		var err error
		names, err = s.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: collection}})
		return err
	})
	if err != nil {
		return false, errors.WithStack(err)
	}
	return len(names) > 0, nil
}

// Rename implements derived.Store. An existing target is replaced.
func (s *Store) Rename(ctx context.Context, from, to string) error {
	err := s.instrument(ctx, "Mongo.RenameCollection", func(ctx context.Context) error {
		return s.client.Database("admin").RunCommand(ctx, renameCommand(s.cfg.Database, from, to)).Err()
	})
	if isNamespaceNotFound(err) {
		return errors.Wrapf(derived.ErrCollectionNotFound, "%q", from)
	}
	return errors.WithStack(err)
}

// Drop implements derived.Store. Dropping a missing collection succeeds.
func (s *Store) Drop(ctx context.Context, collection string) error {
	err := s.instrument(ctx, "Mongo.DropCollection", func(ctx context.Context) error {
		return s.db.Collection(collection).Drop(ctx)
	})
	return errors.WithStack(err)
}

// Materialize implements derived.Store by running pipeline over source with
// a trailing $out stage.
func (s *Store) Materialize(ctx context.Context, source string, pipeline []bson.D, target string) error {
	err := s.instrument(ctx, "Mongo.Aggregate", func(ctx context.Context) error {
		cur, err := s.db.Collection(source).Aggregate(ctx, outPipeline(pipeline, target), options.Aggregate().SetAllowDiskUse(s.cfg.AllowDiskUse))
		if err != nil {
			return err
		}
		return cur.Close(ctx)
	})
	if err != nil {
		return errors.Wrapf(err, "writing %q from %q", target, source)
	}
	s.metrics.materialized.Inc()
	level.Debug(s.logger).Log("msg", "materialized collection", "source", source, "target", target, "stages", len(pipeline))
	return nil
}

// CreateIndex implements schema.Indexer.
func (s *Store) CreateIndex(ctx context.Context, collection, path string, opts schema.IndexOptions) error {
	model := indexModel(path, opts, s.cfg.BackgroundIndexBuilds)
	var name string
	err := s.instrument(ctx, "Mongo.CreateIndex", func(ctx context.Context) error {
		var err error
		name, err = s.db.Collection(collection).Indexes().CreateOne(ctx, model)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "creating index on %s.%s", collection, path)
	}
	s.metrics.indexesCreated.Inc()
	level.Debug(s.logger).Log("msg", "index ready", "collection", collection, "path", path, "index", name)
	return nil
}

func descriptorFilter(key derived.Key) bson.D {
	return bson.D{
		{Key: "key.dataset", Value: key.Dataset},
		{Key: "key.kind", Value: key.Kind},
		{Key: "key.config_hash", Value: key.ConfigHash},
		{Key: "key.upstream_hash", Value: key.UpstreamHash},
	}
}

func renameCommand(database, from, to string) bson.D {
	return bson.D{
		{Key: "renameCollection", Value: database + "." + from},
		{Key: "to", Value: database + "." + to},
		{Key: "dropTarget", Value: true},
	}
}

// outPipeline returns pipeline followed by an $out stage. pipeline is not
// modified.
func outPipeline(pipeline []bson.D, target string) []bson.D {
	out := make([]bson.D, 0, len(pipeline)+1)
	out = append(out, pipeline...)
	return append(out, bson.D{{Key: "$out", Value: target}})
}

func indexModel(path string, opts schema.IndexOptions, background bool) mongo.IndexModel {
	var value interface{} = 1
	if opts.Kind == schema.Index2DSphere {
		value = string(schema.Index2DSphere)
	}
	o := options.Index().SetUnique(opts.Unique)
	if background {
		o.SetBackground(true)
	}
	return mongo.IndexModel{
		Keys:    bson.D{{Key: path, Value: value}},
		Options: o,
	}
}

func isNamespaceNotFound(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == codeNamespaceNotFound
	}
	return false
}
