package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datacurate/viewstage/pkg/cfg"
	"github.com/datacurate/viewstage/pkg/storage/mongo"
	util_log "github.com/datacurate/viewstage/pkg/util/log"
	"github.com/datacurate/viewstage/pkg/view/config"
	"github.com/datacurate/viewstage/pkg/view/derived"
	"github.com/datacurate/viewstage/pkg/view/schema"
	"github.com/datacurate/viewstage/pkg/view/stages"
)

// chainCommand holds the inputs shared by compile and validate.
type chainCommand struct {
	fs         afero.Fs
	datasets   *[]string
	dataset    *string
	stages     *string
	configArgs *[]string
}

func (cmd *chainCommand) register(c *kingpin.CmdClause) {
	cmd.fs = afero.NewOsFs()
	cmd.datasets = c.Flag("dataset", "Dataset schema YAML file. Repeat to make other datasets available to the chain.").Short('d').Required().Strings()
	cmd.dataset = c.Flag("name", "Name of the dataset the chain runs over. Defaults to the first dataset.").String()
	cmd.stages = c.Flag("stages", "JSON file holding the serialized stage list, or - for stdin.").Short('s').Required().String()
	cmd.configArgs = c.Arg("config-flags", "Compiler flags, for example -config.file=viewc.yaml or -view.attach-frames. Pass them after --.").Strings()
}

// env is what a command needs to compile chains.
type env struct {
	cfg      config.Config
	logger   log.Logger
	compiler *stages.Compiler
	catalog  *schema.Catalog
	store    *mongo.Store
}

func (cmd *chainCommand) setup(ctx context.Context) (*env, error) {
	var c config.Config
	fs := flag.NewFlagSet("viewc", flag.ContinueOnError)
	if err := cfg.Parse(&c, *cmd.configArgs, fs); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	logger := util_log.InitLogger(c.LogFormat, c.LogLevel)

	e := &env{cfg: c, logger: logger}
	var (
		store   derived.Store = derived.NewMemoryStore()
		indexer schema.Indexer
	)
	if c.Mongo.Enabled() {
		s, err := mongo.NewStore(ctx, c.Mongo, logger, prometheus.DefaultRegisterer)
		if err != nil {
			return nil, err
		}
		e.store, store, indexer = s, s, s
	}
	gen := derived.NewGenerator(store, c.Derived.CollectionPrefix, logger, prometheus.DefaultRegisterer)

	compiler, err := stages.NewCompiler(c.Compiler.Options(), gen, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	e.compiler = compiler

	e.catalog = schema.NewCatalog(indexer)
	for _, f := range *cmd.datasets {
		dc, err := cmd.datasetConfig(f)
		if err != nil {
			return nil, err
		}
		if _, err := e.catalog.Add(dc); err != nil {
			return nil, errors.Wrapf(err, "dataset %s", f)
		}
		level.Debug(logger).Log("msg", "loaded dataset", "file", f, "name", dc.Name)
	}
	return e, nil
}

func (e *env) close(ctx context.Context) {
	if e.store == nil {
		return
	}
	if err := e.store.Stop(ctx); err != nil {
		level.Warn(e.logger).Log("msg", "failed to disconnect from mongo", "err", err)
	}
}

func (cmd *chainCommand) collection(e *env) (*schema.Static, error) {
	name := *cmd.dataset
	if name == "" {
		dc, err := cmd.datasetConfig((*cmd.datasets)[0])
		if err != nil {
			return nil, err
		}
		name = dc.Name
	}
	return e.catalog.Get(name)
}

func (cmd *chainCommand) datasetConfig(path string) (schema.DatasetConfig, error) {
	buf, err := afero.ReadFile(cmd.fs, path)
	if err != nil {
		return schema.DatasetConfig{}, errors.Wrap(err, "reading dataset config")
	}
	return schema.ParseDatasetConfig(buf)
}

func (cmd *chainCommand) chain() (*stages.Chain, error) {
	var (
		data []byte
		err  error
	)
	if *cmd.stages == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = afero.ReadFile(cmd.fs, *cmd.stages)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading stages")
	}
	return stages.UnmarshalChain(data)
}

// compileCommand prints the pipeline of a stage chain.
type compileCommand struct {
	chainCommand
	indent *bool
	stats  *bool
}

func (cmd *compileCommand) run(_ *kingpin.ParseContext) error {
	ctx := context.Background()
	e, err := cmd.setup(ctx)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	coll, err := cmd.collection(e)
	if err != nil {
		return err
	}
	chain, err := cmd.chain()
	if err != nil {
		return err
	}
	res, err := e.compiler.Compile(ctx, coll, chain)
	if err != nil {
		return err
	}
	out, err := encodeResult(res, *cmd.indent)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if *cmd.stats {
		fmt.Fprintf(os.Stderr, "%d stages compiled into %d pipeline stages (%s)\n",
			chain.Len(), len(res.Pipeline), humanize.Bytes(uint64(len(out))))
	}
	return nil
}

// encodeResult renders a compiled view as relaxed extended JSON.
func encodeResult(res *stages.Result, indent bool) ([]byte, error) {
	doc := bson.D{
		{Key: "collection", Value: res.Collection.SampleCollectionName()},
		{Key: "pipeline", Value: []bson.D(res.Pipeline)},
	}
	if indent {
		return bson.MarshalExtJSONIndent(doc, false, false, "", "  ")
	}
	return bson.MarshalExtJSON(doc, false, false)
}

func addCompileCommand(app *kingpin.Application) {
	cmd := &compileCommand{}
	c := app.Command("compile", "Compile a stage chain and print the pipeline as JSON.").Action(cmd.run)
	cmd.register(c)
	cmd.indent = c.Flag("indent", "Indent the printed pipeline.").Bool()
	cmd.stats = c.Flag("stats", "Print the size of the compiled pipeline to stderr.").Bool()
}

// validateCommand checks a stage chain without printing a pipeline.
type validateCommand struct {
	chainCommand
}

func (cmd *validateCommand) run(_ *kingpin.ParseContext) error {
	ctx := context.Background()
	e, err := cmd.setup(ctx)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	coll, err := cmd.collection(e)
	if err != nil {
		return err
	}
	chain, err := cmd.chain()
	if err != nil {
		return err
	}
	if err := e.compiler.Validate(ctx, coll, chain); err != nil {
		return err
	}
	fmt.Printf("%s: %d stages valid\n", coll.Name(), chain.Len())
	return nil
}

func addValidateCommand(app *kingpin.Application) {
	cmd := &validateCommand{}
	c := app.Command("validate", "Validate a stage chain against a dataset schema.").Action(cmd.run)
	cmd.register(c)
}
