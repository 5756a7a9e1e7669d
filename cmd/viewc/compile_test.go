package main

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacurate/viewstage/pkg/view/schema/schematest"
	"github.com/datacurate/viewstage/pkg/view/stages"
)

func newChainCommand(t *testing.T, chain string, args ...string) *chainCommand {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/quickstart.yaml", []byte(schematest.ImageYAML), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/data/stages.json", []byte(chain), 0o600))

	datasets := []string{"/data/quickstart.yaml"}
	name := ""
	stagesFile := "/data/stages.json"
	return &chainCommand{
		fs:         fs,
		datasets:   &datasets,
		dataset:    &name,
		stages:     &stagesFile,
		configArgs: &args,
	}
}

func TestChainCommand_Compile(t *testing.T) {
	cmd := newChainCommand(t,
		`[{"_cls": "Match", "kwargs": [["filter", {"tags": "train"}]]}, {"_cls": "Limit", "kwargs": [["limit", 3]]}]`,
		"-view.create-indexes=false", "-log.level=warn",
	)
	ctx := context.Background()
	e, err := cmd.setup(ctx)
	require.NoError(t, err)
	defer e.close(ctx)
	assert.False(t, e.cfg.Compiler.CreateIndexes)

	coll, err := cmd.collection(e)
	require.NoError(t, err)
	assert.Equal(t, "quickstart", coll.Name())

	chain, err := cmd.chain()
	require.NoError(t, err)
	require.Equal(t, 2, chain.Len())

	res, err := e.compiler.Compile(ctx, coll, chain)
	require.NoError(t, err)

	out, err := encodeResult(res, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"collection": "samples.quickstart", "pipeline": [{"$match": {"tags": "train"}}, {"$limit": 3}]}`, string(out))
}

func TestChainCommand_InvalidConfig(t *testing.T) {
	cmd := newChainCommand(t, `[]`, "-log.format=xml")
	_, err := cmd.setup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}

func TestChainCommand_UnknownStage(t *testing.T) {
	cmd := newChainCommand(t, `[{"_cls": "Teleport", "kwargs": []}]`)
	_, err := cmd.chain()
	assert.Error(t, err)
}

func TestChainCommand_NamedDataset(t *testing.T) {
	cmd := newChainCommand(t, `[]`)
	missing := "missing"
	cmd.dataset = &missing

	e, err := cmd.setup(context.Background())
	require.NoError(t, err)
	_, err = cmd.collection(e)
	assert.Error(t, err)
}

func TestEncodeResult_Indent(t *testing.T) {
	c, err := stages.NewCompiler(stages.DefaultOptions(), nil, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	chain := stages.NewChain()
	res, err := c.Compile(context.Background(), schematest.Image(t), chain)
	require.NoError(t, err)

	out, err := encodeResult(res, true)
	require.NoError(t, err)
	assert.Contains(t, string(out), "\n  \"collection\": \"samples.quickstart\"")
}

func TestChainCommand_MissingDataset(t *testing.T) {
	cmd := newChainCommand(t, `[]`)
	datasets := []string{"/data/missing.yaml"}
	cmd.datasets = &datasets

	_, err := cmd.setup(context.Background())
	assert.Error(t, err)
}

func TestCommands_ReturnErrors(t *testing.T) {
	unknown := `[{"_cls": "Teleport", "kwargs": []}]`
	invalid := `[{"_cls": "ExcludeFields", "kwargs": [["field_names", ["filepath"]]]}]`
	indent, stats := false, false

	for name, tc := range map[string]struct {
		run      func(cmd *chainCommand) error
		chain    string
		expected error
	}{
		"compile unknown stage": {
			run:   func(cmd *chainCommand) error { return (&compileCommand{*cmd, &indent, &stats}).run(nil) },
			chain: unknown,
		},
		"compile invalid chain": {
			run:      func(cmd *chainCommand) error { return (&compileCommand{*cmd, &indent, &stats}).run(nil) },
			chain:    invalid,
			expected: stages.ErrDefaultField,
		},
		"validate unknown stage": {
			run:   func(cmd *chainCommand) error { return (&validateCommand{*cmd}).run(nil) },
			chain: unknown,
		},
		"validate invalid chain": {
			run:      func(cmd *chainCommand) error { return (&validateCommand{*cmd}).run(nil) },
			chain:    invalid,
			expected: stages.ErrDefaultField,
		},
	} {
		t.Run(name, func(t *testing.T) {
			err := tc.run(newChainCommand(t, tc.chain, "-log.level=warn"))
			require.Error(t, err)
			if tc.expected != nil {
				assert.ErrorIs(t, err, tc.expected)
			}
		})
	}
}
