package main

import (
	"fmt"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/datacurate/viewstage/pkg/view/stages"
)

// stagesCommand lists the registered stage type tags.
type stagesCommand struct{}

func (cmd *stagesCommand) run(_ *kingpin.ParseContext) error {
	bold := color.New(color.Bold)
	names := stages.Names()
	bold.Printf("%d stage types:\n", len(names))
	for _, n := range names {
		fmt.Printf("\t%s\n", n)
	}
	return nil
}

func addStagesCommand(app *kingpin.Application) {
	cmd := &stagesCommand{}
	app.Command("stages", "List the registered stage types.").Action(cmd.run)
}
