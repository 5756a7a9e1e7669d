package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/prometheus/common/version"
)

func main() {
	app := kingpin.New("viewc", "Compiles view stage chains into MongoDB aggregation pipelines.")
	app.Version(version.Print("viewc"))
	app.HelpFlag.Short('h')

	addCompileCommand(app)
	addValidateCommand(app)
	addStagesCommand(app)

	// Actions return their errors so deferred cleanup runs before exiting.
	if _, err := app.Parse(os.Args[1:]); err != nil {
		exitWithErr(err)
	}
}

func exitWithErr(err error) {
	fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
	os.Exit(1)
}
