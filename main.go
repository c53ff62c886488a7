package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/rivet-ci/rivet/commands"
	_ "github.com/rivet-ci/rivet/storage/sqlite"
)

type CLI struct {
	Server   commands.Server   `cmd:"" help:"Run the orchestrator"`
	Runner   commands.Runner   `cmd:"" help:"Manage runners and run the job agent"`
	Pipeline commands.Pipeline `cmd:"" help:"Manage pipeline definitions"`
	Job      commands.Job      `cmd:"" help:"Inspect jobs and their logs"`
	Init     commands.Init     `cmd:"" help:"Generate project support files"`

	LogLevel  slog.Level `default:"info"                                  help:"Set the log level (debug, info, warn, error)"`
	AddSource bool       `help:"Add source code location to log messages"`
	LogFormat string     `default:"text"                                  enum:"text,json"                                    help:"Set the log format (text, json)"`
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli)

	if cli.LogFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     cli.LogLevel,
			AddSource: cli.AddSource,
		})))
	} else {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:     cli.LogLevel,
			AddSource: cli.AddSource,
		})))
	}

	err := ctx.Run(slog.Default())
	ctx.FatalIfErrorf(err)
}
