// Command wayflow serves a conversational component over the A2A protocol
// or an OpenAI Responses-compatible API.
//
// Usage:
//
//	wayflow serve --model gpt-4o --mode a2a
//	wayflow serve --model gpt-4o --mode responses --port 8001
//	wayflow version
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/wayflowcore/wayflow-go/pkg/logger"
	"github.com/wayflowcore/wayflow-go/version"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start an agent server."`

	EnvFile   string `name:"env-file" help:"Env file to load before reading the environment." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version.Get().String())
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("wayflow"),
		kong.Description("Serve conversational agents and flows."),
		kong.UsageOnError(),
	)

	if cli.EnvFile != "" {
		ctx.FatalIfErrorf(godotenv.Load(cli.EnvFile))
	} else {
		// A missing .env is not an error.
		_ = godotenv.Load()
	}

	logger.Setup(logger.Config{Level: cli.LogLevel, Format: cli.LogFormat})

	ctx.FatalIfErrorf(ctx.Run(&cli))
}
