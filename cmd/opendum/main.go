// Opendum is a multi-account LLM proxy that pools personal provider
// subscriptions behind OpenAI- and Anthropic-compatible APIs.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to $OPENDUM_CONFIG)")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("opendum", version)
		os.Exit(0)
	}

	setupLogger(*logFormat)

	path := *configPath
	if path == "" {
		path = os.Getenv("OPENDUM_CONFIG")
	}

	if err := run(path); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(format string) {
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		h = slog.NewTextHandler(os.Stderr, nil)
	}
	slog.SetDefault(slog.New(h))
}
