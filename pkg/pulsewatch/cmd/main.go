package main

import (
	"flag"
	"fmt"

	"github.com/WaveshapeLabs/pulsewatch/pkg/pulsewatch"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose    bool
	configPath string
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.StringVar(&configPath, "config", "", "path to the configuration file (default config.yaml)")
	flag.Parse()
}

func main() {
	logger, err := pulsewatch.NewLogger(buildType, verbose)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	d, err := pulsewatch.NewPulsewatch(logger, verbose, configPath)
	if err != nil {
		named.Fatalw("Failed to create pulsewatch object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		d.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	if err = d.Initialize(); err != nil {
		named.Fatalw("Failed to initialize pulsewatch", "error", err)
	}
}
