package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"treeces/internal/logging"
	"treeces/pkg/config"
	"treeces/pkg/estimation"
	"treeces/pkg/surface"
	"treeces/pkg/thickness"
)

const usageHeader = `Usage: treeces_thickness <image> <output_base> --bone-masks M1 [M2 ...] [options]

Estimates cortical bone thickness on the surface of the bone masks and writes
<output_base>.vtk and <output_base>.log.

Options:
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, writeConfig, err := parseArgs(args)
	if err == flag.ErrHelp {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	if writeConfig != "" {
		if err := config.SaveConfig(cfg, writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Configuration written to %s\n", writeConfig)
		return 0
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	logging.SetSilent(cfg.Output.Silent)

	logging.Println("================================")
	logging.Println("CORTICAL THICKNESS ESTIMATION FROM CLINICAL CT")
	logging.Printf("Mode: %s\n", cfg.Fit.Mode)
	logging.Println("================================")

	estimator := estimation.NewEstimator(&estimation.Params{
		Config: cfg,
		Args:   append([]string{"treeces_thickness"}, args...),
	})
	if err := estimator.Process(); err != nil {
		fmt.Fprintf(os.Stderr, "Estimation failed: %v\n", err)
		return exitCode(err)
	}

	metrics := estimator.GetMetrics()
	if !cfg.Output.Silent {
		fmt.Printf("Thickness estimated for %d of %d points\n", metrics.Positive, metrics.Points)
		fmt.Printf("Output mesh saved to: %s.vtk\n", cfg.Input.OutputBase)
	}
	return 0
}

// parseArgs builds the configuration from defaults, an optional YAML file and
// the command line, in increasing order of precedence.
func parseArgs(args []string) (*config.Config, string, error) {
	cfg := config.DefaultConfig()
	if path := findConfig(args); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			if errors.Cause(err) == config.ErrInvalid {
				return nil, "", err
			}
			return nil, "", errors.Wrap(config.ErrInvalid, err.Error())
		}
		cfg = loaded
	}

	var configPath, writeConfig string
	fs := newFlagSet(cfg, &configPath, &writeConfig)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usageHeader)
		fs.PrintDefaults()
	}

	flags, positional := splitArgs(fs, args)
	if err := fs.Parse(flags); err != nil {
		if err == flag.ErrHelp {
			return nil, "", err
		}
		return nil, "", errors.Wrap(config.ErrInvalid, err.Error())
	}
	positional = append(positional, fs.Args()...)

	switch len(positional) {
	case 0:
	case 2:
		cfg.Input.Image, cfg.Input.OutputBase = positional[0], positional[1]
	default:
		return nil, "", errors.Wrapf(config.ErrInvalid, "expected <image> <output_base>, got %d positional arguments", len(positional))
	}
	return cfg, writeConfig, nil
}

// exitCode maps an error kind to the process exit status
func exitCode(err error) int {
	switch errors.Cause(err) {
	case nil:
		return 0
	case config.ErrInvalid:
		return 2
	case estimation.ErrInput:
		return 3
	case thickness.ErrInvariant, surface.ErrInvariant:
		return 4
	}
	return 1
}
