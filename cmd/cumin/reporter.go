package main

import (
	"os"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/executor"
)

// reporterFor builds the Reporter named by the --output flag.
func reporterFor(output string) (executor.Reporter, error) {
	switch output {
	case "", "grouped":
		return executor.NewGroupedReporter(os.Stdout), nil
	case "text":
		return executor.NewTextReporter(os.Stdout), nil
	case "json":
		return executor.NewJSONReporter(os.Stdout), nil
	case "quiet":
		return executor.QuietReporter{}, nil
	default:
		return nil, cuminerrors.New(cuminerrors.ConfigError, "unknown output format %q (supported: grouped, text, json, quiet)", output)
	}
}
