package main

import (
	"strconv"
	"strings"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/target"
)

// batchSizeOption parses the --batch-size flag's spec.md §6.1 syntax: an
// absolute integer, or a percentage of the target's node count ("50%").
// A nil Option is returned for an empty flag, meaning "no batching
// beyond the full node count" (target.New's own default).
func batchSizeOption(s string) (target.Option, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return nil, cuminerrors.New(cuminerrors.ConfigError, "invalid batch_size percentage %q", s)
		}
		return target.WithBatchSizeRatio(pct / 100), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, cuminerrors.New(cuminerrors.ConfigError, "invalid batch_size %q", s)
	}
	return target.WithBatchSize(n), nil
}

// successThreshold parses the --success-threshold flag's spec.md §6.1
// syntax: a fraction in [0,1], or a percentage ("75%").
func successThreshold(s string) (float64, error) {
	if s == "" {
		return 1.0, nil
	}
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, cuminerrors.New(cuminerrors.ConfigError, "invalid success_threshold percentage %q", s)
		}
		return pct / 100, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, cuminerrors.New(cuminerrors.ConfigError, "invalid success_threshold %q", s)
	}
	return f, nil
}
