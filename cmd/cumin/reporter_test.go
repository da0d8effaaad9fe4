package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/cumin/pkg/executor"
)

func TestReporterFor_KnownFormats(t *testing.T) {
	for _, format := range []string{"", "grouped", "text", "json", "quiet"} {
		r, err := reporterFor(format)
		require.NoError(t, err, format)
		assert.NotNil(t, r, format)
	}
}

func TestReporterFor_UnknownRejected(t *testing.T) {
	_, err := reporterFor("xml")
	assert.Error(t, err)
}

var _ executor.Reporter = executor.QuietReporter{}
