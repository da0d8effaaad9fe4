package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/cumin/pkg/nodeset"
	"github.com/freitascorp/cumin/pkg/target"
)

func TestBatchSizeOption_Empty(t *testing.T) {
	opt, err := batchSizeOption("")
	require.NoError(t, err)
	assert.Nil(t, opt)
}

func TestBatchSizeOption_Absolute(t *testing.T) {
	opt, err := batchSizeOption("5")
	require.NoError(t, err)
	require.NotNil(t, opt)

	ns := nodeset.New("a", "b", "c", "d", "e", "f", "g", "h", "i", "j")
	tgt, err := target.New(ns, opt)
	require.NoError(t, err)
	assert.Equal(t, 5, tgt.BatchSize())
}

func TestBatchSizeOption_Percentage(t *testing.T) {
	opt, err := batchSizeOption("50%")
	require.NoError(t, err)

	ns := nodeset.New("a", "b", "c", "d", "e", "f", "g", "h", "i", "j")
	tgt, err := target.New(ns, opt)
	require.NoError(t, err)
	assert.Equal(t, 5, tgt.BatchSize())
}

func TestBatchSizeOption_InvalidRejected(t *testing.T) {
	_, err := batchSizeOption("not-a-number")
	assert.Error(t, err)
}

func TestSuccessThreshold_DefaultsToFull(t *testing.T) {
	v, err := successThreshold("")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestSuccessThreshold_Fraction(t *testing.T) {
	v, err := successThreshold("0.8")
	require.NoError(t, err)
	assert.Equal(t, 0.8, v)
}

func TestSuccessThreshold_Percentage(t *testing.T) {
	v, err := successThreshold("75%")
	require.NoError(t, err)
	assert.Equal(t, 0.75, v)
}

func TestSuccessThreshold_InvalidRejected(t *testing.T) {
	_, err := successThreshold("lots")
	assert.Error(t, err)
}
