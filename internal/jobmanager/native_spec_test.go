package jobmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosmos-run/kosmos/internal/store"
)

func TestNativeSpecLSF(t *testing.T) {
	spec, err := NativeSpec("lsf", &store.Task{CPUReq: 4, MemReq: 8000, TimeReq: 30})
	require.NoError(t, err)
	assert.Contains(t, spec, `rusage[mem=2000]`)
	assert.Contains(t, spec, "-n 4")
	assert.Contains(t, spec, "-W 0:30")
}

func TestNativeSpecLSFOmitsTimeWhenZero(t *testing.T) {
	spec, err := NativeSpec("lsf", &store.Task{CPUReq: 1, MemReq: 100})
	require.NoError(t, err)
	assert.NotContains(t, spec, "-W")
}

func TestNativeSpecSGE(t *testing.T) {
	spec, err := NativeSpec("sge", &store.Task{CPUReq: 2, MemReq: 4000})
	require.NoError(t, err)
	assert.Equal(t, "-l h_vmem=4000M,num_proc=2", spec)
}

func TestNativeSpecLocalIsEmpty(t *testing.T) {
	spec, err := NativeSpec("local", &store.Task{CPUReq: 1})
	require.NoError(t, err)
	assert.Empty(t, spec)
}

func TestNativeSpecUnknownDRM(t *testing.T) {
	_, err := NativeSpec("condor", &store.Task{})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*store.ConfigurationError))
}
