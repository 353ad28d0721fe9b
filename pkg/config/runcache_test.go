package config

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestRunCache_ExecutesOncePerKey(t *testing.T) {
	cache := NewRunCache()
	var calls atomic.Int32

	key := Key("/tmp/unit", "run_cmd", "echo", "hello")
	for i := 0; i < 3; i++ {
		val, err := cache.Do(key, func() (cty.Value, error) {
			calls.Add(1)
			return cty.StringVal("hello"), nil
		})
		require.NoError(t, err)
		assert.Equal(t, cty.StringVal("hello"), val)
	}

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestRunCache_SingleFlightUnderConcurrency(t *testing.T) {
	cache := NewRunCache()
	var calls atomic.Int32

	key := Key(GlobalCacheScope, "sops_decrypt_file", "/secrets/app.yaml")

	const workers = 20
	var wg sync.WaitGroup
	results := make([]cty.Value, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Do(key, func() (cty.Value, error) {
				calls.Add(1)
				time.Sleep(20 * time.Millisecond)
				return cty.StringVal("decrypted"), nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, cty.StringVal("decrypted"), results[i])
	}
}

func TestRunCache_ErrorsAreNotCached(t *testing.T) {
	cache := NewRunCache()
	var calls atomic.Int32

	key := Key("/tmp/unit", "run_cmd", "flaky")
	fail := errors.New("transient failure")

	_, err := cache.Do(key, func() (cty.Value, error) {
		calls.Add(1)
		return cty.NilVal, fail
	})
	require.ErrorIs(t, err, fail)

	val, err := cache.Do(key, func() (cty.Value, error) {
		calls.Add(1)
		return cty.StringVal("recovered"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, cty.StringVal("recovered"), val)
	assert.Equal(t, int32(2), calls.Load())
}

func TestKey_DistinguishesArguments(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{
			name: "different args",
			a:    Key("/d", "run_cmd", "echo", "a"),
			b:    Key("/d", "run_cmd", "echo", "b"),
		},
		{
			name: "argument split ambiguity",
			a:    Key("/d", "run_cmd", "ab"),
			b:    Key("/d", "run_cmd", "a", "b"),
		},
		{
			name: "different directories",
			a:    Key("/d1", "run_cmd", "echo"),
			b:    Key("/d2", "run_cmd", "echo"),
		},
		{
			name: "directory vs global scope",
			a:    Key("/d", "run_cmd", "echo"),
			b:    Key(GlobalCacheScope, "run_cmd", "echo"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, tt.a, tt.b)
		})
	}
}
