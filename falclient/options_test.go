package falclient

import (
	"testing"

	"genqueue/config"
	"genqueue/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	t.Run("types values", func(t *testing.T) {
		opts, err := ParseOptions(`num_images=2 guidance=3.5 raw=true output_format=png negative_prompt="blurry, dark" safety_tolerance=6`)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"num_images":       int64(2),
			"guidance":         3.5,
			"raw":              true,
			"output_format":    "png",
			"negative_prompt":  "blurry, dark",
			"safety_tolerance": int64(6),
		}, opts)
	})

	t.Run("empty string", func(t *testing.T) {
		opts, err := ParseOptions("")
		require.NoError(t, err)
		assert.Empty(t, opts)
	})

	t.Run("aspect ratios stay strings", func(t *testing.T) {
		opts, err := ParseOptions("aspect_ratio=16:9 resolution=720p")
		require.NoError(t, err)
		assert.Equal(t, "16:9", opts["aspect_ratio"])
		assert.Equal(t, "720p", opts["resolution"])
	})

	t.Run("missing equals sign", func(t *testing.T) {
		_, err := ParseOptions("num_images")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "key=value")
	})

	t.Run("bad key", func(t *testing.T) {
		_, err := ParseOptions("bad-key=1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid option name")
	})

	t.Run("prompt is reserved", func(t *testing.T) {
		_, err := ParseOptions("prompt=hello")
		assert.Error(t, err)
	})

	t.Run("unterminated quote", func(t *testing.T) {
		_, err := ParseOptions(`negative_prompt="oops`)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid option syntax")
	})
}

func TestMergeOptions(t *testing.T) {
	defaults := map[string]any{"num_images": int64(1), "output_format": "jpeg"}
	merged := MergeOptions(defaults, map[string]any{"output_format": "png"})

	assert.Equal(t, map[string]any{"num_images": int64(1), "output_format": "png"}, merged)
	assert.Equal(t, "jpeg", defaults["output_format"])
}

func TestParseOption(t *testing.T) {
	key, value, err := ParseOption("negative_prompt=blurry, dark")
	require.NoError(t, err)
	assert.Equal(t, "negative_prompt", key)
	assert.Equal(t, "blurry, dark", value)

	key, value, err = ParseOption("seed=12")
	require.NoError(t, err)
	assert.Equal(t, "seed", key)
	assert.Equal(t, int64(12), value)

	_, _, err = ParseOption("seed")
	assert.Error(t, err)
}

func TestDefaultOptions(t *testing.T) {
	cfg := &config.Config{
		ImageDefaults: "num_images=1 output_format=jpeg",
		VideoDefaults: "resolution=720p aspect_ratio=16:9",
	}
	defaults, err := DefaultOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), defaults[task.KindImage]["num_images"])
	assert.Equal(t, "16:9", defaults[task.KindVideo]["aspect_ratio"])

	cfg.VideoDefaults = "resolution"
	_, err = DefaultOptions(cfg)
	assert.ErrorContains(t, err, "VIDEO_DEFAULTS")
}
