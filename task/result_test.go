package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResult(t *testing.T) {
	t.Run("image payload", func(t *testing.T) {
		res, err := DecodeResult(TypeImageToImage, map[string]any{
			"images": []any{
				map[string]any{"url": "https://x/1.png", "width": 512.0, "height": 512.0, "content_type": "image/png"},
			},
			"seed":              7.0,
			"has_nsfw_concepts": []any{false},
			"prompt":            "from backend",
			"timings":           map[string]any{"inference": 1.2},
		}, "fallback")
		require.NoError(t, err)
		require.NotNil(t, res.Image)
		assert.Equal(t, KindImage, res.Kind)
		assert.Equal(t, 512, res.Image.Images[0].Width)
		assert.Equal(t, "image/png", res.Image.Images[0].ContentType)
		assert.Equal(t, []bool{false}, res.Image.HasNSFWConcepts)
		assert.Equal(t, "from backend", res.Prompt())
		assert.Equal(t, int64(7), res.Seed())
	})

	t.Run("video payload gets the fallback prompt", func(t *testing.T) {
		res, err := DecodeResult(TypeImageToVideo, map[string]any{
			"video": map[string]any{"url": "https://x/v.mp4", "file_size": 2048.0},
		}, "a river")
		require.NoError(t, err)
		require.NotNil(t, res.Video)
		assert.Equal(t, int64(2048), res.Video.Video.FileSize)
		assert.Equal(t, "a river", res.Prompt())
	})

	t.Run("unknown type keeps the raw payload", func(t *testing.T) {
		res, err := DecodeResult(Type("audio"), map[string]any{"audio_url": "https://x/a.wav"}, "hum")
		require.NoError(t, err)
		assert.Equal(t, KindRaw, res.Kind)
		assert.Equal(t, "https://x/a.wav", res.Raw["audio_url"])
		assert.Equal(t, "hum", res.Prompt())
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		cases := map[string]struct {
			typ  Type
			data map[string]any
		}{
			"empty":             {TypeImage, nil},
			"no images":         {TypeImage, map[string]any{"seed": 1.0}},
			"image without url": {TypeImage, map[string]any{"images": []any{map[string]any{"width": 1.0}}}},
			"images not a list": {TypeImage, map[string]any{"images": "nope"}},
			"no video":          {TypeVideo, map[string]any{"prompt": "x"}},
			"video without url": {TypeVideo, map[string]any{"video": map[string]any{"file_name": "v.mp4"}}},
		}
		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := DecodeResult(tc.typ, tc.data, "p")
				assert.ErrorIs(t, err, ErrInvalidResult)
			})
		}
	})
}
