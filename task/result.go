package task

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// ErrInvalidResult is returned when a completed job's payload does not have
// the shape its task type requires.
var ErrInvalidResult = errors.New("unexpected result format")

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindRaw   Kind = "raw"
)

// KindOf maps a task type onto the payload it produces.
func KindOf(t Type) Kind {
	switch t {
	case TypeImage, TypeImageToImage:
		return KindImage
	case TypeVideo, TypeImageToVideo:
		return KindVideo
	}
	return KindRaw
}

type Image struct {
	URL         string `mapstructure:"url" json:"url" validate:"required"`
	Width       int    `mapstructure:"width" json:"width,omitempty"`
	Height      int    `mapstructure:"height" json:"height,omitempty"`
	ContentType string `mapstructure:"content_type" json:"contentType,omitempty"`
}

type ImageResult struct {
	Images          []Image `mapstructure:"images" json:"images" validate:"required,min=1,dive"`
	Seed            int64   `mapstructure:"seed" json:"seed,omitempty"`
	HasNSFWConcepts []bool  `mapstructure:"has_nsfw_concepts" json:"hasNsfwConcepts,omitempty"`
	Prompt          string  `mapstructure:"prompt" json:"prompt,omitempty"`
}

type File struct {
	URL         string `mapstructure:"url" json:"url" validate:"required"`
	ContentType string `mapstructure:"content_type" json:"contentType,omitempty"`
	FileName    string `mapstructure:"file_name" json:"fileName,omitempty"`
	FileSize    int64  `mapstructure:"file_size" json:"fileSize,omitempty"`
}

type VideoResult struct {
	Video  *File  `mapstructure:"video" json:"video" validate:"required"`
	Seed   int64  `mapstructure:"seed" json:"seed,omitempty"`
	Prompt string `mapstructure:"prompt" json:"prompt,omitempty"`
}

// Result is the normalized success payload of a completed task. Exactly one
// of Image, Video or Raw is set, according to Kind. It is never modified
// after the task completes.
type Result struct {
	Kind  Kind           `json:"kind"`
	Image *ImageResult   `json:"image,omitempty"`
	Video *VideoResult   `json:"video,omitempty"`
	Raw   map[string]any `json:"raw,omitempty"`
}

// Prompt returns the prompt recorded in the payload.
func (r *Result) Prompt() string {
	switch {
	case r.Image != nil:
		return r.Image.Prompt
	case r.Video != nil:
		return r.Video.Prompt
	}
	if p, ok := r.Raw["prompt"].(string); ok {
		return p
	}
	return ""
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := &Result{Kind: r.Kind}
	if r.Image != nil {
		img := *r.Image
		img.Images = append([]Image(nil), r.Image.Images...)
		if r.Image.HasNSFWConcepts != nil {
			img.HasNSFWConcepts = append([]bool(nil), r.Image.HasNSFWConcepts...)
		}
		c.Image = &img
	}
	if r.Video != nil {
		vid := *r.Video
		if r.Video.Video != nil {
			f := *r.Video.Video
			vid.Video = &f
		}
		c.Video = &vid
	}
	if r.Raw != nil {
		c.Raw = copyMap(r.Raw)
	}
	return c
}

// Seed returns the seed reported by the backend, or 0.
func (r *Result) Seed() int64 {
	switch {
	case r.Image != nil:
		return r.Image.Seed
	case r.Video != nil:
		return r.Video.Seed
	}
	return 0
}

var validate = validator.New()

// DecodeResult checks data against the shape expected for t and converts it.
// A missing prompt is filled in with fallbackPrompt.
func DecodeResult(t Type, data map[string]any, fallbackPrompt string) (*Result, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidResult)
	}

	res := &Result{Kind: KindOf(t)}
	switch res.Kind {
	case KindImage:
		var out ImageResult
		if err := decodeChecked(data, &out); err != nil {
			return nil, err
		}
		if out.Prompt == "" {
			out.Prompt = fallbackPrompt
		}
		res.Image = &out
	case KindVideo:
		var out VideoResult
		if err := decodeChecked(data, &out); err != nil {
			return nil, err
		}
		if out.Prompt == "" {
			out.Prompt = fallbackPrompt
		}
		res.Video = &out
	default:
		raw := make(map[string]any, len(data)+1)
		for k, v := range data {
			raw[k] = v
		}
		if p, _ := raw["prompt"].(string); p == "" {
			raw["prompt"] = fallbackPrompt
		}
		res.Raw = raw
	}
	return res, nil
}

func decodeChecked(data map[string]any, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	return nil
}
