package falclient

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"genqueue/config"
	"genqueue/task"

	"github.com/google/shlex"
)

var optionKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseOptions reads a shell-quoted list of key=value pairs, such as
// `num_images=2 output_format=png negative_prompt="blurry, dark"`.
// Values that look like integers, floats or booleans are typed accordingly.
func ParseOptions(s string) (map[string]any, error) {
	tokens, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid option syntax: %w", err)
	}

	opts := make(map[string]any, len(tokens))
	for _, tok := range tokens {
		key, value, err := ParseOption(tok)
		if err != nil {
			return nil, err
		}
		opts[key] = value
	}
	return opts, nil
}

// ParseOption reads a single unquoted key=value pair. The value is kept
// whole, spaces included.
func ParseOption(kv string) (string, any, error) {
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		return "", nil, fmt.Errorf("option %q is not of the form key=value", kv)
	}
	if !optionKey.MatchString(key) {
		return "", nil, fmt.Errorf("invalid option name: %q", key)
	}
	if key == "prompt" {
		return "", nil, fmt.Errorf("prompt cannot be set as an option")
	}
	return key, typedValue(value), nil
}

func typedValue(v string) any {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
		return b
	}
	return v
}

// MergeOptions returns a new map holding defaults overlaid with overrides.
func MergeOptions(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// DefaultOptions parses IMAGE_DEFAULTS and VIDEO_DEFAULTS into per-kind
// option sets.
func DefaultOptions(cfg *config.Config) (map[task.Kind]map[string]any, error) {
	image, err := ParseOptions(cfg.ImageDefaults)
	if err != nil {
		return nil, fmt.Errorf("IMAGE_DEFAULTS: %w", err)
	}
	video, err := ParseOptions(cfg.VideoDefaults)
	if err != nil {
		return nil, fmt.Errorf("VIDEO_DEFAULTS: %w", err)
	}
	return map[task.Kind]map[string]any{
		task.KindImage: image,
		task.KindVideo: video,
	}, nil
}
