// Package config loads the client's runtime configuration, layering URL
// query parameters over persisted settings over a config file over
// built-in defaults (spec component L).
package config

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/knadh/koanf"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
)

// Settings is the client's configuration shape, matching spec.md §6's
// config.json.
type Settings struct {
	DefaultServerURL string  `json:"defaultServerUrl"`
	FingerprintURL   string  `json:"fingerprintUrl"`
	MinimalBufferMs  float64 `json:"minimalBuffer"`
	TargetLatencyMs  float64 `json:"targetLatency"`
}

// Defaults matches spec.md §6's stated defaults.
var Defaults = Settings{
	MinimalBufferMs: 200,
	TargetLatencyMs: 300,
}

// Source bundles the optional layers Load applies over Defaults.
type Source struct {
	// FilePath, if non-empty, is a JSON config file loaded after defaults.
	FilePath string
	// Persisted is previously-saved settings JSON (e.g. from local
	// storage), loaded after the config file.
	Persisted []byte
	// Query is the page/request URL's query parameters, loaded last so
	// they take precedence over everything else.
	Query url.Values
}

// Load builds a Settings by layering, in increasing priority: built-in
// defaults, the config file, persisted settings, and URL query parameters.
func Load(src Source) (Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults, "json"), nil); err != nil {
		return Settings{}, fmt.Errorf("load defaults: %w", err)
	}

	if src.FilePath != "" {
		if err := k.Load(file.Provider(src.FilePath), kjson.Parser()); err != nil {
			return Settings{}, fmt.Errorf("load config file: %w", err)
		}
	}

	if len(src.Persisted) > 0 {
		var persisted map[string]interface{}
		if err := json.Unmarshal(src.Persisted, &persisted); err != nil {
			return Settings{}, fmt.Errorf("parse persisted settings: %w", err)
		}
		if err := k.Load(confmap.Provider(persisted, "."), nil); err != nil {
			return Settings{}, fmt.Errorf("load persisted settings: %w", err)
		}
	}

	if len(src.Query) > 0 {
		queryLayer := queryToMap(src.Query)
		if err := k.Load(confmap.Provider(queryLayer, "."), nil); err != nil {
			return Settings{}, fmt.Errorf("load query parameters: %w", err)
		}
	}

	var out Settings
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "json",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &out,
			WeaklyTypedInput: true, // URL query values arrive as strings
			TagName:          "json",
		},
	}
	if err := k.UnmarshalWithConf("", &out, unmarshalConf); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return out, nil
}

func queryToMap(q url.Values) map[string]interface{} {
	out := make(map[string]interface{}, len(q))
	for key, vals := range q {
		if len(vals) == 0 {
			continue
		}
		out[key] = vals[0]
	}
	return out
}

// ParseFlags extracts a -cfg <path> flag (grounded on the same flag name
// livesim2 uses) and returns its value; any other arguments are ignored.
func ParseFlags(args []string) (cfgPath string, err error) {
	f := pflag.NewFlagSet("warp-client", pflag.ContinueOnError)
	cfg := f.String("cfg", "", "path to a JSON config file")
	if err := f.Parse(args); err != nil {
		return "", err
	}
	return *cfg, nil
}
