package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// Schema is the CUE definition every CUE configuration is unified with. The
// configuration itself lives under the top-level "config" field.
const Schema = `
#Duration: string

#Config: {
	name?:        string
	description?: string
	cycle?:       #Duration
	logging?: {
		level?:  string
		format?: "json" | "text" | ""
		loki?: {
			enabled?: bool
			url?:     string
			labels?: {[string]: string}
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: string
	}
	hot_reload?: bool
	workers?: {
		sources?: int & >=0
		mirrors?: int & >=0
	}
	lines?: [...#Line]
	generators?: [...#Generator]
	sources?: [...#Driver]
	mirrors?: [...#Driver]
}

#Line: {
	id:           string
	width:        int & >=1
	analog?:      bool
	description?: string
}

#Generator: {
	id:                 string
	waveform?:          string
	frequency?:         number & >=0
	frequency_range?:   {low: number, high: number}
	frequency_percent?: number & >=0 & <=100
	amplitude?:         number
	attenuation?:       number & >=0
	amplitude_percent?: number & >=0 & <=100
	offset?:            number & >=-10 & <=10
	modulation?:        string
	enable_gate?:       bool
	output?:            string
	modulation_input?:  string
	enable?:            string
	disable?:           bool
}

#Driver: {
	id:        string
	line:      string
	driver:    string
	interval?: #Duration
	disable?:  bool
	settings?: {...}
}
`

// decodeCUE evaluates a CUE file, unifies its config field with Schema and
// decodes the concrete result.
func decodeCUE(name string, raw []byte) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(Schema, cue.Filename("siggen_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	value := ctx.CompileBytes(raw, cue.Filename(name))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile config %s: %w", name, err)
	}
	root := value.LookupPath(cue.ParsePath("config"))
	if !root.Exists() {
		return nil, fmt.Errorf("config %s: missing top-level config field", name)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(root)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", name, err)
	}
	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export config %s: %w", name, err)
	}
	// JSON is a YAML subset, so the YAML tags and Duration decoding apply.
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", name, err)
	}
	return &cfg, nil
}
