package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE []byte

// Validate checks the merged parameters against the embedded CUE schema.
func (c *Config) Validate() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	params := schema.LookupPath(cue.ParsePath("#Params"))
	if !params.Exists() {
		return fmt.Errorf("schema has no #Params definition")
	}

	file, err := cueyaml.Extract("params.yaml", data)
	if err != nil {
		return fmt.Errorf("reading parameters as CUE: %w", err)
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return fmt.Errorf("building parameters: %w", err)
	}

	if err := params.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
