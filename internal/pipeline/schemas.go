package pipeline

import (
	"embed"
	"strings"

	"github.com/champion-data/champion/internal/errs"
	"github.com/champion-data/champion/internal/validate"
)

// Structural specs ship inside the binary; a deployment cannot lose them.
//
//go:embed schemas/*.yaml
var schemaFS embed.FS

// registerStructuralSpecs compiles every embedded spec into the validator.
func registerStructuralSpecs(engine *validate.Engine) error {
	const op = "pipeline.schemas"
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return errs.Wrap(errs.Config, op, err)
	}
	for _, ent := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + ent.Name())
		if err != nil {
			return errs.Wrap(errs.Config, op, err)
		}
		spec, err := validate.ParseStructuralSpec(raw)
		if err != nil {
			return errs.Newf(errs.Config, op, "spec %s: %v", ent.Name(), err)
		}
		name := spec.Schema
		if name == "" {
			name = strings.TrimSuffix(ent.Name(), ".yaml")
		}
		engine.RegisterSpec(name, spec)
	}
	return nil
}
