package scene

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/NJLangley/stateful-scenes/internal/attr"
)

// rawScene mirrors one scenes.yaml entry. Entities stay a yaml.Node so the
// authored order survives decoding; scan order is observable through the
// short-circuit policy.
type rawScene struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name"`
	EntityID        string    `yaml:"entity_id"`
	Icon            string    `yaml:"icon"`
	Area            string    `yaml:"area"`
	Learn           bool      `yaml:"learn"`
	NumberTolerance *float64  `yaml:"number_tolerance"`
	Entities        yaml.Node `yaml:"entities"`
}

// LoadDefinitions reads scene definitions from a scenes.yaml file. A missing
// file is ErrDefinitionNotFound, an unparseable or empty document is
// ErrDefinitionInvalid. Individually malformed scenes are logged and skipped
// so one bad entry does not take down the rest.
func LoadDefinitions(path string) ([]*Spec, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no path configured", ErrDefinitionNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raws []rawScene
	if err := yaml.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDefinitionInvalid, path, err)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("%w: no scenes in %s", ErrDefinitionInvalid, path)
	}

	specs := make([]*Spec, 0, len(raws))
	for i, raw := range raws {
		spec, err := raw.toSpec()
		if err != nil {
			log.Warn().Err(err).Int("index", i).Str("name", raw.Name).
				Msg("scene definition skipped")
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (r *rawScene) toSpec() (*Spec, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrDefinitionInvalid)
	}
	entities, err := decodeEntities(&r.Entities)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: missing entities", ErrDefinitionInvalid)
	}
	name := r.Name
	if name == "" {
		name = r.ID
	}
	spec := &Spec{
		ID:              r.ID,
		EntityID:        r.EntityID,
		Name:            name,
		Icon:            r.Icon,
		Area:            r.Area,
		Learn:           r.Learn,
		NumberTolerance: r.NumberTolerance,
	}
	spec.SetEntities(entities)
	return spec, nil
}

func decodeEntities(node *yaml.Node) ([]EntitySpec, error) {
	for node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: entities must be a mapping", ErrDefinitionInvalid)
	}
	out := make([]EntitySpec, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var entityID string
		if err := node.Content[i].Decode(&entityID); err != nil {
			return nil, fmt.Errorf("%w: bad entity key: %v", ErrDefinitionInvalid, err)
		}
		var rawAttrs map[string]any
		if err := node.Content[i+1].Decode(&rawAttrs); err != nil {
			return nil, fmt.Errorf("%w: entity %s is not a mapping", ErrDefinitionInvalid, entityID)
		}
		rawState, ok := rawAttrs["state"]
		if !ok {
			return nil, fmt.Errorf("%w: entity %s missing state", ErrDefinitionInvalid, entityID)
		}
		attrs := attr.FromAnyMap(rawAttrs)
		delete(attrs, "state")
		out = append(out, EntitySpec{
			EntityID:   entityID,
			State:      attr.FromAny(rawState),
			Attributes: attrs,
		})
	}
	return out, nil
}
