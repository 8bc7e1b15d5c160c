// Package catalog loads the model catalog from YAML and resolves model ids
// for the engine. The catalog is read once at startup; models change by
// redeploying the file.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

type fileCatalog struct {
	byID  map[string]domain.ModelSpec
	order []domain.ModelSpec
}

// Load reads the model catalog from path.
func Load(path string) (domain.Catalog, error) {
	// #nosec G304 -- the catalog path comes from deployment configuration
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog: %w", err)
	}
	return Parse(content)
}

// Parse builds a catalog from raw YAML.
func Parse(content []byte) (domain.Catalog, error) {
	var doc struct {
		Models []domain.ModelSpec `yaml:"models"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("model catalog is empty")
	}
	c := &fileCatalog{byID: make(map[string]domain.ModelSpec, len(doc.Models))}
	for i := range doc.Models {
		m := doc.Models[i]
		if m.ID == "" {
			return nil, fmt.Errorf("model catalog entry %d has no id", i)
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("model catalog: duplicate id %q", m.ID)
		}
		if m.ProviderModel == "" {
			m.ProviderModel = m.ID
		}
		if m.Media == "" {
			m.Media = domain.MediaImage
		}
		c.byID[m.ID] = m
		c.order = append(c.order, m)
	}
	return c, nil
}

// Resolve returns the model spec for modelID. Unknown ids surface as an enum
// validation error since the model is user-selected input.
func (c *fileCatalog) Resolve(modelID string) (domain.ModelSpec, error) {
	m, ok := c.byID[modelID]
	if !ok {
		return domain.ModelSpec{}, domain.Errorf(domain.CodeParamInvalidEnum, "unknown model %q", modelID).
			WithHint("pick a model from the catalog")
	}
	return m, nil
}

// Models returns all specs in file order.
func (c *fileCatalog) Models() []domain.ModelSpec {
	out := make([]domain.ModelSpec, len(c.order))
	copy(out, c.order)
	return out
}
