package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tutorhub/tutor-ledger/internal/domain/catalog"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

type catalogFile struct {
	Courses []catalog.Course `yaml:"courses"`
}

// LoadCatalog returns the embedded course catalog, or the one at
// CATALOG_FILE when that is set.
func LoadCatalog() (*catalog.Catalog, error) {
	raw := embeddedCatalog
	if path := os.Getenv("CATALOG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("catalog file: %w", err)
		}
		raw = b
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(raw []byte) (*catalog.Catalog, error) {
	var doc catalogFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return catalog.New(doc.Courses)
}
