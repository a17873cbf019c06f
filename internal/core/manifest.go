package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadManifest reads one or more YAML documents, each describing a media
// product, from path
func LoadManifest(path string) ([]MediaProduct, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates every product document in data
func ParseManifest(data []byte) ([]MediaProduct, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var products []MediaProduct
	for {
		var product MediaProduct
		err := decoder.Decode(&product)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse manifest document %d: %w", len(products)+1, err)
		}
		if err := product.Validate(); err != nil {
			return nil, fmt.Errorf("manifest document %d: %w", len(products)+1, err)
		}
		products = append(products, product)
	}

	if len(products) == 0 {
		return nil, fmt.Errorf("manifest contains no products")
	}
	return products, nil
}
