package entity

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed mappings.yaml
var defaultMappings []byte

// Transform преобразование значения поля при проекции
type Transform string

const (
	// TransformFirst список или строка с разделителем "|" сводится к первому элементу
	TransformFirst Transform = "first"
)

// Mapping описание полей одного типа сущности
type Mapping struct {
	Fields     []string             `yaml:"fields"`
	Relations  map[string]Type      `yaml:"relations"`
	Transforms map[string]Transform `yaml:"transforms"`
}

// MappingTable таблица соответствия полей для всех типов
type MappingTable struct {
	Entities map[Type]Mapping `yaml:"entities"`
}

var metaFields = []string{"id", "createdAt", "updatedAt", "isActive", "deletedAt", "isDeleted"}

// ParseMappings разбирает YAML таблицу
func ParseMappings(raw []byte) (*MappingTable, error) {
	var table MappingTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMapping, err)
	}
	if len(table.Entities) == 0 {
		return nil, fmt.Errorf("%w: no entities declared", ErrInvalidMapping)
	}
	return &table, nil
}

// LoadMappings читает таблицу из файла, пустой путь - встроенная таблица
func LoadMappings(path string) (*MappingTable, error) {
	if path == "" {
		return ParseMappings(defaultMappings)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings %s: %w", path, err)
	}
	return ParseMappings(raw)
}

func (m Mapping) allowed() map[string]struct{} {
	set := make(map[string]struct{}, len(m.Fields)+len(metaFields))
	for _, f := range metaFields {
		set[f] = struct{}{}
	}
	for _, f := range m.Fields {
		set[f] = struct{}{}
	}
	return set
}

func (m Mapping) has(field string) bool {
	for _, f := range m.Fields {
		if f == field {
			return true
		}
	}
	return false
}

func applyTransform(tr Transform, v any) any {
	switch tr {
	case TransformFirst:
		switch val := v.(type) {
		case []any:
			if len(val) == 0 {
				return nil
			}
			return val[0]
		case []string:
			if len(val) == 0 {
				return nil
			}
			return val[0]
		case string:
			first, _, _ := strings.Cut(val, "|")
			return first
		}
	}
	return v
}
