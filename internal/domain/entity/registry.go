package entity

import (
	"errors"
	"fmt"
	"sort"
)

// Registry реестр типов сущностей: стратегия синхронизации + разрешенные поля.
// Собирается один раз при старте и дальше только читается.
type Registry struct {
	handlers map[Type]Handler
	mappings map[Type]Mapping
	allowed  map[Type]map[string]struct{}
	order    []Type
	levels   [][]Type
}

// NewRegistry проверяет таблицу полей против набора стратегий
func NewRegistry(table *MappingTable, handlers ...Handler) (*Registry, error) {
	r := &Registry{
		handlers: make(map[Type]Handler, len(handlers)),
		mappings: make(map[Type]Mapping, len(handlers)),
		allowed:  make(map[Type]map[string]struct{}, len(handlers)),
	}

	for _, h := range handlers {
		if _, dup := r.handlers[h.Type()]; dup {
			return nil, fmt.Errorf("%w: handler for %s registered twice", ErrInvalidMapping, h.Type())
		}
		r.handlers[h.Type()] = h
		r.order = append(r.order, h.Type())
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })

	if table == nil {
		return nil, fmt.Errorf("%w: mapping table is nil", ErrInvalidMapping)
	}
	if err := r.validate(table); err != nil {
		return nil, err
	}

	levels, err := r.buildLevels()
	if err != nil {
		return nil, err
	}
	r.levels = levels

	return r, nil
}

// Default реестр со встроенными стратегиями и таблицей полей из path (или встроенной)
func Default(mappingsPath string) (*Registry, error) {
	table, err := LoadMappings(mappingsPath)
	if err != nil {
		return nil, err
	}
	return NewRegistry(table, DefaultHandlers()...)
}

func (r *Registry) validate(table *MappingTable) error {
	var errs []error

	for t := range table.Entities {
		if _, ok := r.handlers[t]; !ok {
			errs = append(errs, fmt.Errorf("mapping declared for unknown type %s", t))
		}
	}

	for _, t := range r.order {
		m, ok := table.Entities[t]
		if !ok {
			errs = append(errs, fmt.Errorf("no mapping for %s", t))
			continue
		}

		seen := make(map[string]struct{}, len(m.Fields))
		for _, f := range m.Fields {
			if _, dup := seen[f]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate field %q", t, f))
			}
			seen[f] = struct{}{}
		}
		if !m.has("id") {
			errs = append(errs, fmt.Errorf("%s: field list must include id", t))
		}

		for field, target := range m.Relations {
			if _, ok := r.handlers[target]; !ok {
				errs = append(errs, fmt.Errorf("%s.%s: relation to unknown type %s", t, field, target))
			}
			if !m.has(field) {
				errs = append(errs, fmt.Errorf("%s.%s: relation field is not allow-listed", t, field))
			}
		}
		for field, tr := range m.Transforms {
			if tr != TransformFirst {
				errs = append(errs, fmt.Errorf("%s.%s: unknown transform %q", t, field, tr))
			}
			if !m.has(field) {
				errs = append(errs, fmt.Errorf("%s.%s: transform field is not allow-listed", t, field))
			}
		}

		for _, f := range scopeFields(r.handlers[t].Scope()) {
			if !m.has(f) {
				errs = append(errs, fmt.Errorf("%s: scope %s requires field %q", t, r.handlers[t].Scope(), f))
			}
		}

		r.mappings[t] = m
		r.allowed[t] = m.allowed()
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMapping, errors.Join(errs...))
	}
	return nil
}

func scopeFields(s Scope) []string {
	switch s {
	case ScopeStore:
		return []string{"storeId"}
	case ScopeBranch:
		return []string{"branchId"}
	case ScopeTerminalOrBranch:
		return []string{"terminalId", "branchId"}
	}
	return nil
}

// buildLevels раскладывает типы по уровням: родители по связям раньше детей
func (r *Registry) buildLevels() ([][]Type, error) {
	placed := make(map[Type]int, len(r.order))
	var levels [][]Type

	for len(placed) < len(r.order) {
		var level []Type
		for _, t := range r.order {
			if _, done := placed[t]; done {
				continue
			}
			ready := true
			for _, parent := range r.mappings[t].Relations {
				if parent == t {
					continue
				}
				if _, ok := placed[parent]; !ok {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, t)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("%w: relation cycle between entity types", ErrInvalidMapping)
		}
		for _, t := range level {
			placed[t] = len(levels)
		}
		levels = append(levels, level)
	}

	return levels, nil
}

// Lookup стратегия для типа и признак, что тип поддерживается
func (r *Registry) Lookup(t Type) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Types все зарегистрированные типы в алфавитном порядке
func (r *Registry) Types() []Type {
	out := make([]Type, len(r.order))
	copy(out, r.order)
	return out
}

// PullLevels типы, раздаваемые через pull, по уровням зависимостей
func (r *Registry) PullLevels() [][]Type {
	var out [][]Type
	for _, level := range r.levels {
		var pullable []Type
		for _, t := range level {
			if r.handlers[t].Pullable() {
				pullable = append(pullable, t)
			}
		}
		if len(pullable) > 0 {
			out = append(out, pullable)
		}
	}
	return out
}

// Pullable плоский список типов для pull в порядке зависимостей
func (r *Registry) Pullable() []Type {
	var out []Type
	for _, level := range r.PullLevels() {
		out = append(out, level...)
	}
	return out
}

func (r *Registry) Mapping(t Type) (Mapping, bool) {
	m, ok := r.mappings[t]
	return m, ok
}

// Project оставляет только разрешенные поля и применяет преобразования
func (r *Registry) Project(t Type, data Data) (Data, error) {
	allowed, ok := r.allowed[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if data == nil {
		return nil, nil
	}

	m := r.mappings[t]
	out := make(Data, len(data))
	for k, v := range data {
		if _, ok := allowed[k]; !ok {
			continue
		}
		if tr, ok := m.Transforms[k]; ok {
			v = applyTransform(tr, v)
		}
		out[k] = v
	}

	return out, nil
}
