package entity

import (
	"time"
)

// Type тег типа сущности POS
type Type string

const (
	Product        Type = "Product"
	ProductVariant Type = "ProductVariant"
	Customer       Type = "Customer"
	Category       Type = "Category"
	Brand          Type = "Brand"
	TaxCategory    Type = "TaxCategory"
	InventoryItem  Type = "InventoryItem"
	SaleOrder      Type = "SaleOrder"
	Payment        Type = "Payment"
	ReturnOrder    Type = "ReturnOrder"
)

func (t Type) String() string { return string(t) }

// Data полезная нагрузка сущности (JSON-объект)
type Data map[string]any

// Clone поверхностная копия
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func (d Data) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Number числовое поле. После JSON декодирования числа приходят как float64.
func (d Data) Number(key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// Time поле-время в RFC3339 или time.Time
func (d Data) Time(key string) (time.Time, bool) {
	switch v := d[key].(type) {
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, !v.IsZero()
	case string:
		if v == "" {
			return time.Time{}, false
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// IsDeleted сущность помечена удаленной (isDeleted или заполненный deletedAt)
func (d Data) IsDeleted() bool {
	if d == nil {
		return false
	}
	if deleted, ok := d["isDeleted"].(bool); ok && deleted {
		return true
	}
	_, ok := d.Time("deletedAt")
	return ok
}

// ShallowMerge накладывает overlay поверх base
func ShallowMerge(base, overlay Data) Data {
	out := make(Data, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
