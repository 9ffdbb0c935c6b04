package priority

import (
	"sort"
	"strings"
)

const (
	Critical   = 10
	High       = 8
	Medium     = 5
	Low        = 3
	Background = 1
)

// Default приоритет для неизвестных типов сущностей
const Default = Medium

var table = map[string]int{
	"Payment":        10,
	"InventoryItem":  9,
	"Customer":       7,
	"ReturnOrder":    7,
	"Product":        6,
	"ProductVariant": 6,
	"Category":       4,
	"Brand":          4,
	"TaxCategory":    3,
}

var tiers = map[string]int{
	"critical":   Critical,
	"high":       High,
	"medium":     Medium,
	"low":        Low,
	"background": Background,
}

// Of возвращает приоритет отправки изменения. Приоритет влияет только на порядок.
func Of(entityType string, data map[string]any) int {
	if entityType == "SaleOrder" {
		if status, _ := data["status"].(string); status == "COMPLETED" {
			return Critical
		}
		return High
	}
	if p, ok := table[entityType]; ok {
		return p
	}
	return Default
}

// Tier переводит имя уровня (critical, high, ...) в число
func Tier(name string) (int, bool) {
	p, ok := tiers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// AtLeast все известные значения приоритета >= min по убыванию
func AtLeast(min int) []int {
	seen := map[int]struct{}{Critical: {}, High: {}, Default: {}}
	for _, p := range table {
		seen[p] = struct{}{}
	}
	for _, p := range tiers {
		seen[p] = struct{}{}
	}

	out := make([]int, 0, len(seen))
	for p := range seen {
		if p >= min {
			out = append(out, p)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))

	return out
}
