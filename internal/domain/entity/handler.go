package entity

import (
	"possync/internal/domain/priority"
)

// Scope правило видимости сущностей для терминала при pull
type Scope int

const (
	// ScopeStore справочники магазина (storeId терминала)
	ScopeStore Scope = iota + 1
	// ScopeBranch данные филиала (branchId локации)
	ScopeBranch
	// ScopeTerminalOrBranch документы, созданные терминалом или его филиалом
	ScopeTerminalOrBranch
)

func (s Scope) String() string {
	switch s {
	case ScopeStore:
		return "store"
	case ScopeBranch:
		return "branch"
	case ScopeTerminalOrBranch:
		return "terminal_or_branch"
	}
	return "unknown"
}

// Local локальная копия сущности на терминале
type Local struct {
	Data        Data
	SyncVersion int64
	IsDirty     bool
}

// Remote версия сущности, пришедшая из центра
type Remote struct {
	Data        Data
	SyncVersion int64
	Deleted     bool
}

type Action int

const (
	// ActionOverwrite заменить локальную копию данными центра и пометить чистой
	ActionOverwrite Action = iota + 1
	// ActionConflict завести конфликт, локальную копию не трогать
	ActionConflict
	// ActionKeepLocal оставить локальную копию как есть
	ActionKeepLocal
	// ActionMerge записать Decision.Data, не снимая признак isDirty
	ActionMerge
)

type Decision struct {
	Action Action
	Data   Data
}

// Handler стратегия синхронизации для одного типа сущности
type Handler interface {
	Type() Type
	Scope() Scope
	// Pullable сущность раздается терминалам через pull
	Pullable() bool
	// Decide вызывается, когда у терминала есть неотправленные изменения (isDirty)
	Decide(local Local, remote Remote) Decision
	// Merge объединяет данные терминала и центра для MANUAL_MERGE
	Merge(terminal, central Data) Data
	Priority(data Data) int
}

type base struct {
	t        Type
	scope    Scope
	pullable bool
}

func (b base) Type() Type             { return b.t }
func (b base) Scope() Scope           { return b.scope }
func (b base) Pullable() bool         { return b.pullable }
func (b base) Priority(data Data) int { return priority.Of(string(b.t), data) }

// referenceHandler справочники: конфликт только если локальная версия новее и не отправлена
type referenceHandler struct {
	base
}

func NewReferenceHandler(t Type, scope Scope, pullable bool) Handler {
	return referenceHandler{base{t: t, scope: scope, pullable: pullable}}
}

func (h referenceHandler) Decide(local Local, remote Remote) Decision {
	if local.IsDirty && local.SyncVersion > remote.SyncVersion {
		return Decision{Action: ActionConflict}
	}
	return Decision{Action: ActionOverwrite, Data: remote.Data}
}

func (h referenceHandler) Merge(terminal, central Data) Data {
	return ShallowMerge(central, terminal)
}

// productHandler цены и активность товара определяет центр
type productHandler struct {
	referenceHandler
}

var centralProductFields = []string{"name", "price", "cost", "isActive"}

func NewProductHandler() Handler {
	return productHandler{referenceHandler{base{t: Product, scope: ScopeStore, pullable: true}}}
}

func (h productHandler) Merge(terminal, central Data) Data {
	merged := ShallowMerge(central, terminal)
	for _, f := range centralProductFields {
		if v, ok := central[f]; ok {
			merged[f] = v
		}
	}
	return merged
}

// customerHandler накопительные счетчики клиента не уменьшаются при слиянии
type customerHandler struct {
	referenceHandler
}

var customerCounters = []string{"loyaltyPoints", "totalSpent", "totalOrders"}

func NewCustomerHandler() Handler {
	return customerHandler{referenceHandler{base{t: Customer, scope: ScopeStore, pullable: true}}}
}

func (h customerHandler) Merge(terminal, central Data) Data {
	merged := ShallowMerge(central, terminal)
	for _, f := range customerCounters {
		tv, tok := terminal.Number(f)
		cv, cok := central.Number(f)
		switch {
		case tok && cok:
			merged[f] = max(tv, cv)
		case cok:
			merged[f] = cv
		}
	}
	return merged
}

// inventoryHandler остатки всегда берутся из центра, конфликтов не бывает
type inventoryHandler struct {
	base
}

const pendingSyncField = "pendingSync"

func NewInventoryHandler() Handler {
	return inventoryHandler{base{t: InventoryItem, scope: ScopeBranch, pullable: true}}
}

func (h inventoryHandler) Decide(local Local, remote Remote) Decision {
	return Decision{Action: ActionMerge, Data: h.Merge(local.Data, remote.Data)}
}

func (h inventoryHandler) Merge(terminal, central Data) Data {
	merged := central.Clone()
	if merged == nil {
		merged = Data{}
	}
	if v, ok := terminal[pendingSyncField]; ok {
		merged[pendingSyncField] = v
	}
	return merged
}

// orderHandler документы продаж: пока терминал не отправил изменения, данные центра только справочные
type orderHandler struct {
	base
}

func NewOrderHandler(t Type, pullable bool) Handler {
	return orderHandler{base{t: t, scope: ScopeTerminalOrBranch, pullable: pullable}}
}

func (h orderHandler) Decide(Local, Remote) Decision {
	return Decision{Action: ActionKeepLocal}
}

func (h orderHandler) Merge(terminal, central Data) Data {
	return ShallowMerge(central, terminal)
}

// DefaultHandlers набор стратегий для всех поддерживаемых типов
func DefaultHandlers() []Handler {
	return []Handler{
		NewProductHandler(),
		NewReferenceHandler(ProductVariant, ScopeStore, false),
		NewCustomerHandler(),
		NewReferenceHandler(Category, ScopeStore, true),
		NewReferenceHandler(Brand, ScopeStore, true),
		NewReferenceHandler(TaxCategory, ScopeStore, true),
		NewInventoryHandler(),
		NewOrderHandler(SaleOrder, true),
		NewOrderHandler(Payment, false),
		NewOrderHandler(ReturnOrder, false),
	}
}
