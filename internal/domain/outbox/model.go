package outbox

import (
	"time"

	"possync/internal/domain/entity"
)

type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Mode режим терминала в момент изменения, только для информации
type Mode string

const (
	ModeOnline  Mode = "ONLINE"
	ModeOffline Mode = "OFFLINE"
)

// DefaultMaxAttempts после стольких неудачных отправок элемент уходит в FAILED
const DefaultMaxAttempts = 3

// Item локальное изменение, ожидающее отправки в центр
type Item struct {
	ID             string
	TerminalID     string
	EntityType     entity.Type
	EntityID       string
	Operation      Operation
	Data           entity.Data
	SyncVersion    int64
	SyncPriority   int
	Status         Status
	AttemptCount   int
	MaxAttempts    int
	LastAttemptAt  *time.Time
	ErrorMessage   string
	CreatedInMode  Mode
	LocalTimestamp time.Time
	CreatedAt      time.Time
}

// Eligible элемент можно отправлять
func (i *Item) Eligible() bool {
	return i.Status == StatusPending && i.AttemptCount < i.MaxAttempts
}

// Key ключ сущности, к которой относится изменение
func (i *Item) Key() string {
	return string(i.EntityType) + ":" + i.EntityID
}

// MarkCompleted центр принял изменение
func (i *Item) MarkCompleted(now time.Time) {
	i.AttemptCount++
	i.LastAttemptAt = &now
	i.Status = StatusCompleted
	i.ErrorMessage = ""
}

// MarkAttemptFailed временная ошибка. Возвращает true, если попытки исчерпаны.
func (i *Item) MarkAttemptFailed(now time.Time, err error) bool {
	i.AttemptCount++
	i.LastAttemptAt = &now
	i.ErrorMessage = errString(err)
	if i.AttemptCount >= i.MaxAttempts {
		i.Status = StatusFailed
		return true
	}
	return false
}

// MarkInvalid центр отверг изменение как некорректное, повторять бессмысленно
func (i *Item) MarkInvalid(now time.Time, err error) {
	i.AttemptCount++
	i.LastAttemptAt = &now
	i.ErrorMessage = errString(err)
	i.Status = StatusFailed
}

// Requeue ручной возврат FAILED элемента в очередь
func (i *Item) Requeue() bool {
	if i.Status != StatusFailed {
		return false
	}
	i.Status = StatusPending
	i.AttemptCount = 0
	i.ErrorMessage = ""
	return true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
