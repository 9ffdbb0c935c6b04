package middleware

import (
	"encoding/json"

	"github.com/danielgtaylor/huma/v2"
)

// Container - обертка над Middlewares с дополнительной функциональностью
type Container struct {
	huma.Middlewares
}

// NewContainer создает новый контейнер для мидлварей
func NewContainer() *Container {
	return &Container{
		Middlewares: make(huma.Middlewares, 0),
	}
}

// Add добавляет мидлвари в контейнер в порядке вызова
func (mc *Container) Add(middlewares ...func(ctx huma.Context, next func(huma.Context))) *Container {
	mc.Middlewares = append(mc.Middlewares, middlewares...)
	return mc
}

// GetAllAndClear возвращает все мидлвари и очищает внутренний список
func (mc *Container) GetAllAndClear() huma.Middlewares {
	result := mc.Middlewares
	mc.Middlewares = nil
	return result
}

type errorBody struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// WriteError отвечает ошибкой из мидлвари, не доходя до обработчика
func WriteError(ctx huma.Context, status int, title, detail string) error {
	ctx.SetHeader("Content-Type", "application/problem+json")
	ctx.SetStatus(status)
	return json.NewEncoder(ctx.BodyWriter()).Encode(errorBody{Status: status, Title: title, Detail: detail})
}
