package terminal

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"

	"possync/internal/domain/sync"
)

// Listener слушает комнату терминала и будит синхронизацию по sync:trigger.
// Данные синхронизации по каналу не передаются.
type Listener struct {
	url        string
	token      string
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	log        *slog.Logger
}

func NewListener(centralURL, token string, log *slog.Logger) *Listener {
	u := centralURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return &Listener{
		url:        strings.TrimRight(u, "/") + "/sync/ws",
		token:      token,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		log:        log.With(slog.String("component", "notify_listener")),
	}
}

// Run держит соединение до отмены ctx, переподключаясь с растущей паузой
func (l *Listener) Run(ctx context.Context, onTrigger func(sync.TriggerEvent)) {
	backoff := l.minBackoff

	for ctx.Err() == nil {
		conn, err := l.dial(ctx)
		if err != nil {
			l.log.Debug("Канал уведомлений недоступен", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, l.maxBackoff)
			continue
		}

		backoff = l.minBackoff
		l.log.Info("Канал уведомлений подключен")
		l.serve(ctx, conn, onTrigger)
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}

	conn, resp, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ошибка подключения: статус %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ошибка подключения: %w", err)
	}
	return conn, nil
}

func (l *Listener) serve(ctx context.Context, conn *websocket.Conn, onTrigger func(sync.TriggerEvent)) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		var msg sync.Notification
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				l.log.Warn("Канал уведомлений закрыт", "error", err)
			}
			return
		}
		if msg.Event != sync.EventTrigger {
			continue
		}

		ack := sync.Notification{Event: sync.EventAck, Room: msg.Room, Payload: msg.Payload}
		if err := conn.WriteJSON(ack); err != nil {
			l.log.Warn("Не удалось подтвердить уведомление", "error", err)
		}
		onTrigger(msg.Payload)
	}
}
