// Package eventchannel реализует клиент push канала событий вызова.
//
// Канал доставляет внеполосные события жизненного цикла вызова (прогресс
// перевода, завершение тёплого перевода), которые SIP сигнализация сама по
// себе передать не может. Подписка ведется на канал компании
// "toky-channel-<channelID>" поверх websocket.
//
// Доставка считается at-least-once: дубликаты и нарушение порядка
// обрабатываются ниже по стеку координатором переводов.
package eventchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// EventType - тип события вызова.
type EventType string

const (
	// TransferUpdate - промежуточный прогресс перевода
	TransferUpdate EventType = "call.transfer.update"
	// TransferSuccess - перевод успешно завершен
	TransferSuccess EventType = "call.transfer.success"
	// TransferFailure - перевод не состоялся
	TransferFailure EventType = "call.transfer.failure"
)

// CallEvent - событие вызова из push канала.
type CallEvent struct {
	Type   EventType `json:"type"`
	CallID string    `json:"callid"`
	IsWarm bool      `json:"is_warm"`
}

// frame - транспортный конверт сообщений канала.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Config - конфигурация клиента канала событий.
type Config struct {
	// URL - адрес websocket сервера, например "wss://push.toky.co/app"
	URL string
	// ChannelID - идентификатор канала компании
	ChannelID string
	// PingInterval - период keepalive пингов (по умолчанию 30с)
	PingInterval time.Duration
	// ReconnectDelay - пауза между попытками переподключения (по умолчанию 4с)
	ReconnectDelay time.Duration
	// ReconnectAttempts - число попыток переподключения (по умолчанию 3)
	ReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 4 * time.Second
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 3
	}
	return c
}

// Handler - обработчик событий вызова.
type Handler func(CallEvent)

// Client - клиент канала событий. Потокобезопасен.
type Client struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	handler Handler

	closed    chan struct{}
	closeOnce sync.Once
}

// New создает клиент канала. Подключение выполняется в Connect.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("eventchannel: URL is required")
	}
	if cfg.ChannelID == "" {
		return nil, errors.New("eventchannel: ChannelID is required")
	}

	return &Client{
		cfg:    cfg.withDefaults(),
		closed: make(chan struct{}),
	}, nil
}

// Subscribe регистрирует обработчик событий. Должен быть вызван до Connect.
func (c *Client) Subscribe(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// ChannelName возвращает имя канала компании.
func (c *Client) ChannelName() string {
	return fmt.Sprintf("toky-channel-%s", c.cfg.ChannelID)
}

// Connect устанавливает соединение, подписывается на канал компании и
// запускает цикл чтения. При обрыве соединения выполняется ограниченное
// число попыток переподключения с повторной подпиской.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}

	go c.readLoop(ctx)
	go c.pingLoop(ctx)

	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to connect event channel")
	}

	sub := frame{Event: "subscribe", Channel: c.ChannelName()}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "failed to subscribe event channel")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Debug("event channel connected", slog.String("channel", c.ChannelName()))
	return nil
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-c.closed:
				return
			default:
			}

			slog.Debug("event channel read failed", slog.Any("error", err))
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		if f.Event != "call-event" || len(f.Data) == 0 {
			continue
		}

		var ev CallEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			slog.Debug("event channel bad payload", slog.Any("error", err))
			continue
		}

		slog.Debug("event channel message",
			slog.String("type", string(ev.Type)),
			slog.String("callID", ev.CallID),
			slog.Bool("isWarm", ev.IsWarm))

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()

		if handler != nil {
			handler(ev)
		}
	}
}

// reconnect выполняет ограниченное число попыток переподключения.
// Возвращает false, когда попытки исчерпаны или клиент закрыт.
func (c *Client) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-c.closed:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(c.cfg.ReconnectDelay):
		}

		slog.Debug("event channel reconnecting", slog.Int("attempt", attempt))
		if err := c.dial(ctx); err == nil {
			return true
		}
	}

	slog.Error("event channel reconnection attempts exhausted")
	return false
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := c.currentConn()
			if conn == nil {
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				slog.Debug("event channel ping failed", slog.Any("error", err))
			}
		}
	}
}

// Close останавливает циклы и закрывает соединение. Идемпотентен.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	})
	return err
}
