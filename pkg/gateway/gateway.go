// Package gateway реализует REST клиент backend шлюза телефонии.
//
// Шлюз отвечает за сквозные операции вызова, которые SIP сигнализация
// не выражает транзакционно: параметры подключения, hold/unhold, управление
// записью, отмена перевода и выборка CDR. Все запросы аутентифицируются
// bearer токеном агента и несут agent_id в query параметрах.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Типизированные ошибки шлюза. Вызывающая сторона решает, повторять ли
// операцию - клиент не делает retry сам.
var (
	// ErrServiceCall - шлюз вернул success=false или некорректный конверт
	ErrServiceCall = errors.New("something went wrong on toky service call")
	// ErrNotAuthorized - агенту не доступна запись разговоров
	ErrNotAuthorized = errors.New("agent is not authorized to perform this action")
	// ErrUnexpectedBehavior - неожиданный ответ на действие записи
	ErrUnexpectedBehavior = errors.New("unexpected behaviour at call recording action")
)

// HoldAction - действие удержания вызова.
type HoldAction string

const (
	HoldActionHold   HoldAction = "hold"
	HoldActionUnhold HoldAction = "unhold"
)

// RecordingAction - действие управления записью вызова.
type RecordingAction string

const (
	// RecordingActionStatus - проверка, активна ли запись на вызове
	RecordingActionStatus RecordingAction = "recstatus"
	// RecordingActionPause - приостановка записи
	RecordingActionPause RecordingAction = "recpause"
	// RecordingActionContinue - возобновление записи
	RecordingActionContinue RecordingAction = "reccontinue"
)

// WSServer - websocket сервер сигнализации с весом для выбора.
type WSServer struct {
	URI    string `json:"ws_uri"`
	Weight int    `json:"weight"`
}

// TurnServers - параметры TURN серверов.
type TurnServers struct {
	URLs     []string `json:"urls"`
	Username string   `json:"username"`
	Password string   `json:"password"`
}

// SIPParams - учетные данные и серверы SIP подключения.
type SIPParams struct {
	WSServers   []WSServer  `json:"ws_servers"`
	TurnServers TurnServers `json:"turn_servers"`
	StunServers []string    `json:"stun_servers"`
	Domain      string      `json:"domain"`
	URI         string      `json:"uri"`
	Username    string      `json:"username"`
	Password    string      `json:"password"`
	DisplayName string      `json:"displayName"`
}

// CallParams - параметры телефонной системы для агента.
// Возвращаются шлюзом при инициализации клиента.
type CallParams struct {
	SIP               SIPParams `json:"sip"`
	AgentID           string    `json:"agent_id"`
	CompanyID         string    `json:"company_id"`
	ChannelID         string    `json:"channel_id"`
	ConnectionCountry string    `json:"connection_country"`
	RecordingChange   bool      `json:"recording_change"`
	RegisteredAppName string    `json:"registered_app_name"`
}

// CallRef - ссылка на связанный вызов в CDR.
type CallRef struct {
	CallID string `json:"callid"`
}

// CDR - запись о вызове. Связка parent/child используется координатором
// переводов для корреляции событий push канала с исходным вызовом.
type CDR struct {
	Direction  string   `json:"direction"`
	Duration   string   `json:"duration"`
	StartDT    string   `json:"start_dt"`
	ParentCall *CallRef `json:"parent_call"`
	ChildCall  *CallRef `json:"child_call"`
}

// ParentCallID возвращает идентификатор родительского вызова или пустую строку.
func (c *CDR) ParentCallID() string {
	if c == nil || c.ParentCall == nil {
		return ""
	}
	return c.ParentCall.CallID
}

// Config - конфигурация клиента шлюза.
type Config struct {
	// BaseURL - базовый адрес API, например "https://api.toky.co"
	BaseURL string
	// AgentID - идентификатор агента, передается в каждом запросе
	AgentID string
	// AccessToken - bearer токен
	AccessToken string
	// HTTPClient - опциональный http клиент (по умолчанию с таймаутом 10с)
	HTTPClient *http.Client
}

// Validate проверяет обязательные поля конфигурации.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("gateway: BaseURL is required")
	}
	if c.AgentID == "" {
		return errors.New("gateway: AgentID is required")
	}
	if c.AccessToken == "" {
		return errors.New("gateway: AccessToken is required")
	}
	return nil
}

// Client - REST клиент шлюза. Потокобезопасен.
type Client struct {
	baseURL string
	agentID string
	httpc   *http.Client

	tokenMu sync.RWMutex
	token   string
}

// New создает клиент шлюза. Сетевых обращений не выполняет.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		baseURL: cfg.BaseURL,
		agentID: cfg.AgentID,
		httpc:   httpc,
		token:   cfg.AccessToken,
	}, nil
}

// RefreshAccessToken заменяет bearer токен после обновления на стороне API.
func (c *Client) RefreshAccessToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) accessToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// envelope - общий конверт ответов шлюза.
type envelope struct {
	Success          bool            `json:"success"`
	RecordingEnabled *bool           `json:"recording_enabled"`
	Data             json.RawMessage `json:"data"`
	Result           json.RawMessage `json:"result"`
}

// do выполняет один запрос к шлюзу и декодирует конверт.
// Политика повторов отсутствует намеренно: операции над активным вызовом
// не должны выполняться дважды без решения вызывающей стороны.
func (c *Client) do(ctx context.Context, method, path string) (*envelope, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build gateway url")
	}
	q := u.Query()
	q.Set("agent_id", c.agentID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gateway request")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken())
	req.Header.Set("Accept", "application/json")

	slog.Debug("gateway request",
		slog.String("method", method),
		slog.String("path", path))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "gateway request failed")
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, errors.Wrap(err, "failed to decode gateway response")
	}

	slog.Debug("gateway response",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Bool("success", env.Success))

	return &env, nil
}

// CallParams запрашивает параметры телефонной системы для агента.
func (c *Client) CallParams(ctx context.Context) (*CallParams, error) {
	env, err := c.do(ctx, http.MethodGet, "/v1/sdk/call/params")
	if err != nil {
		return nil, err
	}
	if !env.Success || env.Data == nil {
		return nil, ErrServiceCall
	}

	var params CallParams
	if err := json.Unmarshal(env.Data, &params); err != nil {
		return nil, errors.Wrap(err, "failed to decode call params")
	}
	return &params, nil
}

// HoldCall переводит вызов в/из удержания.
func (c *Client) HoldCall(ctx context.Context, callID string, action HoldAction) error {
	env, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sdk/calls/%s/%s", callID, action))
	if err != nil {
		return errors.Wrapf(err, "hold action %s failed", action)
	}
	if !env.Success {
		return errors.Wrapf(ErrServiceCall, "hold action %s", action)
	}
	return nil
}

// CallRecording выполняет действие над записью вызова.
//
// Для RecordingActionStatus success с recording_enabled=false означает,
// что агенту эта возможность не доступна - возвращается ErrNotAuthorized.
func (c *Client) CallRecording(ctx context.Context, callID string, action RecordingAction) error {
	env, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sdk/calls/%s/%s", callID, action))
	if err != nil {
		return errors.Wrapf(err, "recording action %s failed", action)
	}

	if action == RecordingActionStatus {
		if env.Success && env.RecordingEnabled != nil && *env.RecordingEnabled {
			return nil
		}
		if env.Success {
			return ErrNotAuthorized
		}
		return ErrServiceCall
	}

	if !env.Success {
		return ErrUnexpectedBehavior
	}
	return nil
}

// CancelTransfer отменяет текущий тёплый перевод вызова.
func (c *Client) CancelTransfer(ctx context.Context, callID string) error {
	env, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sdk/calls/%s/transfer/cancel", callID))
	if err != nil {
		return errors.Wrap(err, "cancel transfer failed")
	}
	if !env.Success {
		return ErrServiceCall
	}
	return nil
}

// CallDetails запрашивает CDR вызова по его идентификатору.
func (c *Client) CallDetails(ctx context.Context, callID string) (*CDR, error) {
	env, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/sdk/calls/%s", callID))
	if err != nil {
		return nil, err
	}
	if !env.Success || env.Result == nil {
		return nil, ErrServiceCall
	}

	var result struct {
		CDR CDR `json:"cdr"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode call details")
	}
	return &result.CDR, nil
}
