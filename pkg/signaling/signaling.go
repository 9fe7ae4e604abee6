// Package signaling описывает контракт транспорта SIP сигнализации.
//
// Сам SIP стек является внешним коллаборатором: пакет задает интерфейсы
// (UserAgent, Registerer, Session) с операциями invite/accept/reject/
// cancel/bye/refer/info, уведомлениями о смене состояния диалога и
// делегатом ответов на уровне запроса. Ядро (pkg/phone) зависит только от
// этих интерфейсов, что позволяет подменять транспорт в тестах.
//
// Адаптер поверх sipgo находится в sipgo.go - это единственный файл
// пакета, импортирующий SIP стек.
package signaling

import (
	"context"
	"strings"
)

// RegistrationState - состояние регистрации на SIP сервере.
type RegistrationState string

const (
	Unregistered RegistrationState = "Unregistered"
	Registering  RegistrationState = "Registering"
	Registered   RegistrationState = "Registered"
	Terminated   RegistrationState = "Terminated"
)

// SessionState - состояние SIP диалога.
type SessionState string

const (
	// Establishing - диалог в процессе установления
	Establishing SessionState = "Establishing"
	// Established - диалог установлен (получен/отправлен 2xx и ACK)
	Established SessionState = "Established"
	// SessionTerminated - диалог завершен
	SessionTerminated SessionState = "Terminated"
)

// Response - ответ на запрос в рамках транзакции.
type Response struct {
	StatusCode int
	Reason     string
	CallID     string
	headers    map[string]string
}

// NewResponse создает ответ с заголовками. Используется адаптером
// и тестовыми двойниками.
func NewResponse(statusCode int, reason, callID string, headers map[string]string) *Response {
	norm := make(map[string]string, len(headers))
	for k, v := range headers {
		norm[strings.ToLower(k)] = v
	}
	return &Response{StatusCode: statusCode, Reason: reason, CallID: callID, headers: norm}
}

// Header возвращает значение заголовка ответа (регистронезависимо)
// или пустую строку.
func (r *Response) Header(name string) string {
	if r.headers == nil {
		return ""
	}
	return r.headers[strings.ToLower(name)]
}

// RequestDelegate - колбэки уровня конкретной транзакции.
// Порядок относительно уведомлений о смене состояния диалога не
// гарантируется: вызывающая сторона не должна полагаться на него.
type RequestDelegate struct {
	OnTrying   func(*Response)
	OnProgress func(*Response)
	OnAccept   func(*Response)
	OnReject   func(*Response)
}

// AcceptOptions - опции принятия входящего вызова.
type AcceptOptions struct {
	// InputDeviceID - устройство захвата звука (пустая строка - по умолчанию).
	// Захват всегда audio-only.
	InputDeviceID string
}

// InviteOptions - опции исходящего INVITE.
type InviteOptions struct {
	// ExtraHeaders - дополнительные заголовки запроса
	ExtraHeaders map[string]string
	// InputDeviceID - устройство захвата звука
	InputDeviceID string
}

// ReferOptions - опции операции REFER.
type ReferOptions struct {
	// ExtraHeaders - дополнительные заголовки запроса
	ExtraHeaders map[string]string
	// Delegate - колбэки accept/reject транзакции REFER
	Delegate *RequestDelegate
}

// Session - один SIP диалог (вызов).
//
// Invite допустим только для исходящей сессии, Accept/Reject - только для
// входящей. Cancel завершает неустановленную исходящую сессию, Bye -
// установленную.
type Session interface {
	// CallID возвращает идентификатор диалога
	CallID() string
	// RemoteURI возвращает URI удаленной стороны
	RemoteURI() string

	Invite(ctx context.Context, delegate *RequestDelegate) error
	Accept(ctx context.Context, opts AcceptOptions) error
	Reject(ctx context.Context, code int, reason string) error
	Cancel(ctx context.Context) error
	Bye(ctx context.Context) error
	// Refer инициирует перевод вызова на target. Контракт: делегат из
	// opts вызывается синхронно, до возврата - вызывающая сторона
	// читает его результат сразу после Refer
	Refer(ctx context.Context, target string, opts ReferOptions) error
	// Info отправляет внедиалоговое INFO сообщение (DTMF)
	Info(ctx context.Context, contentType string, body []byte) error

	// OnStateChange регистрирует обработчик смены состояния диалога
	OnStateChange(func(SessionState))
}

// Invitation - входящая сессия с доступом к заголовкам INVITE.
type Invitation interface {
	Session
	// Header возвращает значение заголовка входящего INVITE
	Header(name string) string
	// RemoteUser возвращает user часть URI удаленной стороны
	RemoteUser() string
	// RemoteDisplayName возвращает display name из From входящего INVITE
	RemoteDisplayName() string
}

// UserAgent - идентичность сигнализации с управлением транспортом.
type UserAgent interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Reconnect восстанавливает транспортное соединение
	Reconnect(ctx context.Context) error
	// NewInviter создает исходящую сессию; INVITE отправляется
	// последующим вызовом Session.Invite
	NewInviter(target string, opts InviteOptions) (Session, error)

	OnConnect(func())
	OnDisconnect(func(err error))
	OnInvite(func(Invitation))
}

// Registerer - регистрация идентичности на SIP сервере.
type Registerer interface {
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	State() RegistrationState
	OnStateChange(func(RegistrationState))
}

// Identity - параметры идентичности сигнализации, собранные из ответа
// backend шлюза.
type Identity struct {
	// URI - адрес SIP сервера, например "sip.toky.co"
	URI string
	// Domain - SIP домен компании
	Domain string
	// Username - авторизационное имя пользователя
	Username string
	// Password - пароль digest авторизации
	Password string
	// DisplayName - отображаемое имя
	DisplayName string
	// UserAgent - строка User-Agent запросов
	UserAgent string
	// Server - адрес websocket сервера сигнализации
	Server string
}

// Factory создает транспортные объекты по идентичности.
// Инжектируется в Client; в тестах подменяется двойником.
type Factory interface {
	NewUserAgent(id Identity) (UserAgent, error)
	NewRegisterer(ua UserAgent) (Registerer, error)
}
