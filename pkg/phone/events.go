package phone

import (
	"sync"

	"github.com/tokyapp/toky-phone-go-sdk/pkg/gateway"
)

// EventKind - вид события жизненного цикла клиента или сессии.
type EventKind string

// События клиента.
const (
	EventDefault            EventKind = "default"
	EventReady              EventKind = "ready"
	EventRegistering        EventKind = "registering"
	EventRegistered         EventKind = "registered"
	EventUnregistered       EventKind = "unregistered"
	EventRegistrationFailed EventKind = "registration_failed"
	EventConnecting         EventKind = "connecting"
	EventOnline             EventKind = "online"
	EventOffline            EventKind = "offline"
	EventDisconnected       EventKind = "disconnected"
	EventInvite             EventKind = "invite"
	EventInviteRejected     EventKind = "invite_rejected"
)

// События сессии.
const (
	EventSessionConnecting     EventKind = "connecting_call"
	EventSessionTrying         EventKind = "trying"
	EventSessionRinging        EventKind = "ringing"
	EventSessionConnected      EventKind = "accepted"
	EventSessionRejected       EventKind = "rejected"
	EventSessionBye            EventKind = "bye"
	EventSessionFailed         EventKind = "failed"
	EventHold                  EventKind = "hold"
	EventUnhold                EventKind = "unhold"
	EventHoldNotAvailable      EventKind = "hold_not_available"
	EventMuted                 EventKind = "muted"
	EventUnmuted               EventKind = "unmuted"
	EventRecording             EventKind = "recording"
	EventNotRecording          EventKind = "not_recording"
	EventRecordingNotAvailable EventKind = "recording_not_available"

	EventTransferBlindInit        EventKind = "transfer_blind_init"
	EventTransferWarmInit         EventKind = "transfer_warm_init"
	EventTransferWarmAnswered     EventKind = "transfer_warm_answered"
	EventTransferWarmNotAnswered  EventKind = "transfer_warm_not_answered"
	EventTransferWarmCompleted    EventKind = "transfer_warm_completed"
	EventTransferWarmNotCompleted EventKind = "transfer_warm_not_completed"
	EventTransferWarmCanceled     EventKind = "transfer_warm_canceled"
	EventTransferFailed           EventKind = "transfer_failed"
)

// Event - событие с типизированной нагрузкой. Каждый статус представлен
// отдельной структурой.
type Event interface {
	Kind() EventKind
}

// StatusEvent - событие без дополнительной нагрузки.
type StatusEvent struct {
	Status EventKind
}

func (e StatusEvent) Kind() EventKind { return e.Status }

// InviteEvent несет новую входящую сессию и метаданные вызова.
type InviteEvent struct {
	Session  *SessionUA
	CallData CallData
}

func (InviteEvent) Kind() EventKind { return EventInvite }

// InviteRejectedEvent - входящий или исходящий вызов отклонен до создания
// сессии. Code 412 означает отсутствие разрешения на захват звука.
type InviteRejectedEvent struct {
	Code   int
	Reason string
}

func (InviteRejectedEvent) Kind() EventKind { return EventInviteRejected }

// RegistrationFailedEvent - терминальный отказ регистрации, в том числе
// исчерпание попыток переподключения.
type RegistrationFailedEvent struct {
	Reason string
}

func (RegistrationFailedEvent) Kind() EventKind { return EventRegistrationFailed }

// SessionStatusEvent - событие сессии без дополнительной нагрузки.
type SessionStatusEvent struct {
	Status EventKind
	CallID string
}

func (e SessionStatusEvent) Kind() EventKind { return e.Status }

// RingingEvent - получен предварительный ответ на INVITE.
type RingingEvent struct {
	CallID     string
	StatusCode int
}

func (RingingEvent) Kind() EventKind { return EventSessionRinging }

// ConnectedEvent - вызов принят удаленной стороной.
type ConnectedEvent struct {
	CallID string
}

func (ConnectedEvent) Kind() EventKind { return EventSessionConnected }

// RejectedEvent - вызов отклонен до установления.
type RejectedEvent struct {
	CallID     string
	StatusCode int
	Reason     string
}

func (RejectedEvent) Kind() EventKind { return EventSessionRejected }

// ByeEvent - установленный вызов завершен.
type ByeEvent struct {
	CallID string
}

func (ByeEvent) Kind() EventKind { return EventSessionBye }

// NotRecordingEvent - запись остановлена; Reason различает паузу по
// запросу и недоступность функции.
type NotRecordingEvent struct {
	CallID string
	Reason string
}

func (NotRecordingEvent) Kind() EventKind { return EventNotRecording }

// TransferEvent - прогресс перевода вызова.
type TransferEvent struct {
	Status       EventKind
	CallID       string
	TransferType TransferType
	// Details - CDR на момент инициации слепого перевода, nil для
	// остальных шагов
	Details *gateway.CDR
}

func (e TransferEvent) Kind() EventKind { return e.Status }

// TransferFailedEvent - перевод отклонен или не подтвержден вовремя.
type TransferFailedEvent struct {
	CallID     string
	StatusCode int
	Reason     string
}

func (TransferFailedEvent) Kind() EventKind { return EventTransferFailed }

// Handler - обработчик события.
type Handler func(Event)

// Emitter - типизированный реестр подписчиков. Подписка допустима на
// конкретный вид события или на все сразу.
type Emitter struct {
	mu       sync.Mutex
	handlers map[EventKind][]Handler
	anyAll   []Handler
}

// NewEmitter создает пустой реестр.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventKind][]Handler)}
}

// On регистрирует обработчик вида событий.
func (e *Emitter) On(kind EventKind, fn Handler) {
	e.mu.Lock()
	e.handlers[kind] = append(e.handlers[kind], fn)
	e.mu.Unlock()
}

// OnAny регистрирует обработчик всех событий.
func (e *Emitter) OnAny(fn Handler) {
	e.mu.Lock()
	e.anyAll = append(e.anyAll, fn)
	e.mu.Unlock()
}

func (e *Emitter) emit(ev Event) {
	e.mu.Lock()
	specific := append([]Handler(nil), e.handlers[ev.Kind()]...)
	all := append([]Handler(nil), e.anyAll...)
	e.mu.Unlock()

	for _, fn := range specific {
		fn(ev)
	}
	for _, fn := range all {
		fn(ev)
	}
}
