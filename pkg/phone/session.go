package phone

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/tokyapp/toky-phone-go-sdk/pkg/gateway"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/media"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/signaling"
)

// Direction - направление вызова.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// UserType - классификация удаленной стороны вызова.
type UserType string

const (
	UserTypeAgent     UserType = "agent"
	UserTypeContact   UserType = "contact"
	UserTypeAnonymous UserType = "anonymous"
)

// CallData - метаданные вызова, извлеченные из заголовков INVITE либо
// заданные при исходящем вызове.
type CallData struct {
	RemoteUserID       string
	RemoteUserType     UserType
	RemoteUserName     string
	RemoteUserLocation string
	// DID - номер, на который позвонил клиент
	DID string
	// IsFromPSTN - вызов пришел из телефонной сети
	IsFromPSTN bool
	// IVRID и IVROptionPressed - контекст IVR меню
	IVRID            string
	IVROptionPressed string
	// UserAgent - классификация софтфона удаленной стороны
	UserAgent string
	// TransferredType - вид перевода, породившего вызов (пусто для обычного)
	TransferredType TransferType
	// Cause - причина появления вызова, например "rejected" для
	// возврата отклоненного слепого перевода
	Cause string
}

// CallState - состояние вызова.
type CallState string

const (
	CallIdle        CallState = "Idle"
	CallConnecting  CallState = "Connecting"
	CallRinging     CallState = "Ringing"
	CallEstablished CallState = "Established"
	CallTerminated  CallState = "Terminated"
)

func formEventName(src, dst CallState) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

// Ошибки операций сессии.
var (
	ErrInvalidTone     = errors.New("invalid dtmf tone")
	ErrNotEstablished  = errors.New("call is not established")
	ErrInboundOnly     = errors.New("operation is valid for inbound calls only")
	ErrSessionFinished = errors.New("session is already terminated")
)

var dtmfPattern = regexp.MustCompile(`^[0-9A-D#*,]+$`)

// TransferOptions - параметры перевода вызова.
type TransferOptions struct {
	Type        TransferType
	Option      TransferOption
	Destination string
}

// sessionParams - зависимости и атрибуты новой сессии. Собирается клиентом.
type sessionParams struct {
	sess        signaling.Session
	direction   Direction
	callData    CallData
	gw          Gateway
	coordinator *TransferCoordinator
	source      *media.Source
	tones       *media.ToneGenerator
	devices     *media.Devices
	emitter     *Emitter
	metrics     *Metrics

	sipUsername  string
	companyID    string
	domain       string
	referTimeout time.Duration

	recordingFeatureActivated bool

	onTerminated func(*SessionUA)
}

// SessionUA - один вызов. Владеет автоматом состояний вызова и
// согласует два независимых источника событий: смену состояния диалога
// (управляет медиа) и колбэки делегата запроса INVITE (управляют
// эмиссией статусов). Порядок между ними не гарантирован.
type SessionUA struct {
	sess        signaling.Session
	gw          Gateway
	coordinator *TransferCoordinator
	source      *media.Source
	tones       *media.ToneGenerator
	devices     *media.Devices
	emitter     *Emitter
	metrics     *Metrics

	direction    Direction
	sipUsername  string
	companyID    string
	domain       string
	referTimeout time.Duration

	fsm *fsm.FSM

	mu           sync.Mutex
	callID       string
	callData     CallData
	established  bool
	terminated   bool
	hold         bool
	senderOn     bool
	recording    bool
	recActivated bool
	// wantToWarmTransfer подавляет эмиссию Bye при завершении диалога,
	// которое транспорт доставит как артефакт механики перевода
	wantToWarmTransfer   bool
	hangupByCurrentAgent bool
	ringbackStop         chan struct{}

	onTerminated func(*SessionUA)
}

func newSessionUA(p sessionParams) *SessionUA {
	s := &SessionUA{
		sess:         p.sess,
		gw:           p.gw,
		coordinator:  p.coordinator,
		source:       p.source,
		tones:        p.tones,
		devices:      p.devices,
		emitter:      p.emitter,
		metrics:      p.metrics,
		direction:    p.direction,
		sipUsername:  p.sipUsername,
		companyID:    p.companyID,
		domain:       p.domain,
		referTimeout: p.referTimeout,
		callID:       p.sess.CallID(),
		callData:     p.callData,
		senderOn:     true,
		recActivated: p.recordingFeatureActivated,
		onTerminated: p.onTerminated,
	}
	if s.referTimeout <= 0 {
		s.referTimeout = 15 * time.Second
	}
	s.initFSM()
	if s.direction == Inbound {
		// Входящий INVITE уже доставлен - вызов сразу звонит
		s.setState(CallRinging)
	}
	s.sess.OnStateChange(s.onDialogState)
	s.metrics.callStarted(p.direction)
	return s
}

/*
FSM вызова:

[Idle] → [Connecting] → [Ringing] → [Established] → [Terminated]
[Idle] → [Ringing] (входящий)
[Connecting] → [Established] (ответ без предварительных 1xx)
[Connecting|Ringing] → [Terminated] (отмена/отклонение)
*/
func (s *SessionUA) initFSM() {
	s.fsm = fsm.NewFSM(
		string(CallIdle),
		fsm.Events{
			{Name: formEventName(CallIdle, CallConnecting), Src: []string{string(CallIdle)}, Dst: string(CallConnecting)},
			{Name: formEventName(CallIdle, CallRinging), Src: []string{string(CallIdle)}, Dst: string(CallRinging)},
			{Name: formEventName(CallConnecting, CallRinging), Src: []string{string(CallConnecting)}, Dst: string(CallRinging)},
			{Name: formEventName(CallConnecting, CallEstablished), Src: []string{string(CallConnecting)}, Dst: string(CallEstablished)},
			{Name: formEventName(CallRinging, CallEstablished), Src: []string{string(CallRinging)}, Dst: string(CallEstablished)},
			{Name: formEventName(CallIdle, CallTerminated), Src: []string{string(CallIdle)}, Dst: string(CallTerminated)},
			{Name: formEventName(CallConnecting, CallTerminated), Src: []string{string(CallConnecting)}, Dst: string(CallTerminated)},
			{Name: formEventName(CallRinging, CallTerminated), Src: []string{string(CallRinging)}, Dst: string(CallTerminated)},
			{Name: formEventName(CallEstablished, CallTerminated), Src: []string{string(CallEstablished)}, Dst: string(CallTerminated)},
		}, fsm.Callbacks{})
}

func (s *SessionUA) setState(state CallState) {
	current := CallState(s.fsm.Current())
	if current == state {
		return
	}
	if err := s.fsm.Event(context.TODO(), formEventName(current, state)); err != nil {
		slog.Debug("SessionUA.setState rejected",
			slog.String("from", string(current)),
			slog.String("to", string(state)),
			slog.Any("error", err))
	}
}

// State возвращает текущее состояние вызова.
func (s *SessionUA) State() CallState {
	return CallState(s.fsm.Current())
}

// CallID возвращает текущий идентификатор вызова. Может быть
// переназначен, когда делегат приносит сетевой call-id.
func (s *SessionUA) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *SessionUA) Direction() Direction { return s.direction }

// CallData возвращает метаданные вызова.
func (s *SessionUA) CallData() CallData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callData
}

func (s *SessionUA) IsEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

func (s *SessionUA) IsOnHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hold
}

// IsMuted - отключен ли захват звука. Инверсия состояния отправителя.
func (s *SessionUA) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.senderOn
}

func (s *SessionUA) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// maybeReassignCallID переносит сессию на сетевой идентификатор вызова,
// как только он известен из ответа.
func (s *SessionUA) maybeReassignCallID(resp *signaling.Response) {
	if resp == nil || resp.CallID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.CallID != s.callID {
		slog.Debug("call id reassigned",
			slog.String("old", s.callID),
			slog.String("new", resp.CallID))
		s.callID = resp.CallID
	}
}

// start отправляет INVITE исходящего вызова.
func (s *SessionUA) start(ctx context.Context) error {
	if s.direction != Outbound {
		return errors.New("start is valid for outbound sessions only")
	}

	delegate := &signaling.RequestDelegate{
		OnTrying:   s.onTrying,
		OnProgress: s.onProgress,
		OnAccept:   s.onAccept,
		OnReject:   s.onReject,
	}

	s.setState(CallConnecting)
	s.emitter.emit(SessionStatusEvent{Status: EventSessionConnecting, CallID: s.CallID()})

	if err := s.sess.Invite(ctx, delegate); err != nil {
		s.terminate(false)
		return errors.Wrap(err, "failed to send invite")
	}
	return nil
}

func (s *SessionUA) onTrying(resp *signaling.Response) {
	s.maybeReassignCallID(resp)
	s.emitter.emit(SessionStatusEvent{Status: EventSessionTrying, CallID: s.CallID()})
}

func (s *SessionUA) onProgress(resp *signaling.Response) {
	s.maybeReassignCallID(resp)
	s.setState(CallRinging)
	code := 0
	if resp != nil {
		code = resp.StatusCode
	}
	s.emitter.emit(RingingEvent{CallID: s.CallID(), StatusCode: code})
}

// onAccept - вызов принят удаленной стороной. Флаг established
// переключается ровно один раз за вызов; подтверждение статуса записи
// запрашивается отсюда независимо от присоединения медиа.
func (s *SessionUA) onAccept(resp *signaling.Response) {
	s.maybeReassignCallID(resp)

	if !s.flipEstablished() {
		return
	}
	s.stopRingback()
	s.setState(CallEstablished)
	s.emitter.emit(ConnectedEvent{CallID: s.CallID()})

	go s.confirmRecordingStatus(context.Background())
}

// flipEstablished переводит сессию в установленное состояние.
// Возвращает false, если она уже была установлена.
func (s *SessionUA) flipEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.established || s.terminated {
		return false
	}
	s.established = true
	return true
}

// confirmRecordingStatus запрашивает у шлюза, идет ли запись вызова.
func (s *SessionUA) confirmRecordingStatus(ctx context.Context) {
	err := s.gw.CallRecording(ctx, s.CallID(), gateway.RecordingActionStatus)
	switch {
	case err == nil:
		s.mu.Lock()
		s.recording = true
		s.recActivated = true
		s.mu.Unlock()
		s.emitter.emit(SessionStatusEvent{Status: EventRecording, CallID: s.CallID()})
	case errors.Is(err, gateway.ErrNotAuthorized):
		s.mu.Lock()
		s.recActivated = false
		s.mu.Unlock()
		s.emitter.emit(SessionStatusEvent{Status: EventRecordingNotAvailable, CallID: s.CallID()})
	default:
		slog.Warn("recording status check failed", slog.Any("error", err))
	}
}

func (s *SessionUA) onReject(resp *signaling.Response) {
	s.maybeReassignCallID(resp)

	code := 0
	reason := ""
	if resp != nil {
		code = resp.StatusCode
		reason = resp.Reason
	}

	s.mu.Lock()
	selfHangup := s.hangupByCurrentAgent
	s.mu.Unlock()

	s.stopRingback()
	if !selfHangup {
		if err := s.source.Error.Play(); err != nil {
			slog.Debug("failed to play error tone", slog.Any("error", err))
		}
	}
	s.emitter.emit(RejectedEvent{CallID: s.CallID(), StatusCode: code, Reason: reason})
}

// onDialogState - смена состояния диалога сигнализации. Управляет только
// жизненным циклом медиа и завершением; эмиссия статусов вызова идет
// через делегата запроса.
func (s *SessionUA) onDialogState(state signaling.SessionState) {
	switch state {
	case signaling.Establishing:
		if s.direction == Outbound {
			s.startRingback()
			if err := s.source.Local.Play(); err != nil {
				slog.Debug("failed to attach local sink", slog.Any("error", err))
			}
		}
	case signaling.Established:
		s.attachRemote()
	case signaling.SessionTerminated:
		s.onDialogTerminated()
	}
}

func (s *SessionUA) attachRemote() {
	if err := s.source.Remote.Play(); err != nil {
		slog.Debug("failed to attach remote sink", slog.Any("error", err))
	}

	if s.direction == Inbound {
		if err := s.source.IncomingRing.Stop(); err != nil {
			slog.Debug("failed to stop incoming ring", slog.Any("error", err))
		}
		if s.flipEstablished() {
			s.setState(CallEstablished)
			s.emitter.emit(ConnectedEvent{CallID: s.CallID()})
			// Голое входящее плечо не несет агентского контекста,
			// удержание и запись на нем недоступны
			if s.CallData().TransferredType == "" {
				s.emitter.emit(SessionStatusEvent{Status: EventHoldNotAvailable, CallID: s.CallID()})
				s.emitter.emit(SessionStatusEvent{Status: EventRecordingNotAvailable, CallID: s.CallID()})
			}
		}
	}
}

// onDialogTerminated завершает сессию по событию диалога. Для принятого
// консультативного перевода эмиссия Bye подавляется: завершение придет
// как артефакт механики перевода, а не реальное окончание разговора.
func (s *SessionUA) onDialogTerminated() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	wantWarm := s.wantToWarmTransfer
	established := s.established
	s.mu.Unlock()

	s.stopRingback()
	s.source.Detach()
	s.setState(CallTerminated)
	s.metrics.callEnded()

	if established && !wantWarm {
		s.emitter.emit(ByeEvent{CallID: s.CallID()})
	}

	if s.onTerminated != nil {
		s.onTerminated(s)
	}
}

// terminate - локальное завершение без события диалога (ошибка INVITE).
func (s *SessionUA) terminate(emitFailed bool) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	s.stopRingback()
	s.source.Detach()
	s.setState(CallTerminated)
	s.metrics.callEnded()

	if emitFailed {
		s.emitter.emit(SessionStatusEvent{Status: EventSessionFailed, CallID: s.CallID()})
	}

	if s.onTerminated != nil {
		s.onTerminated(s)
	}
}

// startRingback запускает генерацию гудка в локальный ring синк.
func (s *SessionUA) startRingback() {
	s.mu.Lock()
	if s.ringbackStop != nil || s.terminated {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.ringbackStop = stop
	s.mu.Unlock()

	if err := s.source.Ring.Play(); err != nil {
		slog.Debug("failed to start ring sink", slog.Any("error", err))
	}

	go func() {
		// Полный цикл каденции, проигрывается по кругу
		frames := s.tones.RingbackFrames(4 * time.Second)
		if len(frames) == 0 {
			return
		}
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.source.Ring.WriteRTP(frames[i%len(frames)]); err != nil {
					return
				}
				i++
			}
		}
	}()
}

func (s *SessionUA) stopRingback() {
	s.mu.Lock()
	stop := s.ringbackStop
	s.ringbackStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		if err := s.source.Ring.Stop(); err != nil {
			slog.Debug("failed to stop ring sink", slog.Any("error", err))
		}
	}
}

// AcceptCall принимает входящий вызов. Захват всегда audio-only;
// используется запомненное устройство ввода, если оно выбрано.
func (s *SessionUA) AcceptCall(ctx context.Context) error {
	if s.direction != Inbound {
		return ErrInboundOnly
	}

	inputID := ""
	if s.devices != nil {
		inputID = s.devices.SelectedInputID()
	}

	if err := s.sess.Accept(ctx, signaling.AcceptOptions{InputDeviceID: inputID}); err != nil {
		return errors.Wrap(err, "failed to accept call")
	}
	return nil
}

// ProcessDTMF отправляет тоновый набор в рамках диалога и проигрывает
// локальную обратную связь. Запятая - пауза.
func (s *SessionUA) ProcessDTMF(ctx context.Context, tones string) error {
	if tones == "" || !dtmfPattern.MatchString(tones) {
		return errors.Wrapf(ErrInvalidTone, "%q", tones)
	}
	if !s.IsEstablished() {
		return ErrNotEstablished
	}

	body := fmt.Sprintf("Signal=%s\r\nDuration=%d", tones, 160)
	if err := s.sess.Info(ctx, "application/dtmf-relay", []byte(body)); err != nil {
		return errors.Wrap(err, "failed to send dtmf")
	}

	for _, tone := range tones {
		if err := s.tones.PlayDTMF(s.source.Local, tone, 160*time.Millisecond); err != nil {
			slog.Debug("dtmf feedback failed", slog.Any("error", err))
		}
	}
	return nil
}

// Mute переключает отправку звука. Не идемпотентен: каждый вызов меняет
// состояние. До присоединения медиа проглатывается с записью в лог.
func (s *SessionUA) Mute() {
	s.mu.Lock()
	if !s.established {
		s.mu.Unlock()
		slog.Debug("mute ignored, no media attached yet")
		return
	}
	s.senderOn = !s.senderOn
	enabled := s.senderOn
	s.mu.Unlock()

	if enabled {
		if err := s.source.Local.Play(); err != nil {
			slog.Debug("failed to enable local sink", slog.Any("error", err))
		}
		s.emitter.emit(SessionStatusEvent{Status: EventUnmuted, CallID: s.CallID()})
		return
	}
	if err := s.source.Local.Stop(); err != nil {
		slog.Debug("failed to disable local sink", slog.Any("error", err))
	}
	s.emitter.emit(SessionStatusEvent{Status: EventMuted, CallID: s.CallID()})
}

// Hold переключает удержание вызова. Сначала подтверждение шлюза, флаг и
// событие меняются только при успехе.
func (s *SessionUA) Hold(ctx context.Context) error {
	s.mu.Lock()
	if !s.established {
		s.mu.Unlock()
		return ErrNotEstablished
	}
	onHold := s.hold
	s.mu.Unlock()

	action := gateway.HoldActionHold
	if onHold {
		action = gateway.HoldActionUnhold
	}

	if err := s.gw.HoldCall(ctx, s.CallID(), action); err != nil {
		return errors.Wrap(err, "hold action failed")
	}

	s.mu.Lock()
	s.hold = !onHold
	nowHold := s.hold
	s.mu.Unlock()

	status := EventUnhold
	if nowHold {
		status = EventHold
	}
	s.emitter.emit(SessionStatusEvent{Status: status, CallID: s.CallID()})
	return nil
}

// Record переключает паузу записи разговора. Требует активированной
// функции записи на вызове.
func (s *SessionUA) Record(ctx context.Context) error {
	s.mu.Lock()
	if !s.established {
		s.mu.Unlock()
		return ErrNotEstablished
	}
	if !s.recActivated {
		s.mu.Unlock()
		return gateway.ErrNotAuthorized
	}
	recording := s.recording
	s.mu.Unlock()

	action := gateway.RecordingActionPause
	if !recording {
		action = gateway.RecordingActionContinue
	}

	if err := s.gw.CallRecording(ctx, s.CallID(), action); err != nil {
		return errors.Wrap(err, "recording action failed")
	}

	s.mu.Lock()
	s.recording = !recording
	nowRecording := s.recording
	s.mu.Unlock()

	if nowRecording {
		s.emitter.emit(SessionStatusEvent{Status: EventRecording, CallID: s.CallID()})
		return nil
	}
	s.emitter.emit(NotRecordingEvent{CallID: s.CallID(), Reason: "paused by agent"})
	return nil
}

// CancelTransfer отменяет начатый консультативный перевод.
func (s *SessionUA) CancelTransfer(ctx context.Context) error {
	if err := s.coordinator.Cancel(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.wantToWarmTransfer = false
	s.mu.Unlock()
	return nil
}

// EndCall завершает вызов. Установленный диалог получает BYE, причем для
// плеча консультативного перевода сначала по CDR определяется, ответил
// ли дальний агент. Неустановленный исходящий отменяется, входящий
// отклоняется. Завершение никогда не фатально: ошибки логируются.
func (s *SessionUA) EndCall(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return ErrSessionFinished
	}
	s.hangupByCurrentAgent = true
	established := s.established
	transferredType := s.callData.TransferredType
	s.mu.Unlock()

	s.stopRingback()

	if !established {
		var err error
		if s.direction == Outbound {
			err = s.sess.Cancel(ctx)
		} else {
			err = s.sess.Reject(ctx, 486, "Busy Here")
		}
		if err != nil {
			slog.Warn("failed to cancel pending call", slog.Any("error", err))
			s.terminate(false)
		}
		return nil
	}

	if transferredType == TransferWarm {
		s.emitWarmOutcome(ctx)
	}

	if err := s.sess.Bye(ctx); err != nil {
		slog.Warn("failed to send bye", slog.Any("error", err))
		s.terminate(false)
	}
	return nil
}

// emitWarmOutcome по CDR решает, состоялся ли консультативный перевод:
// наличие дочернего вызова означает, что клиент был соединен с дальним
// агентом.
func (s *SessionUA) emitWarmOutcome(ctx context.Context) {
	cdr, err := s.gw.CallDetails(ctx, s.CallID())
	if err != nil {
		slog.Warn("failed to fetch call details on hangup", slog.Any("error", err))
		return
	}

	status := EventTransferWarmNotCompleted
	outcome := "not_completed"
	if cdr.ChildCall != nil && cdr.ChildCall.CallID != "" {
		status = EventTransferWarmCompleted
		outcome = "completed"
	}
	s.metrics.transfer(TransferWarm, outcome)
	s.emitter.emit(TransferEvent{
		Status:       status,
		CallID:       s.CallID(),
		TransferType: TransferWarm,
	})
}

// MakeTransfer инициирует перевод вызова. Отказы не возвращаются
// ошибкой: исход сообщается событиями TransferBlindInit /
// TransferWarmInit / TransferFailed.
func (s *SessionUA) MakeTransfer(ctx context.Context, opts TransferOptions) error {
	if !s.IsEstablished() {
		return ErrNotEstablished
	}
	if opts.Destination == "" {
		return errors.New("transfer destination is required")
	}
	if opts.Type == "" {
		opts.Type = TransferBlind
	}

	target, err := s.transferTarget(opts)
	if err != nil {
		return err
	}

	headers := map[string]string{
		"X-Transferred":     "true",
		"X-Transferred-By":  s.sipUsername,
		"X-Transfer-Option": string(opts.Option),
	}
	if opts.Type == TransferWarm {
		headers["X-Warm"] = "true"
	}

	referCtx, cancel := context.WithTimeout(ctx, s.referTimeout)
	defer cancel()

	// Session.Refer вызывает делегат до возврата, флаг читается без гонки
	accepted := false
	delegate := &signaling.RequestDelegate{
		OnAccept: func(*signaling.Response) { accepted = true },
		OnReject: func(resp *signaling.Response) {
			code := 0
			reason := ""
			if resp != nil {
				code = resp.StatusCode
				reason = resp.Reason
			}
			s.metrics.transfer(opts.Type, "failed")
			s.emitter.emit(TransferFailedEvent{CallID: s.CallID(), StatusCode: code, Reason: reason})
		},
	}

	err = s.sess.Refer(referCtx, target, signaling.ReferOptions{
		ExtraHeaders: headers,
		Delegate:     delegate,
	})
	if err != nil {
		s.metrics.transfer(opts.Type, "failed")
		s.emitter.emit(TransferFailedEvent{CallID: s.CallID(), Reason: err.Error()})
		return nil
	}
	if !accepted {
		return nil
	}

	if opts.Type == TransferBlind {
		s.metrics.transfer(TransferBlind, "init")
		cdr, err := s.gw.CallDetails(ctx, s.CallID())
		if err != nil {
			slog.Debug("blind transfer cdr fetch failed", slog.Any("error", err))
		}
		s.emitter.emit(TransferEvent{
			Status:       EventTransferBlindInit,
			CallID:       s.CallID(),
			TransferType: TransferBlind,
			Details:      cdr,
		})
		return nil
	}

	// Консультативный перевод: диалог вскоре завершится как артефакт
	// механики перевода, дальнейший прогресс придет из push канала
	s.mu.Lock()
	s.wantToWarmTransfer = true
	muted := !s.senderOn
	s.mu.Unlock()

	tc := TransferContext{
		ParentCallID: s.CallID(),
		Status:       TransferStatusRefer,
		Muted:        muted,
		Option:       opts.Option,
		StartedAt:    time.Now(),
	}
	if err := s.coordinator.Begin(tc); err != nil {
		slog.Warn("failed to persist transfer context", slog.Any("error", err))
	}

	s.metrics.transfer(TransferWarm, "init")
	s.emitter.emit(TransferEvent{
		Status:       EventTransferWarmInit,
		CallID:       s.CallID(),
		TransferType: TransferWarm,
	})
	return nil
}

// transferTarget строит URI цели перевода по ее типу.
func (s *SessionUA) transferTarget(opts TransferOptions) (string, error) {
	switch opts.Option {
	case TransferToAgent, "":
		return fmt.Sprintf("sip:%s@%s", opts.Destination, s.domain), nil
	case TransferToGroup:
		return fmt.Sprintf("sip:group-%s@%s", opts.Destination, s.domain), nil
	case TransferToNumber:
		return fmt.Sprintf("sip:service@%s;company=%s;dnis=%s", s.domain, s.companyID, opts.Destination), nil
	default:
		return "", errors.Errorf("unknown transfer option %q", opts.Option)
	}
}
