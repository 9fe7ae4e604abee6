package phone

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tokyapp/toky-phone-go-sdk/pkg/eventchannel"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/gateway"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/media"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/signaling"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/storage"
)

// Gateway - операции backend шлюза, используемые клиентом и сессиями.
// Реализуется gateway.Client, в тестах подменяется двойником.
type Gateway interface {
	CallParams(ctx context.Context) (*gateway.CallParams, error)
	HoldCall(ctx context.Context, callID string, action gateway.HoldAction) error
	CallRecording(ctx context.Context, callID string, action gateway.RecordingAction) error
	CancelTransfer(ctx context.Context, callID string) error
	CallDetails(ctx context.Context, callID string) (*gateway.CDR, error)
	RefreshAccessToken(token string)
}

// EventChannel - push канал событий вызовов.
type EventChannel interface {
	Subscribe(eventchannel.Handler)
	Connect(ctx context.Context) error
	Close() error
}

// Account - идентичность агента.
type Account struct {
	// User - идентификатор агента
	User string
	// Type - тип учетной записи, например "agent"
	Type string
	// SIPUsername - SIP имя, известное заранее (иначе придет из шлюза)
	SIPUsername string
	// AcceptInboundCalls - поднимать ли входящие вызовы приложению
	AcceptInboundCalls bool
}

// Config - конфигурация клиента.
type Config struct {
	AccessToken string
	Account     Account

	// ReconnectionAttempts - максимум попыток переподключения
	ReconnectionAttempts int
	// ReconnectionDelay - пауза между попытками
	ReconnectionDelay time.Duration
	// ReferTimeout - ожидание подтверждения REFER
	ReferTimeout time.Duration
}

// Validate проверяет обязательные поля. Сеть не требуется.
func (c *Config) Validate() error {
	if c.AccessToken == "" {
		return errors.New("access token is required")
	}
	if c.Account.User == "" {
		return errors.New("account user is required")
	}
	if c.Account.Type == "" {
		return errors.New("account type is required")
	}
	if c.ReconnectionAttempts == 0 {
		c.ReconnectionAttempts = 3
	}
	if c.ReconnectionDelay == 0 {
		c.ReconnectionDelay = 4 * time.Second
	}
	if c.ReferTimeout == 0 {
		c.ReferTimeout = 15 * time.Second
	}
	return nil
}

// Settings - результат инициализации клиента.
type Settings struct {
	ConnectionCountry    string
	SIPUsername          string
	CallRecordingEnabled bool
}

// Deps - внедряемые коллабораторы клиента.
type Deps struct {
	Gateway Gateway
	Factory signaling.Factory
	Channel EventChannel
	Store   storage.Store
	Devices *media.Devices
	Source  *media.Source
	Tones   *media.ToneGenerator
	Metrics *Metrics
}

// Client - оркестратор регистрации и подключения. Владеет одной
// идентичностью сигнализации и не более чем одной активной сессией.
type Client struct {
	cfg     Config
	gw      Gateway
	factory signaling.Factory
	channel EventChannel
	store   storage.Store
	devices *media.Devices
	source  *media.Source
	tones   *media.ToneGenerator
	metrics *Metrics

	emitter     *Emitter
	coordinator *TransferCoordinator

	regFSM *fsm.FSM

	mu                     sync.Mutex
	ua                     signaling.UserAgent
	registerer             signaling.Registerer
	currentSession         *SessionUA
	sipUsername            string
	domain                 string
	companyID              string
	connectionCountry      string
	recordingEnabled       bool
	isRegistered           bool
	shouldBeConnected      bool
	attemptingReconnection bool
}

// NewClient валидирует конфигурацию и собирает клиент. Сетевых вызовов
// нет, ошибки только от валидации.
func NewClient(cfg Config, deps Deps) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid client config")
	}
	if deps.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if deps.Factory == nil {
		return nil, errors.New("signaling factory is required")
	}
	if deps.Store == nil {
		deps.Store = storage.NewMemoryStore()
	}
	if deps.Source == nil {
		deps.Source = media.NewNullSource()
	}
	if deps.Tones == nil {
		deps.Tones = media.NewToneGenerator()
	}

	c := &Client{
		cfg:         cfg,
		gw:          deps.Gateway,
		factory:     deps.Factory,
		channel:     deps.Channel,
		store:       deps.Store,
		devices:     deps.Devices,
		source:      deps.Source,
		tones:       deps.Tones,
		metrics:     deps.Metrics,
		emitter:     NewEmitter(),
		sipUsername: cfg.Account.SIPUsername,
	}
	c.coordinator = NewTransferCoordinator(deps.Store, deps.Gateway, c.emitter)
	c.initRegFSM()

	c.emitter.emit(StatusEvent{Status: EventDefault})
	return c, nil
}

/*
FSM регистрации:

[Unregistered] → [Registering] → [Registered] → [Unregistered]
[Registering] → [Unregistered]
Любое состояние → [Terminated]
*/
func (c *Client) initRegFSM() {
	all := []string{
		string(signaling.Unregistered),
		string(signaling.Registering),
		string(signaling.Registered),
	}
	c.regFSM = fsm.NewFSM(
		string(signaling.Unregistered),
		fsm.Events{
			{Name: "registering", Src: []string{string(signaling.Unregistered), string(signaling.Registered), string(signaling.Terminated)}, Dst: string(signaling.Registering)},
			{Name: "registered", Src: []string{string(signaling.Registering)}, Dst: string(signaling.Registered)},
			{Name: "unregistered", Src: all, Dst: string(signaling.Unregistered)},
			{Name: "terminated", Src: all, Dst: string(signaling.Terminated)},
		}, fsm.Callbacks{})
}

// On подписывает обработчик на вид событий клиента и сессий.
func (c *Client) On(kind EventKind, fn Handler) { c.emitter.On(kind, fn) }

// OnAny подписывает обработчик на все события.
func (c *Client) OnAny(fn Handler) { c.emitter.OnAny(fn) }

// RegistrationState возвращает текущее состояние регистрации.
func (c *Client) RegistrationState() signaling.RegistrationState {
	return signaling.RegistrationState(c.regFSM.Current())
}

// IsRegistered сообщает, зарегистрирован ли клиент.
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRegistered
}

// CurrentSession возвращает активную сессию или nil.
func (c *Client) CurrentSession() *SessionUA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSession
}

// Coordinator открывает координатор переводов для внешней подписки.
func (c *Client) Coordinator() *TransferCoordinator { return c.coordinator }

// Init получает параметры телефонной системы, строит идентичность
// сигнализации, запускает транспорт и регистрируется.
func (c *Client) Init(ctx context.Context) (*Settings, error) {
	params, err := c.gw.CallParams(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch call params")
	}
	if params.SIP.URI == "" {
		return nil, errors.New("call params carry no sip uri")
	}

	c.mu.Lock()
	c.sipUsername = params.SIP.Username
	c.domain = params.SIP.Domain
	c.companyID = params.CompanyID
	c.connectionCountry = params.ConnectionCountry
	c.recordingEnabled = params.RecordingChange
	c.shouldBeConnected = true
	c.mu.Unlock()

	identity := signaling.Identity{
		URI:         params.SIP.URI,
		Domain:      params.SIP.Domain,
		Username:    params.SIP.Username,
		Password:    params.SIP.Password,
		DisplayName: params.SIP.DisplayName,
		UserAgent:   params.RegisteredAppName,
	}
	if len(params.SIP.WSServers) > 0 {
		identity.Server = params.SIP.WSServers[0].URI
	}

	ua, err := c.factory.NewUserAgent(identity)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create signaling transport")
	}

	c.mu.Lock()
	c.ua = ua
	c.mu.Unlock()
	c.emitter.emit(StatusEvent{Status: EventReady})

	ua.OnDisconnect(c.onDisconnect)
	ua.OnInvite(c.onInvite)

	c.emitter.emit(StatusEvent{Status: EventConnecting})
	if err := ua.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to start signaling transport")
	}
	c.emitter.emit(StatusEvent{Status: EventOnline})

	registerer, err := c.factory.NewRegisterer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create registerer")
	}
	registerer.OnStateChange(c.onRegistrationState)

	c.mu.Lock()
	c.registerer = registerer
	c.mu.Unlock()

	c.emitter.emit(StatusEvent{Status: EventRegistering})
	if err := registerer.Register(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to register")
	}

	if c.channel != nil {
		c.channel.Subscribe(c.onCallEvent)
		if err := c.channel.Connect(ctx); err != nil {
			slog.Warn("event channel connect failed", slog.Any("error", err))
		}
	}

	return &Settings{
		ConnectionCountry:    params.ConnectionCountry,
		SIPUsername:          params.SIP.Username,
		CallRecordingEnabled: params.RecordingChange,
	}, nil
}

func (c *Client) setRegState(event string) {
	current := c.regFSM.Current()
	if err := c.regFSM.Event(context.TODO(), event); err != nil {
		slog.Debug("registration transition rejected",
			slog.String("from", current),
			slog.String("event", event),
			slog.Any("error", err))
	}
}

func (c *Client) onRegistrationState(state signaling.RegistrationState) {
	switch state {
	case signaling.Registering:
		c.setRegState("registering")
		c.emitter.emit(StatusEvent{Status: EventRegistering})
	case signaling.Registered:
		c.setRegState("registered")
		c.mu.Lock()
		c.isRegistered = true
		c.mu.Unlock()
		c.metrics.registered()
		c.emitter.emit(StatusEvent{Status: EventRegistered})
	case signaling.Unregistered:
		c.setRegState("unregistered")
		c.mu.Lock()
		c.isRegistered = false
		c.mu.Unlock()
		c.emitter.emit(StatusEvent{Status: EventUnregistered})
	case signaling.Terminated:
		c.setRegState("terminated")
		c.mu.Lock()
		c.isRegistered = false
		c.mu.Unlock()
		c.emitter.emit(StatusEvent{Status: EventUnregistered})
	}
}

// onDisconnect - обрыв транспорта. Ошибочный обрыв запускает
// переподключение; намеренная остановка (err == nil) - нет.
func (c *Client) onDisconnect(err error) {
	c.mu.Lock()
	wasRegistered := c.isRegistered
	shouldReconnect := err != nil && c.shouldBeConnected
	registerer := c.registerer
	c.mu.Unlock()

	c.emitter.emit(StatusEvent{Status: EventOffline})
	c.emitter.emit(StatusEvent{Status: EventDisconnected})

	if wasRegistered && registerer != nil {
		if uerr := registerer.Unregister(context.Background()); uerr != nil {
			slog.Warn("unregister on disconnect failed", slog.Any("error", uerr))
		}
	}

	if shouldReconnect {
		go c.reconnect()
	}
}

// reconnect - ограниченный цикл переподключения: первая попытка сразу,
// последующие после паузы. Перекрывающиеся запуски исключены флагом.
// Исчерпание попыток завершается событием RegistrationFailed.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.attemptingReconnection {
		c.mu.Unlock()
		return
	}
	c.attemptingReconnection = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.attemptingReconnection = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.cfg.ReconnectionAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(c.cfg.ReconnectionDelay)
		}

		c.mu.Lock()
		proceed := c.shouldBeConnected
		ua := c.ua
		registerer := c.registerer
		c.mu.Unlock()
		if !proceed {
			return
		}

		c.metrics.reconnectAttempt()
		c.emitter.emit(StatusEvent{Status: EventConnecting})
		slog.Debug("reconnection attempt", slog.Int("attempt", attempt))

		ctx := context.Background()
		if err := ua.Reconnect(ctx); err != nil {
			slog.Warn("transport reconnect failed",
				slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}
		if err := registerer.Register(ctx); err != nil {
			slog.Warn("re-registration failed",
				slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}

		c.emitter.emit(StatusEvent{Status: EventOnline})
		return
	}

	c.emitter.emit(RegistrationFailedEvent{Reason: "reconnection attempts exhausted"})
}

// onCallEvent передает push событие координатору переводов.
func (c *Client) onCallEvent(ev eventchannel.CallEvent) {
	c.metrics.channelMessage()
	if err := c.coordinator.HandleCallEvent(context.Background(), ev); err != nil {
		slog.Warn("transfer event handling failed", slog.Any("error", err))
	}
}

// onInvite классифицирует входящее приглашение по заголовкам и либо
// создает сессию и поднимает событие Invite, либо подавляет служебное
// плечо перевода.
func (c *Client) onInvite(inv signaling.Invitation) {
	c.mu.Lock()
	self := c.sipUsername
	busy := c.currentSession != nil
	accept := c.cfg.Account.AcceptInboundCalls
	c.mu.Unlock()

	warm := inv.Header("X-Warm") == "true"
	transferredBy := inv.Header("X-Transferred-By")

	// Служебное плечо чужого консультативного перевода не показывается
	if warm && transferredBy != self {
		slog.Debug("warm transfer leg suppressed",
			slog.String("callID", inv.CallID()))
		return
	}

	if busy {
		slog.Debug("invite rejected, session already active",
			slog.String("callID", inv.CallID()))
		if err := inv.Reject(context.Background(), 486, "Busy Here"); err != nil {
			slog.Debug("busy reject failed", slog.Any("error", err))
		}
		return
	}

	data := c.classifyInvite(inv, warm, transferredBy == self && transferredBy != "")
	sess := c.newSession(inv, Inbound, data)

	if data.TransferredType == TransferWarm && accept {
		// Установление консультативного перевода принимается сразу
		if err := sess.AcceptCall(context.Background()); err != nil {
			slog.Warn("warm establish accept failed", slog.Any("error", err))
		}
	} else {
		c.playIncomingRing()
	}

	c.emitter.emit(InviteEvent{Session: sess, CallData: data})
}

func (c *Client) playIncomingRing() {
	if err := c.source.IncomingRing.Play(); err != nil {
		slog.Debug("failed to play incoming ring", slog.Any("error", err))
	}
}

// classifyInvite извлекает метаданные вызова из заголовков INVITE.
func (c *Client) classifyInvite(inv signaling.Invitation, warm, bySelf bool) CallData {
	data := CallData{
		RemoteUserID:       inv.RemoteUser(),
		RemoteUserName:     inv.RemoteDisplayName(),
		RemoteUserLocation: inv.Header("X-Connection-Country"),
		DID:                inv.Header("X-Calling-To"),
		IsFromPSTN:         inv.Header("X-PSTN") == "yes",
		IVRID:              inv.Header("X-IVR"),
		IVROptionPressed:   inv.Header("X-IVR-Option-Pressed"),
		UserAgent:          classifyUserAgent(inv.Header("User-Agent")),
	}

	switch {
	case bySelf && warm:
		data.TransferredType = TransferWarm
		data.Cause = "establish"
	case bySelf:
		// Возврат отклоненного слепого перевода
		data.TransferredType = TransferBlind
		data.Cause = "rejected"
	}

	switch {
	case strings.Contains(inv.RemoteURI(), ".invalid"):
		data.RemoteUserType = UserTypeAnonymous
	case inv.Header("X-Direct-Agent-Call") != "":
		data.RemoteUserType = UserTypeAgent
		data.RemoteUserID = inv.Header("X-Direct-Agent-Call")
	default:
		data.RemoteUserType = UserTypeContact
	}

	return data
}

// classifyUserAgent сводит строку User-Agent к классу софтфона.
func classifyUserAgent(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(lower, "toky"):
		return "toky"
	case strings.Contains(lower, "sip.js") || strings.Contains(lower, "sipjs"):
		return "webrtc"
	default:
		return "sip"
	}
}

func (c *Client) newSession(sess signaling.Session, direction Direction, data CallData) *SessionUA {
	c.mu.Lock()
	params := sessionParams{
		sess:                      sess,
		direction:                 direction,
		callData:                  data,
		gw:                        c.gw,
		coordinator:               c.coordinator,
		source:                    c.source,
		tones:                     c.tones,
		devices:                   c.devices,
		emitter:                   c.emitter,
		metrics:                   c.metrics,
		sipUsername:               c.sipUsername,
		companyID:                 c.companyID,
		domain:                    c.domain,
		referTimeout:              c.cfg.ReferTimeout,
		recordingFeatureActivated: c.recordingEnabled,
		onTerminated:              c.releaseSession,
	}
	c.mu.Unlock()

	s := newSessionUA(params)

	c.mu.Lock()
	c.currentSession = s
	c.mu.Unlock()
	return s
}

// releaseSession снимает владение завершенной сессией.
func (c *Client) releaseSession(s *SessionUA) {
	c.mu.Lock()
	if c.currentSession == s {
		c.currentSession = nil
	}
	c.mu.Unlock()
}

// StartCall размещает исходящий вызов. Возвращает nil без ошибки, когда
// клиент не зарегистрирован; без разрешения на захват звука возвращает
// nil и поднимает InviteRejected с кодом 412.
func (c *Client) StartCall(ctx context.Context, phoneNumber, callerID string) *SessionUA {
	c.mu.Lock()
	registered := c.isRegistered
	domain := c.domain
	companyID := c.companyID
	country := c.connectionCountry
	ua := c.ua
	c.mu.Unlock()

	if !registered || ua == nil {
		slog.Warn("start call ignored, client is not registered")
		return nil
	}
	if c.devices != nil && !c.devices.HasMediaPermissions() {
		c.emitter.emit(InviteRejectedEvent{Code: 412, Reason: "no media permission"})
		return nil
	}

	target := fmt.Sprintf("sip:service@%s;company=%s;dnis=%s", domain, companyID, phoneNumber)
	opts := signaling.InviteOptions{
		ExtraHeaders: map[string]string{
			"X-Caller-Id":          callerID,
			"X-Connection-Country": country,
		},
	}
	if c.devices != nil {
		opts.InputDeviceID = c.devices.SelectedInputID()
	}

	sess, err := ua.NewInviter(target, opts)
	if err != nil {
		slog.Error("failed to create outbound session", slog.Any("error", err))
		return nil
	}

	s := c.newSession(sess, Outbound, CallData{
		RemoteUserID:   phoneNumber,
		RemoteUserType: UserTypeContact,
	})
	if err := s.start(ctx); err != nil {
		slog.Error("failed to start outbound call", slog.Any("error", err))
		c.releaseSession(s)
		return nil
	}
	return s
}

// RefreshAccessToken обновляет токен доступа для всех последующих
// обращений к шлюзу.
func (c *Client) RefreshAccessToken(token string) {
	c.mu.Lock()
	c.cfg.AccessToken = token
	c.mu.Unlock()
	c.gw.RefreshAccessToken(token)
}

// Stop - намеренная остановка: завершает активный вызов, снимает
// регистрацию, останавливает транспорт и закрывает push канал.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.shouldBeConnected = false
	sess := c.currentSession
	registerer := c.registerer
	ua := c.ua
	registered := c.isRegistered
	c.mu.Unlock()

	var g errgroup.Group

	if sess != nil {
		g.Go(func() error {
			if err := sess.EndCall(ctx); err != nil && !errors.Is(err, ErrSessionFinished) {
				return errors.Wrap(err, "failed to end active call")
			}
			return nil
		})
	}
	if registered && registerer != nil {
		g.Go(func() error {
			if err := registerer.Unregister(ctx); err != nil {
				slog.Warn("unregister on stop failed", slog.Any("error", err))
			}
			return nil
		})
	}
	if c.channel != nil {
		g.Go(func() error {
			return errors.Wrap(c.channel.Close(), "failed to close event channel")
		})
	}

	err := g.Wait()

	if ua != nil {
		if serr := ua.Stop(ctx); serr != nil && err == nil {
			err = errors.Wrap(serr, "failed to stop signaling transport")
		}
	}

	c.emitter.emit(StatusEvent{Status: EventOffline})
	return err
}
