package phone

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tokyapp/toky-phone-go-sdk/pkg/eventchannel"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/gateway"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/signaling"
)

// fakeGateway - двойник backend шлюза с настраиваемыми ответами.
type fakeGateway struct {
	mu sync.Mutex

	params        *gateway.CallParams
	paramsErr     error
	holdErr       error
	recordingErr  map[gateway.RecordingAction]error
	cancelErr     error
	cdr           *gateway.CDR
	cdrErr        error
	token         string
	holdCalls     []string
	detailsCalls  []string
	recordingLogs []gateway.RecordingAction
}

func defaultCallParams() *gateway.CallParams {
	return &gateway.CallParams{
		SIP: gateway.SIPParams{
			WSServers:   []gateway.WSServer{{URI: "wss://ws.toky.co", Weight: 5}},
			Domain:      "company.toky.co",
			URI:         "sip.toky.co",
			Username:    "agent-7",
			Password:    "secret",
			DisplayName: "Agent Seven",
		},
		AgentID:           "agent@company.com",
		CompanyID:         "company-1",
		ChannelID:         "chan-1",
		ConnectionCountry: "us",
		RecordingChange:   true,
		RegisteredAppName: "toky-phone-go-sdk",
	}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		params:       defaultCallParams(),
		recordingErr: make(map[gateway.RecordingAction]error),
	}
}

func (f *fakeGateway) CallParams(context.Context) (*gateway.CallParams, error) {
	if f.paramsErr != nil {
		return nil, f.paramsErr
	}
	return f.params, nil
}

func (f *fakeGateway) HoldCall(_ context.Context, callID string, action gateway.HoldAction) error {
	f.mu.Lock()
	f.holdCalls = append(f.holdCalls, callID+":"+string(action))
	f.mu.Unlock()
	return f.holdErr
}

func (f *fakeGateway) CallRecording(_ context.Context, _ string, action gateway.RecordingAction) error {
	f.mu.Lock()
	f.recordingLogs = append(f.recordingLogs, action)
	f.mu.Unlock()
	return f.recordingErr[action]
}

func (f *fakeGateway) CancelTransfer(context.Context, string) error {
	return f.cancelErr
}

func (f *fakeGateway) CallDetails(_ context.Context, callID string) (*gateway.CDR, error) {
	f.mu.Lock()
	f.detailsCalls = append(f.detailsCalls, callID)
	f.mu.Unlock()
	if f.cdrErr != nil {
		return nil, f.cdrErr
	}
	if f.cdr == nil {
		return &gateway.CDR{}, nil
	}
	return f.cdr, nil
}

func (f *fakeGateway) RefreshAccessToken(token string) { f.token = token }

// fakeSession - двойник диалога сигнализации.
type fakeSession struct {
	mu sync.Mutex

	callID      string
	remoteURI   string
	displayName string
	headers     map[string]string

	delegate    *signaling.RequestDelegate
	stateFn     func(signaling.SessionState)
	inviteErr   error
	referErr    error
	referBlocks bool
	referReply  *signaling.Response

	accepted    bool
	rejected    bool
	canceled    bool
	byeSent     int
	infoBodies  []string
	referTarget string
	referHdrs   map[string]string
}

func newFakeSession(callID string) *fakeSession {
	return &fakeSession{
		callID:    callID,
		remoteURI: "sip:remote@company.toky.co",
		headers:   make(map[string]string),
	}
}

func (f *fakeSession) CallID() string    { return f.callID }
func (f *fakeSession) RemoteURI() string { return f.remoteURI }
func (f *fakeSession) RemoteUser() string {
	return "remote"
}

func (f *fakeSession) RemoteDisplayName() string { return f.displayName }

func (f *fakeSession) Header(name string) string { return f.headers[name] }

func (f *fakeSession) Invite(_ context.Context, delegate *signaling.RequestDelegate) error {
	f.mu.Lock()
	f.delegate = delegate
	f.mu.Unlock()
	return f.inviteErr
}

func (f *fakeSession) Accept(context.Context, signaling.AcceptOptions) error {
	f.mu.Lock()
	f.accepted = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Reject(context.Context, int, string) error {
	f.mu.Lock()
	f.rejected = true
	f.mu.Unlock()
	f.changeState(signaling.SessionTerminated)
	return nil
}

func (f *fakeSession) Cancel(context.Context) error {
	f.mu.Lock()
	f.canceled = true
	f.mu.Unlock()
	f.changeState(signaling.SessionTerminated)
	return nil
}

func (f *fakeSession) Bye(context.Context) error {
	f.mu.Lock()
	f.byeSent++
	f.mu.Unlock()
	f.changeState(signaling.SessionTerminated)
	return nil
}

func (f *fakeSession) Refer(ctx context.Context, target string, opts signaling.ReferOptions) error {
	f.mu.Lock()
	f.referTarget = target
	f.referHdrs = opts.ExtraHeaders
	reply := f.referReply
	f.mu.Unlock()

	if f.referBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.referErr != nil {
		return f.referErr
	}
	if reply == nil {
		reply = signaling.NewResponse(202, "Accepted", f.callID, nil)
	}
	if opts.Delegate != nil {
		if reply.StatusCode == 202 && opts.Delegate.OnAccept != nil {
			opts.Delegate.OnAccept(reply)
		} else if reply.StatusCode != 202 && opts.Delegate.OnReject != nil {
			opts.Delegate.OnReject(reply)
		}
	}
	return nil
}

func (f *fakeSession) Info(_ context.Context, _ string, body []byte) error {
	f.mu.Lock()
	f.infoBodies = append(f.infoBodies, string(body))
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) OnStateChange(fn func(signaling.SessionState)) {
	f.mu.Lock()
	f.stateFn = fn
	f.mu.Unlock()
}

func (f *fakeSession) changeState(state signaling.SessionState) {
	f.mu.Lock()
	fn := f.stateFn
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// requestDelegate возвращает делегат, переданный в Invite.
func (f *fakeSession) requestDelegate() *signaling.RequestDelegate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delegate
}

// fakeUA - двойник транспорта сигнализации.
type fakeUA struct {
	mu sync.Mutex

	startErr     error
	reconnectErr error
	nextSession  *fakeSession

	started      int
	reconnects   int
	onDisconnect func(error)
	onInvite     func(signaling.Invitation)
}

func (f *fakeUA) Start(context.Context) error {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	return f.startErr
}

func (f *fakeUA) Stop(context.Context) error { return nil }

func (f *fakeUA) Reconnect(context.Context) error {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
	return f.reconnectErr
}

func (f *fakeUA) NewInviter(string, signaling.InviteOptions) (signaling.Session, error) {
	if f.nextSession == nil {
		return nil, errors.New("no session configured")
	}
	return f.nextSession, nil
}

func (f *fakeUA) OnConnect(func()) {}

func (f *fakeUA) OnDisconnect(fn func(error)) {
	f.mu.Lock()
	f.onDisconnect = fn
	f.mu.Unlock()
}

func (f *fakeUA) OnInvite(fn func(signaling.Invitation)) {
	f.mu.Lock()
	f.onInvite = fn
	f.mu.Unlock()
}

func (f *fakeUA) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func (f *fakeUA) deliverInvite(inv signaling.Invitation) {
	f.mu.Lock()
	fn := f.onInvite
	f.mu.Unlock()
	if fn != nil {
		fn(inv)
	}
}

func (f *fakeUA) dropTransport(err error) {
	f.mu.Lock()
	fn := f.onDisconnect
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// fakeRegisterer - двойник регистрации.
type fakeRegisterer struct {
	mu sync.Mutex

	registerErr error
	state       signaling.RegistrationState
	onState     func(signaling.RegistrationState)
	registers   int
}

func (f *fakeRegisterer) Register(context.Context) error {
	f.mu.Lock()
	f.registers++
	f.mu.Unlock()
	f.setState(signaling.Registering)
	if f.registerErr != nil {
		f.setState(signaling.Unregistered)
		return f.registerErr
	}
	f.setState(signaling.Registered)
	return nil
}

func (f *fakeRegisterer) Unregister(context.Context) error {
	f.setState(signaling.Terminated)
	return nil
}

func (f *fakeRegisterer) State() signaling.RegistrationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRegisterer) OnStateChange(fn func(signaling.RegistrationState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeRegisterer) setState(state signaling.RegistrationState) {
	f.mu.Lock()
	f.state = state
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// fakeFactory - двойник фабрики транспортных объектов.
type fakeFactory struct {
	ua  *fakeUA
	reg *fakeRegisterer
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		ua:  &fakeUA{},
		reg: &fakeRegisterer{state: signaling.Unregistered},
	}
}

func (f *fakeFactory) NewUserAgent(signaling.Identity) (signaling.UserAgent, error) {
	return f.ua, nil
}

func (f *fakeFactory) NewRegisterer(signaling.UserAgent) (signaling.Registerer, error) {
	return f.reg, nil
}

// fakeChannel - двойник push канала.
type fakeChannel struct {
	mu      sync.Mutex
	handler eventchannel.Handler
	closed  bool
}

func (f *fakeChannel) Subscribe(h eventchannel.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeChannel) Connect(context.Context) error { return nil }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) push(ev eventchannel.CallEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// eventRecorder собирает эмитированные события по видам.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) attach(e *Emitter) {
	e.OnAny(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind() == kind {
			return r.events[i], true
		}
	}
	return nil, false
}
