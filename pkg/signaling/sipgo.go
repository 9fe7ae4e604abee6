package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

// SipgoConfig - конфигурация sipgo адаптера.
type SipgoConfig struct {
	// ListenAddr - локальный адрес для приема входящих запросов
	ListenAddr string
	// Transport - транспорт ("udp", "tcp", "ws", "wss")
	Transport string
	// RegisterExpires - время жизни регистрации в секундах
	RegisterExpires int
}

func (c SipgoConfig) withDefaults() SipgoConfig {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:5060"
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.RegisterExpires == 0 {
		c.RegisterExpires = 600
	}
	return c
}

// sipgoFactory реализует Factory поверх emiago/sipgo.
type sipgoFactory struct {
	cfg SipgoConfig
}

// NewSipgoFactory создает фабрику транспортных объектов поверх sipgo.
func NewSipgoFactory(cfg SipgoConfig) Factory {
	return &sipgoFactory{cfg: cfg.withDefaults()}
}

func (f *sipgoFactory) NewUserAgent(id Identity) (UserAgent, error) {
	if id.URI == "" {
		return nil, errors.New("signaling: identity URI is required")
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(id.UserAgent))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sip user agent")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sip server")
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sip client")
	}

	var serverURI sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s", id.URI), &serverURI); err != nil {
		return nil, errors.Wrap(err, "failed to create server uri")
	}

	agent := &sipgoUA{
		cfg:       f.cfg,
		id:        id,
		ua:        ua,
		srv:       srv,
		client:    client,
		serverURI: serverURI,
		sessions:  make(map[string]*sipgoSession),
	}
	agent.onRequests()

	return agent, nil
}

func (f *sipgoFactory) NewRegisterer(ua UserAgent) (Registerer, error) {
	agent, ok := ua.(*sipgoUA)
	if !ok {
		return nil, errors.New("signaling: user agent is not a sipgo agent")
	}
	return &sipgoRegisterer{agent: agent, state: Unregistered}, nil
}

// sipgoUA - идентичность сигнализации поверх sipgo.
type sipgoUA struct {
	cfg SipgoConfig
	id  Identity

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	serverURI sip.Uri
	localCSeq atomic.Uint32

	mu           sync.Mutex
	sessions     map[string]*sipgoSession
	listenCancel context.CancelFunc
	onConnect    func()
	onDisconnect func(error)
	onInvite     func(Invitation)
}

func (a *sipgoUA) onRequests() {
	a.srv.OnInvite(a.handleInvite)
	a.srv.OnAck(a.handleAck)
	a.srv.OnBye(a.handleBye)
	a.srv.OnCancel(a.handleCancel)
}

func (a *sipgoUA) OnConnect(fn func()) {
	a.mu.Lock()
	a.onConnect = fn
	a.mu.Unlock()
}

func (a *sipgoUA) OnDisconnect(fn func(error)) {
	a.mu.Lock()
	a.onDisconnect = fn
	a.mu.Unlock()
}

func (a *sipgoUA) OnInvite(fn func(Invitation)) {
	a.mu.Lock()
	a.onInvite = fn
	a.mu.Unlock()
}

// Start запускает прием входящих запросов. Ошибка транспорта после
// успешного старта передается в OnDisconnect.
func (a *sipgoUA) Start(ctx context.Context) error {
	listenCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.listenCancel = cancel
	onConnect := a.onConnect
	a.mu.Unlock()

	go func() {
		err := a.srv.ListenAndServe(listenCtx, a.cfg.Transport, a.cfg.ListenAddr)
		if err != nil && listenCtx.Err() == nil {
			slog.Error("sip transport failed", slog.Any("error", err))
			a.mu.Lock()
			onDisconnect := a.onDisconnect
			a.mu.Unlock()
			if onDisconnect != nil {
				onDisconnect(err)
			}
		}
	}()

	slog.Debug("sip transport listening",
		slog.String("transport", a.cfg.Transport),
		slog.String("addr", a.cfg.ListenAddr))

	if onConnect != nil {
		onConnect()
	}
	return nil
}

func (a *sipgoUA) Stop(_ context.Context) error {
	a.mu.Lock()
	cancel := a.listenCancel
	a.listenCancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return a.ua.Close()
}

// Reconnect перезапускает транспорт после обрыва.
func (a *sipgoUA) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.listenCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return a.Start(ctx)
}

// makeRequest создает запрос от имени идентичности к recipient.
func (a *sipgoUA) makeRequest(method sip.RequestMethod, recipient sip.Uri) *sip.Request {
	req := sip.NewRequest(method, recipient)

	from := sip.FromHeader{
		DisplayName: a.id.DisplayName,
		Address:     sip.Uri{Scheme: "sip", User: a.id.Username, Host: a.id.Domain},
		Params:      sip.NewParams().Add("tag", sip.RandString(8)),
	}
	req.AppendHeader(&from)

	to := sip.ToHeader{Address: recipient}
	req.AppendHeader(&to)

	contact := sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: a.id.Username, Host: a.id.Domain},
	}
	req.AppendHeader(&contact)

	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: a.localCSeq.Add(1), MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	return req
}

// do отправляет запрос и возвращает итоговый (не 1xx) ответ.
// На 401/407 повторяет запрос с digest авторизацией.
func (a *sipgoUA) do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	resp, err := a.transact(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired {
		authed, err := a.withAuthorization(req, resp)
		if err != nil {
			return nil, err
		}
		return a.transact(ctx, authed, clientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
	}

	return resp, nil
}

// clientRequestIncreaseCSEQ повторяет sipgo.ClientRequestIncreaseCSEQ из
// sipgo v0.30+; в v0.29 такой опции нет.
func clientRequestIncreaseCSEQ(c *sipgo.Client, req *sip.Request) error {
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
		cseq.MethodName = req.Method
	}
	return nil
}

func (a *sipgoUA) transact(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	if len(opts) == 0 {
		opts = []sipgo.ClientRequestOption{sipgo.ClientRequestAddVia}
	}
	tx, err := a.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	return awaitFinal(ctx, tx)
}

// transactAsIs отправляет запрос без добавления Via. Используется для
// CANCEL, который обязан нести Via исходного INVITE.
func (a *sipgoUA) transactAsIs(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := a.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	return awaitFinal(ctx, tx)
}

func awaitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if txErr := tx.Err(); txErr != nil {
				return nil, errors.Wrap(txErr, "transaction failed")
			}
			return nil, errors.New("transaction terminated without final response")
		case resp := <-tx.Responses():
			if resp.IsProvisional() {
				continue
			}
			return resp, nil
		}
	}
}

// withAuthorization строит повтор запроса с digest ответом на challenge.
func (a *sipgoUA) withAuthorization(req *sip.Request, resp *sip.Response) (*sip.Request, error) {
	header := "WWW-Authenticate"
	authHeader := "Authorization"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		header = "Proxy-Authenticate"
		authHeader = "Proxy-Authorization"
	}

	challengeHeader := resp.GetHeader(header)
	if challengeHeader == nil {
		return nil, errors.New("authorization required but no challenge present")
	}

	chal, err := digest.ParseChallenge(challengeHeader.Value())
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse digest challenge")
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: a.id.Username,
		Password: a.id.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute digest response")
	}

	retry := req.Clone()
	retry.RemoveHeader("Via")
	retry.AppendHeader(sip.NewHeader(authHeader, cred.String()))
	return retry, nil
}

// NewInviter создает исходящую сессию. INVITE отправляется вызовом Invite.
func (a *sipgoUA) NewInviter(target string, opts InviteOptions) (Session, error) {
	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return nil, errors.Wrap(err, "failed to parse target uri")
	}

	req := a.makeRequest(sip.INVITE, targetURI)
	for name, value := range opts.ExtraHeaders {
		req.AppendHeader(sip.NewHeader(name, value))
	}

	sess := &sipgoSession{
		agent:     a,
		inbound:   false,
		inviteReq: req,
		callID:    req.CallID().Value(),
		remoteURI: targetURI,
	}
	a.registerSession(sess)
	return sess, nil
}

func (a *sipgoUA) registerSession(s *sipgoSession) {
	a.mu.Lock()
	a.sessions[s.callID] = s
	a.mu.Unlock()
}

func (a *sipgoUA) unregisterSession(callID string) {
	a.mu.Lock()
	delete(a.sessions, callID)
	a.mu.Unlock()
}

func (a *sipgoUA) sessionByRequest(req *sip.Request) (*sipgoSession, bool) {
	callID := req.CallID()
	if callID == nil {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[callID.Value()]
	return s, ok
}

func (a *sipgoUA) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("failed to reject invite", slog.Any("error", err))
		}
		return
	}

	sess := &sipgoSession{
		agent:     a,
		inbound:   true,
		inviteReq: req,
		serverTx:  tx,
		callID:    callID.Value(),
		remoteURI: req.From().Address,
	}
	a.registerSession(sess)

	// 180 Ringing до решения приложения
	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		slog.Debug("failed to send ringing", slog.Any("error", err))
	}

	a.mu.Lock()
	onInvite := a.onInvite
	a.mu.Unlock()

	if onInvite != nil {
		onInvite(sess)
	}
}

func (a *sipgoUA) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	if sess, ok := a.sessionByRequest(req); ok {
		sess.setState(Established)
	}
}

func (a *sipgoUA) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Debug("failed to answer bye", slog.Any("error", err))
	}

	if sess, ok := a.sessionByRequest(req); ok {
		a.unregisterSession(sess.callID)
		sess.setState(SessionTerminated)
	}
}

func (a *sipgoUA) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Debug("failed to answer cancel", slog.Any("error", err))
	}

	if sess, ok := a.sessionByRequest(req); ok {
		a.unregisterSession(sess.callID)
		sess.setState(SessionTerminated)
	}
}

// toResponse переводит sipgo ответ в транспортно-независимую форму.
func toResponse(resp *sip.Response) *Response {
	headers := make(map[string]string)
	for _, h := range resp.Headers() {
		headers[h.Name()] = h.Value()
	}
	callID := ""
	if h := resp.CallID(); h != nil {
		callID = h.Value()
	}
	return NewResponse(int(resp.StatusCode), resp.Reason, callID, headers)
}
