package signaling

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// sipgoSession - один SIP диалог поверх sipgo.
// Реализует Session для исходящего направления и Invitation для входящего.
type sipgoSession struct {
	agent   *sipgoUA
	inbound bool

	inviteReq *sip.Request
	serverTx  sip.ServerTransaction

	callID    string
	remoteURI sip.Uri

	mu        sync.Mutex
	remoteTag string
	inviteOk  *sip.Response
	state     SessionState
	onState   func(SessionState)
}

var _ Session = (*sipgoSession)(nil)
var _ Invitation = (*sipgoSession)(nil)

func (s *sipgoSession) CallID() string { return s.callID }

func (s *sipgoSession) RemoteURI() string { return s.remoteURI.String() }

// RemoteUser возвращает user часть URI удаленной стороны.
func (s *sipgoSession) RemoteUser() string { return s.remoteURI.User }

// RemoteDisplayName возвращает display name из From входящего INVITE.
func (s *sipgoSession) RemoteDisplayName() string {
	if s.inviteReq == nil {
		return ""
	}
	if from := s.inviteReq.From(); from != nil {
		return from.DisplayName
	}
	return ""
}

// Header возвращает значение заголовка входящего INVITE.
func (s *sipgoSession) Header(name string) string {
	if s.inviteReq == nil {
		return ""
	}
	if h := s.inviteReq.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

func (s *sipgoSession) OnStateChange(fn func(SessionState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *sipgoSession) setState(state SessionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	fn := s.onState
	s.mu.Unlock()

	slog.Debug("session state changed",
		slog.String("callID", s.callID),
		slog.String("state", string(state)))

	if fn != nil {
		fn(state)
	}
}

// Invite отправляет INVITE и следит за ответами транзакции.
// Колбэки делегата вызываются независимо от уведомлений о состоянии.
func (s *sipgoSession) Invite(ctx context.Context, delegate *RequestDelegate) error {
	if s.inbound {
		return errors.New("invite is valid for outbound sessions only")
	}

	tx, err := s.agent.client.TransactionRequest(ctx, s.inviteReq, sipgo.ClientRequestAddVia)
	if err != nil {
		return errors.Wrap(err, "failed to send INVITE")
	}

	s.setState(Establishing)

	go s.watchInvite(ctx, tx, delegate)
	return nil
}

func (s *sipgoSession) watchInvite(ctx context.Context, tx sip.ClientTransaction, delegate *RequestDelegate) {
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tx.Done():
			return
		case resp := <-tx.Responses():
			if s.handleInviteResponse(resp, delegate) {
				return
			}
		}
	}
}

// handleInviteResponse обрабатывает один ответ INVITE транзакции.
// Возвращает true, когда получен итоговый ответ.
func (s *sipgoSession) handleInviteResponse(resp *sip.Response, delegate *RequestDelegate) bool {
	r := toResponse(resp)

	switch {
	case resp.StatusCode == sip.StatusTrying:
		if delegate != nil && delegate.OnTrying != nil {
			delegate.OnTrying(r)
		}
		return false

	case resp.IsProvisional():
		if delegate != nil && delegate.OnProgress != nil {
			delegate.OnProgress(r)
		}
		return false

	case resp.IsSuccess():
		s.mu.Lock()
		s.inviteOk = resp
		if to := resp.To(); to != nil && to.Params != nil {
			if tag, ok := to.Params.Get("tag"); ok {
				s.remoteTag = tag
			}
		}
		s.mu.Unlock()

		// Подтверждаем диалог до уведомлений
		ack := s.makeAck(resp)
		if err := s.agent.client.WriteRequest(ack); err != nil {
			slog.Error("failed to send ACK", slog.Any("error", err))
		}

		if delegate != nil && delegate.OnAccept != nil {
			delegate.OnAccept(r)
		}
		s.setState(Established)
		return true

	default:
		if delegate != nil && delegate.OnReject != nil {
			delegate.OnReject(r)
		}
		s.agent.unregisterSession(s.callID)
		s.setState(SessionTerminated)
		return true
	}
}

// Accept принимает входящий вызов. Захват звука всегда audio-only;
// конкретное устройство остается на медиа слое.
func (s *sipgoSession) Accept(_ context.Context, _ AcceptOptions) error {
	if !s.inbound {
		return errors.New("accept is valid for inbound sessions only")
	}

	resp := sip.NewResponseFromRequest(s.inviteReq, sip.StatusOK, "OK", nil)
	contact := sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: s.agent.id.Username, Host: s.agent.id.Domain},
	}
	resp.AppendHeader(&contact)

	if err := s.serverTx.Respond(resp); err != nil {
		return errors.Wrap(err, "failed to accept invitation")
	}

	// Established наступит по приему ACK (handleAck)
	return nil
}

// Reject отклоняет входящий вызов.
func (s *sipgoSession) Reject(_ context.Context, code int, reason string) error {
	if !s.inbound {
		return errors.New("reject is valid for inbound sessions only")
	}

	resp := sip.NewResponseFromRequest(s.inviteReq, sip.StatusCode(code), reason, nil)
	if err := s.serverTx.Respond(resp); err != nil {
		return errors.Wrap(err, "failed to reject invitation")
	}

	s.agent.unregisterSession(s.callID)
	s.setState(SessionTerminated)
	return nil
}

// Cancel отменяет неустановленный исходящий вызов.
func (s *sipgoSession) Cancel(ctx context.Context) error {
	if s.inbound {
		return errors.New("cancel is valid for outbound sessions only")
	}

	if _, err := s.agent.transactAsIs(ctx, s.makeCancel()); err != nil {
		return errors.Wrap(err, "failed to send CANCEL")
	}

	s.agent.unregisterSession(s.callID)
	s.setState(SessionTerminated)
	return nil
}

// makeAck создает ACK на 2xx ответ INVITE: Request-URI исходного
// INVITE, To из ответа (с remote tag), CSeq с номером INVITE.
func (s *sipgoSession) makeAck(resp *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, s.inviteReq.Recipient)
	ack.AppendHeader(s.inviteReq.From())
	if to := resp.To(); to != nil {
		ack.AppendHeader(to)
	}
	callID := sip.CallIDHeader(s.callID)
	ack.AppendHeader(&callID)
	if cseq := s.inviteReq.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	return ack
}

// makeCancel создает CANCEL неотвеченного INVITE: Via, From, To и
// Call-ID исходного запроса, CSeq с тем же номером и методом CANCEL
// (RFC 3261 9.1).
func (s *sipgoSession) makeCancel() *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, s.inviteReq.Recipient)
	sip.CopyHeaders("Via", s.inviteReq, cancel)
	sip.CopyHeaders("From", s.inviteReq, cancel)
	sip.CopyHeaders("To", s.inviteReq, cancel)
	sip.CopyHeaders("Call-ID", s.inviteReq, cancel)
	if cseq := s.inviteReq.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxForwards := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxForwards)
	return cancel
}

// makeInDialogRequest создает запрос в рамках установленного диалога.
func (s *sipgoSession) makeInDialogRequest(method sip.RequestMethod) *sip.Request {
	var recipient sip.Uri
	var from *sip.FromHeader
	var to *sip.ToHeader

	if s.inbound {
		// Для UAS локальная сторона - To входящего INVITE
		recipient = s.inviteReq.From().Address
		from = &sip.FromHeader{
			Address: s.inviteReq.To().Address,
			Params:  s.inviteReq.To().Params,
		}
		to = &sip.ToHeader{
			Address: s.inviteReq.From().Address,
			Params:  s.inviteReq.From().Params,
		}
	} else {
		recipient = s.remoteURI
		s.mu.Lock()
		if s.inviteOk != nil {
			if contact := s.inviteOk.Contact(); contact != nil {
				recipient = contact.Address
			}
		}
		s.mu.Unlock()

		from = &sip.FromHeader{
			Address: s.inviteReq.From().Address,
			Params:  s.inviteReq.From().Params,
		}
		to = &sip.ToHeader{Address: s.remoteURI, Params: sip.NewParams()}
		s.mu.Lock()
		if s.remoteTag != "" {
			to.Params = sip.NewParams().Add("tag", s.remoteTag)
		}
		s.mu.Unlock()
	}

	req := sip.NewRequest(method, recipient)
	req.AppendHeader(from)
	req.AppendHeader(to)
	callID := sip.CallIDHeader(s.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.agent.localCSeq.Add(1), MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	return req
}

// Bye завершает установленный диалог.
func (s *sipgoSession) Bye(ctx context.Context) error {
	req := s.makeInDialogRequest(sip.BYE)
	if _, err := s.agent.transact(ctx, req); err != nil {
		return errors.Wrap(err, "failed to send BYE")
	}

	s.agent.unregisterSession(s.callID)
	s.setState(SessionTerminated)
	return nil
}

// Refer инициирует перевод вызова. Ответ транзакции передается делегату:
// 202 Accepted - перевод принят сервером, иначе отклонен.
func (s *sipgoSession) Refer(ctx context.Context, target string, opts ReferOptions) error {
	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return errors.Wrap(err, "failed to parse refer target")
	}

	req := s.makeInDialogRequest(sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", targetURI.String()))
	req.AppendHeader(sip.NewHeader("Referred-By", s.inviteReq.From().Address.String()))
	for name, value := range opts.ExtraHeaders {
		req.AppendHeader(sip.NewHeader(name, value))
	}

	resp, err := s.agent.transact(ctx, req)
	if err != nil {
		return errors.Wrap(err, "failed to send REFER")
	}

	r := toResponse(resp)
	if resp.StatusCode == sip.StatusAccepted {
		if opts.Delegate != nil && opts.Delegate.OnAccept != nil {
			opts.Delegate.OnAccept(r)
		}
		return nil
	}

	if opts.Delegate != nil && opts.Delegate.OnReject != nil {
		opts.Delegate.OnReject(r)
	}
	return nil
}

// Info отправляет INFO сообщение в рамках диалога (DTMF).
func (s *sipgoSession) Info(ctx context.Context, contentType string, body []byte) error {
	req := s.makeInDialogRequest(sip.INFO)
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	req.SetBody(body)

	resp, err := s.agent.transact(ctx, req)
	if err != nil {
		return errors.Wrap(err, "failed to send INFO")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("INFO rejected with status %d", resp.StatusCode)
	}
	return nil
}
