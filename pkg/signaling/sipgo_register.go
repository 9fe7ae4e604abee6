package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// sipgoRegisterer поддерживает регистрацию на SIP сервере и обновляет
// ее до истечения expires.
type sipgoRegisterer struct {
	agent *sipgoUA

	mu          sync.Mutex
	state       RegistrationState
	onState     func(RegistrationState)
	refreshStop context.CancelFunc
}

var _ Registerer = (*sipgoRegisterer)(nil)

func (r *sipgoRegisterer) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *sipgoRegisterer) OnStateChange(fn func(RegistrationState)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

func (r *sipgoRegisterer) setState(state RegistrationState) {
	r.mu.Lock()
	if r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	fn := r.onState
	r.mu.Unlock()

	slog.Debug("registration state changed", slog.String("state", string(state)))

	if fn != nil {
		fn(state)
	}
}

func (r *sipgoRegisterer) makeRegister(expires int) *sip.Request {
	req := r.agent.makeRequest(sip.REGISTER, r.agent.serverURI)
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
	return req
}

// Register отправляет REGISTER и при успехе запускает периодическое
// обновление регистрации.
func (r *sipgoRegisterer) Register(ctx context.Context) error {
	r.setState(Registering)

	expires := r.agent.cfg.RegisterExpires
	resp, err := r.agent.do(ctx, r.makeRegister(expires))
	if err != nil {
		r.setState(Unregistered)
		return errors.Wrap(err, "failed to register")
	}
	if !resp.IsSuccess() {
		r.setState(Unregistered)
		return errors.Errorf("registration rejected with status %d", resp.StatusCode)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.refreshStop != nil {
		r.refreshStop()
	}
	r.refreshStop = cancel
	r.mu.Unlock()

	go r.refreshLoop(refreshCtx, expires)

	r.setState(Registered)
	return nil
}

// refreshLoop обновляет регистрацию на половине интервала expires.
func (r *sipgoRegisterer) refreshLoop(ctx context.Context, expires int) {
	interval := time.Duration(expires) * time.Second / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := r.agent.do(ctx, r.makeRegister(expires))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("registration refresh failed", slog.Any("error", err))
				r.setState(Unregistered)
				return
			}
			if !resp.IsSuccess() {
				slog.Error("registration refresh rejected",
					slog.Int("status", int(resp.StatusCode)))
				r.setState(Unregistered)
				return
			}
			slog.Debug("registration refreshed")
		}
	}
}

// Unregister снимает регистрацию (REGISTER с Expires: 0).
func (r *sipgoRegisterer) Unregister(ctx context.Context) error {
	r.mu.Lock()
	if r.refreshStop != nil {
		r.refreshStop()
		r.refreshStop = nil
	}
	r.mu.Unlock()

	resp, err := r.agent.do(ctx, r.makeRegister(0))
	if err != nil {
		return errors.Wrap(err, "failed to unregister")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("unregister rejected with status %d", resp.StatusCode)
	}

	r.setState(Terminated)
	return nil
}
