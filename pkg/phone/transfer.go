package phone

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tokyapp/toky-phone-go-sdk/pkg/eventchannel"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/gateway"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/storage"
)

// TransferType - вид перевода вызова.
type TransferType string

const (
	// TransferBlind - слепой перевод, исходная сессия завершается сразу
	TransferBlind TransferType = "blind"
	// TransferWarm - консультативный перевод с подтверждением через push канал
	TransferWarm TransferType = "warm"
)

// TransferOption - тип цели перевода.
type TransferOption string

const (
	TransferToAgent  TransferOption = "agent"
	TransferToGroup  TransferOption = "group"
	TransferToNumber TransferOption = "number"
)

// TransferStatus - шаг протокола консультативного перевода.
// Статусы продвигаются строго по лестнице:
// REFER -> INVITE -> ANSWERED -> {COMPLETED | NOT_COMPLETED}, либо
// INVITE -> NOT_ANSWERED при отказе целевого агента.
type TransferStatus string

const (
	TransferStatusRefer        TransferStatus = "REFER"
	TransferStatusInvite       TransferStatus = "INVITE"
	TransferStatusAnswered     TransferStatus = "ANSWERED"
	TransferStatusNotAnswered  TransferStatus = "NOT_ANSWERED"
	TransferStatusCompleted    TransferStatus = "COMPLETED"
	TransferStatusNotCompleted TransferStatus = "NOT_COMPLETED"
)

// TransferContext - запись корреляции консультативного перевода.
// Переживает границу разрушения исходной сессии: REFER принят - диалог
// завершается, а подтверждения приходят позже через push канал.
type TransferContext struct {
	// ParentCallID - идентификатор исходного вызова (родитель в CDR)
	ParentCallID string `json:"call_id"`
	// Status - текущий шаг протокола
	Status TransferStatus `json:"transfer_status"`
	// Muted - флаг mute, переносимый на новое плечо вызова
	Muted bool `json:"muted"`
	// Option - тип цели перевода
	Option TransferOption `json:"option"`
	// StartedAt - момент принятия REFER
	StartedAt time.Time `json:"started_at"`
}

// cdrFetcher - доступ координатора к записям о вызовах.
type cdrFetcher interface {
	CallDetails(ctx context.Context, callID string) (*gateway.CDR, error)
	CancelTransfer(ctx context.Context, callID string) error
}

// ErrNoTransferContext - операция требует сохраненного контекста перевода.
var ErrNoTransferContext = errors.New("there is no available transfer data")

// TransferCoordinator коррелирует push события канала с сохраненным
// контекстом перевода и продвигает его статус ровно один раз на шаг.
// Повторные и внеочередные доставки не вызывают повторных эмиссий.
type TransferCoordinator struct {
	store   storage.Store
	cdr     cdrFetcher
	emitter *Emitter

	mu sync.Mutex
}

// NewTransferCoordinator создает координатор поверх хранилища контекста.
func NewTransferCoordinator(store storage.Store, cdr cdrFetcher, emitter *Emitter) *TransferCoordinator {
	return &TransferCoordinator{store: store, cdr: cdr, emitter: emitter}
}

// Begin сохраняет контекст принятого REFER. Единственный писатель слота:
// параллельные консультативные переводы не поддерживаются.
func (t *TransferCoordinator) Begin(tc TransferContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tc.Status == "" {
		tc.Status = TransferStatusRefer
	}
	return t.save(tc)
}

// Load возвращает сохраненный контекст перевода, если он есть.
func (t *TransferCoordinator) Load() (*TransferContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load()
}

// Clear удаляет контекст перевода.
func (t *TransferCoordinator) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.Remove(storage.KeyWarmTransferData)
}

func (t *TransferCoordinator) load() (*TransferContext, error) {
	raw, ok, err := t.store.Get(storage.KeyWarmTransferData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read transfer context")
	}
	if !ok {
		return nil, nil
	}
	var tc TransferContext
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil, errors.Wrap(err, "failed to decode transfer context")
	}
	return &tc, nil
}

func (t *TransferCoordinator) save(tc TransferContext) error {
	raw, err := json.Marshal(tc)
	if err != nil {
		return errors.Wrap(err, "failed to encode transfer context")
	}
	return t.store.Set(storage.KeyWarmTransferData, raw)
}

// Cancel отменяет консультативный перевод через шлюз.
func (t *TransferCoordinator) Cancel(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tc, err := t.load()
	if err != nil {
		return err
	}
	if tc == nil || tc.ParentCallID == "" {
		return ErrNoTransferContext
	}

	if err := t.cdr.CancelTransfer(ctx, tc.ParentCallID); err != nil {
		return errors.Wrap(err, "failed to cancel transfer")
	}

	if err := t.store.Remove(storage.KeyWarmTransferData); err != nil {
		slog.Warn("failed to drop transfer context", slog.Any("error", err))
	}

	t.emitter.emit(TransferEvent{
		Status:       EventTransferWarmCanceled,
		CallID:       tc.ParentCallID,
		TransferType: TransferWarm,
	})
	return nil
}

// HandleCallEvent обрабатывает push событие канала. Продвижение статуса
// требует двух проверок: CDR вызова события ссылается на сохраненный
// родительский вызов, и текущий статус - ожидаемый предшественник шага.
func (t *TransferCoordinator) HandleCallEvent(ctx context.Context, ev eventchannel.CallEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tc, err := t.load()
	if err != nil {
		return err
	}
	if tc == nil {
		return nil
	}

	cdr, err := t.cdr.CallDetails(ctx, ev.CallID)
	if err != nil {
		return errors.Wrap(err, "failed to fetch call details")
	}
	if cdr.ParentCallID() != tc.ParentCallID {
		slog.Debug("call event does not correlate with transfer context",
			slog.String("callID", ev.CallID))
		return nil
	}

	next, emit, terminal := transferStep(tc.Status, ev.Type)
	if next == "" {
		slog.Debug("call event ignored at current transfer status",
			slog.String("event", string(ev.Type)),
			slog.String("status", string(tc.Status)))
		return nil
	}

	if terminal {
		if err := t.store.Remove(storage.KeyWarmTransferData); err != nil {
			slog.Warn("failed to drop transfer context", slog.Any("error", err))
		}
	} else {
		tc.Status = next
		if err := t.save(*tc); err != nil {
			return err
		}
	}

	if emit != "" {
		t.emitter.emit(TransferEvent{
			Status:       emit,
			CallID:       tc.ParentCallID,
			TransferType: TransferWarm,
		})
	}
	return nil
}

// transferStep возвращает следующий статус лестницы для пары
// (текущий статус, тип push события), событие для эмиссии и признак
// терминального шага. Пустой next означает игнорирование.
func transferStep(current TransferStatus, event eventchannel.EventType) (next TransferStatus, emit EventKind, terminal bool) {
	switch event {
	case eventchannel.TransferUpdate:
		switch current {
		case TransferStatusRefer:
			return TransferStatusInvite, "", false
		case TransferStatusInvite:
			return TransferStatusAnswered, EventTransferWarmAnswered, false
		}
	case eventchannel.TransferSuccess:
		if current == TransferStatusAnswered {
			return TransferStatusCompleted, EventTransferWarmCompleted, true
		}
	case eventchannel.TransferFailure:
		switch current {
		case TransferStatusInvite, TransferStatusRefer:
			return TransferStatusNotAnswered, EventTransferWarmNotAnswered, true
		case TransferStatusAnswered:
			return TransferStatusNotCompleted, EventTransferWarmNotCompleted, true
		}
	}
	return "", "", false
}
