package media

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/tokyapp/toky-phone-go-sdk/pkg/storage"
)

// Kind - вид аудио устройства.
type Kind string

const (
	KindInput  Kind = "audioinput"
	KindOutput Kind = "audiooutput"
)

// Device - аудио устройство.
type Device struct {
	ID   string
	Name string
	Kind Kind
}

// Status - статус медиа подсистемы, передаваемый приложению.
type Status string

const (
	StatusReady             Status = "ready"
	StatusUpdated           Status = "updated"
	StatusError             Status = "error"
	StatusPermissionGranted Status = "permission_granted"
	StatusPermissionRevoked Status = "permission_revoked"
	StatusInputUpdated      Status = "input_updated"
	StatusOutputUpdated     Status = "output_updated"
)

// Enumerator - внешний коллаборатор, перечисляющий устройства.
// Устройство без имени означает, что разрешение на доступ не выдано.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Device, error)
}

// ErrUnknownDevice возвращается при выборе несуществующего устройства.
var ErrUnknownDevice = errors.New("media: unknown device id")

// Devices - реестр аудио устройств с сохранением выбора в хранилище.
// Потокобезопасен.
type Devices struct {
	enum  Enumerator
	store storage.Store

	mu             sync.RWMutex
	list           []Device
	hasPermissions bool
	onStatus       func(Status)
}

// NewDevices создает реестр устройств поверх внешнего перечислителя.
func NewDevices(enum Enumerator, store storage.Store) *Devices {
	return &Devices{enum: enum, store: store}
}

// OnStatus регистрирует обработчик статусов медиа подсистемы.
func (d *Devices) OnStatus(fn func(Status)) {
	d.mu.Lock()
	d.onStatus = fn
	d.mu.Unlock()
}

func (d *Devices) emit(s Status) {
	d.mu.RLock()
	fn := d.onStatus
	d.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// Refresh перечисляет устройства и обновляет состояние реестра.
//
// Пустое имя у первого устройства трактуется как отозванное разрешение -
// признак, который перечисление устройств дает без отдельного запроса.
func (d *Devices) Refresh(ctx context.Context) error {
	devices, err := d.enum.Enumerate(ctx)
	if err != nil {
		d.emit(StatusError)
		return errors.Wrap(err, "failed to enumerate devices")
	}

	if len(devices) == 0 || devices[0].Name == "" {
		d.mu.Lock()
		d.hasPermissions = false
		d.mu.Unlock()
		d.emit(StatusPermissionRevoked)
		return nil
	}

	changed := d.replaceList(devices)

	d.mu.Lock()
	first := !d.hasPermissions
	d.hasPermissions = true
	d.mu.Unlock()

	if first {
		d.emit(StatusPermissionGranted)
		d.emit(StatusReady)
	} else if changed {
		// ondevicechange может срабатывать дважды на одно событие,
		// поэтому сравниваем множества идентификаторов
		d.emit(StatusUpdated)
	}

	slog.Debug("media devices refreshed", slog.Int("count", len(devices)))
	return nil
}

// replaceList заменяет список устройств, возвращает true при изменении
// множества идентификаторов.
func (d *Devices) replaceList(devices []Device) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	oldIDs := make(map[string]struct{}, len(d.list))
	for _, dev := range d.list {
		oldIDs[dev.ID] = struct{}{}
	}

	changed := len(devices) != len(d.list)
	for _, dev := range devices {
		if _, ok := oldIDs[dev.ID]; !ok {
			changed = true
		}
	}

	d.list = devices
	return changed
}

// HasMediaPermissions сообщает, выдано ли разрешение на доступ к устройствам.
func (d *Devices) HasMediaPermissions() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hasPermissions
}

func (d *Devices) byKind(kind Kind) []Device {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Device
	for _, dev := range d.list {
		if dev.Kind == kind {
			out = append(out, dev)
		}
	}
	return out
}

// selectedFirst ставит выбранное устройство первым в списке.
func selectedFirst(devices []Device, selectedID string) []Device {
	if selectedID == "" {
		return devices
	}
	out := make([]Device, 0, len(devices))
	for _, dev := range devices {
		if dev.ID == selectedID {
			out = append(out, dev)
		}
	}
	for _, dev := range devices {
		if dev.ID != selectedID {
			out = append(out, dev)
		}
	}
	return out
}

// Inputs возвращает устройства ввода, выбранное - первым.
func (d *Devices) Inputs() []Device {
	id, _ := d.storedID(storage.KeyDefaultInput)
	return selectedFirst(d.byKind(KindInput), id)
}

// Outputs возвращает устройства вывода, выбранное - первым.
func (d *Devices) Outputs() []Device {
	id, _ := d.storedID(storage.KeyDefaultOutput)
	return selectedFirst(d.byKind(KindOutput), id)
}

func (d *Devices) storedID(key string) (string, bool) {
	if d.store == nil {
		return "", false
	}
	v, ok, err := d.store.Get(key)
	if err != nil || !ok {
		return "", false
	}
	return string(v), true
}

func (d *Devices) exists(id string, kind Kind) bool {
	for _, dev := range d.byKind(kind) {
		if dev.ID == id {
			return true
		}
	}
	return false
}

// SetInput выбирает устройство ввода и запоминает выбор.
func (d *Devices) SetInput(id string) error {
	if !d.exists(id, KindInput) {
		return ErrUnknownDevice
	}
	if err := d.store.Set(storage.KeyDefaultInput, []byte(id)); err != nil {
		return errors.Wrap(err, "failed to persist input device")
	}
	d.emit(StatusInputUpdated)
	return nil
}

// SetOutput выбирает устройство вывода и запоминает выбор.
func (d *Devices) SetOutput(id string) error {
	if !d.exists(id, KindOutput) {
		return ErrUnknownDevice
	}
	if err := d.store.Set(storage.KeyDefaultOutput, []byte(id)); err != nil {
		return errors.Wrap(err, "failed to persist output device")
	}
	d.emit(StatusOutputUpdated)
	return nil
}

// SelectedInput возвращает запомненное устройство ввода, если оно
// присутствует в текущем списке.
func (d *Devices) SelectedInput() (Device, bool) {
	id, ok := d.storedID(storage.KeyDefaultInput)
	if !ok {
		return Device{}, false
	}
	for _, dev := range d.byKind(KindInput) {
		if dev.ID == id {
			return dev, true
		}
	}
	return Device{}, false
}

// SelectedInputID возвращает запомненный идентификатор устройства ввода
// без проверки наличия устройства (для ограничений захвата звука).
func (d *Devices) SelectedInputID() string {
	id, _ := d.storedID(storage.KeyDefaultInput)
	return id
}
