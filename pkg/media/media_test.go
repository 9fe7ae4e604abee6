package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokyapp/toky-phone-go-sdk/pkg/storage"
)

type fakeEnumerator struct {
	devices []Device
	err     error
}

func (f *fakeEnumerator) Enumerate(_ context.Context) ([]Device, error) {
	return f.devices, f.err
}

func testDevices() []Device {
	return []Device{
		{ID: "default", Name: "Default Mic", Kind: KindInput},
		{ID: "mic-17", Name: "USB Mic", Kind: KindInput},
		{ID: "spk-2", Name: "Speakers", Kind: KindOutput},
	}
}

func TestRefreshGrantsPermissions(t *testing.T) {
	enum := &fakeEnumerator{devices: testDevices()}
	d := NewDevices(enum, storage.NewMemoryStore())

	var statuses []Status
	d.OnStatus(func(s Status) { statuses = append(statuses, s) })

	require.NoError(t, d.Refresh(context.Background()))
	assert.True(t, d.HasMediaPermissions())
	assert.Equal(t, []Status{StatusPermissionGranted, StatusReady}, statuses)

	// Повторное перечисление без изменений не должно эмитить Updated
	statuses = nil
	require.NoError(t, d.Refresh(context.Background()))
	assert.Empty(t, statuses)
}

func TestRefreshRevokedPermission(t *testing.T) {
	// Устройство без имени - признак отсутствия разрешения
	enum := &fakeEnumerator{devices: []Device{{ID: "default", Kind: KindInput}}}
	d := NewDevices(enum, storage.NewMemoryStore())

	var statuses []Status
	d.OnStatus(func(s Status) { statuses = append(statuses, s) })

	require.NoError(t, d.Refresh(context.Background()))
	assert.False(t, d.HasMediaPermissions())
	assert.Equal(t, []Status{StatusPermissionRevoked}, statuses)
}

func TestDeviceChangeEmitsUpdated(t *testing.T) {
	enum := &fakeEnumerator{devices: testDevices()}
	d := NewDevices(enum, storage.NewMemoryStore())
	require.NoError(t, d.Refresh(context.Background()))

	var statuses []Status
	d.OnStatus(func(s Status) { statuses = append(statuses, s) })

	enum.devices = append(testDevices(), Device{ID: "hs-1", Name: "Headset", Kind: KindOutput})
	require.NoError(t, d.Refresh(context.Background()))
	assert.Equal(t, []Status{StatusUpdated}, statuses)
}

func TestSetInputPersistsAndOrders(t *testing.T) {
	store := storage.NewMemoryStore()
	d := NewDevices(&fakeEnumerator{devices: testDevices()}, store)
	require.NoError(t, d.Refresh(context.Background()))

	assert.ErrorIs(t, d.SetInput("nope"), ErrUnknownDevice)
	require.NoError(t, d.SetInput("mic-17"))

	v, ok, err := store.Get(storage.KeyDefaultInput)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mic-17", string(v))

	inputs := d.Inputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, "mic-17", inputs[0].ID, "selected input should be first")

	sel, ok := d.SelectedInput()
	require.True(t, ok)
	assert.Equal(t, "USB Mic", sel.Name)
}

func TestDTMFFrames(t *testing.T) {
	g := NewToneGenerator()

	frames, err := g.DTMFFrames('5', 160*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, frames, 8, "160ms at 20ms per frame")
	assert.True(t, frames[0].Marker, "first frame carries the marker bit")
	assert.False(t, frames[1].Marker)
	assert.Equal(t, frames[0].Timestamp+samplesPerFrame, frames[1].Timestamp)
	assert.Equal(t, uint8(payloadTypePCMU), frames[0].PayloadType)

	_, err = g.DTMFFrames('x', 160*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnsupportedTone)

	// Пауза набора дает тишину, не ошибку
	pause, err := g.DTMFFrames(',', 40*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, pause, 2)
}

func TestPlayDTMF(t *testing.T) {
	g := NewToneGenerator()
	p := &memoryPlayer{}

	require.NoError(t, g.PlayDTMF(p, '7', 100*time.Millisecond))
	assert.True(t, p.playing)
	assert.Len(t, p.packets, 5)
}

func TestSourceDetach(t *testing.T) {
	src := NewNullSource()
	require.NoError(t, src.Ring.Play())
	require.NoError(t, src.Remote.Play())

	src.Detach()
	assert.False(t, src.Ring.(*NullPlayer).Playing())
	assert.False(t, src.Remote.(*NullPlayer).Playing())

	// Повторный Detach безопасен
	src.Detach()
}
