package media

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pktSeq(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

func TestJitterPlayerReordersFrames(t *testing.T) {
	sink := &memoryPlayer{}
	jp := NewJitterPlayer(sink, JitterConfig{Depth: 2})

	for _, seq := range []uint16{3, 1, 2, 4, 5, 6} {
		require.NoError(t, jp.WriteRTP(pktSeq(seq)))
	}

	var got []uint16
	sink.mu.Lock()
	for _, p := range sink.packets {
		got = append(got, p.SequenceNumber)
	}
	sink.mu.Unlock()
	assert.Equal(t, []uint16{1, 2, 3, 4}, got)
}

func TestJitterPlayerDropsLateFrames(t *testing.T) {
	sink := &memoryPlayer{}
	jp := NewJitterPlayer(sink, JitterConfig{Depth: 1})

	for _, seq := range []uint16{1, 2, 3, 4} {
		require.NoError(t, jp.WriteRTP(pktSeq(seq)))
	}
	// Кадр 1 уже воспроизведен, повторная доставка отбрасывается
	require.NoError(t, jp.WriteRTP(pktSeq(1)))

	received, dropped := jp.Stats()
	assert.Equal(t, uint64(5), received)
	assert.Equal(t, uint64(1), dropped)
}

func TestJitterPlayerDropsDuplicateOfLastFrame(t *testing.T) {
	sink := &memoryPlayer{}
	jp := NewJitterPlayer(sink, JitterConfig{Depth: 1})

	require.NoError(t, jp.WriteRTP(pktSeq(1)))
	require.NoError(t, jp.WriteRTP(pktSeq(2)))
	require.NoError(t, jp.WriteRTP(pktSeq(1)))

	var got []uint16
	sink.mu.Lock()
	for _, p := range sink.packets {
		got = append(got, p.SequenceNumber)
	}
	sink.mu.Unlock()
	assert.Equal(t, []uint16{1}, got)

	_, dropped := jp.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestJitterPlayerSequenceWraparound(t *testing.T) {
	sink := &memoryPlayer{}
	jp := NewJitterPlayer(sink, JitterConfig{Depth: 2})

	for _, seq := range []uint16{65534, 65535, 0, 1, 2} {
		require.NoError(t, jp.WriteRTP(pktSeq(seq)))
	}

	var got []uint16
	sink.mu.Lock()
	for _, p := range sink.packets {
		got = append(got, p.SequenceNumber)
	}
	sink.mu.Unlock()
	assert.Equal(t, []uint16{65534, 65535, 0}, got)
}

func TestJitterPlayerStopResetsBuffer(t *testing.T) {
	sink := &memoryPlayer{}
	jp := NewJitterPlayer(sink, JitterConfig{Depth: 4})

	require.NoError(t, jp.Play())
	require.NoError(t, jp.WriteRTP(pktSeq(10)))
	require.NoError(t, jp.Stop())
	assert.False(t, sink.playing)

	// После Stop буфер пуст, нумерация начинается заново
	for _, seq := range []uint16{1, 2, 3, 4, 5, 6} {
		require.NoError(t, jp.WriteRTP(pktSeq(seq)))
	}
	sink.mu.Lock()
	n := len(sink.packets)
	sink.mu.Unlock()
	assert.Equal(t, 2, n)
}
