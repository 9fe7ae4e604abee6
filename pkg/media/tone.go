package media

import (
	"math"
	"math/rand"
	"time"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// Параметры PCMU потока тонов.
const (
	toneSampleRate  = 8000
	toneFrameMs     = 20
	samplesPerFrame = toneSampleRate * toneFrameMs / 1000
	payloadTypePCMU = 0
)

// dtmfTone - пара частот DTMF сигнала.
type dtmfTone struct {
	low  float64
	high float64
}

// Таблица частот DTMF (ITU-T Q.23).
var dtmfTones = map[rune]dtmfTone{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477}, 'A': {697, 1633},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477}, 'B': {770, 1633},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477}, 'C': {852, 1633},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477}, 'D': {941, 1633},
}

// ErrUnsupportedTone возвращается для символов вне таблицы DTMF.
var ErrUnsupportedTone = errors.New("media: unsupported tone")

// ToneGenerator генерирует тоновые RTP PCMU кадры: локальную индикацию
// DTMF и ringback для исходящего вызова.
//
// Не потокобезопасен: генератором владеет одна сессия.
type ToneGenerator struct {
	ssrc      uint32
	seq       uint16
	timestamp uint32
}

// NewToneGenerator создает генератор со случайным SSRC.
func NewToneGenerator() *ToneGenerator {
	return &ToneGenerator{
		ssrc:      rand.Uint32(),
		seq:       uint16(rand.Intn(1 << 16)),
		timestamp: rand.Uint32(),
	}
}

// frame упаковывает PCMU полезную нагрузку в RTP пакет.
func (g *ToneGenerator) frame(payload []byte, marker bool) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadTypePCMU,
			SequenceNumber: g.seq,
			Timestamp:      g.timestamp,
			SSRC:           g.ssrc,
			Marker:         marker,
		},
		Payload: payload,
	}
	g.seq++
	g.timestamp += samplesPerFrame
	return pkt
}

// encodeFrame синтезирует один 20мс кадр суммы двух синусов в μ-law.
func encodeFrame(low, high float64, offset int, amplitude float64) []byte {
	payload := make([]byte, samplesPerFrame)
	for i := 0; i < samplesPerFrame; i++ {
		t := float64(offset+i) / toneSampleRate
		sample := amplitude * (math.Sin(2*math.Pi*low*t) + math.Sin(2*math.Pi*high*t)) / 2
		payload[i] = muLawEncode(int16(sample * math.MaxInt16))
	}
	return payload
}

// muLawEncode кодирует PCM16 сэмпл в G.711 μ-law (ITU-T G.711).
func muLawEncode(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := byte(7)
	for mask := int16(0x4000); (sample&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((sample >> (exponent + 3)) & 0x0F)

	return ^(sign | (exponent << 4) | mantissa)
}

// DTMFFrames возвращает кадры тона DTMF указанной длительности.
// Запятая (пауза набора) дает тишину той же длительности.
func (g *ToneGenerator) DTMFFrames(tone rune, duration time.Duration) ([]*rtp.Packet, error) {
	frames := int(duration.Milliseconds()) / toneFrameMs
	if frames < 1 {
		frames = 1
	}

	if tone == ',' {
		out := make([]*rtp.Packet, 0, frames)
		silence := make([]byte, samplesPerFrame)
		for i := range silence {
			silence[i] = muLawEncode(0)
		}
		for i := 0; i < frames; i++ {
			out = append(out, g.frame(silence, i == 0))
		}
		return out, nil
	}

	freqs, ok := dtmfTones[tone]
	if !ok {
		return nil, ErrUnsupportedTone
	}

	out := make([]*rtp.Packet, 0, frames)
	for i := 0; i < frames; i++ {
		payload := encodeFrame(freqs.low, freqs.high, i*samplesPerFrame, 0.5)
		out = append(out, g.frame(payload, i == 0))
	}
	return out, nil
}

// RingbackFrames возвращает кадры ringback тона (425Гц, каденция 1с/4с)
// для указанной длительности.
func (g *ToneGenerator) RingbackFrames(duration time.Duration) []*rtp.Packet {
	const cadenceOn = 1000 / toneFrameMs  // кадров со звуком
	const cadencePeriod = 5000 / toneFrameMs

	frames := int(duration.Milliseconds()) / toneFrameMs
	silence := make([]byte, samplesPerFrame)
	for i := range silence {
		silence[i] = muLawEncode(0)
	}

	out := make([]*rtp.Packet, 0, frames)
	for i := 0; i < frames; i++ {
		if i%cadencePeriod < cadenceOn {
			payload := encodeFrame(425, 425, i*samplesPerFrame, 0.4)
			out = append(out, g.frame(payload, i == 0))
		} else {
			out = append(out, g.frame(silence, false))
		}
	}
	return out
}

// PlayDTMF воспроизводит тон DTMF в указанный приёмник.
func (g *ToneGenerator) PlayDTMF(p Player, tone rune, duration time.Duration) error {
	frames, err := g.DTMFFrames(tone, duration)
	if err != nil {
		return err
	}
	if err := p.Play(); err != nil {
		return errors.Wrap(err, "failed to start tone player")
	}
	for _, f := range frames {
		if err := p.WriteRTP(f); err != nil {
			return errors.Wrap(err, "failed to write tone frame")
		}
	}
	return nil
}
