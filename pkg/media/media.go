// Package media описывает контракт медиа подсистемы софтфона.
//
// Сама обработка звука (кодеки, ICE, аппаратный ввод/вывод) остается за
// внешними коллабораторами: пакет определяет пять общих аудио приёмников,
// реестр устройств с сохранением выбора и генератор тонов (ringback,
// локальная индикация DTMF) в виде RTP PCMU кадров.
//
// Приёмники являются общими для процесса: ими владеет только активная
// сессия, что обеспечивается инвариантом "одна активная сессия на Client",
// а не самим медиа слоем.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// Player - аудио приёмник. Реализация может выводить звук на устройство,
// писать в файл или игнорировать кадры (NullPlayer).
type Player interface {
	// Play начинает воспроизведение
	Play() error
	// Stop останавливает воспроизведение и сбрасывает позицию
	Stop() error
	// WriteRTP передает очередной кадр потока
	WriteRTP(pkt *rtp.Packet) error
}

// Source - пять общих аудио приёмников процесса.
type Source struct {
	// Local - локальный поток (собственный микрофон)
	Local Player
	// Remote - поток удаленной стороны
	Remote Player
	// Ring - ringback при исходящем вызове
	Ring Player
	// Error - тон ошибки
	Error Player
	// IncomingRing - звонок входящего вызова
	IncomingRing Player
}

// NewNullSource возвращает Source, игнорирующий весь звук.
// Используется в тестах и в окружениях без аудио вывода.
func NewNullSource() *Source {
	return &Source{
		Local:        &NullPlayer{},
		Remote:       &NullPlayer{},
		Ring:         &NullPlayer{},
		Error:        &NullPlayer{},
		IncomingRing: &NullPlayer{},
	}
}

// Detach останавливает все приёмники и освобождает оборудование.
// Вызывается при завершении сессии. Идемпотентен.
func (s *Source) Detach() {
	for _, p := range []Player{s.Local, s.Remote, s.Ring, s.Error, s.IncomingRing} {
		if p != nil {
			_ = p.Stop()
		}
	}
}

// NullPlayer - приёмник, который ничего не воспроизводит.
// Считает кадры и состояние для наблюдаемости в тестах.
type NullPlayer struct {
	playing atomic.Bool
	frames  atomic.Int64
}

func (p *NullPlayer) Play() error {
	p.playing.Store(true)
	return nil
}

func (p *NullPlayer) Stop() error {
	p.playing.Store(false)
	return nil
}

func (p *NullPlayer) WriteRTP(_ *rtp.Packet) error {
	p.frames.Add(1)
	return nil
}

// Playing сообщает, идет ли воспроизведение.
func (p *NullPlayer) Playing() bool { return p.playing.Load() }

// Frames возвращает число принятых кадров.
func (p *NullPlayer) Frames() int64 { return p.frames.Load() }

// memoryPlayer накапливает кадры в памяти. Используется тестами пакета.
type memoryPlayer struct {
	mu      sync.Mutex
	playing bool
	packets []*rtp.Packet
}

func (p *memoryPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = true
	return nil
}

func (p *memoryPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	return nil
}

func (p *memoryPlayer) WriteRTP(pkt *rtp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packets = append(p.packets, pkt)
	return nil
}
