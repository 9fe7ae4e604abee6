package media

import (
	"container/heap"
	"sync"

	"github.com/pion/rtp"
)

// JitterConfig - параметры сглаживания потока.
type JitterConfig struct {
	// Depth - сколько пакетов накапливается перед выдачей (по умолчанию 4)
	Depth int
}

func (c JitterConfig) withDefaults() JitterConfig {
	if c.Depth <= 0 {
		c.Depth = 4
	}
	return c
}

// JitterPlayer оборачивает Player и выравнивает порядок RTP кадров
// по sequence number перед воспроизведением. Кадры, пришедшие позже
// уже выданных, а также дубликаты отбрасываются.
//
// Потокобезопасен.
type JitterPlayer struct {
	cfg  JitterConfig
	next Player

	mu       sync.Mutex
	buf      seqHeap
	lastSeq  uint16
	started  bool
	received uint64
	dropped  uint64
}

// NewJitterPlayer создает выравнивающий приёмник поверх next.
func NewJitterPlayer(next Player, cfg JitterConfig) *JitterPlayer {
	return &JitterPlayer{cfg: cfg.withDefaults(), next: next}
}

func (p *JitterPlayer) Play() error { return p.next.Play() }

// Stop сбрасывает накопленные кадры и останавливает воспроизведение.
func (p *JitterPlayer) Stop() error {
	p.mu.Lock()
	p.buf = p.buf[:0]
	p.started = false
	p.mu.Unlock()
	return p.next.Stop()
}

// WriteRTP кладет кадр в буфер и выдает накопленные кадры по порядку.
func (p *JitterPlayer) WriteRTP(pkt *rtp.Packet) error {
	p.mu.Lock()
	p.received++
	if p.started && seqBefore(pkt.SequenceNumber, p.lastSeq) {
		p.dropped++
		p.mu.Unlock()
		return nil
	}
	heap.Push(&p.buf, pkt)

	var out []*rtp.Packet
	for len(p.buf) > p.cfg.Depth {
		o := heap.Pop(&p.buf).(*rtp.Packet)
		if p.started && o.SequenceNumber == p.lastSeq {
			p.dropped++
			continue
		}
		p.lastSeq = o.SequenceNumber
		p.started = true
		out = append(out, o)
	}
	p.mu.Unlock()

	for _, o := range out {
		if err := p.next.WriteRTP(o); err != nil {
			return err
		}
	}
	return nil
}

// Stats возвращает число принятых и отброшенных кадров.
func (p *JitterPlayer) Stats() (received, dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received, p.dropped
}

// seqBefore учитывает переполнение 16-битного счетчика (RFC 3550).
func seqBefore(a, b uint16) bool {
	return a != b && b-a < 1<<15
}

// seqHeap - min-heap по sequence number с учетом переполнения.
type seqHeap []*rtp.Packet

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return seqBefore(h[i].SequenceNumber, h[j].SequenceNumber) }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(*rtp.Packet)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
