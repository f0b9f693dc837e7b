package usb

import (
	"errors"
	"sync"
	"time"

	"github.com/google/gousb"
)

// bulkReadSize is how much a single bulk-in transfer may deliver.
const bulkReadSize = 4096

// pumpState tracks the two endpoint readers. Each endpoint has at most one
// outstanding transfer; the wanted flag decides whether a completed transfer
// is re-armed.
type pumpState struct {
	mu sync.Mutex
	wg sync.WaitGroup

	wantBulkIn bool
	bulkActive bool

	wantIntr   bool
	intrActive bool
}

// ArmBulkIn marks the bulk-in endpoint as wanting an outstanding transfer
// and arms it if none is in flight.
func (p *Port) ArmBulkIn() {
	p.pumps.mu.Lock()
	p.pumps.wantBulkIn = true
	p.pumps.mu.Unlock()
	p.armReaders()
}

// ArmInterrupt does the same for the interrupt comm endpoint.
func (p *Port) ArmInterrupt() {
	p.pumps.mu.Lock()
	p.pumps.wantIntr = true
	p.pumps.mu.Unlock()
	p.armReaders()
}

// armReaders starts a reader for every endpoint that is wanted and has no
// transfer in flight. Calling it while a reader is already active is a
// no-op, so it may be invoked from anywhere at any time.
func (p *Port) armReaders() {
	p.pumps.mu.Lock()
	defer p.pumps.mu.Unlock()

	if p.pumps.wantBulkIn && !p.pumps.bulkActive && p.bulkRead != nil {
		p.pumps.bulkActive = true
		p.pumps.wg.Add(1)
		go p.runBulkIn()
	}
	if p.pumps.wantIntr && !p.pumps.intrActive && p.intrRead != nil {
		p.pumps.intrActive = true
		p.pumps.wg.Add(1)
		go p.runInterrupt()
	}
}

func (p *Port) stopPumps() {
	p.pumps.mu.Lock()
	p.pumps.wantBulkIn = false
	p.pumps.wantIntr = false
	p.pumps.mu.Unlock()
	p.pumps.wg.Wait()
}

func (p *Port) bulkInWanted() bool {
	p.pumps.mu.Lock()
	defer p.pumps.mu.Unlock()
	return p.pumps.wantBulkIn
}

func (p *Port) intrWanted() bool {
	p.pumps.mu.Lock()
	defer p.pumps.mu.Unlock()
	return p.pumps.wantIntr
}

// runBulkIn keeps one bulk-in transfer outstanding, appending whatever
// arrives to the ring buffer. Each loop iteration is one transfer.
func (p *Port) runBulkIn() {
	defer func() {
		p.pumps.mu.Lock()
		p.pumps.bulkActive = false
		p.pumps.mu.Unlock()
		p.pumps.wg.Done()
	}()

	for p.bulkInWanted() && p.pumpCtx.Err() == nil {
		buf := p.ring.tail(bulkReadSize)
		n, err := p.bulkRead(buf)
		if n > 0 {
			p.ring.commit(n)
		}
		if err != nil {
			if p.pumpCtx.Err() != nil || errors.Is(err, gousb.ERROR_NO_DEVICE) {
				return
			}
			p.log.Debug("bulk in transfer: %v", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// runInterrupt drains the comm endpoint. Observed devices always complete
// these with zero bytes; any payload that does show up is logged, never
// interpreted.
func (p *Port) runInterrupt() {
	defer func() {
		p.pumps.mu.Lock()
		p.pumps.intrActive = false
		p.pumps.mu.Unlock()
		p.pumps.wg.Done()
	}()

	size := p.binding.Comm.MaxPacketSize
	if size <= 0 {
		size = 64
	}
	buf := make([]byte, size)

	for p.intrWanted() && p.pumpCtx.Err() == nil {
		n, err := p.intrRead(buf)
		if n > 0 {
			p.log.Debug("comm interrupt delivered %d bytes: % x", n, buf[:n])
		}
		if err != nil {
			if p.pumpCtx.Err() != nil || errors.Is(err, gousb.ERROR_NO_DEVICE) {
				return
			}
			p.log.Debug("comm interrupt transfer: %v", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}
