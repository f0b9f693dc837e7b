package usb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"odinflash/internal/logging"
)

// Devices that speak the download protocol.
const (
	vidSamsung gousb.ID = 0x04E8

	pidGalaxyS     gousb.ID = 0x6601
	pidGalaxyS2    gousb.ID = 0x685D // and GT-P7510 Galaxy Tab 10.1
	pidDroidCharge gousb.ID = 0x68C3
)

// SupportedDevice is one recognised vendor/product pair.
type SupportedDevice struct {
	Vendor  gousb.ID
	Product gousb.ID
}

// SupportedDevices is the fixed set of devices enumeration will accept.
var SupportedDevices = []SupportedDevice{
	{vidSamsung, pidGalaxyS},
	{vidSamsung, pidGalaxyS2},
	{vidSamsung, pidDroidCharge},
}

func isSupported(vendor, product gousb.ID) bool {
	for _, d := range SupportedDevices {
		if d.Vendor == vendor && d.Product == product {
			return true
		}
	}
	return false
}

// ErrNotDetected is returned by Open when no supported device is attached.
var ErrNotDetected = fmt.Errorf("no supported download-mode device detected")

// Options configures Open.
type Options struct {
	Log *logging.Logger

	// CommDelay is slept after every packet send and receive. Zero
	// disables it; it also raises the bulk-out retry back-off.
	CommDelay time.Duration

	Verbose bool
}

// Port owns the USB side of a flashing session: the opened device, the two
// claimed interfaces, the synchronous control/bulk-out primitives and the
// asynchronous bulk-in/interrupt readers feeding the ring buffer.
type Port struct {
	ctx *gousb.Context
	dev *gousb.Device
	cfg *gousb.Config

	intfComm *gousb.Interface
	intfData *gousb.Interface

	epComm    *gousb.InEndpoint
	epDataIn  *gousb.InEndpoint
	epDataOut *gousb.OutEndpoint

	binding   EndpointBinding
	commDelay time.Duration
	log       *logging.Logger

	ring *bulkInRing

	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumps      pumpState

	// read hooks; replaced by tests
	bulkRead func([]byte) (int, error)
	intrRead func([]byte) (int, error)
}

// Detect reports whether any supported device is currently attached, without
// claiming anything.
func Detect(log *logging.Logger) bool {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isSupported(desc.Vendor, desc.Product)
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		log.Debug("device scan: %v", err)
	}
	return len(devs) > 0
}

// Open enumerates, opens, resets and claims the first supported device. On
// any failure the partially constructed port is torn down before returning.
func Open(opts Options) (*Port, error) {
	log := opts.Log
	if log == nil {
		log = logging.Default()
	}

	p := &Port{
		commDelay: opts.CommDelay,
		log:       log,
		ring:      newBulkInRing(),
	}
	p.pumpCtx, p.pumpCancel = context.WithCancel(context.Background())

	if err := p.open(opts.Verbose); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Port) open(verbose bool) error {
	p.ctx = gousb.NewContext()

	devs, err := p.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isSupported(desc.Vendor, desc.Product)
	})
	// Keep the first match, close the rest. OpenDevices can report errors
	// for unrelated devices on the bus, so an error with a usable match is
	// not fatal.
	for i, d := range devs {
		if i == 0 {
			p.dev = d
		} else {
			d.Close()
		}
	}
	if p.dev == nil {
		if err != nil {
			p.log.Debug("device scan: %v", err)
		}
		return ErrNotDetected
	}

	p.log.Info("device detected: %s:%s", p.dev.Desc.Vendor, p.dev.Desc.Product)

	// Control transfers wait for the device rather than racing it.
	p.dev.ControlTimeout = 0

	// Claiming an interface the cdc_acm driver holds fails with "busy";
	// auto-detach detaches it on claim and reattaches on release.
	if err := p.dev.SetAutoDetach(true); err != nil {
		p.log.Debug("auto-detach not available: %v", err)
	}

	p.log.Info("resetting device...")
	if err := p.dev.Reset(); err != nil {
		return fmt.Errorf("resetting device: %w", err)
	}

	if verbose {
		p.describe()
	}

	cfgNum := -1
	for num := range p.dev.Desc.Configs {
		if cfgNum < 0 || num < cfgNum {
			cfgNum = num
		}
	}
	if cfgNum < 0 {
		return fmt.Errorf("device has no configurations")
	}

	p.log.Info("examining device interfaces...")
	binding, ok := classifyEndpoints(p.dev.Desc.Configs[cfgNum], p.log)
	if !ok {
		return ErrNotDetected
	}
	p.binding = binding
	p.log.Debug("comm interface %d endpoint %02x, data interface %d endpoints %02x/%02x",
		binding.CommInterface, uint8(binding.Comm.Address),
		binding.DataInterface, uint8(binding.DataIn.Address), uint8(binding.DataOut.Address))

	cfg, err := p.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("selecting configuration %d: %w", cfgNum, err)
	}
	p.cfg = cfg

	p.log.Info("claiming interface %d...", binding.DataInterface)
	p.intfData, err = cfg.Interface(binding.DataInterface, binding.DataAlt)
	if err != nil {
		return fmt.Errorf("claiming data interface %d: %w", binding.DataInterface, err)
	}

	if binding.CommInterface != binding.DataInterface {
		p.log.Info("claiming interface %d...", binding.CommInterface)
		p.intfComm, err = cfg.Interface(binding.CommInterface, binding.CommAlt)
		if err != nil {
			return fmt.Errorf("claiming comm interface %d: %w", binding.CommInterface, err)
		}
	} else {
		p.intfComm = p.intfData
	}

	p.epDataIn, err = p.intfData.InEndpoint(binding.DataIn.Number)
	if err != nil {
		return fmt.Errorf("opening bulk in endpoint: %w", err)
	}
	p.epDataOut, err = p.intfData.OutEndpoint(binding.DataOut.Number)
	if err != nil {
		return fmt.Errorf("opening bulk out endpoint: %w", err)
	}
	p.epComm, err = p.intfComm.InEndpoint(binding.Comm.Number)
	if err != nil {
		return fmt.Errorf("opening comm endpoint: %w", err)
	}

	p.bulkRead = func(buf []byte) (int, error) { return p.epDataIn.ReadContext(p.pumpCtx, buf) }
	p.intrRead = func(buf []byte) (int, error) { return p.epComm.ReadContext(p.pumpCtx, buf) }

	return nil
}

// describe logs the string descriptors and identity of the opened device.
func (p *Port) describe() {
	if s, err := p.dev.Manufacturer(); err == nil {
		p.log.Info("      Manufacturer: %q", s)
	}
	if s, err := p.dev.Product(); err == nil {
		p.log.Info("           Product: %q", s)
	}
	if s, err := p.dev.SerialNumber(); err == nil {
		p.log.Info("         Serial No: %q", s)
	}
	p.log.Info("           VID:PID: %s:%s", p.dev.Desc.Vendor, p.dev.Desc.Product)
	p.log.Info("          nb confs: %d", len(p.dev.Desc.Configs))
}

// Endpoints returns the binding selected at enumeration time.
func (p *Port) Endpoints() EndpointBinding {
	return p.binding
}

// Close tears the port down: stop the readers, release the interfaces
// (reattaching any detached kernel driver), close the device and the
// context. Safe to call from any partially constructed state and more than
// once.
func (p *Port) Close() error {
	if p.pumpCancel != nil {
		p.pumpCancel()
	}
	p.stopPumps()

	if p.intfComm != nil && p.intfComm != p.intfData {
		p.intfComm.Close()
	}
	p.intfComm = nil
	if p.intfData != nil {
		p.intfData.Close()
	}
	p.intfData = nil

	if p.cfg != nil {
		p.cfg.Close()
		p.cfg = nil
	}
	if p.dev != nil {
		p.dev.Close()
		p.dev = nil
	}
	if p.ctx != nil {
		p.ctx.Close()
		p.ctx = nil
	}
	return nil
}
