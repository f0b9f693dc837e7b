package usb

import (
	"sort"

	"github.com/google/gousb"

	"odinflash/internal/logging"
)

// The download mode configuration looks like a loose CDC-ACM device: a
// Communications interface (class 02, subclass 02 "Abstract Control",
// protocol 01 "AT commands") carrying an interrupt IN endpoint, and a
// CDC-Data interface (class 0A, protocol 00) carrying the bulk pair.
const (
	commSubclassACM  gousb.Class    = 0x02
	commProtocolV250 gousb.Protocol = 0x01
	dataProtocolNone gousb.Protocol = 0x00
)

// EndpointBinding captures the interfaces and endpoint addresses selected at
// enumeration time. The bulk pair always shares one interface; the interrupt
// comm endpoint may live on another.
type EndpointBinding struct {
	CommInterface int
	CommAlt       int
	Comm          gousb.EndpointDesc

	DataInterface int
	DataAlt       int
	DataIn        gousb.EndpointDesc
	DataOut       gousb.EndpointDesc
}

// sortedEndpoints returns the altsetting's endpoints in address order so the
// "first acceptable endpoint wins" rule is deterministic.
func sortedEndpoints(alt gousb.InterfaceSetting) []gousb.EndpointDesc {
	eps := make([]gousb.EndpointDesc, 0, len(alt.Endpoints))
	for _, ep := range alt.Endpoints {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Address < eps[j].Address })
	return eps
}

// classifyEndpoints walks every interface x altsetting x endpoint of the
// configuration and picks the comm interrupt endpoint and the bulk data
// pair. The first altsetting that yields a candidate wins for each role;
// later candidates are only warned about. Missing roles fail enumeration.
func classifyEndpoints(cfg gousb.ConfigDesc, log *logging.Logger) (EndpointBinding, bool) {
	binding := EndpointBinding{CommInterface: -1, DataInterface: -1}

	for _, intf := range cfg.Interfaces {
		if len(intf.AltSettings) != 1 {
			log.Warn("was expecting just 1 alt setting, interface %d has %d", intf.Number, len(intf.AltSettings))
		}

		for _, alt := range intf.AltSettings {
			var (
				comm, dataIn, dataOut gousb.EndpointDesc
				haveComm, haveIn, haveOut bool
			)

			for _, ep := range sortedEndpoints(alt) {
				log.Debug("interface %d alt %d endpoint %02x: %s %s, max packet %d",
					alt.Number, alt.Alternate, uint8(ep.Address), ep.TransferType, ep.Direction, ep.MaxPacketSize)

				switch {
				case alt.Class == gousb.ClassComm && alt.SubClass == commSubclassACM && alt.Protocol == commProtocolV250:
					if ep.TransferType != gousb.TransferTypeInterrupt || ep.Direction != gousb.EndpointDirectionIn {
						log.Warn("ignoring unexpected comm endpoint %02x", uint8(ep.Address))
						continue
					}
					if haveComm {
						log.Warn("multiple comm endpoints on the same altsetting")
						continue
					}
					comm, haveComm = ep, true

				case alt.Class == gousb.ClassData && alt.Protocol == dataProtocolNone:
					if ep.TransferType != gousb.TransferTypeBulk {
						log.Warn("ignoring unexpected data endpoint %02x", uint8(ep.Address))
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						if haveIn {
							log.Warn("multiple data in endpoints on the same interface altsetting")
							continue
						}
						dataIn, haveIn = ep, true
					} else {
						if haveOut {
							log.Warn("multiple data out endpoints on the same interface altsetting")
							continue
						}
						dataOut, haveOut = ep, true
					}
				}
			}

			if binding.CommInterface < 0 && haveComm {
				binding.CommInterface = alt.Number
				binding.CommAlt = alt.Alternate
				binding.Comm = comm
			} else if haveComm {
				log.Warn("ignoring later comm candidate on interface %d alt %d", alt.Number, alt.Alternate)
			}

			if binding.DataInterface < 0 && haveIn && haveOut {
				binding.DataInterface = alt.Number
				binding.DataAlt = alt.Alternate
				binding.DataIn = dataIn
				binding.DataOut = dataOut
			} else if haveIn && haveOut {
				log.Warn("ignoring later data candidate on interface %d alt %d", alt.Number, alt.Alternate)
			}
		}
	}

	return binding, binding.CommInterface >= 0 && binding.DataInterface >= 0
}
