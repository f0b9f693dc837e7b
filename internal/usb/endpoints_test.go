package usb

import (
	"testing"

	"github.com/google/gousb"

	"odinflash/internal/logging"
)

func commSetting(number int, eps ...gousb.EndpointDesc) gousb.InterfaceInfo {
	return setting(number, gousb.ClassComm, commSubclassACM, commProtocolV250, eps...)
}

func dataSetting(number int, eps ...gousb.EndpointDesc) gousb.InterfaceInfo {
	return setting(number, gousb.ClassData, 0x00, dataProtocolNone, eps...)
}

func setting(number int, class, subclass gousb.Class, protocol gousb.Protocol, eps ...gousb.EndpointDesc) gousb.InterfaceInfo {
	endpoints := make(map[gousb.EndpointAddress]gousb.EndpointDesc, len(eps))
	for _, ep := range eps {
		endpoints[ep.Address] = ep
	}
	return gousb.InterfaceInfo{
		Number: number,
		AltSettings: []gousb.InterfaceSetting{{
			Number:    number,
			Class:     class,
			SubClass:  subclass,
			Protocol:  protocol,
			Endpoints: endpoints,
		}},
	}
}

func intrIn(addr gousb.EndpointAddress) gousb.EndpointDesc {
	return gousb.EndpointDesc{
		Address:       addr,
		Number:        int(addr) & 0x0F,
		Direction:     gousb.EndpointDirectionIn,
		TransferType:  gousb.TransferTypeInterrupt,
		MaxPacketSize: 16,
	}
}

func bulkEp(addr gousb.EndpointAddress, in bool) gousb.EndpointDesc {
	dir := gousb.EndpointDirectionOut
	if in {
		dir = gousb.EndpointDirectionIn
	}
	return gousb.EndpointDesc{
		Address:       addr,
		Number:        int(addr) & 0x0F,
		Direction:     dir,
		TransferType:  gousb.TransferTypeBulk,
		MaxPacketSize: 512,
	}
}

func TestClassifyEndpoints(t *testing.T) {
	cfg := gousb.ConfigDesc{
		Interfaces: []gousb.InterfaceInfo{
			commSetting(0, intrIn(0x82)),
			dataSetting(1, bulkEp(0x81, true), bulkEp(0x01, false)),
		},
	}

	binding, ok := classifyEndpoints(cfg, logging.Default())
	if !ok {
		t.Fatal("classification failed on a well-formed configuration")
	}
	if binding.CommInterface != 0 || binding.Comm.Address != 0x82 {
		t.Errorf("comm binding: interface %d endpoint %02x", binding.CommInterface, uint8(binding.Comm.Address))
	}
	if binding.DataInterface != 1 || binding.DataIn.Address != 0x81 || binding.DataOut.Address != 0x01 {
		t.Errorf("data binding: interface %d endpoints %02x/%02x",
			binding.DataInterface, uint8(binding.DataIn.Address), uint8(binding.DataOut.Address))
	}
}

func TestClassifyMissingDataInterfaceFails(t *testing.T) {
	cfg := gousb.ConfigDesc{
		Interfaces: []gousb.InterfaceInfo{
			commSetting(0, intrIn(0x82)),
		},
	}

	if _, ok := classifyEndpoints(cfg, logging.Default()); ok {
		t.Fatal("classification succeeded without a data interface")
	}
}

func TestClassifyFirstCandidateWins(t *testing.T) {
	// Two data interfaces; the first one encountered must win, the later
	// candidate only warned about.
	cfg := gousb.ConfigDesc{
		Interfaces: []gousb.InterfaceInfo{
			commSetting(0, intrIn(0x82)),
			dataSetting(1, bulkEp(0x81, true), bulkEp(0x01, false)),
			dataSetting(2, bulkEp(0x83, true), bulkEp(0x03, false)),
		},
	}

	binding, ok := classifyEndpoints(cfg, logging.Default())
	if !ok {
		t.Fatal("classification failed")
	}
	if binding.DataInterface != 1 {
		t.Fatalf("data interface %d chosen, want 1", binding.DataInterface)
	}
}

func TestClassifyIgnoresWrongTransferType(t *testing.T) {
	// A bulk endpoint on the comm interface is not a comm candidate.
	cfg := gousb.ConfigDesc{
		Interfaces: []gousb.InterfaceInfo{
			commSetting(0, bulkEp(0x82, true)),
			dataSetting(1, bulkEp(0x81, true), bulkEp(0x01, false)),
		},
	}

	if _, ok := classifyEndpoints(cfg, logging.Default()); ok {
		t.Fatal("bulk endpoint accepted as interrupt comm endpoint")
	}
}
