package daq

import (
	"fmt"
	"strconv"

	"github.com/srg/attys/internal/link"
	"github.com/srg/attys/internal/protocol"
	"github.com/srg/attys/internal/scanner"
	"github.com/srg/attys/pkg/config"
)

// DeviceClassFor builds the device class selected by cfg.Protocol.Class.
func DeviceClassFor(cfg *config.Config) (protocol.DeviceClass, error) {
	switch cfg.Protocol.Class {
	case config.ClassAttys, "":
		return protocol.AttysClass(AttysSettingsFor(cfg.Attys))
	case config.ClassBinary:
		return binaryClass(cfg.Protocol)
	default:
		return protocol.DeviceClass{}, fmt.Errorf("unknown protocol class %q", cfg.Protocol.Class)
	}
}

// AttysSettingsFor maps configuration onto device register settings.
func AttysSettingsFor(a config.AttysConfig) protocol.AttysSettings {
	return protocol.AttysSettings{
		RateIndex:        a.SampleRateIndex,
		AccelRangeIndex:  a.AccelRangeIndex,
		Gain:             [2]int{a.ADC1GainIndex, a.ADC2GainIndex},
		Mux:              [2]int{a.ADC1MuxIndex, a.ADC2MuxIndex},
		FullData:         !a.PartialData,
		BiasCurrentIndex: a.BiasCurrentIndex,
		CurrentMask:      a.CurrentMask,
	}
}

func binaryClass(p config.ProtocolConfig) (protocol.DeviceClass, error) {
	marker, err := protocol.ParseHex(p.Marker)
	if err != nil {
		return protocol.DeviceClass{}, fmt.Errorf("protocol.marker: %w", err)
	}
	trailer, err := protocol.ParseHex(p.Trailer)
	if err != nil {
		return protocol.DeviceClass{}, fmt.Errorf("protocol.trailer: %w", err)
	}
	if p.SeqMask < 0 || p.SeqMask > 0xFF {
		return protocol.DeviceClass{}, fmt.Errorf("protocol.seq_mask out of range: %d", p.SeqMask)
	}
	start, err := UnescapeCommand(p.StartCommand)
	if err != nil {
		return protocol.DeviceClass{}, fmt.Errorf("protocol.start_command: %w", err)
	}
	stop, err := UnescapeCommand(p.StopCommand)
	if err != nil {
		return protocol.DeviceClass{}, fmt.Errorf("protocol.stop_command: %w", err)
	}

	layout := protocol.FrameLayout{
		Version:      p.Version,
		Marker:       marker,
		ChannelCount: p.ChannelCount,
		ChannelWidth: p.ChannelWidth,
		Signed:       p.Signed,
		ByteOrder:    protocol.ByteOrder(p.ByteOrder),
		Checksum:     protocol.Checksum(p.Checksum),
		Trailer:      trailer,
		SeqMask:      uint8(p.SeqMask),
	}
	return protocol.BinaryClass(config.ClassBinary, layout, p.SampleRate, p.FillGaps, start, stop)
}

// UnescapeCommand accepts Go escapes so "b\r" in YAML means b + CR.
func UnescapeCommand(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	u, err := strconv.Unquote(`"` + s + `"`)
	if err != nil {
		return nil, err
	}
	return []byte(u), nil
}

// SourcesFor builds the discovery sources enabled in configuration.
func SourcesFor(cfg *config.Config, class protocol.DeviceClass) ([]scanner.Source, error) {
	caps := scanner.Capabilities{
		Class:        class.Name,
		ChannelCount: len(class.Channels),
		SampleRate:   class.SampleRate,
	}

	var sources []scanner.Source
	if len(cfg.Discovery.Static) > 0 {
		static := &scanner.StaticSource{}
		for _, d := range cfg.Discovery.Static {
			kind, err := link.ParseKind(d.Transport)
			if err != nil {
				return nil, fmt.Errorf("discovery.static %s: %w", d.Address, err)
			}
			static.Devices = append(static.Devices, scanner.Handle{
				Address:      d.Address,
				Name:         d.Name,
				Transport:    kind,
				Capabilities: caps,
			})
		}
		sources = append(sources, static)
	}
	if cfg.Discovery.Serial {
		sources = append(sources, &scanner.SerialSource{
			Patterns:     cfg.Discovery.SerialPatterns,
			USBIDs:       cfg.Discovery.USBIDs,
			Capabilities: caps,
		})
	}
	if cfg.Discovery.BLE {
		sources = append(sources, &scanner.BLESource{
			NamePrefixes: cfg.Discovery.NamePrefixes,
			Capabilities: caps,
		})
	}
	return sources, nil
}
