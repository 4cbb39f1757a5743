package scanner

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/srg/attys/internal/link"
)

// listPorts is replaced in tests.
var listPorts = enumerator.GetDetailedPortsList

// SerialSource lists serial ports whose path matches one of Patterns (shell
// globs, matched against the full path and the base name). When USBIDs is set,
// USB ports must also match one "VID:PID" pair.
type SerialSource struct {
	Patterns     []string
	USBIDs       []string
	Capabilities Capabilities
}

func (s *SerialSource) Name() string { return "serial" }

func (s *SerialSource) Discover(ctx context.Context, found func(Handle)) error {
	ports, err := listPorts()
	if err != nil {
		return fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	for _, p := range ports {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.matches(p) {
			continue
		}
		name := p.Product
		if name == "" {
			name = filepath.Base(p.Name)
		}
		found(Handle{
			Address:      p.Name,
			Name:         name,
			Transport:    link.KindSerial,
			Source:       s.Name(),
			Capabilities: s.Capabilities,
		})
	}
	return nil
}

func (s *SerialSource) matches(p *enumerator.PortDetails) bool {
	if !matchAny(s.Patterns, p.Name) {
		return false
	}
	if len(s.USBIDs) == 0 || !p.IsUSB {
		return len(s.USBIDs) == 0
	}
	id := strings.ToLower(p.VID + ":" + p.PID)
	for _, want := range s.USBIDs {
		if strings.ToLower(want) == id {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	base := filepath.Base(name)
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// StaticSource reports a fixed list of devices, e.g. paired RFCOMM addresses
// from configuration.
type StaticSource struct {
	Devices []Handle
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Discover(ctx context.Context, found func(Handle)) error {
	for _, h := range s.Devices {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if h.Source == "" {
			h.Source = s.Name()
		}
		if h.Transport == "" {
			h.Transport = link.KindSerial
		}
		found(h)
	}
	return nil
}
