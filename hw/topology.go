package hw

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"

	"devsim/emu/log"
	"devsim/hw/bus"
)

// Topology is the TOML description of a simulated system: one bus and the
// devices attached to it.
type Topology struct {
	Bus     BusConfig      `toml:"bus"`
	Devices []DeviceConfig `toml:"device"`
}

type BusConfig struct {
	Name  string `toml:"name"`
	Trace string `toml:"trace"` // transaction log path, empty disables tracing
}

// DeviceConfig is one [[device]] entry. Type selects the factory; the other
// fields are interpreted by it.
type DeviceConfig struct {
	Type   string `toml:"type"`
	Name   string `toml:"name"`
	Base   uint32 `toml:"base"`
	Size   uint32 `toml:"size"`
	Master int    `toml:"master"`

	Channels int    `toml:"channels"` // dma: channel count, default 16
	Depth    int    `toml:"depth"`    // port: buffer depth, default 16
	Image    string `toml:"image"`    // rom: preload file
}

// DeviceFactory builds a device from its topology entry.
type DeviceFactory func(cfg DeviceConfig) (bus.Device, error)

var (
	factmu    sync.Mutex
	factories = map[string]DeviceFactory{}
)

// RegisterFactory binds a device type name to its factory. The built-in
// types are registered at init; external packages may add their own.
func RegisterFactory(kind string, f DeviceFactory) {
	factmu.Lock()
	defer factmu.Unlock()
	if _, ok := factories[kind]; ok {
		panic(fmt.Sprintf("device factory %q registered twice", kind))
	}
	factories[kind] = f
}

func lookupFactory(kind string) (DeviceFactory, bool) {
	factmu.Lock()
	defer factmu.Unlock()
	f, ok := factories[kind]
	return f, ok
}

// FactoryKinds returns the registered device type names, sorted.
func FactoryKinds() []string {
	factmu.Lock()
	defer factmu.Unlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func init() {
	RegisterFactory("ram", func(cfg DeviceConfig) (bus.Device, error) {
		if cfg.Size == 0 {
			return nil, fmt.Errorf("ram %s: size is required", cfg.Name)
		}
		return NewMemory(cfg.Name, cfg.Base, cfg.Size, cfg.Master), nil
	})

	RegisterFactory("rom", func(cfg DeviceConfig) (bus.Device, error) {
		if cfg.Size == 0 {
			return nil, fmt.Errorf("rom %s: size is required", cfg.Name)
		}
		var img []byte
		if cfg.Image != "" {
			var err error
			img, err = os.ReadFile(cfg.Image)
			if err != nil {
				return nil, fmt.Errorf("rom %s: %w", cfg.Name, err)
			}
		}
		return NewROM(cfg.Name, cfg.Base, cfg.Size, cfg.Master, img), nil
	})

	RegisterFactory("dma", func(cfg DeviceConfig) (bus.Device, error) {
		nchan := cfg.Channels
		if nchan == 0 {
			nchan = 16
		}
		return NewDMA(cfg.Name, cfg.Base, cfg.Master, nchan), nil
	})

	RegisterFactory("port", func(cfg DeviceConfig) (bus.Device, error) {
		depth := cfg.Depth
		if depth == 0 {
			depth = 16
		}
		return NewPort(cfg.Name, cfg.Base, cfg.Master, depth), nil
	})
}

// LoadTopology reads and decodes a topology file.
func LoadTopology(path string) (*Topology, error) {
	var topo Topology
	if _, err := toml.DecodeFile(path, &topo); err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return &topo, nil
}

// System is a built topology: the bus plus everything that needs teardown.
type System struct {
	Bus *bus.Bus

	closers []io.Closer
}

// BuildSystem instantiates the topology. A non-nil tracer overrides the
// trace file named in the topology. On error any partially built devices
// are torn down.
func BuildSystem(topo *Topology, tracer bus.Tracer) (*System, error) {
	name := topo.Bus.Name
	if name == "" {
		name = "system"
	}

	var closers []io.Closer
	if tracer == nil && topo.Bus.Trace != "" {
		fd, err := os.Create(topo.Bus.Trace)
		if err != nil {
			return nil, fmt.Errorf("trace file: %w", err)
		}
		tracer = bus.NewJSONTracer(fd)
		closers = append(closers, fd)
	}

	sys := &System{Bus: bus.New(name, tracer), closers: closers}
	for _, dc := range topo.Devices {
		f, ok := lookupFactory(dc.Type)
		if !ok {
			sys.Close()
			return nil, fmt.Errorf("device %s: unknown type %q", dc.Name, dc.Type)
		}
		d, err := f(dc)
		if err != nil {
			sys.Close()
			return nil, err
		}
		if err := sys.Bus.AddDevice(d); err != nil {
			sys.Close()
			return nil, err
		}
	}

	log.ModSim.InfoZ("system built").
		String("bus", name).
		Int("devices", len(topo.Devices)).
		End()
	return sys, nil
}

// Close shuts down DMA engines and releases the trace file.
func (s *System) Close() {
	for _, d := range s.Bus.Devices() {
		if c, ok := d.(interface{ Close() }); ok {
			c.Close()
		}
	}
	for _, c := range s.closers {
		c.Close()
	}
}
