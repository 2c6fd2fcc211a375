package hw

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"devsim/hw/bus"
)

const testTopology = `
[bus]
name = "board"

[[device]]
type = "ram"
name = "sram"
base = 0x20000000
size = 0x10000
master = 1

[[device]]
type = "dma"
name = "dma0"
base = 0x40000000
master = 2
channels = 4

[[device]]
type = "port"
name = "uart0"
base = 0x50000000
master = 3
depth = 8
`

func writeTopology(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topo.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTopology(t *testing.T) {
	topo, err := LoadTopology(writeTopology(t, testTopology))
	if err != nil {
		t.Fatal(err)
	}

	if topo.Bus.Name != "board" {
		t.Errorf("bus name = %q, want board", topo.Bus.Name)
	}
	if len(topo.Devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(topo.Devices))
	}
	want := DeviceConfig{Type: "dma", Name: "dma0", Base: 0x4000_0000, Master: 2, Channels: 4}
	if diff := cmp.Diff(want, topo.Devices[1]); diff != "" {
		t.Errorf("dma entry (-want +got):\n%s", diff)
	}
}

func TestBuildSystem(t *testing.T) {
	topo, err := LoadTopology(writeTopology(t, testTopology))
	if err != nil {
		t.Fatal(err)
	}
	sys, err := BuildSystem(topo, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sys.Close()

	want := []bus.MapEntry{
		{Start: 0x2000_0000, End: 0x2000_FFFF, Device: "sram", Master: 1},
		{Start: 0x4000_0000, End: 0x4000_013F, Device: "dma0", Master: 2},
		{Start: 0x5000_0000, End: 0x5000_000F, Device: "uart0", Master: 3},
	}
	if diff := cmp.Diff(want, sys.Bus.AddressMap()); diff != "" {
		t.Errorf("address map (-want +got):\n%s", diff)
	}

	// The built devices are live: poke the RAM through the bus.
	if err := sys.Bus.Write(1, 0x2000_0000, 0xAB, 4); err != nil {
		t.Fatal(err)
	}
	val, err := sys.Bus.Read(1, 0x2000_0000, 4)
	if err != nil || val != 0xAB {
		t.Errorf("ram readback: got %08x, %v", val, err)
	}
}

func TestBuildSystemUnknownType(t *testing.T) {
	topo := &Topology{Devices: []DeviceConfig{{Type: "flux-capacitor", Name: "x"}}}
	_, err := BuildSystem(topo, nil)
	if err == nil || !strings.Contains(err.Error(), "flux-capacitor") {
		t.Errorf("got %v, want unknown type error", err)
	}
}

func TestBuildSystemBadDevice(t *testing.T) {
	topo := &Topology{Devices: []DeviceConfig{{Type: "ram", Name: "r"}}} // size missing
	if _, err := BuildSystem(topo, nil); err == nil {
		t.Error("want error for ram without size")
	}
}

func TestBuildSystemOverlap(t *testing.T) {
	topo := &Topology{Devices: []DeviceConfig{
		{Type: "ram", Name: "a", Base: 0x1000, Size: 0x1000, Master: 1},
		{Type: "ram", Name: "b", Base: 0x1800, Size: 0x1000, Master: 2},
	}}
	if _, err := BuildSystem(topo, nil); err == nil {
		t.Error("want error for overlapping devices")
	}
}

func TestRegisterFactoryTwice(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate factory registration must panic")
		}
	}()
	RegisterFactory("ram", func(cfg DeviceConfig) (bus.Device, error) { return nil, nil })
}

func TestFactoryKinds(t *testing.T) {
	kinds := FactoryKinds()
	for _, want := range []string{"dma", "port", "ram", "rom"} {
		found := false
		for _, k := range kinds {
			if k == want {
				found = true
			}
		}
		if !found {
			t.Errorf("factory %q not registered (have %v)", want, kinds)
		}
	}
}
