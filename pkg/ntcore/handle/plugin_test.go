package handle

import (
	"testing"

	"github.com/jabolina/nt-core/pkg/ntcore/plugin"
	"github.com/jabolina/nt-core/pkg/ntcore/plugin/loopback"
	"github.com/jabolina/nt-core/pkg/ntcore/transporttest"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

// incompatible wraps a real plugin but claims an API version the core
// does not speak.
type incompatible struct {
	plugin.Plugin
}

func (incompatible) Name() string       { return "future" }
func (incompatible) APIVersion() string { return "9.0.0" }

func TestHandle_PluginRegistry(t *testing.T) {
	daemon := transporttest.NewDaemon()
	h := New(Config{Dialer: daemon.Dialer()}, Callbacks{})
	defer h.Stop()

	lp := loopback.New(peer(8), types.Address{Plugin: "loopback", Payload: []byte("registry")}, plugin.Environment{})
	defer lp.Close()

	if err := h.RegisterPlugin(lp); err != nil {
		t.Fatalf("failed registering plugin. %v", err)
	}
	if err := h.RegisterPlugin(lp); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := h.RegisterPlugin(incompatible{lp}); err == nil {
		t.Error("incompatible api version should be rejected")
	}

	if _, ok := h.Plugin("loopback"); !ok {
		t.Fatal("registered plugin not found by name")
	}

	addr := types.Address{Plugin: "loopback", Options: 0x2a, Payload: []byte("registry")}
	text, err := h.AddressToString(addr)
	if err != nil {
		t.Fatalf("failed rendering address. %v", err)
	}
	if text != "loopback.0000002a.registry" {
		t.Fatalf("address grammar changed: %q", text)
	}
	back, err := h.StringToAddress(text)
	if err != nil {
		t.Fatalf("failed parsing rendered address. %v", err)
	}
	if !back.Equal(addr) {
		t.Errorf("address round trip changed %v to %v", addr, back)
	}

	if _, err := h.StringToAddress("unknownplugin.00000000.x"); err == nil {
		t.Error("unknown plugin name should fail parsing")
	}
}
