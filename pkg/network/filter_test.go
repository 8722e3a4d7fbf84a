package network

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/billm/tutornet/pkg/types"
)

func peer(mt types.ModuleType, host string) types.PeerDescriptor {
	return types.PeerDescriptor{ModuleType: mt, Address: types.FormatAddress(mt, host, "")}
}

func TestFilterAcceptsEverythingByDefault(t *testing.T) {
	var nilFilter *ConnectionFilter
	assert.True(t, nilFilter.Accept(peer(types.ModuleUMS, "10.0.0.1")))
	assert.True(t, NewConnectionFilter().Accept(peer(types.ModuleUMS, "10.0.0.1")))
}

func TestFilterIgnoredAddresses(t *testing.T) {
	f := NewConnectionFilter()
	a := peer(types.ModulePedagogical, "10.0.0.1")
	f.AddIgnoreAddress(a.Address)
	f.AddIgnoreAddress(a.Address)

	assert.Len(t, f.IgnoredAddresses(), 1)
	assert.True(t, f.IsIgnored(a.Address))
	assert.True(t, f.IsIgnored("pedagogical-queue_10.0.0.1_inbox"))
	assert.False(t, f.Accept(a))
	assert.True(t, f.Accept(peer(types.ModulePedagogical, "10.0.0.2")))
}

func TestFilterRequiredAddresses(t *testing.T) {
	f := NewConnectionFilter()
	f.AddRequiredAddress("10.0.0.2")
	f.AddRequiredAddress("10.0.0.3")

	assert.False(t, f.Accept(peer(types.ModuleDomain, "10.0.0.1")))
	assert.True(t, f.Accept(peer(types.ModuleDomain, "10.0.0.2")))
	assert.True(t, f.Accept(peer(types.ModuleDomain, "10.0.0.3")))
	assert.True(t, f.IsAddressRequired("Gateway_Topic_10.0.0.3"))
}

func TestFilterRequiredModule(t *testing.T) {
	f := NewConnectionFilter()
	want := peer(types.ModuleGateway, "10.0.0.4")
	f.SetRequiredModule(want)

	got, ok := f.RequiredModule()
	assert.True(t, ok)
	assert.Equal(t, want, got)
	assert.True(t, f.Accept(want))
	assert.False(t, f.Accept(peer(types.ModuleGateway, "10.0.0.5")))
	assert.False(t, f.Accept(peer(types.ModuleDomain, "10.0.0.4")))
}

func TestFilterDeriveIsIndependent(t *testing.T) {
	f := NewConnectionFilter()
	f.AddRequiredAddress("10.0.0.1")
	f.AddIgnoreAddress("A")

	d := f.Derive()
	d.AddIgnoreAddress("B")
	d.AddRequiredAddress("10.0.0.2")

	assert.Equal(t, []string{"A"}, f.IgnoredAddresses())
	assert.Equal(t, []string{"10.0.0.1"}, f.RequiredAddresses())
	assert.Equal(t, []string{"A", "B"}, d.IgnoredAddresses())
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, d.RequiredAddresses())

	var nilFilter *ConnectionFilter
	assert.NotNil(t, nilFilter.Derive())
}

func TestCreateConnectionFilter(t *testing.T) {
	local := func() []string { return []string{"192.168.1.20", "10.1.1.1"} }

	t.Run("blank", func(t *testing.T) {
		assert.Empty(t, CreateConnectionFilter("  ", local).RequiredAddresses())
	})

	t.Run("remote address", func(t *testing.T) {
		f := CreateConnectionFilter("172.16.0.9", local)
		assert.Equal(t, []string{"172.16.0.9"}, f.RequiredAddresses())
	})

	t.Run("local address expands to every interface", func(t *testing.T) {
		f := CreateConnectionFilter("10.1.1.1", local)
		assert.ElementsMatch(t, []string{"10.1.1.1", "192.168.1.20"}, f.RequiredAddresses())
	})

	t.Run("loopback", func(t *testing.T) {
		f := CreateConnectionFilter("127.0.0.1", local)
		assert.ElementsMatch(t, []string{"127.0.0.1", "192.168.1.20", "10.1.1.1"}, f.RequiredAddresses())
	})
}

func TestIsLocalAddress(t *testing.T) {
	local := func() []string { return []string{"192.168.1.20"} }

	assert.True(t, IsLocalAddress("127.0.0.1", nil))
	assert.True(t, IsLocalAddress("::1", nil))
	assert.True(t, IsLocalAddress("192.168.1.20", local))
	assert.False(t, IsLocalAddress("192.168.1.21", local))
}
