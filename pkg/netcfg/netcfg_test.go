package netcfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderInterfacesDHCP(t *testing.T) {
	r := Request{Interface: "eth0", Mode: ModeDHCP}
	assert.Equal(t, "auto lo\niface lo inet loopback\n\nauto eth0\niface eth0 inet dhcp\n", RenderInterfaces(r))
}

func TestRenderInterfacesStatic(t *testing.T) {
	r := Request{Interface: "eth0", Mode: ModeStatic, Address: "192.168.1.50", Gateway: "192.168.1.1"}
	want := "auto lo\niface lo inet loopback\n\nauto eth0\niface eth0 inet static\n" +
		"    address 192.168.1.50\n" +
		"    gateway 192.168.1.1\n"
	assert.Equal(t, want, RenderInterfaces(r))
}

func TestRenderInterfacesAllowHotplug(t *testing.T) {
	r := Request{Interface: "eth1", Mode: ModeDHCP, AllowHotplug: true}
	assert.Equal(t, "auto lo\niface lo inet loopback\n\nauto eth1\nallow-hotplug eth1\niface eth1 inet dhcp\n", RenderInterfaces(r))
}

func TestRenderScriptWrapsHeredoc(t *testing.T) {
	r := Request{Interface: "eth0", Mode: ModeDHCP}
	want := "sudo bash -c 'cat > /etc/network/interfaces <<EOF\n" +
		"auto lo\niface lo inet loopback\n\nauto eth0\niface eth0 inet dhcp\n" +
		"EOF'"
	assert.Equal(t, want, RenderScript(r, ""))
	assert.Contains(t, RenderScript(r, "/tmp/interfaces"), "cat > /tmp/interfaces <<EOF")
}

func TestRequestNormalizeAndValidate(t *testing.T) {
	r := Request{}.Normalize()
	assert.Equal(t, "eth0", r.Interface)
	assert.Equal(t, ModeDHCP, r.Mode)
	require.NoError(t, r.Validate())

	cases := []Request{
		{Interface: "eth0; reboot", Mode: ModeDHCP},
		{Interface: "eth0", Mode: "bootp"},
		{Interface: "eth0", Mode: ModeStatic, Address: "192.168.1.300", Gateway: "192.168.1.1"},
		{Interface: "eth0", Mode: ModeStatic, Address: "192.168.1.50"},
		{Interface: "eth0", Mode: ModeStatic, Address: "fe80::1", Gateway: "192.168.1.1"},
	}
	for _, c := range cases {
		assert.ErrorIs(t, c.Normalize().Validate(), ErrInvalidRequest, "%+v", c)
	}

	ok := Request{Interface: "eth0", Mode: "STATIC", Address: "10.0.0.9/24", Gateway: "10.0.0.1"}.Normalize()
	assert.NoError(t, ok.Validate())
}

func TestExtractIPv4(t *testing.T) {
	out := "...\nip -4 addr show eth0\ninet 10.0.0.5/24 brd 10.0.0.255 scope global eth0\n"
	ip, ok := ExtractIPv4(out, false)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", ip)

	_, ok = ExtractIPv4("Device \"eth0\" does not exist.\n$ ", true)
	assert.False(t, ok)
}

func TestExtractIPv4Strictness(t *testing.T) {
	out := "version 999.999.999.999\n    inet 192.168.2.99/24 scope global eth0"
	loose, ok := ExtractIPv4(out, false)
	require.True(t, ok)
	assert.Equal(t, "999.999.999.999", loose)

	strict, ok := ExtractIPv4(out, true)
	require.True(t, ok)
	assert.Equal(t, "192.168.2.99", strict)
}

func TestCommands(t *testing.T) {
	assert.Equal(t, "sudo systemctl restart networking || sudo service networking restart", RestartNetworkingCommand())
	assert.Equal(t, "ip -4 addr show eth0", ShowAddressCommand("eth0"))
}
