package handlers

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pynqmanager/pynqmanager/pkg/netcfg"
	"github.com/pynqmanager/pynqmanager/pkg/serial"
)

func TestPorts(t *testing.T) {
	var out bytes.Buffer
	err := Ports(&out, func() ([]string, error) { return []string{"/dev/ttyUSB1", "/dev/ttyUSB0"}, nil })
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0\n/dev/ttyUSB1\n", out.String())
}

func TestPorts_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Ports(&out, func() ([]string, error) { return nil, nil }))
	assert.Equal(t, "No serial ports found\n", out.String())
}

func TestPorts_Error(t *testing.T) {
	err := Ports(&bytes.Buffer{}, func() ([]string, error) { return nil, errors.New("enumeration denied") })
	assert.ErrorContains(t, err, "enumeration denied")
}

func TestRender(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Render(&out, netcfg.Request{}, netcfg.InterfacesPath, false))
	assert.Equal(t, "auto lo\niface lo inet loopback\n\nauto eth0\niface eth0 inet dhcp\n", out.String())
}

func TestRender_Script(t *testing.T) {
	var out bytes.Buffer
	req := netcfg.Request{Mode: netcfg.ModeStatic, Address: "192.168.2.99/24", Gateway: "192.168.2.1"}
	require.NoError(t, Render(&out, req, netcfg.InterfacesPath, true))
	assert.Equal(t, "sudo bash -c 'cat > /etc/network/interfaces <<EOF\n"+
		"auto lo\niface lo inet loopback\n\nauto eth0\niface eth0 inet static\n"+
		"    address 192.168.2.99/24\n    gateway 192.168.2.1\nEOF'\n", out.String())
}

func TestRender_Invalid(t *testing.T) {
	err := Render(&bytes.Buffer{}, netcfg.Request{Mode: netcfg.ModeStatic}, netcfg.InterfacesPath, false)
	assert.ErrorIs(t, err, netcfg.ErrInvalidRequest)
}

const testConfigYAML = `
serial:
  read_timeout: 10ms
  open_settle: 1ms
login:
  timeout: 3s
  poll_interval: 20ms
pacing:
  script_settle: 200ms
  password_settle: 150ms
  restart_settle: 200ms
  query_settle: 200ms
remote:
  timeout: 3s
log:
  level: warn
`

const testSimulateYAML = `
board:
  address: 127.0.0.1/8
  boot_delay: 50ms
ssh:
  listen: 127.0.0.1:0
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProvision_Simulated(t *testing.T) {
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := Provision(ctx, &out, ProvisionOptions{
		ConfigPath:   writeFile(t, "config.yaml", testConfigYAML),
		SimulatePath: writeFile(t, "simulate.yaml", testSimulateYAML),
	})
	require.NoError(t, err, out.String())

	text := out.String()
	assert.Contains(t, text, "login:")
	assert.Contains(t, text, "[+] Logged in as xilinx")
	assert.Contains(t, text, "[+] IP detected: 127.0.0.1")
	assert.Contains(t, text, "[+] Remote commands finished")
	assert.Contains(t, text, "[+] Board eth0 is reachable at 127.0.0.1")
}

func TestProvision_SkipRemote(t *testing.T) {
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := Provision(ctx, &out, ProvisionOptions{
		ConfigPath:   writeFile(t, "config.yaml", testConfigYAML),
		SimulatePath: writeFile(t, "simulate.yaml", testSimulateYAML),
		SkipRemote:   true,
		Network:      netcfg.Request{Mode: netcfg.ModeStatic, Address: "10.0.0.7/24", Gateway: "10.0.0.1"},
	})
	require.NoError(t, err, out.String())
	assert.Contains(t, out.String(), "[+] IP detected: 10.0.0.7")
	assert.NotContains(t, out.String(), "Connecting to")
}

func TestProvision_WrongPassword(t *testing.T) {
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := Provision(ctx, &out, ProvisionOptions{
		ConfigPath:   writeFile(t, "config.yaml", testConfigYAML),
		SimulatePath: writeFile(t, "simulate.yaml", testSimulateYAML),
		Password:     "not-the-password",
	})
	assert.ErrorIs(t, err, serial.ErrLoginTimeout)
	assert.Contains(t, out.String(), "[!] Login failed")
}

func TestProvision_InvalidNetwork(t *testing.T) {
	err := Provision(context.Background(), &bytes.Buffer{}, ProvisionOptions{
		ConfigPath: writeFile(t, "config.yaml", testConfigYAML),
		Port:       "/dev/ttyUSB0",
		Network:    netcfg.Request{Mode: "bridge"},
	})
	assert.ErrorIs(t, err, netcfg.ErrInvalidRequest)
}

func TestProvision_MissingConfig(t *testing.T) {
	err := Provision(context.Background(), &bytes.Buffer{}, ProvisionOptions{
		ConfigPath: filepath.Join(t.TempDir(), "absent.yaml"),
	})
	assert.Error(t, err)
}
