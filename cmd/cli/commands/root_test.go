package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoot(t *testing.T) {
	cmd := Root()

	require.NotNil(t, cmd)
	assert.Equal(t, "pynqctl", cmd.Use)
}

func TestRoot_HasSubcommands(t *testing.T) {
	cmd := Root()

	subcommands := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		subcommands[sub.Name()] = true
	}
	for _, expected := range []string{"ports", "render", "provision", "version"} {
		assert.True(t, subcommands[expected], "Expected subcommand %s not found", expected)
	}
}

func TestProvision_Flags(t *testing.T) {
	cmd := Provision()
	for _, name := range []string{"port", "baud", "user", "password", "iface", "mode", "ip", "gateway", "config", "skip-remote", "simulate"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing flag %s", name)
	}
}

func TestRender_Execute(t *testing.T) {
	cmd := Root()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"render", "--iface", "eth1"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "auto lo\niface lo inet loopback\n\nauto eth1\niface eth1 inet dhcp\n", out.String())
}

func TestRender_ExecuteStaticWithoutAddress(t *testing.T) {
	cmd := Root()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"render", "--mode", "static"})

	assert.Error(t, cmd.Execute())
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2026-10-01")
	t.Cleanup(func() { SetVersionInfo("dev", "none", "unknown") })

	cmd := Root()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "pynqctl 1.2.3")
	assert.Contains(t, out.String(), "commit: abc123")
}
