package simulate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readUntil(t *testing.T, b *Board, want string) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 1024)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := b.Read(buf)
		require.NoError(t, err)
		sb.Write(buf[:n])
		if strings.Contains(sb.String(), want) {
			return sb.String()
		}
	}
	t.Fatalf("没有读到 %q，实际输出: %q", want, sb.String())
	return ""
}

func TestBoardLoginAndProvisionFlow(t *testing.T) {
	b := NewBoard(BoardConfig{})
	port, err := b.Opener()("/dev/ttyUSB0", 115200)
	require.NoError(t, err)
	require.NoError(t, port.SetReadTimeout(20*time.Millisecond))
	defer port.Close()

	readUntil(t, b, "pynq login: ")
	_, _ = b.Write([]byte("xilinx\n"))
	readUntil(t, b, "Password: ")
	_, _ = b.Write([]byte("xilinx\n"))
	readUntil(t, b, "xilinx@pynq:~$ ")

	script := "sudo bash -c 'cat > /etc/network/interfaces <<EOF\nauto lo\niface lo inet loopback\n\nauto eth0\niface eth0 inet dhcp\nEOF'\n"
	_, _ = b.Write([]byte(script))
	readUntil(t, b, "[sudo] password for xilinx: ")
	_, _ = b.Write([]byte("xilinx\n"))
	readUntil(t, b, "xilinx@pynq:~$ ")
	assert.Equal(t, "auto lo\niface lo inet loopback\n\nauto eth0\niface eth0 inet dhcp\n", b.Interfaces())

	_, _ = b.Write([]byte("ip -4 addr show eth0\n"))
	out := readUntil(t, b, "xilinx@pynq:~$ ")
	assert.NotContains(t, out, "inet ", "重启网络前没有地址")

	_, _ = b.Write([]byte("sudo systemctl restart networking || sudo service networking restart\n"))
	readUntil(t, b, "xilinx@pynq:~$ ")
	assert.True(t, b.NetworkRestarted())

	_, _ = b.Write([]byte("ip -4 addr show eth0\n"))
	out = readUntil(t, b, "valid_lft")
	assert.Contains(t, out, "inet 192.168.2.99/24")
}

func TestBoardStaticAddressFromInterfacesFile(t *testing.T) {
	b := NewBoard(BoardConfig{AlreadyLoggedIn: true, SudoNoPassword: true})
	_, err := b.Opener()("sim", 115200)
	require.NoError(t, err)
	defer b.Close()

	_, _ = b.Write([]byte("sudo bash -c 'cat > /etc/network/interfaces <<EOF\nauto eth0\niface eth0 inet static\n    address 10.1.2.3\n    gateway 10.1.2.1\nEOF'\n"))
	_, _ = b.Write([]byte("sudo systemctl restart networking\n"))
	_, _ = b.Write([]byte("ip -4 addr show eth0\n"))
	out := readUntil(t, b, "valid_lft")
	assert.Contains(t, out, "inet 10.1.2.3/24")
}

func TestBoardRejectsOtherPort(t *testing.T) {
	b := NewBoard(BoardConfig{PortName: "/dev/ttyUSB1"})
	_, err := b.Opener()("/dev/ttyUSB0", 115200)
	assert.Error(t, err)
}

func TestBoardReadAfterClose(t *testing.T) {
	b := NewBoard(BoardConfig{Silent: true})
	_, err := b.Opener()("sim", 115200)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Read(make([]byte, 8))
	assert.Error(t, err)
	_, err = b.Write([]byte("x\n"))
	assert.Error(t, err)
}
