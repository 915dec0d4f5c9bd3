package serial

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoginMachineFullSequence(t *testing.T) {
	m := NewLoginMachine()
	assert.Equal(t, AwaitingLogin, m.State())

	assert.Equal(t, ActionNone, m.Feed("Ubuntu 22.04 LTS pynq ttyPS0\r\n\r\n"))
	assert.Equal(t, ActionSendUsername, m.Feed("pynq login: "))
	assert.Equal(t, AwaitingPassword, m.State())
	assert.Empty(t, m.Buffered(), "命中后缓冲应清空")

	assert.Equal(t, ActionNone, m.Feed("xilinx\r\n"))
	assert.Equal(t, ActionSendPassword, m.Feed("Password: "))
	assert.Equal(t, AwaitingPrompt, m.State())

	assert.Equal(t, ActionAuthenticated, m.Feed("xilinx@pynq:~$ "))
	assert.Equal(t, Authenticated, m.State())
	assert.True(t, m.State().Terminal())
}

func TestLoginMachineLoginWinsOverPrompt(t *testing.T) {
	m := NewLoginMachine()
	// 同一次读取里既有 login: 又有 $，仍视为登录中
	assert.Equal(t, ActionSendUsername, m.Feed("$ boot done\npynq login: "))
	assert.Equal(t, AwaitingPassword, m.State())
}

func TestLoginMachinePromptSplitAcrossChunks(t *testing.T) {
	m := NewLoginMachine()
	assert.Equal(t, ActionNone, m.Feed("pynq log"))
	assert.Equal(t, ActionSendUsername, m.Feed("in: "))
}

func TestLoginMachineAlreadyLoggedIn(t *testing.T) {
	m := NewLoginMachine()
	assert.Equal(t, ActionAuthenticated, m.Feed("root@pynq:~# "))
	assert.Equal(t, Authenticated, m.State())
	assert.Equal(t, ActionNone, m.Feed("login: "), "终态后不再产生动作")
}

func TestLoginMachineIgnoresLastLoginBanner(t *testing.T) {
	m := NewLoginMachine()
	m.Feed("login: ")
	m.Feed("Password: ")
	assert.Equal(t, ActionAuthenticated, m.Feed("Last login: Mon Oct  7 10:00:00 2024\r\nxilinx@pynq:~$ "))
}

func TestLoginMachineExpire(t *testing.T) {
	m := NewLoginMachine()
	m.Feed("booting...")
	m.Expire()
	assert.Equal(t, Failed, m.State())
	assert.Equal(t, ActionNone, m.Feed("login: "))

	done := NewLoginMachine()
	done.Feed("$ ")
	done.Expire()
	assert.Equal(t, Authenticated, done.State(), "已认证不会被置为失败")
}

func TestLoginMachineBoundedBuffer(t *testing.T) {
	m := NewLoginMachine()
	for i := 0; i < 100; i++ {
		m.Feed("..........................................................................")
	}
	assert.LessOrEqual(t, len(m.Buffered()), maxLoginBuffer)
}

func TestLoginStateString(t *testing.T) {
	assert.Equal(t, "awaiting_password", AwaitingPassword.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "send_username", ActionSendUsername.String())
}
