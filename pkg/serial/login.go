package serial

import "strings"

// LoginState 登录状态
type LoginState int

const (
	AwaitingLogin LoginState = iota
	AwaitingPassword
	AwaitingPrompt
	Authenticated
	Failed
)

func (s LoginState) String() string {
	switch s {
	case AwaitingLogin:
		return "awaiting_login"
	case AwaitingPassword:
		return "awaiting_password"
	case AwaitingPrompt:
		return "awaiting_prompt"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 是否终态
func (s LoginState) Terminal() bool {
	return s == Authenticated || s == Failed
}

// LoginAction Feed 要求调用方执行的动作
type LoginAction int

const (
	ActionNone LoginAction = iota
	ActionSendUsername
	ActionSendPassword
	ActionAuthenticated
)

func (a LoginAction) String() string {
	switch a {
	case ActionSendUsername:
		return "send_username"
	case ActionSendPassword:
		return "send_password"
	case ActionAuthenticated:
		return "authenticated"
	default:
		return "none"
	}
}

const (
	loginToken    = "login:"
	passwordToken = "Password:"
	// 登录成功后的 motd 行，不是登录提示符
	lastLoginBanner = "Last login:"

	// 匹配前累积的上限，只保留尾部，足够覆盖任何提示符
	maxLoginBuffer = 4096
)

// LoginMachine 登录状态机，不做 I/O。每收到一个 chunk 调用一次 Feed。
//
// 每次 Feed 按固定优先级检查累积缓冲：login: → Password: → $ 或 #。
// 命中 login:/Password: 后清空缓冲；同一缓冲里同时有 login: 和 $ 时视为仍在登录中。
type LoginMachine struct {
	state LoginState
	buf   strings.Builder
}

// NewLoginMachine 创建处于 AwaitingLogin 的状态机
func NewLoginMachine() *LoginMachine {
	return &LoginMachine{state: AwaitingLogin}
}

// State 当前状态
func (m *LoginMachine) State() LoginState {
	return m.state
}

// Buffered 尚未被匹配消费的文本
func (m *LoginMachine) Buffered() string {
	return m.buf.String()
}

// Feed 追加一个 chunk 并返回需要执行的动作。终态下不再产生动作。
func (m *LoginMachine) Feed(chunk string) LoginAction {
	if m.state.Terminal() {
		return ActionNone
	}
	if chunk != "" {
		m.buf.WriteString(chunk)
		m.trim()
	}

	text := strings.ReplaceAll(m.buf.String(), lastLoginBanner, "")
	switch {
	case strings.Contains(text, loginToken):
		m.buf.Reset()
		m.state = AwaitingPassword
		return ActionSendUsername
	case strings.Contains(text, passwordToken):
		m.buf.Reset()
		m.state = AwaitingPrompt
		return ActionSendPassword
	case strings.ContainsAny(text, "$#"):
		m.buf.Reset()
		m.state = Authenticated
		return ActionAuthenticated
	}
	return ActionNone
}

// Expire 登录期限到期
func (m *LoginMachine) Expire() {
	if !m.state.Terminal() {
		m.state = Failed
	}
}

func (m *LoginMachine) trim() {
	if m.buf.Len() <= maxLoginBuffer {
		return
	}
	tail := m.buf.String()[m.buf.Len()-maxLoginBuffer:]
	m.buf.Reset()
	m.buf.WriteString(tail)
}
