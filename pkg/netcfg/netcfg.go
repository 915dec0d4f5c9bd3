// Package netcfg 渲染 /etc/network/interfaces 配网脚本并从命令输出中提取 IPv4 地址。
package netcfg

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

// Mode 寻址方式
type Mode string

const (
	ModeDHCP   Mode = "dhcp"
	ModeStatic Mode = "static"
)

const (
	// DefaultInterface PYNQ 板载网口
	DefaultInterface = "eth0"
	// InterfacesPath 目标设备上的网络配置文件
	InterfacesPath = "/etc/network/interfaces"
)

var (
	// ErrInvalidRequest 配网请求参数不合法
	ErrInvalidRequest = errors.New("invalid provision request")

	ifaceRe = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
	// 宽松的点分四段匹配，不校验取值范围
	dottedQuadRe = regexp.MustCompile(`\b\d+\.\d+\.\d+\.\d+\b`)
)

// Request 配网请求，提交后不再修改
type Request struct {
	Interface string `json:"interface"`
	Mode      Mode   `json:"mode"`
	Address   string `json:"address,omitempty"`
	Gateway   string `json:"gateway,omitempty"`
	// AllowHotplug 在 auto <iface> 之后追加 allow-hotplug <iface>
	AllowHotplug bool `json:"allow_hotplug,omitempty"`
}

// Normalize 填充默认值
func (r Request) Normalize() Request {
	r.Interface = strings.TrimSpace(r.Interface)
	if r.Interface == "" {
		r.Interface = DefaultInterface
	}
	r.Mode = Mode(strings.ToLower(strings.TrimSpace(string(r.Mode))))
	if r.Mode == "" {
		r.Mode = ModeDHCP
	}
	r.Address = strings.TrimSpace(r.Address)
	r.Gateway = strings.TrimSpace(r.Gateway)
	return r
}

// Validate 校验接口名与静态地址。接口名和地址会进入单引号 shell 命令，不允许出现特殊字符。
func (r Request) Validate() error {
	if !ifaceRe.MatchString(r.Interface) {
		return fmt.Errorf("%w: interface %q", ErrInvalidRequest, r.Interface)
	}
	switch r.Mode {
	case ModeDHCP:
		return nil
	case ModeStatic:
		if !validHostAddress(r.Address) {
			return fmt.Errorf("%w: static address %q is not an IPv4 address or prefix", ErrInvalidRequest, r.Address)
		}
		gw, err := netip.ParseAddr(r.Gateway)
		if err != nil || !gw.Is4() {
			return fmt.Errorf("%w: gateway %q is not an IPv4 address", ErrInvalidRequest, r.Gateway)
		}
		return nil
	default:
		return fmt.Errorf("%w: mode %q (want dhcp or static)", ErrInvalidRequest, r.Mode)
	}
}

func validHostAddress(s string) bool {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return err == nil && p.Addr().Is4()
	}
	a, err := netip.ParseAddr(s)
	return err == nil && a.Is4()
}

// RenderInterfaces 渲染 interfaces 文件内容。static 块下 address/gateway 固定四个空格缩进。
func RenderInterfaces(r Request) string {
	var b strings.Builder
	b.WriteString("auto lo\n")
	b.WriteString("iface lo inet loopback\n")
	b.WriteString("\n")
	fmt.Fprintf(&b, "auto %s\n", r.Interface)
	if r.AllowHotplug {
		fmt.Fprintf(&b, "allow-hotplug %s\n", r.Interface)
	}
	if r.Mode == ModeStatic {
		fmt.Fprintf(&b, "iface %s inet static\n", r.Interface)
		fmt.Fprintf(&b, "    address %s\n", r.Address)
		fmt.Fprintf(&b, "    gateway %s\n", r.Gateway)
		return b.String()
	}
	fmt.Fprintf(&b, "iface %s inet dhcp\n", r.Interface)
	return b.String()
}

// RenderScript 把 interfaces 内容包装成一条 heredoc 命令，一次写入目标文件
func RenderScript(r Request, path string) string {
	if path == "" {
		path = InterfacesPath
	}
	return fmt.Sprintf("sudo bash -c 'cat > %s <<EOF\n%sEOF'", path, RenderInterfaces(r))
}

// RestartNetworkingCommand 重启网络服务，systemctl 不可用时回退到 service
func RestartNetworkingCommand() string {
	return "sudo systemctl restart networking || sudo service networking restart"
}

// ShowAddressCommand 查询接口当前 IPv4 地址
func ShowAddressCommand(iface string) string {
	return "ip -4 addr show " + iface
}

// ExtractIPv4 返回输出中第一个点分四段地址。strict 为 true 时跳过各段超过 255 的候选。
func ExtractIPv4(output string, strict bool) (string, bool) {
	for _, candidate := range dottedQuadRe.FindAllString(output, -1) {
		if !strict {
			return candidate, true
		}
		if a, err := netip.ParseAddr(candidate); err == nil && a.Is4() {
			return candidate, true
		}
	}
	return "", false
}
