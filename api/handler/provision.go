package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pynqmanager/pynqmanager/internal/service"
	"github.com/pynqmanager/pynqmanager/pkg/logger"
	"github.com/pynqmanager/pynqmanager/pkg/netcfg"
	"github.com/pynqmanager/pynqmanager/pkg/serial"
)

// Options 处理器可替换的依赖
type Options struct {
	// ListPorts 枚举串口，默认 serial.ListPorts
	ListPorts func() ([]string, error)
	// DBHealth 数据库健康检查，可为空
	DBHealth func() error
	// InterfacesPath 预览脚本时写入的目标文件
	InterfacesPath string
}

// ProvisionHandler 配网任务接口
type ProvisionHandler struct {
	svc  *service.ProvisionService
	opts Options
}

// NewProvisionHandler 创建配网处理器
func NewProvisionHandler(svc *service.ProvisionService, opts Options) *ProvisionHandler {
	if opts.ListPorts == nil {
		opts.ListPorts = serial.ListPorts
	}
	if opts.InterfacesPath == "" {
		opts.InterfacesPath = netcfg.InterfacesPath
	}
	return &ProvisionHandler{svc: svc, opts: opts}
}

// ProvisionRequest POST /api/v1/provision 请求体
type ProvisionRequest struct {
	Port         string `json:"port"`
	Baud         int    `json:"baud"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Interface    string `json:"interface"`
	Mode         string `json:"mode"`
	Address      string `json:"address"`
	Gateway      string `json:"gateway"`
	AllowHotplug bool   `json:"allow_hotplug"`
	SkipRemote   bool   `json:"skip_remote"`
}

func (r ProvisionRequest) job() service.ProvisionJob {
	return service.ProvisionJob{
		Port:     r.Port,
		Baud:     r.Baud,
		Username: r.Username,
		Password: r.Password,
		Network: netcfg.Request{
			Interface:    r.Interface,
			Mode:         netcfg.Mode(r.Mode),
			Address:      r.Address,
			Gateway:      r.Gateway,
			AllowHotplug: r.AllowHotplug,
		},
		SkipRemote: r.SkipRemote,
	}
}

// PortInfo 串口及占用情况
type PortInfo struct {
	Name   string `json:"name"`
	Busy   bool   `json:"busy"`
	TaskID string `json:"task_id,omitempty"`
}

// Health 健康检查
func (h *ProvisionHandler) Health(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	dbStatus := "ok"
	if h.opts.DBHealth != nil {
		if err := h.opts.DBHealth(); err != nil {
			status, code, dbStatus = "unhealthy", http.StatusServiceUnavailable, err.Error()
		}
	}
	c.JSON(code, gin.H{
		"status":     status,
		"database":   dbStatus,
		"busy_ports": len(h.svc.BusyPorts()),
	})
}

// ListPorts GET /api/v1/ports
func (h *ProvisionHandler) ListPorts(c *gin.Context) {
	names, err := h.opts.ListPorts()
	if err != nil {
		logger.Warnf("List serial ports failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "PORT_ENUM_FAILED", Message: err.Error()})
		return
	}
	busy := h.svc.BusyPorts()
	ports := make([]PortInfo, 0, len(names))
	for _, name := range names {
		id, ok := busy[name]
		ports = append(ports, PortInfo{Name: name, Busy: ok, TaskID: id})
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

// CreateProvision POST /api/v1/provision
func (h *ProvisionHandler) CreateProvision(c *gin.Context) {
	var req ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_PARAMS", Message: "请求参数无效: " + err.Error()})
		return
	}

	task, err := h.svc.Submit(c.Request.Context(), req.job())
	if err != nil {
		status, code := classify(err)
		logger.WithField("port", req.Port).Warnf("Provision submit rejected: %v", err)
		c.JSON(status, ErrorResponse{Code: code, Message: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// GetProvision GET /api/v1/provision/:task_id
func (h *ProvisionHandler) GetProvision(c *gin.Context) {
	task, err := h.svc.Get(c.Param("task_id"))
	if err != nil {
		status, code := classify(err)
		c.JSON(status, ErrorResponse{Code: code, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetLogs GET /api/v1/provision/:task_id/logs
func (h *ProvisionHandler) GetLogs(c *gin.Context) {
	taskID := c.Param("task_id")
	logs, err := h.svc.Logs(taskID)
	if err != nil {
		status, code := classify(err)
		c.JSON(status, ErrorResponse{Code: code, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "logs": logs})
}

// CancelProvision POST /api/v1/provision/:task_id/cancel
func (h *ProvisionHandler) CancelProvision(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := h.svc.Cancel(taskID); err != nil {
		status, code := classify(err)
		c.JSON(status, ErrorResponse{Code: code, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "OK", Message: "任务取消中", Data: gin.H{"task_id": taskID}})
}

// RenderRequest 预览请求
type RenderRequest struct {
	Interface    string `json:"interface"`
	Mode         string `json:"mode"`
	Address      string `json:"address"`
	Gateway      string `json:"gateway"`
	AllowHotplug bool   `json:"allow_hotplug"`
}

// Render POST /api/v1/render 预览 interfaces 文件与 heredoc 脚本
func (h *ProvisionHandler) Render(c *gin.Context) {
	var req RenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_PARAMS", Message: "请求参数无效: " + err.Error()})
		return
	}
	nr := netcfg.Request{
		Interface:    req.Interface,
		Mode:         netcfg.Mode(req.Mode),
		Address:      req.Address,
		Gateway:      req.Gateway,
		AllowHotplug: req.AllowHotplug,
	}.Normalize()
	if err := nr.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "VALIDATION_FAILED", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"interfaces": netcfg.RenderInterfaces(nr),
		"script":     netcfg.RenderScript(nr, h.opts.InterfacesPath),
		"commands": []string{
			netcfg.RestartNetworkingCommand(),
			netcfg.ShowAddressCommand(nr.Interface),
		},
	})
}

// classify 错误到 HTTP 状态码与业务码
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		return http.StatusNotFound, "TASK_NOT_FOUND"
	case errors.Is(err, service.ErrPortBusy):
		return http.StatusConflict, "PORT_BUSY"
	case errors.Is(err, service.ErrTaskFinished):
		return http.StatusConflict, "TASK_FINISHED"
	case errors.Is(err, netcfg.ErrInvalidRequest), errors.Is(err, serial.ErrUnsupportedBaud):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, service.ErrServiceStopped):
		return http.StatusServiceUnavailable, "SERVICE_STOPPED"
	case strings.Contains(err.Error(), "database"):
		return http.StatusInternalServerError, "DATABASE_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
