package model

import (
	"time"
)

// ProvisionTask 一次串口配网任务。密码不落库。
type ProvisionTask struct {
	ID        string `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Port      string `json:"port" gorm:"type:varchar(128);not null;index"`
	Baud      int    `json:"baud" gorm:"not null;default:115200"`
	Username  string `json:"username" gorm:"type:varchar(64);not null"`
	Interface string `json:"interface" gorm:"type:varchar(32);not null;default:'eth0'"`
	Mode      string `json:"mode" gorm:"type:varchar(16);not null;default:'dhcp'"`
	Address   string `json:"address,omitempty" gorm:"type:varchar(64)"`
	Gateway   string `json:"gateway,omitempty" gorm:"type:varchar(64)"`

	Status     string `json:"status" gorm:"type:varchar(16);not null;default:'pending';index"`
	LoginState string `json:"login_state" gorm:"type:varchar(32)"`
	// IPAddress 从 ip addr 输出中提取的地址
	IPAddress     string `json:"ip_address,omitempty" gorm:"type:varchar(64)"`
	ErrorMsg      string `json:"error_msg,omitempty" gorm:"type:text"`
	TranscriptURI string `json:"transcript_uri,omitempty" gorm:"type:varchar(512)"`
	// RemoteResults 远程命令结果（JSON）
	RemoteResults string `json:"remote_results,omitempty" gorm:"type:text"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  int64     `json:"duration"` // 执行时长，毫秒
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (ProvisionTask) TableName() string {
	return "provision_tasks"
}

// Finished 是否已结束
func (t *ProvisionTask) Finished() bool {
	switch t.Status {
	case TaskStatusPending, TaskStatusRunning:
		return false
	default:
		return true
	}
}

// TaskStatus 任务状态枚举
const (
	TaskStatusPending      = "pending"
	TaskStatusRunning      = "running"
	TaskStatusSuccess      = "success"
	TaskStatusLoginTimeout = "login_timeout"
	TaskStatusNoAddress    = "no_address"
	TaskStatusRemoteFailed = "remote_failed"
	TaskStatusFailed       = "failed"
	TaskStatusCancelled    = "cancelled"
)

// TaskLog 任务日志（派生日志行，不含原始串口回显）
type TaskLog struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	TaskID    string    `json:"task_id" gorm:"type:varchar(64);not null;index"`
	Level     string    `json:"level" gorm:"type:varchar(16);not null"`
	Message   string    `json:"message" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (TaskLog) TableName() string {
	return "task_logs"
}
