package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/pynqmanager/pynqmanager/internal/model"
)

// ErrTaskNotFound 任务不存在
var ErrTaskNotFound = errors.New("task not found")

// TaskStore 配网任务与日志的 gorm 实现
type TaskStore struct {
	db *gorm.DB
}

// NewTaskStore 创建任务存储
func NewTaskStore(conn *gorm.DB) *TaskStore {
	return &TaskStore{db: conn}
}

// CreateTask 新建任务
func (s *TaskStore) CreateTask(task *model.ProvisionTask) error {
	return WithRetry(s.db, func(tx *gorm.DB) error {
		return tx.Create(task).Error
	}, 5, 0)
}

// SaveTask 保存任务全部字段
func (s *TaskStore) SaveTask(task *model.ProvisionTask) error {
	return WithRetry(s.db, func(tx *gorm.DB) error {
		return tx.Save(task).Error
	}, 5, 0)
}

// GetTask 按 ID 查询
func (s *TaskStore) GetTask(id string) (*model.ProvisionTask, error) {
	var task model.ProvisionTask
	err := s.db.Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks 最近的任务，按创建时间倒序
func (s *TaskStore) ListTasks(limit int) ([]model.ProvisionTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var tasks []model.ProvisionTask
	err := s.db.Order("created_at DESC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

// AppendLog 追加任务日志
func (s *TaskStore) AppendLog(entry *model.TaskLog) error {
	return WithRetry(s.db, func(tx *gorm.DB) error {
		return tx.Create(entry).Error
	}, 5, 0)
}

// Logs 任务日志，按时间正序
func (s *TaskStore) Logs(taskID string) ([]model.TaskLog, error) {
	var logs []model.TaskLog
	err := s.db.Where("task_id = ?", taskID).Order("created_at ASC, id ASC").Find(&logs).Error
	return logs, err
}

// MarkInterrupted 进程重启后把遗留的 pending/running 任务标记为失败
func (s *TaskStore) MarkInterrupted() (int64, error) {
	res := s.db.Model(&model.ProvisionTask{}).
		Where("status IN ?", []string{model.TaskStatusPending, model.TaskStatusRunning}).
		Updates(map[string]interface{}{"status": model.TaskStatusFailed, "error_msg": "interrupted by restart"})
	return res.RowsAffected, res.Error
}
