package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pynqmanager/pynqmanager/internal/config"
	"github.com/pynqmanager/pynqmanager/internal/model"
)

func openTestStore(t *testing.T) *TaskStore {
	t.Helper()
	conn, err := Open(config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "pynq.db"), ConnMaxLifetime: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewTaskStore(conn)
}

func TestTaskStoreLifecycle(t *testing.T) {
	store := openTestStore(t)

	task := &model.ProvisionTask{ID: "t1", Port: "/dev/ttyUSB0", Baud: 115200, Username: "xilinx", Interface: "eth0", Mode: "dhcp", Status: model.TaskStatusPending}
	require.NoError(t, store.CreateTask(task))

	task.Status = model.TaskStatusSuccess
	task.IPAddress = "192.168.2.99"
	require.NoError(t, store.SaveTask(task))

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, got.Status)
	assert.Equal(t, "192.168.2.99", got.IPAddress)
	assert.True(t, got.Finished())

	_, err = store.GetTask("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	list, err := store.ListTasks(10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTaskStoreLogsAndInterrupted(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateTask(&model.ProvisionTask{ID: "a", Port: "p", Username: "u", Status: model.TaskStatusRunning}))
	require.NoError(t, store.CreateTask(&model.ProvisionTask{ID: "b", Port: "p", Username: "u", Status: model.TaskStatusSuccess}))

	require.NoError(t, store.AppendLog(&model.TaskLog{ID: "1", TaskID: "a", Level: "info", Message: "[+] Logged in"}))
	require.NoError(t, store.AppendLog(&model.TaskLog{ID: "2", TaskID: "a", Level: "error", Message: "[!] No IP detected"}))
	logs, err := store.Logs("a")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "[+] Logged in", logs[0].Message)

	n, err := store.MarkInterrupted()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err := store.GetTask("a")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
}
