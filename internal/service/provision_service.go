package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pynqmanager/pynqmanager/internal/config"
	"github.com/pynqmanager/pynqmanager/internal/database"
	"github.com/pynqmanager/pynqmanager/internal/metrics"
	"github.com/pynqmanager/pynqmanager/internal/model"
	"github.com/pynqmanager/pynqmanager/internal/util"
	"github.com/pynqmanager/pynqmanager/pkg/logger"
	"github.com/pynqmanager/pynqmanager/pkg/netcfg"
	"github.com/pynqmanager/pynqmanager/pkg/serial"
	"github.com/pynqmanager/pynqmanager/pkg/ssh"
)

// ProvisionJob 提交的配网任务
type ProvisionJob struct {
	Port     string         `json:"port"`
	Baud     int            `json:"baud"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	Network  netcfg.Request `json:"network"`
	// SkipRemote 只做串口配网，不执行 SSH 命令
	SkipRemote bool `json:"skip_remote"`
}

// TaskStore 任务持久化，*database.TaskStore 实现了它
type TaskStore interface {
	CreateTask(task *model.ProvisionTask) error
	SaveTask(task *model.ProvisionTask) error
	GetTask(id string) (*model.ProvisionTask, error)
	AppendLog(entry *model.TaskLog) error
	Logs(taskID string) ([]model.TaskLog, error)
}

// ServiceOption 可选依赖
type ServiceOption func(*ProvisionService)

// WithOpener 替换串口打开方式（模拟板卡、测试）
func WithOpener(opener serial.Opener) ServiceOption {
	return func(s *ProvisionService) { s.opener = opener }
}

// WithRemoteExecutor 替换交接阶段的远程执行器
func WithRemoteExecutor(remote RemoteExecutor) ServiceOption {
	return func(s *ProvisionService) { s.remote = remote }
}

// WithStorage 替换会话记录归档
func WithStorage(w StorageWriter) ServiceOption {
	return func(s *ProvisionService) { s.storage = w }
}

// ProvisionService 管理配网任务：每个任务一个 worker goroutine，同一端口同一时刻只允许一个任务
type ProvisionService struct {
	// cfg 当前配置；每个任务在提交时取一份快照，热更新只影响之后提交的任务
	cfg     atomic.Pointer[config.Config]
	store   TaskStore
	storage StorageWriter
	opener  serial.Opener
	remote  RemoteExecutor
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	busy    map[string]string // port -> taskID
	running map[string]*runningTask
}

// runningTask 进行中任务的内存状态
type runningTask struct {
	mu         sync.Mutex
	task       *model.ProvisionTask
	cancel     context.CancelFunc
	hub        *logHub
	transcript *util.RingBuffer
	done       chan struct{}
	store      TaskStore
	// logs 派生日志行异步落库，不占用配网 goroutine
	logs *serial.AsyncObserver
}

// NewProvisionService 创建配网服务
func NewProvisionService(cfg *config.Config, store TaskStore, opts ...ServiceOption) *ProvisionService {
	ctx, cancel := context.WithCancel(context.Background())
	snap := *cfg
	s := &ProvisionService{
		store:   store,
		storage: NewStorageWriter(&snap),
		opener:  serial.OpenSystemPort,
		remote:  NewRemoteExecutor(&snap),
		ctx:     ctx,
		cancel:  cancel,
		busy:    make(map[string]string),
		running: make(map[string]*runningTask),
	}
	s.cfg.Store(&snap)
	for _, opt := range opts {
		opt(s)
	}
	maxSessions := snap.Serial.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 4
	}
	s.sem = semaphore.NewWeighted(int64(maxSessions))
	return s
}

// UpdateConfig 替换配置（配置文件热更新）；进行中的任务继续使用提交时的快照。
// 会话上限、远程执行器与归档后端在创建服务时固定。
func (s *ProvisionService) UpdateConfig(cfg *config.Config) {
	snap := *cfg
	s.cfg.Store(&snap)
}

// Config 当前配置快照，调用方不得修改
func (s *ProvisionService) Config() *config.Config {
	return s.cfg.Load()
}

// SerialOptionsFromConfig 串口会话参数
func SerialOptionsFromConfig(cfg *config.Config, observer serial.Observer, opener serial.Opener) serial.Options {
	return serial.Options{
		ReadTimeout:     cfg.Serial.ReadTimeout,
		SettleDelay:     cfg.Serial.OpenSettle,
		PollInterval:    cfg.Login.PollInterval,
		QueueSize:       cfg.Serial.QueueSize,
		Charset:         cfg.Serial.Charset,
		Observer:        observer,
		InducerInterval: cfg.Login.InducerInterval,
		InducerMaxCount: cfg.Login.InducerMaxCount,
		Opener:          opener,
	}
}

// normalizeJob 填充默认值并校验
func normalizeJob(cfg *config.Config, job ProvisionJob) (ProvisionJob, error) {
	job.Port = strings.TrimSpace(job.Port)
	if job.Port == "" {
		job.Port = cfg.Serial.DefaultPort
	}
	if job.Port == "" {
		return job, fmt.Errorf("%w: port is required", netcfg.ErrInvalidRequest)
	}
	if job.Baud == 0 {
		job.Baud = cfg.Serial.Baud
	}
	if !serial.IsSupportedBaud(job.Baud) {
		return job, fmt.Errorf("%w: %d", serial.ErrUnsupportedBaud, job.Baud)
	}
	if job.Username == "" {
		job.Username = cfg.Login.Username
	}
	if job.Password == "" {
		job.Password = cfg.Login.Password
	}
	if strings.TrimSpace(job.Network.Interface) == "" {
		job.Network.Interface = cfg.Provision.Interface
	}
	if strings.TrimSpace(string(job.Network.Mode)) == "" {
		job.Network.Mode = netcfg.Mode(cfg.Provision.Mode)
	}
	job.Network.AllowHotplug = job.Network.AllowHotplug || cfg.Provision.AllowHotplug
	job.Network = job.Network.Normalize()
	if err := job.Network.Validate(); err != nil {
		return job, err
	}
	return job, nil
}

// Submit 记录任务并启动 worker；端口已被占用时返回 ErrPortBusy
func (s *ProvisionService) Submit(ctx context.Context, job ProvisionJob) (*model.ProvisionTask, error) {
	cfg := s.Config()
	job, err := normalizeJob(cfg, job)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrServiceStopped
	}
	if id, ok := s.busy[job.Port]; ok {
		return nil, fmt.Errorf("%w: %s is running task %s", ErrPortBusy, job.Port, id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	task := &model.ProvisionTask{
		ID:         uuid.NewString(),
		Port:       job.Port,
		Baud:       job.Baud,
		Username:   job.Username,
		Interface:  job.Network.Interface,
		Mode:       string(job.Network.Mode),
		Address:    job.Network.Address,
		Gateway:    job.Network.Gateway,
		Status:     model.TaskStatusPending,
		LoginState: serial.AwaitingLogin.String(),
	}
	if err := s.store.CreateTask(task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	taskCtx, cancel := context.WithCancel(s.ctx)
	rt := &runningTask{
		task:       task,
		cancel:     cancel,
		hub:        newLogHub(),
		transcript: util.NewRingBuffer(0),
		done:       make(chan struct{}),
		store:      s.store,
	}
	rt.logs = serial.NewAsyncObserver(serial.ObserverFunc(rt.appendLog), cfg.Serial.QueueSize)
	s.busy[job.Port] = task.ID
	s.running[task.ID] = rt

	s.wg.Add(1)
	go s.run(taskCtx, rt, job, cfg)

	logger.ForTask(task.ID, job.Port).Infof("Provision task submitted (%s, %s)", job.Network.Interface, job.Network.Mode)
	return rt.snapshot(), nil
}

func (s *ProvisionService) run(ctx context.Context, rt *runningTask, job ProvisionJob, cfg *config.Config) {
	defer s.wg.Done()
	defer close(rt.done)
	defer rt.cancel()

	err := s.execute(ctx, rt, job, cfg)
	status := statusFor(ctx, err)

	if obj, aerr := s.archive(rt, job); aerr != nil {
		logger.ForTask(rt.id(), job.Port).Warnf("Transcript archive failed: %v", aerr)
	} else if obj.URI != "" {
		rt.update(func(t *model.ProvisionTask) { t.TranscriptURI = obj.URI })
	}

	now := time.Now()
	rt.update(func(t *model.ProvisionTask) {
		t.Status = status
		if err != nil {
			t.ErrorMsg = err.Error()
		}
		if t.StartTime.IsZero() {
			t.StartTime = now
		}
		t.EndTime = now
		t.Duration = now.Sub(t.StartTime).Milliseconds()
	})
	if err != nil {
		rt.note(fmt.Sprintf("[!] Task %s: %v", status, err))
	} else {
		rt.note("[+] Task success")
	}
	// 等待派生日志全部落库，Wait 返回后 Logs 即完整
	rt.logs.Close()

	final := rt.snapshot()
	if serr := s.store.SaveTask(final); serr != nil {
		logger.ForTask(final.ID, final.Port).Errorf("Failed to save task: %v", serr)
	}
	metrics.RecordTask(status, float64(final.Duration)/1000)
	rt.hub.close()

	s.mu.Lock()
	delete(s.busy, job.Port)
	delete(s.running, final.ID)
	s.mu.Unlock()
}

func (s *ProvisionService) execute(ctx context.Context, rt *runningTask, job ProvisionJob, cfg *config.Config) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	rt.update(func(t *model.ProvisionTask) {
		t.Status = model.TaskStatusRunning
		t.StartTime = time.Now()
	})
	if err := s.store.SaveTask(rt.snapshot()); err != nil {
		logger.ForTask(rt.id(), job.Port).Warnf("Failed to save task: %v", err)
	}
	rt.note(fmt.Sprintf("[*] Opening %s at %d baud", job.Port, job.Baud))

	// 串口回显、派生日志行与远程输出共用一个队列，会话记录中的顺序与发生顺序一致
	observer := serial.NewAsyncObserver(serial.ObserverFunc(rt.record), cfg.Serial.QueueSize)
	defer observer.Close()

	started := time.Now()
	sess, err := serial.Open(ctx, job.Port, job.Baud, SerialOptionsFromConfig(cfg, observer, s.opener))
	if err != nil {
		return err
	}
	metrics.SessionOpened()
	defer func() {
		_ = sess.Close()
		metrics.SessionClosed()
		metrics.AddSerialBytes(sess.BytesRead())
		rt.update(func(t *model.ProvisionTask) { t.LoginState = sess.LoginState().String() })
	}()
	ls := NewLoggedSession(sess, rt.log)

	ls.Emit("[*] Waiting for login prompt")
	err = sess.AwaitLogin(ctx, job.Username, job.Password, cfg.LoginTimeout())
	rt.update(func(t *model.ProvisionTask) { t.LoginState = sess.LoginState().String() })
	switch {
	case err == nil:
		metrics.RecordLogin("ok", time.Since(started).Seconds())
	case errors.Is(err, serial.ErrLoginTimeout):
		metrics.RecordLogin("timeout", time.Since(started).Seconds())
		return err
	default:
		metrics.RecordLogin("error", time.Since(started).Seconds())
		return err
	}
	ls.Emit("[+] Logged in as " + job.Username)

	p := NewProvisioner(ProvisionOptionsFromConfig(cfg), s.remote, RemoteOptionsFromConfig(cfg))
	addr, err := p.Provision(ctx, ls, job.Network)
	if err != nil {
		return err
	}
	rt.update(func(t *model.ProvisionTask) { t.IPAddress = addr.IP })

	if job.SkipRemote {
		return sess.Close()
	}
	results, err := p.Handoff(ctx, ls, addr, observerWriter{observer}, func(r *ssh.CommandResult) {
		metrics.RecordRemoteCommand(r.Success())
	})
	if len(results) > 0 {
		if bs, jerr := json.Marshal(results); jerr == nil {
			rt.update(func(t *model.ProvisionTask) { t.RemoteResults = string(bs) })
		}
	}
	return err
}

// archive 归档会话记录；未配置存储时跳过
func (s *ProvisionService) archive(rt *runningTask, job ProvisionJob) (StoredObject, error) {
	if s.storage == nil || rt.transcript.Len() == 0 {
		return StoredObject{}, nil
	}
	var secrets []string
	// 密码与用户名相同时不做替换，否则提示符里的用户名也会被遮盖
	if job.Password != job.Username {
		secrets = append(secrets, job.Password)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content := rt.transcript.String()
	if rt.transcript.Truncated() {
		content = "[transcript truncated]\n" + content
	}
	snap := rt.snapshot()
	return s.storage.Write(ctx, StorageMeta{
		TaskID:    snap.ID,
		Port:      snap.Port,
		StartedAt: snap.StartTime,
		Secrets:   secrets,
	}, content)
}

// statusFor 错误到任务状态的映射
func statusFor(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return model.TaskStatusSuccess
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return model.TaskStatusCancelled
	case errors.Is(err, serial.ErrLoginTimeout):
		return model.TaskStatusLoginTimeout
	case errors.Is(err, ErrAddressNotFound):
		return model.TaskStatusNoAddress
	case IsRemoteExecutionError(err):
		return model.TaskStatusRemoteFailed
	default:
		return model.TaskStatusFailed
	}
}

// Get 查询任务；进行中的任务返回内存中的最新状态
func (s *ProvisionService) Get(taskID string) (*model.ProvisionTask, error) {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		return rt.snapshot(), nil
	}
	task, err := s.store.GetTask(taskID)
	if errors.Is(err, database.ErrTaskNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, err
}

// Logs 任务派生日志
func (s *ProvisionService) Logs(taskID string) ([]model.TaskLog, error) {
	if _, err := s.Get(taskID); err != nil {
		return nil, err
	}
	return s.store.Logs(taskID)
}

// Cancel 取消进行中的任务
func (s *ProvisionService) Cancel(taskID string) error {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		rt.cancel()
		return nil
	}
	if _, err := s.Get(taskID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
}

// Subscribe 订阅任务的实时串口输出；任务已结束时返回已关闭的 channel
func (s *ProvisionService) Subscribe(taskID string) (<-chan string, func(), error) {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		ch, cancel := rt.hub.subscribe(s.Config().Serial.QueueSize)
		return ch, cancel, nil
	}
	if _, err := s.Get(taskID); err != nil {
		return nil, nil, err
	}
	ch := make(chan string)
	close(ch)
	return ch, func() {}, nil
}

// Wait 等待任务结束并返回最终状态
func (s *ProvisionService) Wait(ctx context.Context, taskID string) (*model.ProvisionTask, error) {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-rt.done:
		}
	}
	return s.Get(taskID)
}

// BusyPorts 正在使用的端口
func (s *ProvisionService) BusyPorts() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.busy))
	for k, v := range s.busy {
		out[k] = v
	}
	return out
}

// Stop 取消全部任务并等待 worker 退出
func (s *ProvisionService) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

func (rt *runningTask) id() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.task.ID
}

func (rt *runningTask) update(fn func(t *model.ProvisionTask)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	fn(rt.task)
}

func (rt *runningTask) snapshot() *model.ProvisionTask {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cp := *rt.task
	return &cp
}

// record 原始串口输出与远程输出：写入会话记录并广播
func (rt *runningTask) record(text string) {
	_, _ = rt.transcript.WriteString(text)
	rt.hub.publish(text)
}

// observerWriter 把远程命令的实时输出送进观察者队列
type observerWriter struct {
	o serial.Observer
}

func (w observerWriter) Write(p []byte) (int, error) {
	w.o.Emit(string(p))
	return len(p), nil
}

// log 派生日志行排队落库
func (rt *runningTask) log(line string) {
	rt.logs.Emit(line)
}

// appendLog 持久化一条派生日志行
func (rt *runningTask) appendLog(line string) {
	snap := rt.snapshot()
	level := "info"
	entry := logger.ForTask(snap.ID, snap.Port)
	switch {
	case strings.HasPrefix(line, "[!]"):
		level = "warn"
		entry.Warn(line)
	default:
		entry.Info(line)
	}
	if err := rt.store.AppendLog(&model.TaskLog{
		ID:      uuid.NewString(),
		TaskID:  snap.ID,
		Level:   level,
		Message: line,
	}); err != nil {
		entry.Warnf("Failed to append task log: %v", err)
	}
}

// note 会话之外的派生日志行（打开串口前、任务结束后）
func (rt *runningTask) note(line string) {
	rt.log(line)
	rt.record(frameLine(line))
}

// loggedSession 派生日志行单独成行写入观察者，并交给 sink 持久化
type loggedSession struct {
	Session
	sink func(string)
}

// NewLoggedSession 包装会话；sink 可为 nil
func NewLoggedSession(sess Session, sink func(string)) Session {
	return &loggedSession{Session: sess, sink: sink}
}

func (l *loggedSession) Emit(line string) {
	if l.sink != nil {
		l.sink(line)
	}
	l.Session.Emit(frameLine(line))
}

func frameLine(line string) string {
	return "\r\n" + line + "\r\n"
}
