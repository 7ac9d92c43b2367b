package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"reelflow/app/logger"
	"reelflow/app/model"
	"reelflow/app/queue"

	"github.com/google/uuid"
)

// ErrShutdownTimeout 停机等待超时，仍在执行的任务已被中断
var ErrShutdownTimeout = errors.New("worker pool shutdown timed out")

// settleTimeout 确认或失败回写使用独立的超时，避免停机时丢失任务结果
const settleTimeout = 10 * time.Second

// Handler 处理单个任务，成功时返回的结果会写入任务
type Handler interface {
	Handle(ctx context.Context, job *model.Job) (any, error)
}

// HandlerFunc 函数形式的 Handler
type HandlerFunc func(ctx context.Context, job *model.Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *model.Job) (any, error) {
	return f(ctx, job)
}

// Config 工作池配置
type Config struct {
	Concurrency     int           // 并发槽位数
	PollInterval    time.Duration // 无通知时的轮询间隔
	ShutdownTimeout time.Duration // 停机时等待执行中任务的最长时间
}

// Pool 从队列租用任务并交给处理器执行
type Pool struct {
	queue   *queue.Queue
	handler Handler
	config  Config
	logger  *logger.Logger
	id      string

	ctx           context.Context // 控制租用循环
	cancel        context.CancelFunc
	handlerCtx    context.Context // 控制执行中的处理器
	handlerCancel context.CancelFunc
	wg            sync.WaitGroup
	isRunning     bool
	mu            sync.Mutex
}

// NewPool 创建工作池
func NewPool(q *queue.Queue, handler Handler, config Config, log *logger.Logger) *Pool {
	if config.Concurrency <= 0 {
		config.Concurrency = 1 // 默认 1 个并发
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	host, _ := os.Hostname()
	return &Pool{
		queue:   q,
		handler: handler,
		config:  config,
		logger:  log.Named("worker." + q.Name()),
		id:      fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
	}
}

// Start 启动工作槽位
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		p.logger.Warn("工作池已经在运行中")
		return
	}

	// 上次进程退出时遗留的租约
	if n, err := p.queue.ReclaimExpired(context.Background()); err != nil {
		p.logger.Errorf("回收过期租约失败: %v", err)
	} else if n > 0 {
		p.logger.Infof("启动时回收了 %d 个过期租约", n)
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.handlerCtx, p.handlerCancel = context.WithCancel(context.Background())
	p.isRunning = true

	p.logger.Infof("启动工作池: queue=%s, 并发数=%d", p.queue.Name(), p.config.Concurrency)
	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.runSlot(fmt.Sprintf("%s/%d", p.id, i))
	}
	p.wg.Add(1)
	go p.reclaimLoop()
}

// Stop 停止租用新任务并等待执行中的任务结束
//
// 超过 ShutdownTimeout 或 ctx 结束后中断处理器，被中断的任务交还队列，返回 ErrShutdownTimeout。
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = false
	p.mu.Unlock()

	p.logger.Info("正在停止工作池...")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		p.handlerCancel()
		p.logger.Info("工作池已停止")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warn("等待执行中的任务超时，中断处理器")
	p.handlerCancel()

	// 给被中断的任务留出交还租约的时间
	select {
	case <-done:
	case <-time.After(settleTimeout):
		p.logger.Error("处理器未响应中断，剩余任务将在租约过期后回收")
	}
	return ErrShutdownTimeout
}

// IsRunning 工作池是否在运行
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRunning
}

// runSlot 单个工作槽位的租用循环
func (p *Pool) runSlot(workerID string) {
	defer p.wg.Done()

	notify, unsubscribe := p.queue.Subscribe()
	defer unsubscribe()

	for {
		if p.ctx.Err() != nil {
			return
		}

		job, err := p.queue.Lease(p.ctx, workerID)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Errorf("租用任务失败: %v", err)
			p.wait(notify)
			continue
		}
		if job == nil {
			p.wait(notify)
			continue
		}

		p.process(job)
	}
}

// wait 等待入队通知或轮询间隔
func (p *Pool) wait(notify <-chan struct{}) {
	timer := time.NewTimer(p.config.PollInterval)
	defer timer.Stop()

	select {
	case <-p.ctx.Done():
	case <-notify:
	case <-timer.C:
	}
}

// process 执行单个任务，期间定期续租
func (p *Pool) process(job *model.Job) {
	ctx, cancel := context.WithCancel(p.handlerCtx)
	defer cancel()

	p.logger.Infof("开始处理任务: job=%s, type=%s, attempt=%d/%d", job.JobID, job.Type, job.Attempts+1, job.MaxAttempts)
	start := time.Now()

	stopHeartbeat := make(chan struct{})
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		p.heartbeat(job, cancel, stopHeartbeat)
	}()

	result, err := p.safeHandle(ctx, job)
	close(stopHeartbeat)
	hb.Wait()

	settleCtx, settleCancel := context.WithTimeout(context.Background(), settleTimeout)
	defer settleCancel()

	if err == nil {
		if ackErr := p.queue.Ack(settleCtx, job, result); ackErr != nil {
			p.logger.Errorf("确认任务失败: job=%s, err=%v", job.JobID, ackErr)
			return
		}
		p.logger.Infof("任务处理完成: job=%s, 耗时=%s", job.JobID, time.Since(start).Round(time.Millisecond))
		return
	}

	if p.handlerCtx.Err() != nil && errors.Is(err, context.Canceled) {
		if relErr := p.queue.Release(settleCtx, job); relErr != nil {
			p.logger.Errorf("交还任务失败: job=%s, err=%v", job.JobID, relErr)
		}
		return
	}

	p.logger.Warnf("任务处理失败: job=%s, err=%v", job.JobID, err)
	if nackErr := p.queue.Nack(settleCtx, job, err); nackErr != nil {
		p.logger.Errorf("记录任务失败状态失败: job=%s, err=%v", job.JobID, nackErr)
	}
}

// safeHandle 调用处理器并将 panic 转换为错误
func (p *Pool) safeHandle(ctx context.Context, job *model.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("处理器 panic: job=%s, panic=%v\n%s", job.JobID, r, debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, job)
}

// heartbeat 每隔租约时长的三分之一续租，租约丢失时中断处理器
func (p *Pool) heartbeat(job *model.Job, cancel context.CancelFunc, stop <-chan struct{}) {
	interval := p.queue.LeaseTimeout() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := p.queue.Extend(context.Background(), job)
			if errors.Is(err, queue.ErrLeaseLost) {
				p.logger.Warnf("任务租约已丢失，中断处理: job=%s", job.JobID)
				cancel()
				return
			}
			if err != nil {
				p.logger.Errorf("续租失败: job=%s, err=%v", job.JobID, err)
			}
		}
	}
}

// reclaimLoop 定期回收其他进程遗留的过期租约
func (p *Pool) reclaimLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.queue.LeaseTimeout())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.ReclaimExpired(p.ctx); err != nil && p.ctx.Err() == nil {
				p.logger.Errorf("回收过期租约失败: %v", err)
			}
		}
	}
}
