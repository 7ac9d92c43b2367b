package queue

import (
	"time"

	"reelflow/app/model"
)

// maxBackoffShift 限制指数退避的位移，避免溢出
const maxBackoffShift = 20

// Backoff 根据失败次数计算下一次重试前的等待时间
type Backoff struct {
	Strategy model.BackoffStrategy
	Base     time.Duration
}

// Delay 返回第 attempts 次失败后的等待时间，attempts 从 1 开始
//
// exponential: base * 2^(attempts-1)；fixed: base
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 || b.Base <= 0 {
		return 0
	}
	if b.Strategy == model.BackoffFixed {
		return b.Base
	}
	shift := attempts - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return b.Base * time.Duration(1<<shift)
}

// backoffOf 使用任务入队时记录的退避参数，配置变更不影响已入队任务
func backoffOf(job *model.Job) Backoff {
	return Backoff{
		Strategy: job.BackoffStrategy,
		Base:     time.Duration(job.BackoffBase) * time.Millisecond,
	}
}
