package queue

import (
	"context"
	"sync"
)

// Notifier 在新任务入队时唤醒等待中的工作槽位
type Notifier interface {
	Notify(ctx context.Context, queue string)
	// Subscribe 返回通知通道和取消订阅函数
	Subscribe(queue string) (<-chan struct{}, func())
}

// LocalNotifier 进程内通知
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewLocalNotifier 创建进程内通知器
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[chan struct{}]struct{})}
}

func (n *LocalNotifier) Notify(_ context.Context, queue string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[queue] {
		// 通道已有未读通知时直接丢弃，订阅者醒来后会重新尝试租用
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *LocalNotifier) Subscribe(queue string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[queue] == nil {
		n.subs[queue] = make(map[chan struct{}]struct{})
	}
	n.subs[queue][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[queue], ch)
			n.mu.Unlock()
		})
	}
}
