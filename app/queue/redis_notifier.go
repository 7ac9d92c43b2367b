package queue

import (
	"context"
	"sync"

	"reelflow/app/logger"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "reelflow:queue:"

// RedisNotifier 通过 Redis 发布订阅在多个进程间传递入队通知
//
// 发布失败时退回到进程内通知，其他进程依靠轮询间隔兜底。
type RedisNotifier struct {
	rdb   *redis.Client
	local *LocalNotifier
	log   *logger.Logger
}

// NewRedisNotifier 创建 Redis 通知器
func NewRedisNotifier(rdb *redis.Client, log *logger.Logger) *RedisNotifier {
	return &RedisNotifier{
		rdb:   rdb,
		local: NewLocalNotifier(),
		log:   log,
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, queue string) {
	if err := n.rdb.Publish(ctx, redisChannelPrefix+queue, "enqueued").Err(); err != nil {
		n.log.Warnf("发布入队通知失败，改用进程内通知: queue=%s, err=%v", queue, err)
		n.local.Notify(ctx, queue)
	}
}

func (n *RedisNotifier) Subscribe(queue string) (<-chan struct{}, func()) {
	out, cancelLocal := n.local.Subscribe(queue)
	ch := make(chan struct{}, 1)
	done := make(chan struct{})
	pubsub := n.rdb.Subscribe(context.Background(), redisChannelPrefix+queue)

	forward := func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	go func() {
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-out:
				forward()
			case _, ok := <-msgs:
				if !ok {
					return
				}
				forward()
			}
		}
	}()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			close(done)
			cancelLocal()
			if err := pubsub.Close(); err != nil {
				n.log.Debugf("关闭订阅失败: queue=%s, err=%v", queue, err)
			}
		})
	}
}
