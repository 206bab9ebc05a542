// Package taskqueue は時間のかかる処理をHTTPの外で実行する汎用キュー。
// Submitでハンドルを返し、Pollで状態を見る。搬送路はwatermill、結果はStoreに置く。
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Handler はワーカーで実行する処理。戻り値はJSONにしてStatus.Resultへ入る
type Handler func(ctx context.Context, payload []byte) (any, error)

// Classifier はエラーをクライアント向けのFailureにする
type Classifier func(err error) Failure

type Options struct {
	Topic    string
	Workers  int
	Timeout  time.Duration
	Classify Classifier
	Logger   *slog.Logger
	// プロセス内の搬送路（gochannel）用。Close時に配達されずに残ったタスクをfailed/shutdownにする。
	// 永続的なブローカーでは他のインスタンスが処理するので使わない
	FailUndeliveredOnClose bool
}

type Queue struct {
	pub     message.Publisher
	sub     message.Subscriber
	store   Store
	handler Handler
	opts    Options
	now     func() time.Time

	wg       sync.WaitGroup
	loopDone chan struct{}

	mu          sync.Mutex
	undelivered map[string]struct{}
}

func New(pub message.Publisher, sub message.Subscriber, store Store, opts Options) *Queue {
	if opts.Topic == "" {
		opts.Topic = "tasks"
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Classify == nil {
		opts.Classify = func(error) Failure { return Failure{Code: "internal", Message: "internal error"} }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		pub:         pub,
		sub:         sub,
		store:       store,
		opts:        opts,
		now:         time.Now,
		undelivered: map[string]struct{}{},
	}
}

// Submit はpendingを記録してからpublishし、すぐにハンドルを返す
func (q *Queue) Submit(ctx context.Context, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}

	id := uuid.NewString()
	if err := q.store.Put(ctx, Status{ID: id, State: StatePending, UpdatedAt: q.now()}); err != nil {
		return "", err
	}

	// publish直後に配達されることがあるので先に登録する
	q.track(id)
	if err := q.pub.Publish(q.opts.Topic, message.NewMessage(id, data)); err != nil {
		q.untrack(id)
		_ = q.store.Put(ctx, Status{
			ID:        id,
			State:     StateFailed,
			Error:     &Failure{Code: "enqueue_failed", Message: "could not enqueue task"},
			UpdatedAt: q.now(),
		})
		return "", fmt.Errorf("publish task: %w", err)
	}
	return id, nil
}

func (q *Queue) Poll(ctx context.Context, id string) (Status, error) {
	return q.store.Get(ctx, id)
}

// Start は購読してhandlerを回すワーカーを起動する。購読が終わってから戻るので、
// 戻った後のSubmitは取りこぼさない
func (q *Queue) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("taskqueue: handler is required")
	}
	q.handler = handler

	msgs, err := q.sub.Subscribe(ctx, q.opts.Topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.opts.Topic, err)
	}

	sem := semaphore.NewWeighted(int64(q.opts.Workers))
	q.loopDone = make(chan struct{})

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(q.loopDone)
		for msg := range msgs {
			// 自動リトライはしない。結果はStoreに残す
			msg.Ack()
			q.untrack(msg.UUID)

			if err := sem.Acquire(ctx, 1); err != nil {
				q.record(context.WithoutCancel(ctx), Status{
					ID:    msg.UUID,
					State: StateFailed,
					Error: &Failure{Code: "shutdown", Message: "worker stopped before the task ran"},
				})
				continue
			}

			q.wg.Add(1)
			go func(m *message.Message) {
				defer q.wg.Done()
				defer sem.Release(1)
				q.process(ctx, m)
			}(msg)
		}
	}()

	q.opts.Logger.Info("task workers started", "topic", q.opts.Topic, "workers", q.opts.Workers)
	return nil
}

// Wait は実行中のタスクが終わるまで待つ
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close は搬送路を閉じ、受信ループが止まるのを待つ。
// 実行中のタスクはWaitで待つ
func (q *Queue) Close() error {
	if err := q.pub.Close(); err != nil {
		return err
	}
	if err := q.sub.Close(); err != nil {
		return err
	}
	if q.loopDone != nil {
		<-q.loopDone
	}
	q.failUndelivered()
	return nil
}

func (q *Queue) track(id string) {
	if !q.opts.FailUndeliveredOnClose {
		return
	}
	q.mu.Lock()
	q.undelivered[id] = struct{}{}
	q.mu.Unlock()
}

func (q *Queue) untrack(id string) {
	if !q.opts.FailUndeliveredOnClose {
		return
	}
	q.mu.Lock()
	delete(q.undelivered, id)
	q.mu.Unlock()
}

// 搬送路ごと消えたタスクはTTLまでpendingのままにせず、失敗として残す
func (q *Queue) failUndelivered() {
	q.mu.Lock()
	ids := make([]string, 0, len(q.undelivered))
	for id := range q.undelivered {
		ids = append(ids, id)
	}
	q.undelivered = map[string]struct{}{}
	q.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	q.opts.Logger.Warn("tasks dropped at shutdown", "count", len(ids))
	for _, id := range ids {
		q.record(context.Background(), Status{
			ID:    id,
			State: StateFailed,
			Error: &Failure{Code: "shutdown", Message: "worker stopped before the task ran"},
		})
	}
}

func (q *Queue) process(ctx context.Context, msg *message.Message) {
	log := q.opts.Logger.With("task_id", msg.UUID)

	// 投入済みのタスクは最後まで走らせる（キャンセルしない）
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.Timeout)
	defer cancel()

	started := q.now()
	result, err := q.run(taskCtx, msg.Payload)

	st := Status{ID: msg.UUID}
	if err != nil {
		f := q.opts.Classify(err)
		st.State = StateFailed
		st.Error = &f
		log.Warn("task failed", "code", f.Code, "err", err, "elapsed", q.now().Sub(started))
	} else {
		data, mErr := json.Marshal(result)
		if mErr != nil {
			st.State = StateFailed
			st.Error = &Failure{Code: "internal", Message: "could not encode result"}
			log.Error("task result encode failed", "err", mErr)
		} else {
			st.State = StateSucceeded
			st.Result = data
			log.Info("task succeeded", "elapsed", q.now().Sub(started))
		}
	}

	q.record(taskCtx, st)
}

func (q *Queue) run(ctx context.Context, payload []byte) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return q.handler(ctx, payload)
}

func (q *Queue) record(ctx context.Context, st Status) {
	st.UpdatedAt = q.now()
	if err := q.store.Put(ctx, st); err != nil {
		q.opts.Logger.Error("task status write failed", "task_id", st.ID, "state", st.State, "err", err)
	}
}
