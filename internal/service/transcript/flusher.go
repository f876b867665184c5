package transcript

import (
	"context"
	"log"
	"sync"
	"time"
)

// Options 异步持久化参数
type Options struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// DoneFunc 在记录处理完后回调，err 为空表示已成功写入。
type DoneFunc func(rec Record, err error)

type job struct {
	rec  Record
	done DoneFunc
}

// Flusher 在后台协程中生成总结并写入持久化方，调用方从不阻塞。
type Flusher struct {
	sink       Sink
	summarizer *Summarizer
	opts       Options

	mu     sync.Mutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewFlusher 创建异步持久化器，summarizer 可以为空。
func NewFlusher(sink Sink, summarizer *Summarizer, opts Options) *Flusher {
	if sink == nil {
		sink = LogSink{}
	}
	opts = opts.withDefaults()
	return &Flusher{
		sink:       sink,
		summarizer: summarizer,
		opts:       opts,
		queue:      make(chan job, opts.QueueSize),
	}
}

// Start 启动工作协程
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctx != nil || f.closed {
		return
	}
	f.ctx, f.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < f.opts.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	log.Printf("[transcript] flusher started: sink=%s workers=%d queue=%d", f.sink.Name(), f.opts.Workers, f.opts.QueueSize)
}

// Flush 把记录放入队列。队列已满或已关闭时返回 false，且不会调用 done。
func (f *Flusher) Flush(rec Record, done DoneFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.queue <- job{rec: rec, done: done}:
		return true
	default:
		log.Printf("[transcript] flush queue full, drop session=%s entries=%d", rec.SessionID, len(rec.Entries))
		return false
	}
}

// Close 停止接收新记录并等待队列中的记录写完
func (f *Flusher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	started := f.ctx != nil
	f.mu.Unlock()

	if !started {
		for j := range f.queue {
			f.process(context.Background(), j)
		}
		return
	}
	f.wg.Wait()
	f.cancel()
}

func (f *Flusher) worker() {
	defer f.wg.Done()
	for j := range f.queue {
		f.process(f.ctx, j)
	}
}

func (f *Flusher) process(parent context.Context, j job) {
	ctx, cancel := context.WithTimeout(parent, f.opts.Timeout)
	defer cancel()

	rec := j.rec
	if rec.Summary == "" && len(rec.Entries) > 0 {
		summary := f.summarizer.Summarize(ctx, rec.Entries)
		rec.Summary = summary.Text
		rec.ActionSteps = summary.ActionSteps
	}

	err := f.sink.Write(ctx, rec)
	if err != nil {
		log.Printf("[transcript] write session=%s to %s failed: %v", rec.SessionID, f.sink.Name(), err)
	} else {
		log.Printf("[transcript] session=%s saved to %s (%d entries, trigger=%s)", rec.SessionID, f.sink.Name(), len(rec.Entries), rec.Trigger)
	}
	if j.done != nil {
		j.done(rec, err)
	}
}
