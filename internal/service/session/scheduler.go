package session

import (
	"sync"
	"time"
)

const (
	timerResponse  = "response-timeout"
	timerHandshake = "handshake"
	timerKeepAlive = "keepalive"
	timerReconnect = "reconnect"
)

// Scheduler 持有会话的全部定时器，Stop 后所有定时器一起失效。
// 定时器到期时通过 fire 把事件交回状态机，不持有任何锁。
type Scheduler struct {
	fire func(Event)

	mu      sync.Mutex
	stopped bool
	gen     uint64
	timers  map[string]*scheduled
}

type scheduled struct {
	gen   uint64
	timer *time.Timer
	stop  chan struct{}
}

// NewScheduler 创建调度器
func NewScheduler(fire func(Event)) *Scheduler {
	return &Scheduler{fire: fire, timers: make(map[string]*scheduled)}
}

// After 在 d 之后投递一次 ev，同名定时器会被替换。
func (s *Scheduler) After(name string, d time.Duration, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.cancelLocked(name)

	s.gen++
	entry := &scheduled{gen: s.gen}
	entry.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		current, ok := s.timers[name]
		if s.stopped || !ok || current.gen != entry.gen {
			s.mu.Unlock()
			return
		}
		delete(s.timers, name)
		s.mu.Unlock()
		s.fire(ev)
	})
	s.timers[name] = entry
}

// Every 每隔 d 投递一次 ev，直到被取消。
func (s *Scheduler) Every(name string, d time.Duration, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || d <= 0 {
		return
	}
	s.cancelLocked(name)

	s.gen++
	entry := &scheduled{gen: s.gen, stop: make(chan struct{})}
	s.timers[name] = entry

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-entry.stop:
				return
			case <-ticker.C:
				select {
				case <-entry.stop:
					return
				default:
				}
				s.fire(ev)
			}
		}
	}()
}

// Cancel 取消指定定时器
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(name)
}

func (s *Scheduler) cancelLocked(name string) {
	entry, ok := s.timers[name]
	if !ok {
		return
	}
	delete(s.timers, name)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if entry.stop != nil {
		close(entry.stop)
	}
}

// Pending 返回仍在等待的定时器数量
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop 取消全部定时器，之后的 After/Every 调用无效。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for name := range s.timers {
		s.cancelLocked(name)
	}
}
