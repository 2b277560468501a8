package internal

import (
	"sync"
	"time"
)

// task 可取消的排程工作（間隔或延遲）
//
// 回呼在房間鎖內執行，執行前會再確認任務是否已取消，
// 所以 Stop 之後即使 goroutine 已經在等鎖，也不會再改動房間狀態。
type task struct {
	name   string
	stopCh chan struct{}
	once   sync.Once
}

func newTask(name string) *task {
	return &task{name: name, stopCh: make(chan struct{})}
}

// Stop 取消任務，可重複呼叫
func (t *task) Stop() {
	t.once.Do(func() {
		close(t.stopCh)
	})
}

// Stopped 任務是否已取消
func (t *task) Stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// scheduler 房間的任務排程器
//
// guard 為房間的鎖；release 在解鎖後呼叫（用來送出排隊中的訊息）。
// 所有 goroutine 由 wg 追蹤，Wait 會等到它們全部結束。
type scheduler struct {
	guard   sync.Locker
	release func()
	wg      sync.WaitGroup
}

func newScheduler(guard sync.Locker, release func()) *scheduler {
	return &scheduler{guard: guard, release: release}
}

// every 每隔 d 執行一次 fn，直到任務被取消
func (s *scheduler) every(name string, d time.Duration, fn func(t *task)) *task {
	t := newTask(name)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(d)
		defer ticker.Stop()

		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				if !s.run(t, fn) {
					return
				}
			}
		}
	}()

	return t
}

// after 延遲 d 之後執行一次 fn
func (s *scheduler) after(name string, d time.Duration, fn func(t *task)) *task {
	t := newTask(name)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-t.stopCh:
		case <-timer.C:
			if s.run(t, fn) {
				t.Stop()
			}
		}
	}()

	return t
}

// run 在鎖內執行回呼，任務已取消則跳過
func (s *scheduler) run(t *task, fn func(t *task)) bool {
	s.guard.Lock()
	if t.Stopped() {
		s.guard.Unlock()
		return false
	}
	fn(t)
	s.guard.Unlock()

	if s.release != nil {
		s.release()
	}
	return true
}

// Wait 等待所有任務 goroutine 結束
func (s *scheduler) Wait() {
	s.wg.Wait()
}
