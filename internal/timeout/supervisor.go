package timeout

import (
	"net/http"
	"sync/atomic"
	"time"

	"bradypod/pkg/model"
)

// ErrorString 超时事件的错误描述
const ErrorString = "Network timeout on resource."

// Latch 单次关闭标志，超时与正常完成共享，先置位者胜出
type Latch struct {
	closed atomic.Bool
}

// Close 尝试关闭，只有第一次调用返回 true
func (l *Latch) Close() bool { return l.closed.CompareAndSwap(false, true) }

// Closed 是否已关闭
func (l *Latch) Closed() bool { return l.closed.Load() }

// State 超时监督器状态
type State int32

const (
	Armed State = iota
	Fired
	Disarmed
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	default:
		return "disarmed"
	}
}

// Supervisor 单个请求的超时监督器：Armed -> Fired -> Disarmed 或 Armed -> Disarmed
type Supervisor struct {
	id    model.CorrelationID
	url   string
	latch *Latch
	abort func()
	emit  func(model.ResponseEvent)
	state atomic.Int32
	timer *time.Timer
}

// Arm 启动一次性超时；d<=0 时不监督，返回 nil
func Arm(id model.CorrelationID, url string, d time.Duration, latch *Latch, abort func(), emit func(model.ResponseEvent)) *Supervisor {
	if d <= 0 {
		return nil
	}
	s := &Supervisor{id: id, url: url, latch: latch, abort: abort, emit: emit}
	s.state.Store(int32(Armed))
	s.timer = time.AfterFunc(d, s.expire)
	return s
}

func (s *Supervisor) expire() {
	if !s.latch.Close() {
		// 正常完成已先关闭请求
		s.state.CompareAndSwap(int32(Armed), int32(Disarmed))
		return
	}
	// 关闭标志已归超时所有，即使并发 Disarm 也必须发出终结事件
	s.state.CompareAndSwap(int32(Armed), int32(Fired))
	if s.emit != nil {
		s.emit(model.ResponseEvent{
			ID:          s.id,
			Stage:       model.StageTimeout,
			URL:         s.url,
			Status:      http.StatusRequestTimeout,
			StatusText:  http.StatusText(http.StatusRequestTimeout),
			ErrorCode:   model.ErrCodeTimeout,
			ErrorString: ErrorString,
			Time:        time.Now(),
		})
	}
	if s.abort != nil {
		s.abort()
	}
}

// Disarm 取消并释放计时器，不产生事件
func (s *Supervisor) Disarm() {
	if s == nil {
		return
	}
	s.timer.Stop()
	for {
		cur := s.state.Load()
		if cur == int32(Disarmed) || s.state.CompareAndSwap(cur, int32(Disarmed)) {
			return
		}
	}
}

// State 当前状态
func (s *Supervisor) State() State {
	if s == nil {
		return Disarmed
	}
	return State(s.state.Load())
}
