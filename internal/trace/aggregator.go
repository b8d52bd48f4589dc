package trace

import (
	"slices"
	"sync"

	"bradypod/internal/logger"
	"bradypod/pkg/model"
)

// Aggregator 按请求标识折叠生命周期事件，一次页面加载对应一份记录
type Aggregator struct {
	mu      sync.Mutex
	records map[model.CorrelationID]*model.TraceRecord
	dropped int
	log     logger.Logger
}

// New 创建聚合器
func New(l logger.Logger) *Aggregator {
	if l == nil {
		l = logger.NewNop()
	}
	return &Aggregator{
		records: make(map[model.CorrelationID]*model.TraceRecord),
		log:     l,
	}
}

// Fold 折叠单个事件；同一请求只保留第一个终结事件
func (a *Aggregator) Fold(ev model.Event) {
	id := ev.ID()
	if id == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[id]
	if !ok {
		rec = &model.TraceRecord{ID: id}
		a.records[id] = rec
	}

	switch ev.Type {
	case model.EventRequest:
		if ev.Request == nil {
			return
		}
		if rec.Request != nil {
			a.log.Warn("重复的请求事件，已忽略", "id", id)
			return
		}
		r := *ev.Request
		rec.Request = &r

	case model.EventResponse:
		if ev.Response == nil {
			return
		}
		resp := *ev.Response
		if !resp.Stage.Terminal() {
			if rec.Response == nil {
				rec.Progress = &resp
			}
			return
		}
		if rec.Response != nil {
			a.dropped++
			a.log.Debug("请求已关闭，丢弃后续终结事件",
				"id", id, "kept", rec.Response.Stage, "dropped", resp.Stage)
			return
		}
		rec.Response = &resp
	}
}

// Closed 请求是否已记录终结事件
func (a *Aggregator) Closed(id model.CorrelationID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[id]
	return ok && rec.Closed()
}

// Snapshot 按标识升序返回全部记录的副本，包括未完成的请求
func (a *Aggregator) Snapshot() []model.TraceRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.TraceRecord, 0, len(a.records))
	for _, rec := range a.records {
		out = append(out, cloneRecord(rec))
	}
	slices.SortFunc(out, func(x, y model.TraceRecord) int {
		switch {
		case x.ID < y.ID:
			return -1
		case x.ID > y.ID:
			return 1
		}
		return 0
	})
	return out
}

// Len 记录数量
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Dropped 被丢弃的重复终结事件数量
func (a *Aggregator) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Reset 清空记录，开始新的页面加载
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = make(map[model.CorrelationID]*model.TraceRecord)
	a.dropped = 0
}

func cloneRecord(rec *model.TraceRecord) model.TraceRecord {
	out := model.TraceRecord{ID: rec.ID}
	if rec.Request != nil {
		r := *rec.Request
		r.Headers = slices.Clone(r.Headers)
		out.Request = &r
	}
	if rec.Progress != nil {
		p := *rec.Progress
		p.Headers = slices.Clone(p.Headers)
		out.Progress = &p
	}
	if rec.Response != nil {
		r := *rec.Response
		r.Headers = slices.Clone(r.Headers)
		out.Response = &r
	}
	return out
}
