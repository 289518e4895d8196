package blockchain

import (
	"context"
	"sync"
	"time"
)

// Pacer 周期内调用节拍器
//
// 给定本周期计划的调用次数和墙钟预算，把调用均匀摊到预算内，
// 避免一批新发现的工作瞬间打满请求速率。调用方可以在周期中途
// Reserve 追加计划量，节拍间隔随之重算。突发整形用，不是正确性机制。
type Pacer struct {
	mu      sync.Mutex
	start   time.Time
	budget  time.Duration
	planned int
	done    int
	active  bool
}

// NewPacer 创建节拍器
func NewPacer() *Pacer {
	return &Pacer{}
}

// BeginCycle 开始一个有预算的工作周期
func (p *Pacer) BeginCycle(planned int, budget time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start = time.Now()
	p.budget = budget
	p.planned = planned
	p.done = 0
	p.active = planned > 0 && budget > 0
}

// Reserve 周期中途追加计划调用量
func (p *Pacer) Reserve(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.planned += n
}

// EndCycle 结束当前周期，后续 Wait 直接放行
func (p *Pacer) EndCycle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
}

// Wait 阻塞到下一个调用时隙
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	if !p.active || p.planned <= 0 {
		p.mu.Unlock()
		return ctx.Err()
	}

	// 第 done 次调用的时隙 = start + budget * done / planned
	slot := p.start.Add(p.budget * time.Duration(p.done) / time.Duration(p.planned))
	p.done++
	p.mu.Unlock()

	delay := time.Until(slot)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
