package blockchain

import (
	"fmt"
	"sync"
	"time"
)

// CallCounters 调用计数器
//
// 按操作标签和调用点分别累计，每小时由后台任务汇总输出一次。
// 诊断侧信道，与正确性无关。实例持有，不是进程级全局。
type CallCounters struct {
	mu      sync.Mutex
	byLabel map[string]int64
	bySite  map[string]int64
	since   time.Time
}

// NewCallCounters 创建调用计数器
func NewCallCounters() *CallCounters {
	return &CallCounters{
		byLabel: make(map[string]int64),
		bySite:  make(map[string]int64),
		since:   time.Now(),
	}
}

// Record 记录一次调用尝试 (含重试)
func (c *CallCounters) Record(label, site string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byLabel[label]++
	if site != "" {
		c.bySite[site]++
	}
}

// Flush 返回并清零当前计数
func (c *CallCounters) Flush() (byLabel, bySite map[string]int64, window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byLabel = c.byLabel
	bySite = c.bySite
	window = time.Since(c.since)

	c.byLabel = make(map[string]int64)
	c.bySite = make(map[string]int64)
	c.since = time.Now()
	return byLabel, bySite, window
}

// BenignRollup 良性错误日汇总
//
// key 形如 {operation-kind}.{code}，按天聚合后由后台任务落库。
type BenignRollup struct {
	mu     sync.Mutex
	counts map[string]map[string]int64 // day -> key -> n
}

// NewBenignRollup 创建良性错误汇总
func NewBenignRollup() *BenignRollup {
	return &BenignRollup{counts: make(map[string]map[string]int64)}
}

// Incr 记录一次良性错误
func (b *BenignRollup) Incr(label string, code int) {
	day := time.Now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("%s.%d", label, code)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counts[day] == nil {
		b.counts[day] = make(map[string]int64)
	}
	b.counts[day][key]++
}

// Drain 返回并清空累计值
func (b *BenignRollup) Drain() map[string]map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.counts
	b.counts = make(map[string]map[string]int64)
	return out
}
