package photo

import "sync"

// Deduper 记录最近一次通知过的主区域索引，所有会话共用一个实例。
// 读改写在同一把锁内完成
type Deduper struct {
	mu   sync.Mutex
	last int
	set  bool
}

func NewDeduper() *Deduper {
	return &Deduper{}
}

// Observe 主区域与上一次相同返回 false（不通知），否则记录并返回 true
func (d *Deduper) Observe(region int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.set && d.last == region {
		return false
	}
	d.last = region
	d.set = true
	return true
}

// Last 返回最近一次通知的区域
func (d *Deduper) Last() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.set
}

func (d *Deduper) Reset() {
	d.mu.Lock()
	d.set = false
	d.last = 0
	d.mu.Unlock()
}
