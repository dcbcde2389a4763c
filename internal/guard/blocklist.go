// =============================================================================
// 文件: internal/guard/blocklist.go
// 描述: 滥用地址封禁表 (时间片布隆过滤器 + 精确到期表)
// =============================================================================

package guard

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	DefaultExpectedItems = 10000
	DefaultFalsePositive = 0.0001
	DefaultSlices        = 6
	DefaultBlockDuration = 60 * time.Second
)

// Config 封禁表配置
type Config struct {
	// BlockDuration 封禁时长, 按 Slices 个时间片滚动
	BlockDuration time.Duration
	Slices        int
	ExpectedItems uint
	FalsePositive float64
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		BlockDuration: DefaultBlockDuration,
		Slices:        DefaultSlices,
		ExpectedItems: DefaultExpectedItems,
		FalsePositive: DefaultFalsePositive,
	}
}

// Stats 统计信息
type Stats struct {
	Checks    uint64
	Blocked   uint64
	BloomHits uint64
	Added     uint64
	Active    int
}

type timeSlice struct {
	bloom     *bloom.BloomFilter
	startTime time.Time
}

// Blocklist 按 IP 封禁; 布隆过滤器做快速否定, 精确表确认并处理误报
type Blocklist struct {
	cfg        Config
	slices     []*timeSlice
	currentIdx int
	expiry     map[netip.Addr]time.Time

	now func() time.Time
	mu  sync.RWMutex

	checks    uint64
	blocked   uint64
	bloomHits uint64
	added     uint64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// New 创建封禁表, 需调用 Start 启动轮转
func New(cfg Config) *Blocklist {
	if cfg.Slices <= 0 {
		cfg.Slices = DefaultSlices
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = DefaultExpectedItems
	}
	if cfg.FalsePositive <= 0 || cfg.FalsePositive >= 1 {
		cfg.FalsePositive = DefaultFalsePositive
	}

	b := &Blocklist{
		cfg:    cfg,
		slices: make([]*timeSlice, cfg.Slices),
		expiry: make(map[netip.Addr]time.Time),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	start := b.now()
	for i := range b.slices {
		b.slices[i] = b.newSlice(start)
	}
	return b
}

func (b *Blocklist) newSlice(start time.Time) *timeSlice {
	return &timeSlice{
		bloom:     bloom.NewWithEstimates(b.cfg.ExpectedItems, b.cfg.FalsePositive),
		startTime: start,
	}
}

func (b *Blocklist) sliceDuration() time.Duration {
	return b.cfg.BlockDuration / time.Duration(b.cfg.Slices)
}

func key(addr netip.Addr) []byte {
	return addr.Unmap().AsSlice()
}

// Block 封禁地址
func (b *Blocklist) Block(addr netip.Addr) {
	addr = addr.Unmap()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.slices[b.currentIdx].bloom.Add(key(addr))
	b.expiry[addr] = b.now().Add(b.cfg.BlockDuration)
	atomic.AddUint64(&b.added, 1)
}

// Blocked 地址是否处于封禁期
func (b *Blocklist) Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	atomic.AddUint64(&b.checks, 1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	k := key(addr)
	hit := false
	for _, s := range b.slices {
		if s.bloom.Test(k) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	atomic.AddUint64(&b.bloomHits, 1)

	until, ok := b.expiry[addr]
	if !ok || !b.now().Before(until) {
		return false
	}
	atomic.AddUint64(&b.blocked, 1)
	return true
}

// Start 启动时间片轮转
func (b *Blocklist) Start() {
	go b.rotateLoop()
}

// Close 停止轮转
func (b *Blocklist) Close() {
	b.closeOnce.Do(func() { close(b.stopCh) })
}

func (b *Blocklist) rotateLoop() {
	ticker := time.NewTicker(b.sliceDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.rotate()
		case <-b.stopCh:
			return
		}
	}
}

// rotate 重置最老的时间片, 清理到期条目
func (b *Blocklist) rotate() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.currentIdx = (b.currentIdx + 1) % len(b.slices)
	b.slices[b.currentIdx] = b.newSlice(now)

	for addr, until := range b.expiry {
		if !now.Before(until) {
			delete(b.expiry, addr)
		}
	}
}

// Stats 返回统计信息
func (b *Blocklist) Stats() Stats {
	b.mu.RLock()
	active := len(b.expiry)
	b.mu.RUnlock()

	return Stats{
		Checks:    atomic.LoadUint64(&b.checks),
		Blocked:   atomic.LoadUint64(&b.blocked),
		BloomHits: atomic.LoadUint64(&b.bloomHits),
		Added:     atomic.LoadUint64(&b.added),
		Active:    active,
	}
}
