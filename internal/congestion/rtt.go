// =============================================================================
// 文件: internal/congestion/rtt.go
// 描述: RTT 测量与重传超时估算 (RFC 6298), 会话与心跳共用
// =============================================================================
package congestion

import (
	"sync"
	"time"
)

const (
	rttAlpha       = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta        = 0.25  // RTT 方差因子 (1/4)
	defaultInitRTT = 100 * time.Millisecond

	// 时钟粒度, RakNet tick 为 10ms
	clockGranularity = 10 * time.Millisecond

	DefaultRTOMin = 100 * time.Millisecond
	DefaultRTOMax = 10 * time.Second
)

// RTTEstimator RTT 估算器
type RTTEstimator struct {
	smoothedRTT time.Duration // SRTT
	rttVariance time.Duration // RTTVAR
	minRTT      time.Duration
	latestRTT   time.Duration
	maxRTT      time.Duration

	rtoMin time.Duration
	rtoMax time.Duration

	totalSamples uint64
	initialized  bool

	mu sync.RWMutex
}

// NewRTTEstimator 创建 RTT 估算器, RTO 限制在 [rtoMin, rtoMax]
func NewRTTEstimator(rtoMin, rtoMax time.Duration) *RTTEstimator {
	if rtoMin <= 0 {
		rtoMin = DefaultRTOMin
	}
	if rtoMax < rtoMin {
		rtoMax = DefaultRTOMax
	}
	return &RTTEstimator{
		smoothedRTT: defaultInitRTT,
		rttVariance: defaultInitRTT / 2,
		rtoMin:      rtoMin,
		rtoMax:      rtoMax,
	}
}

// Update 加入一次采样; 重传过的数据报不应调用 (Karn 算法)
func (r *RTTEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.latestRTT = sample
	r.totalSamples++

	if r.minRTT == 0 || sample < r.minRTT {
		r.minRTT = sample
	}
	if sample > r.maxRTT {
		r.maxRTT = sample
	}

	if !r.initialized {
		r.smoothedRTT = sample
		r.rttVariance = sample / 2
		r.initialized = true
		return
	}

	// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
	diff := r.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttVariance = time.Duration(float64(r.rttVariance)*(1-rttBeta) + float64(diff)*rttBeta)

	// SRTT = (1 - alpha) * SRTT + alpha * R
	r.smoothedRTT = time.Duration(float64(r.smoothedRTT)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

// GetSmoothedRTT 获取平滑 RTT
func (r *RTTEstimator) GetSmoothedRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.smoothedRTT
}

// GetRTTVariance 获取 RTT 方差
func (r *RTTEstimator) GetRTTVariance() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rttVariance
}

// GetMinRTT 获取最小 RTT, 无采样时返回 SRTT
func (r *RTTEstimator) GetMinRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.minRTT == 0 {
		return r.smoothedRTT
	}
	return r.minRTT
}

// GetLatestRTT 获取最新 RTT
func (r *RTTEstimator) GetLatestRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestRTT
}

// GetRTO 计算重传超时
func (r *RTTEstimator) GetRTO() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rto()
}

func (r *RTTEstimator) rto() time.Duration {
	// RTO = SRTT + max(G, 4*RTTVAR)
	v := 4 * r.rttVariance
	if v < clockGranularity {
		v = clockGranularity
	}
	rto := r.smoothedRTT + v
	if rto < r.rtoMin {
		rto = r.rtoMin
	}
	if rto > r.rtoMax {
		rto = r.rtoMax
	}
	return rto
}

// IsInitialized 是否已有采样
func (r *RTTEstimator) IsInitialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Reset 重置
func (r *RTTEstimator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.smoothedRTT = defaultInitRTT
	r.rttVariance = defaultInitRTT / 2
	r.minRTT = 0
	r.latestRTT = 0
	r.maxRTT = 0
	r.totalSamples = 0
	r.initialized = false
}

// GetStats 获取统计信息
func (r *RTTEstimator) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]interface{}{
		"srtt_ms":       r.smoothedRTT.Milliseconds(),
		"min_rtt_ms":    r.minRTT.Milliseconds(),
		"latest_rtt_ms": r.latestRTT.Milliseconds(),
		"max_rtt_ms":    r.maxRTT.Milliseconds(),
		"rtt_var_ms":    r.rttVariance.Milliseconds(),
		"rto_ms":        r.rto().Milliseconds(),
		"total_samples": r.totalSamples,
		"initialized":   r.initialized,
	}
}
