package app

import (
	"sync"
	"time"

	"github.com/MrWong99/drillcycle/pkg/types"
)

// latencyWindow is how many recent answers feed the mean latency.
const latencyWindow = 20

// performance turns timing results into [types.PerformanceMetrics]. An
// answer counts as correct when speech was detected within the pause.
type performance struct {
	mu         sync.Mutex
	pause      time.Duration
	current    string
	latencies  []time.Duration
	streak     int
	struggling map[string]bool
	samples    int
}

func newPerformance(pause time.Duration) *performance {
	return &performance{pause: pause, struggling: make(map[string]bool)}
}

// begin marks item as the one the next result belongs to.
func (p *performance) begin(it types.LearningItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = itemKey(it)
}

func (p *performance) setPause(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pause = d
}

// record adds one timing result for the current item.
func (p *performance) record(r types.TimingResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples++

	correct := r.SpeechDetected && r.ResponseLatency != nil && *r.ResponseLatency <= p.pause
	if r.SpeechDetected && r.ResponseLatency != nil {
		p.latencies = append(p.latencies, *r.ResponseLatency)
		if len(p.latencies) > latencyWindow {
			p.latencies = p.latencies[len(p.latencies)-latencyWindow:]
		}
	}
	if correct {
		p.streak++
		delete(p.struggling, p.current)
	} else {
		p.streak = 0
		if p.current != "" {
			p.struggling[p.current] = true
		}
	}
}

// snapshot returns the current metrics, or nil before the first result.
func (p *performance) snapshot() *types.PerformanceMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.samples == 0 {
		return nil
	}
	m := &types.PerformanceMetrics{
		CorrectStreak:   p.streak,
		StrugglingItems: len(p.struggling),
	}
	if n := len(p.latencies); n > 0 {
		var sum time.Duration
		for _, l := range p.latencies {
			sum += l
		}
		m.AvgResponseLatency = sum / time.Duration(n)
	}
	return m
}

func itemKey(it types.LearningItem) string {
	if it.Prompt.ID != "" {
		return it.Prompt.ID
	}
	return it.Known + "\x00" + it.Target
}
