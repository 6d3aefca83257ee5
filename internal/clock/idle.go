package clock

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/observability"
)

// Sample is one observation of system load and interactive activity.
type Sample struct {
	At           time.Time
	CPUPct       float64
	MemPct       float64
	LastActivity time.Time
}

// Prober supplies raw load samples. The production prober reads gopsutil;
// tests inject deterministic values.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

// SystemProber samples CPU and memory via gopsutil. Interactive activity is
// reported by collaborators (UI, voice, chat) through Touch; absent any
// report the activity age grows unbounded, which reads as idle.
type SystemProber struct {
	clk Clock

	mu           sync.Mutex
	lastActivity time.Time
}

func NewSystemProber(clk Clock) *SystemProber {
	return &SystemProber{clk: clk}
}

// Touch records a user-interactive event.
func (p *SystemProber) Touch() {
	p.mu.Lock()
	p.lastActivity = p.clk.Now()
	p.mu.Unlock()
}

func (p *SystemProber) Probe(ctx context.Context) (Sample, error) {
	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, err
	}
	var cpuPct float64
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}

	p.mu.Lock()
	last := p.lastActivity
	p.mu.Unlock()

	return Sample{
		At:           p.clk.Now(),
		CPUPct:       cpuPct,
		MemPct:       vm.UsedPercent,
		LastActivity: last,
	}, nil
}

// IdleSensor debounces load samples into a single idle signal. Idle is true
// only if every sample in the trailing window passes all three thresholds.
type IdleSensor struct {
	prober        Prober
	clk           Clock
	log           *zap.Logger
	cpuThreshold  float64
	memThreshold  float64
	activityAge   time.Duration
	sampleEvery   time.Duration
	windowSamples int

	mu      sync.RWMutex
	samples []Sample

	stop chan struct{}
	done chan struct{}
}

// IdleSensorOptions carries the tunables; zero values take defaults.
type IdleSensorOptions struct {
	CPUIdlePct    int
	MemIdlePct    int
	ActivityAge   time.Duration
	SampleEvery   time.Duration // floor 5s
	WindowSamples int
}

func NewIdleSensor(prober Prober, clk Clock, log *zap.Logger, opts IdleSensorOptions) *IdleSensor {
	if opts.SampleEvery < 5*time.Second {
		opts.SampleEvery = 5 * time.Second
	}
	if opts.WindowSamples <= 0 {
		opts.WindowSamples = 6
	}
	return &IdleSensor{
		prober:        prober,
		clk:           clk,
		log:           log,
		cpuThreshold:  float64(opts.CPUIdlePct),
		memThreshold:  float64(opts.MemIdlePct),
		activityAge:   opts.ActivityAge,
		sampleEvery:   opts.SampleEvery,
		windowSamples: opts.WindowSamples,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (s *IdleSensor) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts sampling and waits for the loop to exit.
func (s *IdleSensor) Stop() {
	close(s.stop)
	<-s.done
}

func (s *IdleSensor) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.sampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			sample, err := s.prober.Probe(ctx)
			if err != nil {
				s.log.Warn("idle probe failed", zap.Error(err))
				continue
			}
			s.Observe(sample)
		}
	}
}

// Observe appends a sample to the trailing window. Exported so tests and
// the production loop share one path.
func (s *IdleSensor) Observe(sample Sample) {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	if len(s.samples) > s.windowSamples {
		s.samples = s.samples[len(s.samples)-s.windowSamples:]
	}
	s.mu.Unlock()

	if s.Idle() {
		observability.IdleState.Set(1)
	} else {
		observability.IdleState.Set(0)
	}
}

// Idle reports the debounced signal: a full window of samples, each below
// the CPU and memory thresholds with no recent interactive activity.
func (s *IdleSensor) Idle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.samples) < s.windowSamples {
		return false
	}
	now := s.clk.Now()
	for _, smp := range s.samples {
		if smp.CPUPct >= s.cpuThreshold || smp.MemPct >= s.memThreshold {
			return false
		}
		if !smp.LastActivity.IsZero() && now.Sub(smp.LastActivity) < s.activityAge {
			return false
		}
	}
	return true
}

// Last returns the most recent sample for the status endpoint.
func (s *IdleSensor) Last() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.samples) == 0 {
		return Sample{}, false
	}
	return s.samples[len(s.samples)-1], true
}
