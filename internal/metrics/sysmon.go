package metrics

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Thresholds bound the process samples above which the monitor warns.
type Thresholds struct {
	CPUPct    float64
	RSSBytes  uint64
	Threads   int32
	FDs       int32
	SysMemPct float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPct:    85,
		RSSBytes:  2 << 30, // 2 GiB
		Threads:   500,
		FDs:       4000,
		SysMemPct: 90,
	}
}

// SysMonitor samples process CPU, RSS, thread and fd counts plus system
// memory once a minute.
type SysMonitor struct {
	proc     *process.Process
	thr      Thresholds
	prom     *Metrics
	interval time.Duration
	logger   *log.Logger
}

func NewSysMonitor(thr Thresholds, prom *Metrics) (*SysMonitor, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SysMonitor{
		proc:     p,
		thr:      thr,
		prom:     prom,
		interval: time.Minute,
		logger:   log.New(os.Stdout, "[sysmon] ", log.LstdFlags),
	}, nil
}

func (m *SysMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *SysMonitor) sample() {
	cpuPct, err := m.proc.CPUPercent()
	if err != nil {
		m.logger.Printf("cpu sample: %v", err)
		return
	}
	var rss uint64
	if mi, err := m.proc.MemoryInfo(); err == nil {
		rss = mi.RSS
	}
	threads, _ := m.proc.NumThreads()
	fds, _ := m.proc.NumFDs()
	var sysMemPct float64
	if vm, err := mem.VirtualMemory(); err == nil {
		sysMemPct = vm.UsedPercent
	}

	if m.prom != nil {
		m.prom.ProcessCPUPct.Set(cpuPct)
		m.prom.ProcessRSSBytes.Set(float64(rss))
	}

	m.logger.Printf("cpu=%.1f%% rss=%dMB threads=%d fds=%d sysmem=%.1f%%",
		cpuPct, rss>>20, threads, fds, sysMemPct)

	if cpuPct > m.thr.CPUPct {
		m.logger.Printf("WARN cpu %.1f%% above %.1f%%", cpuPct, m.thr.CPUPct)
	}
	if rss > m.thr.RSSBytes {
		m.logger.Printf("WARN rss %dMB above %dMB", rss>>20, m.thr.RSSBytes>>20)
	}
	if threads > m.thr.Threads {
		m.logger.Printf("WARN %d threads above %d", threads, m.thr.Threads)
	}
	if fds > m.thr.FDs {
		m.logger.Printf("WARN %d fds above %d", fds, m.thr.FDs)
	}
	if sysMemPct > m.thr.SysMemPct {
		m.logger.Printf("WARN system memory %.1f%% above %.1f%%", sysMemPct, m.thr.SysMemPct)
	}
}
