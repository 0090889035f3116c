package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/dev"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// FrameCounter reports physical frame usage.
type FrameCounter interface {
	InUse() int
	Capacity() int
}

// Metrics holds all Prometheus metrics of one kernel instance.
type Metrics struct {
	registry *prometheus.Registry

	// Syscall metrics
	SyscallsTotal     *prometheus.CounterVec
	SyscallDuration   *prometheus.HistogramVec
	SyscallsThrottled prometheus.Counter

	// Task metrics
	ProcessesCreated prometheus.Counter
	ProcessesExited  *prometheus.CounterVec

	// Debug server metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	frames    FrameCounter
	startTime time.Time

	// Snapshot for the JSON API
	mu       sync.RWMutex
	snapshot Snapshot
}

// Snapshot holds current values for the JSON API.
type Snapshot struct {
	Syscalls       int64   `json:"syscalls"`
	SyscallErrors  int64   `json:"syscall_errors"`
	SyscallSeconds float64 `json:"syscall_seconds"`
	Throttled      int64   `json:"throttled"`

	Koids           uint64  `json:"koids_allocated"`
	Handles         int64   `json:"live_handles"`
	FramesInUse     int     `json:"frames_in_use"`
	FramesTotal     int     `json:"frames_total"`
	PageFaults      uint64  `json:"page_faults"`
	CowCopies       uint64  `json:"cow_copies"`
	MessagesWritten uint64  `json:"messages_written"`
	PortPackets     uint64  `json:"port_packets"`
	Interrupts      uint64  `json:"interrupts"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewMetrics creates a collector on its own registry. Object counters are
// read from the kernel packages at scrape time; frames may be nil.
func NewMetrics(frames FrameCounter) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		frames:    frames,
		startTime: time.Now(),

		SyscallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_syscalls_total",
				Help: "Total number of syscalls by name and status",
			},
			[]string{"syscall", "status"},
		),
		SyscallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_syscall_duration_seconds",
				Help:    "Syscall duration in seconds, including time blocked",
				Buckets: []float64{.00001, .0001, .001, .01, .1, 1, 10},
			},
			[]string{"syscall"},
		),
		SyscallsThrottled: f.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_syscalls_throttled_total",
				Help: "Syscalls rejected by the per-process rate limit",
			},
		),

		ProcessesCreated: f.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_processes_created_total",
				Help: "Total number of processes created",
			},
		),
		ProcessesExited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_processes_exited_total",
				Help: "Total number of processes exited, by how they ended",
			},
			[]string{"reason"},
		),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_debug_http_requests_total",
				Help: "Total number of debug server requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_debug_http_request_duration_seconds",
				Help:    "Debug server request duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"method", "path"},
		),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kernel_uptime_seconds",
		Help: "Kernel uptime in seconds",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "kernel_koids_allocated_total",
		Help: "Kernel object ids handed out",
	}, func() float64 { return float64(object.KoidsAllocated()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kernel_handles_live",
		Help: "Handles currently open",
	}, func() float64 { return float64(object.LiveHandles()) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "kernel_vm_page_faults_total",
		Help: "Page faults resolved",
	}, func() float64 { return float64(vm.ReadStats().PageFaults) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "kernel_vm_fault_denials_total",
		Help: "Page faults rejected for missing permissions",
	}, func() float64 { return float64(vm.ReadStats().FaultDenials) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "kernel_vm_cow_copies_total",
		Help: "Pages copied on write from a shared parent",
	}, func() float64 { return float64(vm.ReadStats().CowCopies) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "kernel_channel_messages_written_total",
		Help: "Channel messages written",
	}, func() float64 { return float64(ipc.ReadStats().MessagesWritten) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "kernel_channel_messages_read_total",
		Help: "Channel messages read",
	}, func() float64 { return float64(ipc.ReadStats().MessagesRead) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "kernel_channel_calls_timed_out_total",
		Help: "Channel calls that hit their deadline",
	}, func() float64 { return float64(ipc.ReadStats().CallsTimedOut) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "kernel_port_packets_total",
		Help: "Packets queued on ports",
	}, func() float64 { return float64(ipc.ReadStats().PortPackets) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "kernel_interrupts_triggered_total",
		Help: "Interrupts triggered",
	}, func() float64 { return float64(dev.ReadStats().Triggered) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "kernel_interrupts_coalesced_total",
		Help: "Interrupts folded into an undelivered packet",
	}, func() float64 { return float64(dev.ReadStats().Coalesced) })

	if frames != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kernel_frames_in_use",
			Help: "Physical frames allocated",
		}, func() float64 { return float64(frames.InUse()) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kernel_frames_total",
			Help: "Physical frames managed",
		}, func() float64 { return float64(frames.Capacity()) })
	}
	return m
}

// Registry returns the registry metrics are exported from.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSyscall records one completed syscall.
func (m *Metrics) RecordSyscall(name string, status zx.Status, duration time.Duration) {
	m.SyscallsTotal.WithLabelValues(name, status.String()).Inc()
	m.SyscallDuration.WithLabelValues(name).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.Syscalls++
	m.snapshot.SyscallSeconds += duration.Seconds()
	if status != zx.OK {
		m.snapshot.SyscallErrors++
	}
	m.mu.Unlock()
}

// RecordThrottled records a syscall refused by the rate limit.
func (m *Metrics) RecordThrottled() {
	m.SyscallsThrottled.Inc()
	m.mu.Lock()
	m.snapshot.Throttled++
	m.mu.Unlock()
}

// RecordProcessCreated counts a new process.
func (m *Metrics) RecordProcessCreated() {
	m.ProcessesCreated.Inc()
}

// RecordProcessExited counts an exited process.
func (m *Metrics) RecordProcessExited(killed bool) {
	reason := "exit"
	if killed {
		reason = "killed"
	}
	m.ProcessesExited.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records a debug server request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Snapshot returns current values for the JSON API.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()

	vs := vm.ReadStats()
	is := ipc.ReadStats()
	s.Koids = object.KoidsAllocated()
	s.Handles = object.LiveHandles()
	s.PageFaults = vs.PageFaults
	s.CowCopies = vs.CowCopies
	s.MessagesWritten = is.MessagesWritten
	s.PortPackets = is.PortPackets
	s.Interrupts = dev.ReadStats().Triggered
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	if m.frames != nil {
		s.FramesInUse = m.frames.InUse()
		s.FramesTotal = m.frames.Capacity()
	}
	return s
}
