// Package telemetry samples hardware sensors from sysfs/procfs at a
// configurable interval and hands each sample to a send callback, without
// any external monitoring dependency. Grounded on original_source/telemetry.py.
package telemetry

import (
	"bufio"
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/capydeploy/agent/observability"
)

const (
	minInterval = 1 * time.Second
	maxInterval = 10 * time.Second
)

// ClampInterval enforces §4.7's [1, 10] second bound.
func ClampInterval(d time.Duration) time.Duration {
	if d < minInterval {
		return minInterval
	}
	if d > maxInterval {
		return maxInterval
	}
	return d
}

// Sample is the canonical telemetry_data payload. Sections that produced no
// readings are left nil and omitted from the wire payload.
type Sample struct {
	Timestamp int64    `json:"timestamp"`
	CPU       *CPU     `json:"cpu,omitempty"`
	GPU       *GPU     `json:"gpu,omitempty"`
	Memory    *Memory  `json:"memory,omitempty"`
	Battery   *Battery `json:"battery,omitempty"`
	Power     *Power   `json:"power,omitempty"`
	Fan       *Fan     `json:"fan,omitempty"`
}

type CPU struct {
	UsagePercent *float64 `json:"usagePercent,omitempty"`
	TempCelsius  *float64 `json:"tempCelsius,omitempty"`
	FreqMHz      *float64 `json:"freqMHz,omitempty"`
}

type GPU struct {
	UsagePercent   *float64 `json:"usagePercent,omitempty"`
	TempCelsius    *float64 `json:"tempCelsius,omitempty"`
	FreqMHz        *float64 `json:"freqMHz,omitempty"`
	MemFreqMHz     *float64 `json:"memFreqMHz,omitempty"`
	VRAMTotalBytes *int64   `json:"vramTotalBytes,omitempty"`
	VRAMUsedBytes  *int64   `json:"vramUsedBytes,omitempty"`
}

type Memory struct {
	TotalBytes     int64    `json:"totalBytes"`
	AvailableBytes int64    `json:"availableBytes"`
	UsagePercent   float64  `json:"usagePercent"`
	SwapTotalBytes *int64   `json:"swapTotalBytes,omitempty"`
	SwapFreeBytes  *int64   `json:"swapFreeBytes,omitempty"`
}

type Battery struct {
	Capacity int64  `json:"capacity"`
	Status   string `json:"status"`
}

type Power struct {
	TDPWatts   *float64 `json:"tdpWatts,omitempty"`
	PowerWatts *float64 `json:"powerWatts,omitempty"`
}

type Fan struct {
	RPM int64 `json:"rpm"`
}

// SendFunc delivers one sample to the connected hub. An error is logged and
// the pump keeps running, per §4.7.
type SendFunc func(ctx context.Context, s Sample) error

// paths are the cached sysfs locations resolved once per Collector, since
// hwmon/drm enumeration order is stable for the lifetime of a boot.
type paths struct {
	resolved bool

	cpuTemp  string
	gpuBusy  string
	gpuTemp  string
	gpuFreq  string
	gpuMclk  string
	vramUsed string
	vramTotal string
	powerCap string
	powerAvg string
	fan      string
}

// Collector reads hardware sensors and runs the periodic pump. One
// Collector holds the CPU delta state and cached paths across ticks, so it
// must not be shared between concurrent pumps.
type Collector struct {
	mu sync.Mutex

	paths paths

	prevIdle  uint64
	prevTotal uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewCollector() *Collector {
	return &Collector{}
}

// Running reports whether a pump loop is active.
func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Start launches the collection loop at the given interval (clamped to
// [1,10]s), discarding the first sample since CPU usage needs two readings
// to compute a delta. Calling Start while already running is a no-op,
// matching telemetry.py's TelemetryCollector.start.
func (c *Collector) Start(ctx context.Context, interval time.Duration, obs observability.AgentObserver, send SendFunc) {
	if obs == nil {
		obs = observability.Noop
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	interval = ClampInterval(interval)
	c.prevIdle = 0
	c.prevTotal = 0
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	log.Printf("telemetry: collector started (interval=%s)", interval)
	go c.loop(loopCtx, interval, obs, send, done)
}

// Stop cancels the collection loop, if running.
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("telemetry: collector stopped")
}

// UpdateInterval restarts the pump at the new interval, preserving the send
// callback, matching telemetry.py's update_interval.
func (c *Collector) UpdateInterval(ctx context.Context, interval time.Duration, obs observability.AgentObserver, send SendFunc) {
	if !c.Running() {
		return
	}
	c.Stop()
	c.Start(ctx, interval, obs, send)
}

func (c *Collector) loop(ctx context.Context, interval time.Duration, obs observability.AgentObserver, send SendFunc, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	primed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			sample, ok := c.collect()
			obs.TelemetrySample(ok, time.Since(start))
			if !ok {
				continue
			}
			if !primed {
				// First tick only establishes the CPU delta baseline.
				primed = true
				continue
			}
			if err := send(ctx, sample); err != nil {
				log.Printf("telemetry: send failed: %v", err)
			}
		}
	}
}

// collect builds one sample, resolving cached paths on first use. ok is
// false only when every section failed to produce anything.
func (c *Collector) collect() (Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resolvePathsLocked()

	s := Sample{Timestamp: time.Now().UnixMilli()}
	any := false

	if cpu := c.readCPU(); cpu != nil {
		s.CPU = cpu
		any = true
	}
	if gpu := c.readGPU(); gpu != nil {
		s.GPU = gpu
		any = true
	}
	if mem := readMemory(); mem != nil {
		s.Memory = mem
		any = true
	}
	if bat := readBattery(); bat != nil {
		s.Battery = bat
		any = true
	}
	if pwr := c.readPower(); pwr != nil {
		s.Power = pwr
		any = true
	}
	if fan := c.readFan(); fan != nil {
		s.Fan = fan
		any = true
	}
	return s, any
}

func (c *Collector) resolvePathsLocked() {
	if c.paths.resolved {
		return
	}
	p := &c.paths

	for _, hwmon := range globSorted("/sys/class/hwmon/hwmon*") {
		name := strings.TrimSpace(readFile(filepath.Join(hwmon, "name")))
		if name == "k10temp" || name == "coretemp" {
			p.cpuTemp = filepath.Join(hwmon, "temp1_input")
		}
		if fanPath := filepath.Join(hwmon, "fan1_input"); exists(fanPath) {
			p.fan = fanPath
		}
		if capPath := filepath.Join(hwmon, "power1_cap"); exists(capPath) {
			p.powerCap = capPath
		}
		avg := filepath.Join(hwmon, "power1_average")
		inp := filepath.Join(hwmon, "power1_input")
		if exists(avg) {
			p.powerAvg = avg
		} else if exists(inp) && p.powerAvg == "" {
			p.powerAvg = inp
		}
	}

	for _, card := range globSorted("/sys/class/drm/card[0-9]") {
		busy := filepath.Join(card, "device", "gpu_busy_percent")
		if !exists(busy) {
			continue
		}
		p.gpuBusy = busy
		for _, hwmon := range globSorted(filepath.Join(card, "device", "hwmon", "hwmon*")) {
			if temp := filepath.Join(hwmon, "temp1_input"); exists(temp) {
				p.gpuTemp = temp
				break
			}
		}
		if freq := filepath.Join(card, "device", "pp_dpm_sclk"); exists(freq) {
			p.gpuFreq = freq
		}
		if mclk := filepath.Join(card, "device", "pp_dpm_mclk"); exists(mclk) {
			p.gpuMclk = mclk
		}
		if total := filepath.Join(card, "device", "mem_info_vram_total"); exists(total) {
			p.vramTotal = total
		}
		if used := filepath.Join(card, "device", "mem_info_vram_used"); exists(used) {
			p.vramUsed = used
		}
		break
	}

	p.resolved = true
}

func (c *Collector) readCPU() *CPU {
	out := &CPU{}
	any := false

	if idle, total, ok := readCPUUsage(); ok {
		if c.prevTotal > 0 && total > c.prevTotal {
			dIdle := idle - c.prevIdle
			dTotal := total - c.prevTotal
			if dTotal > 0 {
				v := round1((1.0 - float64(dIdle)/float64(dTotal)) * 100.0)
				out.UsagePercent = &v
				any = true
			}
		}
		c.prevIdle = idle
		c.prevTotal = total
	}

	if c.paths.cpuTemp != "" {
		if v, ok := readInt(c.paths.cpuTemp); ok {
			t := round1(float64(v) / 1000.0)
			out.TempCelsius = &t
			any = true
		}
	}

	if freqs := readCPUFreqsMHz(); len(freqs) > 0 {
		sum := 0.0
		for _, f := range freqs {
			sum += f
		}
		v := round0(sum / float64(len(freqs)))
		out.FreqMHz = &v
		any = true
	}

	if !any {
		return nil
	}
	return out
}

func readCPUUsage() (idle, total uint64, ok bool) {
	line := firstLine(readFile("/proc/stat"))
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return 0, 0, false
	}
	values := make([]uint64, 0, len(fields)-1)
	for _, f := range fields[1:] {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		values = append(values, n)
	}
	idle = values[3]
	for _, v := range values {
		total += v
	}
	return idle, total, true
}

func readCPUFreqsMHz() []float64 {
	var freqs []float64
	for _, p := range globSorted("/sys/devices/system/cpu/cpu[0-9]*/cpufreq/scaling_cur_freq") {
		if v, ok := readInt(p); ok {
			freqs = append(freqs, float64(v)/1000.0)
		}
	}
	return freqs
}

func (c *Collector) readGPU() *GPU {
	out := &GPU{}
	any := false

	if c.paths.gpuBusy != "" {
		if v, ok := readInt(c.paths.gpuBusy); ok {
			f := float64(v)
			out.UsagePercent = &f
			any = true
		}
	}
	if c.paths.gpuTemp != "" {
		if v, ok := readInt(c.paths.gpuTemp); ok {
			t := round1(float64(v) / 1000.0)
			out.TempCelsius = &t
			any = true
		}
	}
	if c.paths.gpuFreq != "" {
		if f, ok := readDPMFreq(c.paths.gpuFreq); ok {
			out.FreqMHz = &f
			any = true
		}
	}
	if c.paths.gpuMclk != "" {
		if f, ok := readDPMFreq(c.paths.gpuMclk); ok {
			out.MemFreqMHz = &f
			any = true
		}
	}
	if c.paths.vramTotal != "" {
		if v, ok := readInt(c.paths.vramTotal); ok {
			total := int64(v)
			out.VRAMTotalBytes = &total
			any = true
		}
		if c.paths.vramUsed != "" {
			if v, ok := readInt(c.paths.vramUsed); ok {
				used := int64(v)
				out.VRAMUsedBytes = &used
			}
		}
	}

	if !any {
		return nil
	}
	return out
}

// readDPMFreq parses the active line (marked with "*") out of pp_dpm_sclk /
// pp_dpm_mclk, falling back to the last entry if none is marked active.
func readDPMFreq(path string) (float64, bool) {
	content := strings.TrimSpace(readFile(path))
	if content == "" {
		return 0, false
	}
	var last float64
	haveLast := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		cleaned := strings.ReplaceAll(strings.ToLower(fields[1]), "mhz", "")
		freq, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			continue
		}
		if strings.Contains(line, "*") {
			return freq, true
		}
		last, haveLast = freq, true
	}
	return last, haveLast
}

func readMemory() *Memory {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil
	}
	defer f.Close()

	var totalKB, availKB, swapTotalKB, swapFreeKB int64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = fieldInt(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = fieldInt(line)
		case strings.HasPrefix(line, "SwapTotal:"):
			swapTotalKB = fieldInt(line)
		case strings.HasPrefix(line, "SwapFree:"):
			swapFreeKB = fieldInt(line)
		}
	}
	if totalKB <= 0 {
		return nil
	}
	m := &Memory{
		TotalBytes:     totalKB * 1024,
		AvailableBytes: availKB * 1024,
		UsagePercent:   round1(float64(totalKB-availKB) / float64(totalKB) * 100.0),
	}
	if swapTotalKB > 0 {
		st := swapTotalKB * 1024
		sf := swapFreeKB * 1024
		m.SwapTotalBytes = &st
		m.SwapFreeBytes = &sf
	}
	return m
}

func fieldInt(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	n, _ := strconv.ParseInt(fields[1], 10, 64)
	return n
}

func readBattery() *Battery {
	matches := globSorted("/sys/class/power_supply/BAT*")
	if len(matches) == 0 {
		return nil
	}
	bat := matches[0]
	capacity, ok := readInt(filepath.Join(bat, "capacity"))
	if !ok {
		return nil
	}
	status := strings.TrimSpace(readFile(filepath.Join(bat, "status")))
	return &Battery{Capacity: int64(capacity), Status: status}
}

func (c *Collector) readPower() *Power {
	out := &Power{}
	any := false
	if c.paths.powerCap != "" {
		if v, ok := readInt(c.paths.powerCap); ok {
			w := round1(float64(v) / 1_000_000.0)
			out.TDPWatts = &w
			any = true
		}
	}
	if c.paths.powerAvg != "" {
		if v, ok := readInt(c.paths.powerAvg); ok {
			w := round1(float64(v) / 1_000_000.0)
			out.PowerWatts = &w
			any = true
		}
	}
	if !any {
		return nil
	}
	return out
}

func (c *Collector) readFan() *Fan {
	if c.paths.fan == "" {
		return nil
	}
	v, ok := readInt(c.paths.fan)
	if !ok {
		return nil
	}
	return &Fan{RPM: int64(v)}
}

// ── sysfs helpers ────────────────────────────────────────────────────────

func readFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

func readInt(path string) (int64, bool) {
	s := strings.TrimSpace(readFile(path))
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func globSorted(pattern string) []string {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func round1(v float64) float64 { return float64(int64(v*10+0.5)) / 10 }
func round0(v float64) float64 { return float64(int64(v + 0.5)) }
