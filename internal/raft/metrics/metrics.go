package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names one of the monotonically increasing node counters.
type Counter int

const (
	CommandsCommitted Counter = iota
	AppendEntries
	Heartbeats
	PreVotes
	RequestVotes
	ReadIndexes
	Elections
	SnapshotBytes
	numCounters
)

var counterNames = [numCounters]string{
	CommandsCommitted: "commands_committed",
	AppendEntries:     "append_entries",
	Heartbeats:        "heartbeats",
	PreVotes:          "pre_votes",
	RequestVotes:      "request_votes",
	ReadIndexes:       "read_indexes",
	Elections:         "elections",
	SnapshotBytes:     "snapshot_bytes",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return fmt.Sprintf("counter(%d)", int(c))
	}
	return counterNames[c]
}

const (
	commitWindow   = 4096
	electionWindow = 256
)

// Metrics collects counters and latency windows for one node. It satisfies server.MetricsCollector.
type Metrics struct {
	counters [numCounters]atomic.Uint64
	started  atomic.Int64 // unix nanos

	commits   *window
	elections *window
}

func NewMetrics() *Metrics {
	m := &Metrics{
		commits:   newWindow(commitWindow),
		elections: newWindow(electionWindow),
	}
	m.started.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) Count(c Counter) uint64 {
	return m.counters[c].Load()
}

func (m *Metrics) add(c Counter, n uint64) {
	m.counters[c].Add(n)
}

func (m *Metrics) RecordCommandLatency(latency time.Duration) { m.commits.add(latency) }
func (m *Metrics) RecordCommandCommitted()                    { m.add(CommandsCommitted, 1) }
func (m *Metrics) RecordAppendEntries()                       { m.add(AppendEntries, 1) }
func (m *Metrics) RecordPreVote()                             { m.add(PreVotes, 1) }
func (m *Metrics) RecordRequestVote()                         { m.add(RequestVotes, 1) }
func (m *Metrics) RecordHeartbeat()                           { m.add(Heartbeats, 1) }
func (m *Metrics) RecordReadIndex()                           { m.add(ReadIndexes, 1) }

// RecordElection counts elections that bumped the term; pre-vote rounds are not elections.
func (m *Metrics) RecordElection() { m.add(Elections, 1) }

// RecordElectionDuration records the time from starting an election to winning it.
func (m *Metrics) RecordElectionDuration(d time.Duration) { m.elections.add(d) }

func (m *Metrics) RecordSnapshotBytes(n int) {
	if n > 0 {
		m.add(SnapshotBytes, uint64(n))
	}
}

func (m *Metrics) startTime() time.Time {
	return time.Unix(0, m.started.Load())
}

// Throughput is committed commands per second since the collector started or was last reset.
func (m *Metrics) Throughput() float64 {
	elapsed := time.Since(m.startTime()).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.Count(CommandsCommitted)) / elapsed
}

func (m *Metrics) CommitLatency() Summary   { return summarize(m.commits.samples()) }
func (m *Metrics) ElectionLatency() Summary { return summarize(m.elections.samples()) }

func (m *Metrics) Reset() {
	for i := range m.counters {
		m.counters[i].Store(0)
	}
	m.commits.reset()
	m.elections.reset()
	m.started.Store(time.Now().UnixNano())
}

// window keeps the most recent samples; older ones are overwritten once it is full.
type window struct {
	mu   sync.Mutex
	buf  []time.Duration
	next int
	full bool
}

func newWindow(size int) *window {
	return &window{buf: make([]time.Duration, size)}
}

func (w *window) add(d time.Duration) {
	w.mu.Lock()
	w.buf[w.next] = d
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

// samples returns a copy in insertion order.
func (w *window) samples() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		return slices.Clone(w.buf[:w.next])
	}
	out := make([]time.Duration, 0, len(w.buf))
	out = append(out, w.buf[w.next:]...)
	return append(out, w.buf[:w.next]...)
}

func (w *window) reset() {
	w.mu.Lock()
	w.next, w.full = 0, false
	w.mu.Unlock()
}

// Summary describes a latency window in milliseconds.
type Summary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

func summarize(samples []time.Duration) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	ms := make([]float64, len(samples))
	var sum float64
	for i, d := range samples {
		ms[i] = float64(d) / float64(time.Millisecond)
		sum += ms[i]
	}
	slices.Sort(ms)
	mean := sum / float64(len(ms))

	var sq float64
	for _, v := range ms {
		sq += (v - mean) * (v - mean)
	}
	return Summary{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    nearestRank(ms, 50),
		P95:    nearestRank(ms, 95),
		P99:    nearestRank(ms, 99),
		StdDev: math.Sqrt(sq / float64(len(ms))),
	}
}

// nearestRank expects sorted input.
func nearestRank(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	return sorted[max(rank-1, 0)]
}

// Report is a point-in-time view of a collector, printed and optionally saved when a node stops.
type Report struct {
	ClusterSize     int               `json:"cluster_size"`
	Uptime          float64           `json:"uptime_seconds"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	Counters        map[string]uint64 `json:"counters"`
	Throughput      float64           `json:"commands_per_second"`
	CommitLatency   Summary           `json:"commit_latency"`
	ElectionLatency Summary           `json:"election_latency"`
}

func (m *Metrics) GetReport(clusterSize int) Report {
	start, end := m.startTime(), time.Now()
	counters := make(map[string]uint64, numCounters)
	for c := Counter(0); c < numCounters; c++ {
		counters[c.String()] = m.Count(c)
	}
	return Report{
		ClusterSize:     clusterSize,
		Uptime:          end.Sub(start).Seconds(),
		StartTime:       start,
		EndTime:         end,
		Counters:        counters,
		Throughput:      m.Throughput(),
		CommitLatency:   m.CommitLatency(),
		ElectionLatency: m.ElectionLatency(),
	}
}

func (r *Report) Count(c Counter) uint64 {
	return r.Counters[c.String()]
}

func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	rule := strings.Repeat("=", 60)

	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "raft node report: %d peers, up %.2fs\n", r.ClusterSize, r.Uptime)
	fmt.Fprintln(&b, rule)
	for c := Counter(0); c < numCounters; c++ {
		fmt.Fprintf(&b, "%-20s %d\n", c, r.Count(c))
	}
	fmt.Fprintf(&b, "%-20s %.2f\n", "commands/sec", r.Throughput)
	writeSummary(&b, "commit latency", r.CommitLatency)
	writeSummary(&b, "election latency", r.ElectionLatency)
	fmt.Fprintln(&b, rule)

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func writeSummary(b *strings.Builder, name string, s Summary) {
	if s.Count == 0 {
		return
	}
	fmt.Fprintf(b, "%-20s n=%d p50=%.3fms p95=%.3fms p99=%.3fms max=%.3fms\n",
		name, s.Count, s.P50, s.P95, s.P99, s.Max)
}

func (r *Report) SaveJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
