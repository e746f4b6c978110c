// Package metrics aggregates in-memory counters and gauges for the control
// plane and renders them in Prometheus text exposition format. There is no
// client-library dependency; the recorder is a mutex-guarded map set, which
// is plenty for the cardinality this service produces.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type workerLoad struct {
	producers int
	consumers int
	routers   int
}

// Recorder aggregates HTTP request metrics, room lifecycle events, worker
// load gauges, bridge creation counts, and rate-limiter blocks.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	roomEvents      map[string]uint64
	signalEvents    map[string]uint64
	workerLoads     map[int]workerLoad
	workerRestarts  map[int]uint64
	activeRooms     atomic.Int64
	activeConns     atomic.Int64
	bridgesCreated  atomic.Uint64
	limiterBlocks   atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		roomEvents:      make(map[string]uint64),
		signalEvents:    make(map[string]uint64),
		workerLoads:     make(map[int]workerLoad),
		workerRestarts:  make(map[int]uint64),
	}
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records one HTTP request outcome.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   path,
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveRoomEvent records a room lifecycle event (created, closed, orphaned,
// grace_expired, ...).
func (r *Recorder) ObserveRoomEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.roomEvents[normalized]++
	r.mu.Unlock()
}

// ObserveSignalEvent records a signaling message type for throughput
// monitoring.
func (r *Recorder) ObserveSignalEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.signalEvents[normalized]++
	r.mu.Unlock()
}

// RoomOpened and RoomClosed maintain the active room gauge.
func (r *Recorder) RoomOpened() {
	r.activeRooms.Add(1)
	r.ObserveRoomEvent("created")
}

func (r *Recorder) RoomClosed() {
	r.decrementGauge(&r.activeRooms)
	r.ObserveRoomEvent("closed")
}

// ConnOpened and ConnClosed maintain the signaling connection gauge.
func (r *Recorder) ConnOpened() {
	r.activeConns.Add(1)
}

func (r *Recorder) ConnClosed() {
	r.decrementGauge(&r.activeConns)
}

// BridgeCreated counts cross-worker bridges established.
func (r *Recorder) BridgeCreated() {
	r.bridgesCreated.Add(1)
}

// LimiterBlocked counts (address, room) pairs entering the blocked state.
func (r *Recorder) LimiterBlocked() {
	r.limiterBlocks.Add(1)
}

// SetWorkerLoad publishes a worker's current load snapshot.
func (r *Recorder) SetWorkerLoad(index, producers, consumers, routers int) {
	r.mu.Lock()
	r.workerLoads[index] = workerLoad{producers: producers, consumers: consumers, routers: routers}
	r.mu.Unlock()
}

// WorkerRestarted counts unexpected worker terminations by pool slot.
func (r *Recorder) WorkerRestarted(index int) {
	r.mu.Lock()
	r.workerRestarts[index]++
	r.mu.Unlock()
}

// ActiveRooms exposes the current room gauge.
func (r *Recorder) ActiveRooms() int64 {
	return r.activeRooms.Load()
}

// RoomEventCounts returns a copy of the lifecycle counters, for tests.
func (r *Recorder) RoomEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.roomEvents))
	for event, count := range r.roomEvents {
		out[event] = count
	}
	return out
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Reset clears every counter. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.roomEvents = make(map[string]uint64)
	r.signalEvents = make(map[string]uint64)
	r.workerLoads = make(map[int]workerLoad)
	r.workerRestarts = make(map[int]uint64)
	r.mu.Unlock()
	r.activeRooms.Store(0)
	r.activeConns.Store(0)
	r.bridgesCreated.Store(0)
	r.limiterBlocks.Store(0)
}

// Handler serves the recorder in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders every metric family in a stable order.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	roomEvents := sortedKeys(r.roomEvents)
	signalEvents := sortedKeys(r.signalEvents)
	workerIndexes := r.sortedWorkerIndexes()

	fmt.Fprintln(w, "# HELP velostream_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE velostream_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "velostream_http_requests_total{method=%q,path=%q,status=%q} %d\n",
			label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP velostream_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE velostream_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "velostream_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n",
			label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP velostream_room_events_total Room lifecycle events by type")
	fmt.Fprintln(w, "# TYPE velostream_room_events_total counter")
	for _, event := range roomEvents {
		fmt.Fprintf(w, "velostream_room_events_total{event=%q} %d\n", event, r.roomEvents[event])
	}

	fmt.Fprintln(w, "# HELP velostream_signal_events_total Signaling messages by type")
	fmt.Fprintln(w, "# TYPE velostream_signal_events_total counter")
	for _, event := range signalEvents {
		fmt.Fprintf(w, "velostream_signal_events_total{event=%q} %d\n", event, r.signalEvents[event])
	}

	fmt.Fprintln(w, "# HELP velostream_active_rooms Current number of live rooms")
	fmt.Fprintln(w, "# TYPE velostream_active_rooms gauge")
	fmt.Fprintf(w, "velostream_active_rooms %d\n", r.activeRooms.Load())

	fmt.Fprintln(w, "# HELP velostream_active_connections Current number of signaling connections")
	fmt.Fprintln(w, "# TYPE velostream_active_connections gauge")
	fmt.Fprintf(w, "velostream_active_connections %d\n", r.activeConns.Load())

	fmt.Fprintln(w, "# HELP velostream_worker_load Current media objects per worker")
	fmt.Fprintln(w, "# TYPE velostream_worker_load gauge")
	for _, index := range workerIndexes {
		load := r.workerLoads[index]
		fmt.Fprintf(w, "velostream_worker_load{worker=\"%d\",kind=\"producers\"} %d\n", index, load.producers)
		fmt.Fprintf(w, "velostream_worker_load{worker=\"%d\",kind=\"consumers\"} %d\n", index, load.consumers)
		fmt.Fprintf(w, "velostream_worker_load{worker=\"%d\",kind=\"routers\"} %d\n", index, load.routers)
	}

	fmt.Fprintln(w, "# HELP velostream_worker_restarts_total Unexpected worker terminations by pool slot")
	fmt.Fprintln(w, "# TYPE velostream_worker_restarts_total counter")
	for _, index := range r.sortedRestartIndexes() {
		fmt.Fprintf(w, "velostream_worker_restarts_total{worker=\"%d\"} %d\n", index, r.workerRestarts[index])
	}

	fmt.Fprintln(w, "# HELP velostream_bridges_created_total Cross-worker bridges established")
	fmt.Fprintln(w, "# TYPE velostream_bridges_created_total counter")
	fmt.Fprintf(w, "velostream_bridges_created_total %d\n", r.bridgesCreated.Load())

	fmt.Fprintln(w, "# HELP velostream_limiter_blocks_total Password-attempt keys that entered the blocked state")
	fmt.Fprintln(w, "# TYPE velostream_limiter_blocks_total counter")
	fmt.Fprintf(w, "velostream_limiter_blocks_total %d\n", r.limiterBlocks.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedWorkerIndexes() []int {
	indexes := make([]int, 0, len(r.workerLoads))
	for index := range r.workerLoads {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

func (r *Recorder) sortedRestartIndexes() []int {
	indexes := make([]int, 0, len(r.workerRestarts))
	for index := range r.workerRestarts {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return strings.ReplaceAll(normalized, " ", "_")
}
