// Package telemetry emits a Chrome-trace event stream for a pipeline
// run, plus periodic CPU and memory counters, so a long screening job
// can be inspected in a trace viewer after the fact.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var start = time.Now()

var (
	sinkMu sync.Mutex
	sink   io.Writer = ioutil.Discard
)

// Sink writes all following Event()s as a Chrome trace event file into w.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	w.Write([]byte{'['})
}

// Enable creates a trace file at <logDir>/moduli-generator.<pid>.trace
// and routes subsequent events there.
func Enable(logDir string) error {
	fn := filepath.Join(logDir, fmt.Sprintf("moduli-generator.%d.trace", os.Getpid()))
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	return nil
}

// PendingEvent is a started-but-not-yet-finished trace event. Call Done
// when the work it describes completes.
type PendingEvent struct {
	Name           string      `json:"name"`
	Categories     string      `json:"cat"`
	Type           string      `json:"ph"`
	ClockTimestamp uint64      `json:"ts"`
	Duration       uint64      `json:"dur"`
	Pid            uint64      `json:"pid"`
	Tid            uint64      `json:"tid"`
	Args           interface{} `json:"args"`

	startedAt time.Time
}

func (pe *PendingEvent) Done() {
	pe.Duration = uint64(time.Since(pe.startedAt) / time.Microsecond)
	b, err := json.Marshal(pe)
	if err != nil {
		panic(err)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if _, err := sink.Write(append(b, ',')); err != nil {
		log.Printf("[telemetry] %v", err)
	}
}

// Event starts a new duration event identified by name, tagged with
// tid (the worker-pool slot index, conventionally).
func Event(name string, tid int) *PendingEvent {
	return &PendingEvent{
		Name:           name,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Tid:            uint64(tid),
		startedAt:      time.Now(),
	}
}

func parseUintOr0(s string) uint64 {
	n, _ := strconv.ParseUint(s, 0, 64)
	return n
}

func cpuEvents(last map[string]map[string]uint64) error {
	b, err := ioutil.ReadFile("/proc/stat")
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if !strings.HasPrefix(line, "cpu") || strings.HasPrefix(line, "cpu ") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) < 5 {
			continue
		}
		lm, ok := last[parts[0]]
		if !ok {
			lm = make(map[string]uint64)
			last[parts[0]] = lm
		}
		ev := Event(parts[0], 0)
		ev.Pid = 2
		ev.Type = "C"
		_, present := lm["user"]

		user := parseUintOr0(parts[1])
		userDiff := user - lm["user"]
		lm["user"] = user

		sys := parseUintOr0(parts[3])
		sysDiff := sys - lm["sys"]
		lm["sys"] = sys

		if !present {
			continue
		}
		ev.Args = map[string]uint64{"user": userDiff, "sys": sysDiff}
		ev.Done()
	}
	return nil
}

func memEvent() error {
	b, err := ioutil.ReadFile("/proc/meminfo")
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		val := strings.TrimSpace(strings.TrimPrefix(line, "MemAvailable:"))
		kb, err := strconv.ParseUint(strings.TrimSuffix(val, " kB"), 0, 64)
		if err != nil {
			return err
		}
		ev := Event("MemAvailable", 0)
		ev.Pid = 1
		ev.Type = "C"
		ev.Args = map[string]uint64{"available": kb}
		ev.Done()
		break
	}
	return nil
}

// SampleResources polls /proc/stat and /proc/meminfo once a second
// until ctx is done, emitting a counter event per sample. Screening
// jobs run for hours, so these counters are the only signal of whether
// the pool is CPU-bound or stalled on a single slow candidate file.
func SampleResources(ctx context.Context) error {
	tick := time.NewTicker(1 * time.Second)
	defer tick.Stop()
	last := make(map[string]map[string]uint64)
	cpuEvents(last)
	cpuEvents(last)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := memEvent(); err != nil {
				return fmt.Errorf("memEvent: %w", err)
			}
			if err := cpuEvents(last); err != nil {
				return fmt.Errorf("cpuEvents: %w", err)
			}
		}
	}
}
