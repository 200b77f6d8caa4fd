package stats

import (
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"sync"
	"time"
)

// StatsProvider is the counter surface the chat engine and server report to.
type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

// StatsUpdater applies counter updates on a single goroutine and publishes
// them under /debug/vars. Updates sent after Stop are dropped.
type StatsUpdater struct {
	vars       *expvar.Map
	log        *log.Logger
	updateChan chan *metricsUpdateReq
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater publishes its counters as the "donorchat-stats" expvar.
// It must only be called once per process.
func NewStatsUpdater(mux *http.ServeMux, logger *log.Logger) *StatsUpdater {
	return newStatsUpdater(mux, logger, expvar.NewMap("donorchat-stats"))
}

func newStatsUpdater(mux *http.ServeMux, logger *log.Logger, vars *expvar.Map) *StatsUpdater {
	su := &StatsUpdater{
		vars:       vars,
		log:        logger,
		updateChan: make(chan *metricsUpdateReq, 512),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	defer close(su.done)
	for {
		select {
		case req := <-su.updateChan:
			su.apply(req)
		case <-su.stop:
			return
		}
	}
}

func (su *StatsUpdater) apply(req *metricsUpdateReq) {
	metric, ok := su.vars.Get(req.name).(*expvar.Int)
	if !ok {
		su.log.Printf("stats: unknown metric %q", req.name)
		return
	}
	metric.Add(int64(req.value))
}

func (su *StatsUpdater) send(req *metricsUpdateReq) {
	select {
	case su.updateChan <- req:
	case <-su.stop:
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.send(&metricsUpdateReq{name: name, value: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.send(&metricsUpdateReq{name: name, value: -1})
}

func (su *StatsUpdater) RegisterMetric(name string) {
	if su.vars.Get(name) != nil {
		return
	}
	su.vars.Set(name, new(expvar.Int))
}

// Value returns the current value of a registered counter.
func (su *StatsUpdater) Value(name string) int64 {
	if metric, ok := su.vars.Get(name).(*expvar.Int); ok {
		return metric.Value()
	}
	return 0
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop ends the update loop. It is safe to call more than once.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() {
		close(su.stop)
	})
}
