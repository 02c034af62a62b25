package txstat

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the counters of a Source as Prometheus metrics labeled
// by queue index.
type Collector struct {
	src   Source
	descs map[Counter]*prometheus.Desc
}

// NewCollector creates a Collector reading from src. Metric names are
// prefixed with namespace.
func NewCollector(namespace string, src Source) *Collector {
	c := &Collector{src: src, descs: make(map[Counter]*prometheus.Desc, len(Counters))}
	help := map[Counter]string{
		Accepted:  "Packets posted to the device.",
		Completed: "Packets reclaimed after transmission.",
		Dropped:   "Packets released without being sent.",
		Bytes:     "Payload bytes posted to the device.",
		Doorbells: "Doorbell register writes.",
		InFlight:  "Descriptors currently owned by the device.",
	}
	for _, ctr := range Counters {
		name := ctr.String()
		if ctr != InFlight {
			name += "_total"
		}
		c.descs[ctr] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name), help[ctr], []string{"queue"}, nil)
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, ctr := range Counters {
		ch <- c.descs[ctr]
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for q, qs := range Snapshot(c.src) {
		label := strconv.Itoa(q)
		for _, ctr := range Counters {
			typ := prometheus.CounterValue
			if ctr == InFlight {
				typ = prometheus.GaugeValue
			}
			ch <- prometheus.MustNewConstMetric(c.descs[ctr], typ, float64(qs[ctr]), label)
		}
	}
}
