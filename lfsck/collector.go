package lfsck

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NVIDIA/lfsck/nsstate"
)

type counterDesc struct {
	desc  *prometheus.Desc
	value func(r *nsstate.Record) uint64
}

// Collector exports the state record counters of every engine in a
// Registry. Values are read at scrape time.
type Collector struct {
	registry *Registry
	status   *prometheus.Desc
	counters []counterDesc
}

func newCounterDesc(name string, help string, value func(r *nsstate.Record) uint64) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc("lfsck_namespace_"+name, help, []string{"target"}, nil),
		value: value,
	}
}

func NewCollector(registry *Registry) *Collector {
	return &Collector{
		registry: registry,
		status: prometheus.NewDesc(
			"lfsck_namespace_status",
			"Current status of the namespace LFSCK (1 for the status held)",
			[]string{"target", "status"}, nil,
		),
		counters: []counterDesc{
			newCounterDesc("checked_phase1_total", "Items checked in phase 1", func(r *nsstate.Record) uint64 { return r.ItemsChecked }),
			newCounterDesc("checked_phase2_total", "Objects checked in phase 2", func(r *nsstate.Record) uint64 { return r.ObjsCheckedPhase2 }),
			newCounterDesc("updated_phase1_total", "Items repaired in phase 1", func(r *nsstate.Record) uint64 { return r.ItemsRepaired }),
			newCounterDesc("updated_phase2_total", "Objects repaired in phase 2", func(r *nsstate.Record) uint64 { return r.ObjsRepairedPhase2 }),
			newCounterDesc("failed_phase1_total", "Items that failed in phase 1", func(r *nsstate.Record) uint64 { return r.ItemsFailed }),
			newCounterDesc("failed_phase2_total", "Objects that failed in phase 2", func(r *nsstate.Record) uint64 { return r.ObjsFailedPhase2 }),
			newCounterDesc("directories_total", "Directories checked", func(r *nsstate.Record) uint64 { return r.DirsChecked }),
			newCounterDesc("dirent_repaired_total", "Name entries repaired", func(r *nsstate.Record) uint64 { return r.DirentRepaired }),
			newCounterDesc("linkea_repaired_total", "LinkEA attributes repaired", func(r *nsstate.Record) uint64 { return r.LinkEARepaired }),
			newCounterDesc("lost_found_total", "Objects moved to the recovery directory", func(r *nsstate.Record) uint64 { return r.ObjsLostFound }),
			newCounterDesc("dangling_found_total", "Name entries naming a missing object", func(r *nsstate.Record) uint64 { return r.DanglingFound }),
			newCounterDesc("multiple_linked_checked_total", "Multiply linked objects checked", func(r *nsstate.Record) uint64 { return r.MulLinkedChecked }),
			newCounterDesc("multiple_linked_repaired_total", "Multiply linked objects repaired", func(r *nsstate.Record) uint64 { return r.MulLinkedRepaired }),
			newCounterDesc("success_total", "Completed runs", func(r *nsstate.Record) uint64 { return uint64(r.SuccessCount) }),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.status
	for _, counter := range c.counters {
		ch <- counter.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, e := range c.registry.All() {
		r := e.Record()

		ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, 1, e.name, r.Status.String())
		for _, counter := range c.counters {
			ch <- prometheus.MustNewConstMetric(counter.desc, prometheus.CounterValue, float64(counter.value(&r)), e.name)
		}
	}
}
