// Package txstat snapshots, diffs and prints transmit queue counters.
package txstat

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/romshark/aleth-go/txq"
)

type Counter int

const (
	Accepted Counter = iota
	Completed
	Dropped
	Bytes
	Doorbells
	InFlight
)

// Counters lists every Counter.
var Counters = []Counter{Accepted, Completed, Dropped, Bytes, Doorbells, InFlight}

func (c Counter) String() string {
	switch c {
	case Accepted:
		return "tx_accepted"
	case Completed:
		return "tx_completed"
	case Dropped:
		return "tx_dropped"
	case Bytes:
		return "tx_bytes"
	case Doorbells:
		return "tx_doorbells"
	case InFlight:
		return "tx_in_flight"
	}
	return ""
}

// Source reports per-queue counters. *aleth.Adapter is a Source.
type Source interface {
	Stats() []txq.Stats
}

// Per-queue values.
type QueueStats map[Counter]uint64

// Multi-queue stats keyed by queue index.
type Stats map[int]QueueStats

// FromQueue converts queue counters.
func FromQueue(s txq.Stats) QueueStats {
	return QueueStats{
		Accepted:  s.Accepted,
		Completed: s.Completed,
		Dropped:   s.Dropped,
		Bytes:     s.Bytes,
		Doorbells: s.Doorbells,
		InFlight:  uint64(s.InFlight),
	}
}

// Snapshot reads the counters of every queue of src.
func Snapshot(src Source) Stats {
	all := src.Stats()
	s := make(Stats, len(all))
	for i, qs := range all {
		s[i] = FromQueue(qs)
	}
	return s
}

// Since computes s(now) - old. InFlight is a gauge and is kept as is.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for q, now := range s {
		prev := old[q]
		diff := make(QueueStats, len(now))
		for ctr, v := range now {
			if ctr == InFlight {
				diff[ctr] = v
				continue
			}
			diff[ctr] = v - prev[ctr]
		}
		out[q] = diff
	}
	return out
}

// Total sums every queue.
func (s Stats) Total() QueueStats {
	t := make(QueueStats, len(Counters))
	for _, qs := range s {
		for ctr, v := range qs {
			t[ctr] += v
		}
	}
	return t
}

// Print writes one block per queue, sorted by index. If elapsed is non-zero,
// the counters are taken to span elapsed and rates are printed as well.
func Print(w io.Writer, s Stats, elapsed time.Duration) error {
	queues := make([]int, 0, len(s))
	for q := range s {
		queues = append(queues, q)
	}
	slices.Sort(queues)

	for _, q := range queues {
		stats := s[q]
		pkts := stats[Accepted]
		bytes := stats[Bytes]

		if _, err := fmt.Fprintf(w, "queue %d:\n", q); err != nil {
			return err
		}
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			pkts, humanize.Bytes(bytes), humanize.Comma(int64(bytes)),
		)
		fmt.Fprintf(w, "  done %-12d  dropped %d  in flight %d  doorbells %s\n",
			stats[Completed], stats[Dropped], stats[InFlight],
			humanize.Comma(int64(stats[Doorbells])),
		)
		if elapsed > 0 {
			sec := elapsed.Seconds()
			fmt.Fprintf(w, "  rate %s pps  %s/s\n",
				humanize.Comma(int64(float64(pkts)/sec)),
				humanize.Bytes(uint64(float64(bytes)/sec)),
			)
		}
	}
	return nil
}
