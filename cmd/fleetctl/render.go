package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/fleetops/fleetctl/state"
)

// writeSnapshotPrometheus renders one snapshot in exposition format using a
// throwaway registry, so the output matches what a scrape of the daemon's
// gauges would look like.
func writeSnapshotPrometheus(w io.Writer, snap state.QueueSnapshot) error {
	registry := prometheus.NewRegistry()

	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_queue_snapshot",
		Help: "Point-in-time queue snapshot values by group and field.",
	}, []string{"group", "field"})
	if err := registry.Register(gauges); err != nil {
		return err
	}

	gauges.WithLabelValues(snap.GroupID, "queued").Set(float64(snap.QueuedCount))
	gauges.WithLabelValues(snap.GroupID, "in_progress").Set(float64(snap.InProgressCount))
	gauges.WithLabelValues(snap.GroupID, "idle_runners").Set(float64(snap.IdleRunners))
	gauges.WithLabelValues(snap.GroupID, "busy_runners").Set(float64(snap.BusyRunners))
	gauges.WithLabelValues(snap.GroupID, "oldest_wait_seconds").Set(float64(snap.OldestWaitSeconds))
	gauges.WithLabelValues(snap.GroupID, "utilization").Set(snap.Utilization())

	families, err := registry.Gather()
	if err != nil {
		return err
	}

	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return err
		}
	}
	return nil
}

func writeSnapshotCSV(w io.Writer, snap state.QueueSnapshot) error {
	writer := csv.NewWriter(w)
	header := []string{"group_id", "queued", "in_progress", "idle_runners", "busy_runners", "oldest_wait_seconds", "utilization", "sampled_at"}
	row := []string{
		snap.GroupID,
		strconv.Itoa(snap.QueuedCount),
		strconv.Itoa(snap.InProgressCount),
		strconv.Itoa(snap.IdleRunners),
		strconv.Itoa(snap.BusyRunners),
		strconv.Itoa(snap.OldestWaitSeconds),
		fmt.Sprintf("%.3f", snap.Utilization()),
		snap.SampledAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.Write(row); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}
