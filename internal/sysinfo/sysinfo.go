// Package sysinfo snapshots host facts (cpu%, ram used, disk used,
// uptime) for the metrics-push loop (spec.md section 4.7). These feed
// reporting payloads only and carry no design weight, per spec.md
// section 1 — network speed tests and cloud metadata probes are
// explicitly excluded, but a basic host snapshot survives as the
// "small system snapshot" the metrics push names.
//
// Grounded on DataDog-datadog-agent's use of shirou/gopsutil for host
// metrics collection; borrowed here since the chosen teacher has no
// native host-snapshot facility of its own.
package sysinfo

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snap is a point-in-time host resource snapshot.
type Snap struct {
	CPUPercent    float64
	RAMUsedMiB    int64
	DiskUsedMiB   int64
	UptimeSeconds int64
}

// Snapshot collects CPU%, RAM used, disk used (root filesystem), and
// uptime. Any individual probe failure leaves that field zero rather
// than failing the whole snapshot — this data is best-effort reporting.
func Snapshot() Snap {
	var s Snap

	if percents, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.RAMUsedMiB = int64(vm.Used / (1024 * 1024))
	}

	if usage, err := disk.Usage("/"); err == nil {
		s.DiskUsedMiB = int64(usage.Used / (1024 * 1024))
	}

	if info, err := host.Info(); err == nil {
		s.UptimeSeconds = int64(info.Uptime)
	}

	return s
}
