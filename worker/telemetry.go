package worker

import (
	"net"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// machineSpecs reads the static capacity values sent at registration.
// Failures degrade to zero values; registration must not fail because a
// metrics syscall did.
func machineSpecs() (cores int, memoryTotal int64) {
	if n, err := cpu.Counts(true); err == nil {
		cores = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memoryTotal = int64(vm.Total)
	}
	return cores, memoryTotal
}

// usageSnapshot reads the current load for a heartbeat.
func usageSnapshot() (cpuPercent float64, memoryUsed int64) {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memoryUsed = int64(vm.Used)
	}
	return cpuPercent, memoryUsed
}

// localIP resolves the address the default route uses. The UDP dial never
// transmits; it only binds a local endpoint.
func localIP() string {
	conn, err := net.DialTimeout("udp", "8.8.8.8:80", 2*time.Second)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
