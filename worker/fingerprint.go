package worker

import (
	"net"
	"os"

	"github.com/google/uuid"
)

// StableID derives the worker id from the machine's hostname and primary
// MAC address. The same machine maps to the same id across restarts, so
// re-registration lands on the existing worker row instead of leaking a
// new one per agent start.
func StableID() string {
	hostname, _ := os.Hostname()
	return fingerprint(hostname, primaryMAC())
}

func fingerprint(hostname, mac string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname+"-"+mac)).String()
}

// primaryMAC returns the hardware address of the first non-loopback
// interface, or "" on hosts without one. The fingerprint stays stable as
// long as interface enumeration order does.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
