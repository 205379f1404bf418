package media

import (
	"fmt"
	"net"
	"sync"
)

// PortPair is an RTP/RTCP port couple: even RTP port, odd RTCP port
type PortPair struct {
	RTP  int
	RTCP int
}

// PortManager hands out RTP/RTCP port pairs from the configured range.
// A relay context holds one pair per leg for the lifetime of the call.
type PortManager struct {
	minPort int
	maxPort int

	mu        sync.Mutex
	usedPorts map[int]bool
	freeList  []int
	stats     PortManagerStats
}

// PortManagerStats tracks pair allocation statistics
type PortManagerStats struct {
	TotalPairs        int
	UsedPairs         int
	AvailablePairs    int
	AllocationCount   int64
	DeallocationCount int64
	ReuseHits         int64
}

// NewPortManager creates a port manager over the given range. Invalid
// ranges fall back to the common RTP range.
func NewPortManager(minPort, maxPort int) *PortManager {
	if minPort <= 0 || maxPort <= 0 || minPort >= maxPort {
		minPort = 10000
		maxPort = 20000
	}
	if minPort%2 != 0 {
		minPort++
	}

	return &PortManager{
		minPort:   minPort,
		maxPort:   maxPort,
		usedPorts: make(map[int]bool),
		stats: PortManagerStats{
			TotalPairs: (maxPort - minPort + 1) / 2,
		},
	}
}

// AllocatePair reserves a free RTP/RTCP pair. Recently released pairs are
// retried first; the kernel is asked to confirm both ports actually bind.
func (pm *PortManager) AllocatePair() (PortPair, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for len(pm.freeList) > 0 {
		port := pm.freeList[len(pm.freeList)-1]
		pm.freeList = pm.freeList[:len(pm.freeList)-1]
		if !pm.usedPorts[port] && pairBindable(port) {
			pm.usedPorts[port] = true
			pm.stats.AllocationCount++
			pm.stats.ReuseHits++
			pm.updateStats()
			return PortPair{RTP: port, RTCP: port + 1}, nil
		}
	}

	for port := pm.minPort; port+1 <= pm.maxPort; port += 2 {
		if pm.usedPorts[port] {
			continue
		}
		if pairBindable(port) {
			pm.usedPorts[port] = true
			pm.stats.AllocationCount++
			pm.updateStats()
			return PortPair{RTP: port, RTCP: port + 1}, nil
		}
	}

	return PortPair{}, fmt.Errorf("no free port pairs available in range %d-%d", pm.minPort, pm.maxPort)
}

// ReleasePair returns a previously allocated pair to the pool
func (pm *PortManager) ReleasePair(pair PortPair) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.usedPorts[pair.RTP] {
		delete(pm.usedPorts, pair.RTP)
		pm.freeList = append(pm.freeList, pair.RTP)
		pm.stats.DeallocationCount++
		pm.updateStats()
	}
}

// GetPortRange returns the configured port range
func (pm *PortManager) GetPortRange() (min, max int) {
	return pm.minPort, pm.maxPort
}

// GetStats returns allocation statistics
func (pm *PortManager) GetStats() PortManagerStats {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	stats := pm.stats
	stats.UsedPairs = len(pm.usedPorts)
	stats.AvailablePairs = stats.TotalPairs - stats.UsedPairs
	return stats
}

func (pm *PortManager) updateStats() {
	pm.stats.UsedPairs = len(pm.usedPorts)
	pm.stats.AvailablePairs = pm.stats.TotalPairs - pm.stats.UsedPairs
}

// pairBindable checks that both UDP ports of the pair are free to bind
func pairBindable(rtpPort int) bool {
	for _, port := range []int{rtpPort, rtpPort + 1} {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			return false
		}
		conn.Close()
	}
	return true
}
