package cqs

// HostDistance classifies how close a node is to this client. It controls
// how many connections a host pool keeps and whether the host is eligible
// for query plans at all.
type HostDistance int

const (
	// HostLocal nodes get the full local connection count.
	HostLocal HostDistance = iota

	// HostRemote nodes get the (usually smaller) remote connection count.
	HostRemote

	// HostIgnored nodes never receive connections or requests.
	HostIgnored
)

func (d HostDistance) String() string {
	switch d {
	case HostLocal:
		return "local"
	case HostRemote:
		return "remote"
	case HostIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Host is one node of the cluster. Hosts are discovered externally
// (topology events, contact points); the session only keys pools by them.
// The address is the identity key.
type Host struct {
	Address  string
	Distance HostDistance
}

// NewHost creates a host entry for the given address at the given distance.
func NewHost(address string, distance HostDistance) *Host {
	return &Host{Address: address, Distance: distance}
}

func (h *Host) String() string {
	return h.Address + " (" + h.Distance.String() + ")"
}
