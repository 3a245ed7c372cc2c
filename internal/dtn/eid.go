package dtn

import "strings"

// EID is an endpoint identifier such as "dtn://node/app" or "ipn:12.1".
// It doubles as the peer identifier of the routing layer.
type EID string

// None is the null endpoint.
const None EID = "dtn:none"

func (e EID) String() string { return string(e) }

// IsNone reports whether e is empty or the null endpoint.
func (e EID) IsNone() bool { return e == "" || e == None }

// Node strips the application part, leaving the node endpoint.
//
//	dtn://node/app -> dtn://node
//	ipn:12.1       -> ipn:12.0
func (e EID) Node() EID {
	s := string(e)
	switch {
	case strings.HasPrefix(s, "dtn://"):
		rest := s[len("dtn://"):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return EID("dtn://" + rest[:i])
		}
		return e
	case strings.HasPrefix(s, "ipn:"):
		rest := s[len("ipn:"):]
		if i := strings.IndexByte(rest, '.'); i >= 0 {
			return EID("ipn:" + rest[:i] + ".0")
		}
		return e
	default:
		return e
	}
}

// SameHost reports whether both endpoints live on the same node.
func (e EID) SameHost(other EID) bool {
	return e.Node() == other.Node()
}
