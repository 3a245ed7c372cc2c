package prophet

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
)

const (
	StrategyGRTR = "grtr"
	StrategyGTMX = "gtmx"

	DefaultNFMax = 5
)

// Strategy decides whether a bundle should be handed to a neighbor.
type Strategy interface {
	Name() string
	ShallForward(local, neighbor *Map, b dtn.BundleRef) bool
	// Completed is called once per confirmed transfer of id to peer.
	Completed(id dtn.BundleID, peer dtn.EID)
	// Forget drops any per-bundle state once the bundle is gone.
	Forget(id dtn.BundleID)
}

// NewStrategy builds the strategy named in configuration.
func NewStrategy(name string, nfMax int) (Strategy, error) {
	switch strings.ToLower(name) {
	case "", StrategyGRTR:
		return GRTR{}, nil
	case StrategyGTMX:
		return NewGTMX(nfMax), nil
	default:
		return nil, dtn.ErrConfig("forwarding.strategy", fmt.Errorf("unknown strategy %q", name))
	}
}

// GRTR forwards when the neighbor is a better carrier than we are.
type GRTR struct{}

// Name returns StrategyGRTR.
func (GRTR) Name() string { return StrategyGRTR }

func (GRTR) ShallForward(local, neighbor *Map, b dtn.BundleRef) bool {
	if neighbor == nil {
		return false
	}
	if !b.Singleton {
		// group destinations: forward while a route back to the source is known
		src := b.ID.Source.Node()
		if v, ok := neighbor.lookup(src); ok && v > 0 {
			return true
		}
		if local != nil {
			if v, ok := local.lookup(src); ok && v > 0 {
				return true
			}
		}
		return false
	}

	theirs, ok := neighbor.lookup(b.Destination)
	if !ok {
		// below threshold on their side; they cannot beat us
		return false
	}
	var ours float32
	if local != nil {
		ours, _ = local.lookup(b.Destination)
	}
	return theirs > ours
}

func (GRTR) Completed(dtn.BundleID, dtn.EID) {}

func (GRTR) Forget(dtn.BundleID) {}

// GTMX is GRTR with a cap on how many distinct neighbors receive a bundle.
type GTMX struct {
	GRTR
	nfMax int

	mu        sync.Mutex
	forwarded map[dtn.BundleID]map[dtn.EID]struct{}
}

// NewGTMX limits each bundle to nfMax distinct neighbors.
func NewGTMX(nfMax int) *GTMX {
	if nfMax <= 0 {
		nfMax = DefaultNFMax
	}
	return &GTMX{nfMax: nfMax, forwarded: make(map[dtn.BundleID]map[dtn.EID]struct{})}
}

// Name returns StrategyGTMX.
func (*GTMX) Name() string { return StrategyGTMX }

func (g *GTMX) ShallForward(local, neighbor *Map, b dtn.BundleRef) bool {
	if g.Count(b.ID) >= g.nfMax {
		return false
	}
	return g.GRTR.ShallForward(local, neighbor, b)
}

func (g *GTMX) Completed(id dtn.BundleID, peer dtn.EID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	peers := g.forwarded[id]
	if peers == nil {
		peers = make(map[dtn.EID]struct{})
		g.forwarded[id] = peers
	}
	peers[peer.Node()] = struct{}{}
}

func (g *GTMX) Forget(id dtn.BundleID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.forwarded, id)
}

// Count returns how many distinct neighbors received id.
func (g *GTMX) Count(id dtn.BundleID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.forwarded[id])
}
