// Package events defines the daemon events the routing core reacts to and
// raises, and the bus abstraction they travel on.
package events

import (
	"github.com/nmxmxh/inos_dtn/internal/dtn"
)

// Topic groups events for subscription.
type Topic string

const (
	TopicNeighbor Topic = "neighbor"
	TopicBundle   Topic = "bundle"
	TopicTransfer Topic = "transfer"
	TopicTime     Topic = "time"
)

// Event is anything that can be raised on a Bus.
type Event interface {
	Topic() Topic
}

// NeighborAppeared is raised when a peer becomes reachable.
type NeighborAppeared struct {
	Peer dtn.EID
}

// NeighborDisappeared is raised when a peer is no longer reachable.
type NeighborDisappeared struct {
	Peer dtn.EID
}

// BundleQueued is raised when a bundle enters local storage.
type BundleQueued struct {
	Bundle dtn.BundleRef
}

// BundleExpired is raised when a stored bundle's lifetime ends.
type BundleExpired struct {
	ID dtn.BundleID
}

// BundlePurged is raised after storage removed a bundle.
type BundlePurged struct {
	ID     dtn.BundleID
	Reason dtn.PurgeReason
}

// BundlePurgeRequested asks storage to drop a bundle. The routing core never
// deletes singleton-destination bundles itself.
type BundlePurgeRequested struct {
	ID     dtn.BundleID
	Reason dtn.PurgeReason
}

// TransferCompleted is raised when a neighbor confirmed reception.
type TransferCompleted struct {
	Peer   dtn.EID
	Bundle dtn.BundleRef
}

// TransferAborted is raised when a transfer is given up for good.
type TransferAborted struct {
	Peer   dtn.EID
	ID     dtn.BundleID
	Reason dtn.AbortReason
}

// RequeueBundle is raised by a convergence layer when a transfer failed and
// may be retried.
type RequeueBundle struct {
	Peer     dtn.EID
	ID       dtn.BundleID
	Protocol dtn.Protocol
}

// TransferSlotChanged is raised when a neighbor's transfer budget changed.
type TransferSlotChanged struct {
	Peer dtn.EID
}

// TimeTick is raised periodically by the daemon clock.
type TimeTick struct{}

func (NeighborAppeared) Topic() Topic     { return TopicNeighbor }
func (NeighborDisappeared) Topic() Topic  { return TopicNeighbor }
func (BundleQueued) Topic() Topic         { return TopicBundle }
func (BundleExpired) Topic() Topic        { return TopicBundle }
func (BundlePurged) Topic() Topic         { return TopicBundle }
func (BundlePurgeRequested) Topic() Topic { return TopicBundle }
func (TransferCompleted) Topic() Topic    { return TopicTransfer }
func (TransferAborted) Topic() Topic      { return TopicTransfer }
func (RequeueBundle) Topic() Topic        { return TopicTransfer }
func (TransferSlotChanged) Topic() Topic  { return TopicTransfer }
func (TimeTick) Topic() Topic             { return TopicTime }

// Handler consumes events. Handlers run on the raising goroutine (Raise) or
// the bus dispatcher (Queue) and must not block for long.
type Handler func(Event)

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Bus is the event dispatcher handed to components at construction.
type Bus interface {
	Subscribe(topic Topic, handler Handler) Subscription
	// Raise dispatches synchronously.
	Raise(e Event)
	// Queue dispatches asynchronously, preserving order.
	Queue(e Event)
}
