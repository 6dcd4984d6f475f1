// Package trail defines the core value types of the traversal edge model:
// traversal records, trigger classification, and the per-edge payload that
// accumulates them.
//
// A Traversal is one directed navigation event between two distinct nodes,
// captured with the addresses both sides displayed at the moment it happened.
// An EdgePayload is the accumulated state of one directed relationship: a
// user assertion flag, the in-memory ("hot") list of recent traversals, and
// a count of older records relocated to the durable archive ("cold").
//
// The existence rule is the load-bearing invariant of the whole subsystem:
// an edge is retained if and only if
//
//	UserAsserted || len(Traversals) > 0 || ArchivedCount > 0
//
// All three disjuncts matter. Checking only the first two silently drops
// edges whose only remaining evidence lives in the archive.
//
// Example Usage:
//
//	payload := trail.NewEdgePayload()
//	payload.Append(trail.Traversal{
//		FromAddress: "https://a.example",
//		ToAddress:   "https://b.example",
//		Timestamp:   trail.NowMillis(),
//		Trigger:     trail.TriggerFollowedLink,
//	})
//
//	if payload.Exists() {
//		fmt.Printf("weight: %d\n", payload.Weight())
//	}
package trail

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors shared across the trailstore packages.
var (
	ErrNotFound  = errors.New("not found")
	ErrClosed    = errors.New("store closed")
	ErrInvalidID = errors.New("invalid node id")
)

// NodeID is a strongly-typed stable identifier for a content node.
//
// Identity is assigned once at node creation (upstream of this subsystem,
// typically a UUID) and never reused. It is deliberately independent of the
// node's current address, which can drift long after traversals referencing
// the node were recorded.
type NodeID string

// NewNodeID mints a fresh node identity. Hosting applications that manage
// their own identity space can ignore this and cast their keys instead.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// PairKey identifies one directed edge by its endpoint identities.
// (A,B) and (B,A) are distinct keys; they are merged only at display time.
type PairKey struct {
	From NodeID `json:"from"`
	To   NodeID `json:"to"`
}

// Reverse returns the opposing directed key.
func (p PairKey) Reverse() PairKey {
	return PairKey{From: p.To, To: p.From}
}

// Canonical returns the order-independent form of the pair, used to group
// the two directed edges of a node pair under one display relationship.
func (p PairKey) Canonical() PairKey {
	if p.To < p.From {
		return p.Reverse()
	}
	return p
}

// TriggerKind classifies why a traversal happened.
//
// The classification is best-effort: the upstream navigation source may not
// always know the cause, so TriggerUnknown is a first-class, expected value
// rather than an error. It is also the zero value, which means a decoded
// record with a missing or unrecognized trigger degrades to "unknown"
// instead of failing.
type TriggerKind uint8

const (
	// TriggerUnknown means the event source could not classify the cause.
	TriggerUnknown TriggerKind = iota

	// TriggerFollowedLink is a click on a link inside the origin node.
	TriggerFollowedLink

	// TriggerTypedAddress is a manually entered address.
	TriggerTypedAddress

	// TriggerOpenedFromGraph is activation of a node through the graph view.
	TriggerOpenedFromGraph

	// TriggerHistoryBack is a backward step through per-node history.
	TriggerHistoryBack

	// TriggerHistoryForward is a forward step through per-node history.
	TriggerHistoryForward

	// TriggerDraggedReference is a reference dragged out of one node and
	// dropped on another.
	TriggerDraggedReference
)

var triggerNames = map[TriggerKind]string{
	TriggerUnknown:          "unknown",
	TriggerFollowedLink:     "followed_link",
	TriggerTypedAddress:     "typed_address",
	TriggerOpenedFromGraph:  "opened_from_graph",
	TriggerHistoryBack:      "history_back",
	TriggerHistoryForward:   "history_forward",
	TriggerDraggedReference: "dragged_reference",
}

// String returns the stable wire name of the trigger.
func (k TriggerKind) String() string {
	if name, ok := triggerNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseTrigger maps a wire name back to a TriggerKind. Unrecognized names
// decode to TriggerUnknown — logs written by newer versions must remain
// replayable by this one.
func ParseTrigger(name string) TriggerKind {
	for kind, n := range triggerNames {
		if n == name {
			return kind
		}
	}
	return TriggerUnknown
}

// Traversal is one directed navigation event between two distinct nodes.
//
// FromAddress and ToAddress are point-in-time snapshots of the addresses
// involved, not references to current node state. Immutable once created;
// records are only ever relocated between tiers, never edited.
type Traversal struct {
	FromAddress string      `json:"fromAddress"`
	ToAddress   string      `json:"toAddress"`
	Timestamp   uint64      `json:"timestamp"` // Unix milliseconds
	Trigger     TriggerKind `json:"trigger"`
}

// NowMillis returns the current time as Unix milliseconds, the timestamp
// unit used throughout the subsystem.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// EdgePayload is the accumulated state of one directed relationship.
//
// Traversals is the hot tier: append-ordered, memory-resident, cheap to
// query. ArchivedCount accounts for records moved to the durable archive by
// a checkpoint pass; the records themselves are no longer memory-resident
// but still count toward edge weight and edge existence.
type EdgePayload struct {
	// UserAsserted is set when the user explicitly declared this
	// relationship, independent of any traversal evidence.
	UserAsserted bool `json:"userAsserted"`

	// Traversals holds hot-tier records in append (receipt) order.
	Traversals []Traversal `json:"traversals"`

	// ArchivedCount is the number of cold-tier records in the durable
	// archive for this edge. It never decreases except through explicit,
	// logged deletion.
	ArchivedCount uint64 `json:"archivedCount"`
}

// NewEdgePayload returns an empty payload. A fresh payload does not satisfy
// Exists(); callers insert it into the topology only together with the
// assertion or traversal that justifies it.
func NewEdgePayload() *EdgePayload {
	return &EdgePayload{}
}

// Exists reports whether the edge has any reason to be retained.
func (p *EdgePayload) Exists() bool {
	return p.UserAsserted || len(p.Traversals) > 0 || p.ArchivedCount > 0
}

// Weight is the total accounted-for record count across both tiers. This is
// the quantity display merging operates on.
func (p *EdgePayload) Weight() uint64 {
	return uint64(len(p.Traversals)) + p.ArchivedCount
}

// Append adds a traversal to the hot tier. Append order is receipt order;
// consumers rely on the hot list being time-monotonic.
func (p *EdgePayload) Append(t Traversal) {
	p.Traversals = append(p.Traversals, t)
}

// PartitionByAge splits the hot tier at the cutoff timestamp. Records with
// Timestamp < cutoff are expired (archive candidates); the rest are
// retained. Both slices preserve append order. The payload itself is not
// modified — the caller commits the split only after the archive write is
// durable.
func (p *EdgePayload) PartitionByAge(cutoff uint64) (expired, retained []Traversal) {
	for _, t := range p.Traversals {
		if t.Timestamp < cutoff {
			expired = append(expired, t)
		} else {
			retained = append(retained, t)
		}
	}
	return expired, retained
}

// Clone returns a deep copy. Snapshots clone payloads so later mutation of
// the live topology cannot alias into serialized state.
func (p *EdgePayload) Clone() *EdgePayload {
	out := &EdgePayload{
		UserAsserted:  p.UserAsserted,
		ArchivedCount: p.ArchivedCount,
	}
	if len(p.Traversals) > 0 {
		out.Traversals = make([]Traversal, len(p.Traversals))
		copy(out.Traversals, p.Traversals)
	}
	return out
}

// DissolveReason records why an edge's traversal evidence was moved to the
// permanent historical record.
type DissolveReason uint8

const (
	// ReasonNodeRemoved: an endpoint node was removed.
	ReasonNodeRemoved DissolveReason = iota + 1

	// ReasonGraphCleared: the whole graph was cleared.
	ReasonGraphCleared

	// ReasonUserRetracted: the user removed the edge directly.
	ReasonUserRetracted
)

var reasonNames = map[DissolveReason]string{
	ReasonNodeRemoved:   "node_removed",
	ReasonGraphCleared:  "graph_cleared",
	ReasonUserRetracted: "user_retracted",
}

// String returns the stable wire name of the reason.
func (r DissolveReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseDissolveReason maps a wire name back to a DissolveReason. Returns 0
// for unrecognized names.
func ParseDissolveReason(name string) DissolveReason {
	for reason, n := range reasonNames {
		if n == name {
			return reason
		}
	}
	return 0
}

// RecordStatus tags an archived traversal record.
type RecordStatus uint8

const (
	// StatusLive: the record belongs to an edge still present in the
	// topology; it was archived purely to bound memory.
	StatusLive RecordStatus = iota

	// StatusDissolved: the edge (or an endpoint) is gone; the record is
	// permanent history.
	StatusDissolved
)

// String returns "live" or "dissolved".
func (s RecordStatus) String() string {
	if s == StatusDissolved {
		return "dissolved"
	}
	return "live"
}
