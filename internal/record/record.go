package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// KeyState is the discriminant key of a group's single state record.
const KeyState = "STATE"

// PrefixInbound and PrefixOutbound are the discriminant-key prefixes that
// classify event records. Exported because prefix queries and the change
// relay filter on them.
const (
	PrefixInbound  = "INBOUND/"
	PrefixOutbound = "OUTBOUND/"
)

// isoMillis renders timestamps the way the store has always serialized
// them: UTC, millisecond precision, trailing Z.
const isoMillis = "2006-01-02T15:04:05.000Z"

// Record is the unit of storage. Every record belongs to exactly one group
// (facet name + instance id) and is classified by its discriminant Key.
//
// Item holds the record's payload: the materialized state for a state
// record, the event payload for inbound/outbound records, and the derived
// shape for index projections.
type Record struct {
	Group  string          `json:"group"`
	Key    string          `json:"key"`
	Facet  string          `json:"facet"`
	Type   string          `json:"type"`
	Seq    int64           `json:"seq"`
	Millis int64           `json:"millis"`
	Date   string          `json:"date"`
	Item   json.RawMessage `json:"item,omitempty"`
}

// GroupID computes the partition key for a facet instance's primary
// records. Components are NFC-normalized so that visually identical
// Unicode ids land in the same group.
func GroupID(facet, id string) string {
	return norm.NFC.String(facet) + "/" + norm.NFC.String(id)
}

// IndexGroupID computes the partition key for a secondary-index projection
// of a facet instance, keyed by an index name and the indexed value.
func IndexGroupID(facet, index, value string) string {
	return norm.NFC.String(facet) + "/" + norm.NFC.String(index) + "/" + norm.NFC.String(value)
}

// InboundKey encodes the discriminant key of an inbound event record.
// Uniqueness within a group follows from sequence uniqueness.
func InboundKey(eventType string, seq int64) string {
	return fmt.Sprintf("%s%s/%d", PrefixInbound, eventType, seq)
}

// OutboundKey encodes the discriminant key of an outbound event record.
// seq is the sequence of the inbound transition that caused the emission;
// index disambiguates multiple emissions from the same transition.
func OutboundKey(eventType string, seq int64, index int) string {
	return fmt.Sprintf("%s%s/%d/%d", PrefixOutbound, eventType, seq, index)
}

// NewState constructs the state record of a group at the given sequence.
// The record type is the facet name itself.
func NewState(facet, id string, seq int64, item json.RawMessage, at time.Time) Record {
	return Record{
		Group:  GroupID(facet, id),
		Key:    KeyState,
		Facet:  facet,
		Type:   facet,
		Seq:    seq,
		Millis: at.UnixMilli(),
		Date:   at.UTC().Format(isoMillis),
		Item:   item,
	}
}

// NewInbound constructs the immutable record of one accepted input event.
func NewInbound(facet, id string, seq int64, eventType string, item json.RawMessage, at time.Time) Record {
	return Record{
		Group:  GroupID(facet, id),
		Key:    InboundKey(eventType, seq),
		Facet:  facet,
		Type:   eventType,
		Seq:    seq,
		Millis: at.UnixMilli(),
		Date:   at.UTC().Format(isoMillis),
		Item:   item,
	}
}

// NewOutbound constructs the immutable record of one emitted notification.
func NewOutbound(facet, id string, seq int64, index int, eventType string, item json.RawMessage, at time.Time) Record {
	return Record{
		Group:  GroupID(facet, id),
		Key:    OutboundKey(eventType, seq, index),
		Facet:  facet,
		Type:   eventType,
		Seq:    seq,
		Millis: at.UnixMilli(),
		Date:   at.UTC().Format(isoMillis),
		Item:   item,
	}
}

// NewIndex constructs a secondary-index projection of a state record under
// an alternate group. Index records are derived, never authoritative.
func NewIndex(facet, index, value string, seq int64, item json.RawMessage, at time.Time) Record {
	return Record{
		Group:  IndexGroupID(facet, index, value),
		Key:    KeyState,
		Facet:  facet,
		Type:   facet,
		Seq:    seq,
		Millis: at.UnixMilli(),
		Date:   at.UTC().Format(isoMillis),
		Item:   item,
	}
}

// IsState reports whether the record is a group's state record, judged
// purely from the discriminant key.
func (r Record) IsState() bool {
	return r.Key == KeyState
}

// IsInbound reports whether the record is an accepted input event.
func (r Record) IsInbound() bool {
	return strings.HasPrefix(r.Key, PrefixInbound)
}

// IsOutbound reports whether the record is an emitted notification.
func (r Record) IsOutbound() bool {
	return strings.HasPrefix(r.Key, PrefixOutbound)
}
