// Package record defines the universal storage envelope shared by every
// record kind in a facet store, and the key scheme that multiplexes state,
// inbound events, outbound events, and secondary-index projections into one
// partitioned keyspace.
//
// All records belonging to one facet instance share a group id (the
// partition key). Within a group, the discriminant key orders and
// classifies records:
//
//	"STATE"                          the single materialized state record
//	"INBOUND/{type}/{seq}"           one per accepted input event
//	"OUTBOUND/{type}/{seq}/{index}"  one per emitted notification
//
// The key scheme is a wire contract: any change-feed relay or external
// consumer depends on these exact byte sequences, so the encoding here must
// never drift.
package record
