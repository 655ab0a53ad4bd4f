// Package llm defines the unified request/response contract spoken by every
// provider adapter.
//
// The vocabulary is deliberately small: a conversation is an ordered list of
// turns, a turn is a role plus ordered parts, and a part is either text or
// inline binary data. Adapters translate this shape to and from their wire
// protocols; nothing above the adapter layer ever sees a provider-native
// payload.
//
// The package also owns capability declarations, the pre-flight request
// validation every adapter runs before touching the network, and the
// provider-agnostic error taxonomy.
package llm
