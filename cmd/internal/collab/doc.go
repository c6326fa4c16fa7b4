// Package collab implements the real-time collaborative editing core.
//
// A Store owns every active editing session. Each session aggregates its own
// change log, undo/redo stacks, presence records and comment threads; nothing
// is shared between sessions. Mutations on one session are serialized by that
// session's mutex, and every committed mutation is published on the Bus.
//
// Positions are abstract offsets into a linear space. The package does not
// know (or care) what they index into.
package collab
