// Package protocol owns the tapwire wire contract.
//
// Ownership boundary:
// - message type and flag constants
// - request/reply/event payload shapes
// - semantic validation entry points
package protocol
