// Package bus is a small in-process publish/subscribe bus used to signal UI
// fragments about notification activity without coupling them to the
// dispatcher. Signal names form a closed registry; each documents the payload
// type it carries.
package bus
