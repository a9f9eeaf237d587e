// Package notify turns raw broadcast payloads into the notification state the
// UI renders: an ordered record list, an unread counter that always matches
// it, and the side effects (sound, toast, cross-component signal) each event
// triggers. A Dispatcher instance serves one principal; it reconciles live
// events against the REST history so neither source clobbers the other.
package notify
