// Package api is the HTTP client for the notification REST collaborators:
// history fetch, unread count, mark-as-read, delete, and the status endpoint
// used as a liveness probe. It is the dispatcher's source of truth when
// realtime delivery is degraded or disabled.
package api
