// Package chatclient is the client side of the Relay realtime protocol.
//
// Store caches one message list per conversation, merges pushed events into it and
// performs optimistic sends with rollback. Feed reads the WebSocket connection and routes
// events into a Store. HTTPAPI implements the Store's API over the REST surface.
package chatclient
