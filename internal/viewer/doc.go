// Package viewer is the client side of the tree mirror. It keeps a local
// copy of the watched subtree built only from received notices, counts
// local interest in directories so several consumers can share one
// subscription, and supervises the websocket the notices arrive on. The
// model lives exactly as long as one connection.
package viewer
