// Package protocol defines the JSON messages exchanged between the watch
// service and its viewers.
//
// Viewers send single Request objects. The service sends either a bare Notice
// object (live events) or an array of notices (initial listings and root
// announcements). Both sides reject a malformed message without tearing down
// the connection.
package protocol
