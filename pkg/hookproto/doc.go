/*
Package hookproto defines the wire types exchanged between the
pre-execution hook and the daemon's local control socket (C7): one JSON
request and one JSON response per connection, newline-delimited so a
single net.Conn can be read with a bufio.Scanner on either side.

The hook always answers pass_through itself if the socket is
unreachable or a round trip exceeds its budget — hookproto only defines
the shapes exchanged when the daemon is reachable.
*/
package hookproto
