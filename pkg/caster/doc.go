/*
Package caster serves an NTRIP sourcetable and, optionally, locally
pushed RTCM streams over HTTP, following the NTRIP v1/v2 protocol.

In this repo it plays two roles: NewCaster re-serves the merged,
priority-ordered sourcetable a SourcetableStack assembles from one or
more fetched upstreams (see pkg/ntrip/client's SourcetableFetcher), and
InMemorySourceService accepts locally pushed mountpoints and fans them
out to subscribers. InMemorySourceService tracks run-state with its own
pkg/ntrip/livesource.Registry, the same type the fetch/push connections
use, so a mountpoint's Pending/Running/Closed lifecycle means the same
thing whether it came from a remote fetch Task or a local publisher.

# Caster

Caster wraps http.Server. NewCasterWithConfig accepts ReadTimeout and
WriteTimeout, mirroring the same knobs a Task's Conn applies to its
upstream connections, for callers that want a stalled publisher or slow
subscriber to free the connection rather than hold it indefinitely.

# SourceService and MountpointRouter

SourceService is the seam the handler talks to: GetSourcetable for the
"/" request, Publisher/Subscriber for everything else. A SourceService
that also implements MountpointRouter (a *caster.SourcetableStack does)
lets the handler log which upstream host:port served a given mount
alongside every publisher/subscriber connection.

# Sourcetable

Sourcetable, CasterEntry, NetworkEntry and StreamEntry model the wire
format; SourceLine (sourcetable.go) and SourcetableStack (stack.go) add
the routing metadata and priority-ordered merge a pure wire-format
parse doesn't carry.

# Protocol support

Both NTRIP v1 (hijacked raw sockets, ICY preamble) and v2 (chunked
HTTP) are supported, selected by the client's Ntrip-Version header.
*/
package caster
