/*
Package cellworld hosts a hierarchical world of cells and keeps it synchronized
with many connected clients.

Cells

A cell is a node of the world tree. It has a type, a transform relative to its
parent, bounds, attributes and components. Every change happens inside a
World.Transact call; when the transaction commits, each touched cell gets a new
version and commit events are delivered to the listeners in commit order.

Projection

The projector turns commit events into EntityCreate, AttributeChanged, Moved and
EntityRemove messages. Each client receives only the attributes its
capabilities allow, and never an older version after a newer one.

Reconciliation

Cells may be described by external sources. A reconciliation run fetches the
descriptions, compares them with the live cells and then removes, modifies and
adds cells. Progress is checkpointed in a phase record, so an interrupted run
resumes where it stopped.

Processes

components/cellserver is the server binary. It loads config from cellworld.ini,
opens the configured storage backend and serves websocket clients on /ws.
engine/client is the matching client side session.
*/
package cellworld
