// Package engine merges fragments into query results and turns buffered
// writes into committed fragments. It owns the read and write session state
// machines and the buffer protocol both share: callers supply every buffer,
// the engine fills them with whole cells, and a filled-to-capacity buffer
// raises a per-attribute overflow flag instead of an error so the next read
// resumes at the first undelivered cell.
package engine
