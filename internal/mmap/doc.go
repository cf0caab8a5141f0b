// Package mmap provides read-only memory-mapped file access for zero-copy I/O.
//
// Tile streams inside committed fragments are immutable, which makes them safe
// to map shared and read concurrently. The fragment reader selects between
// this package and plain pread based on configuration.
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) via golang.org/x/sys/unix
//   - Windows: CreateFileMapping/MapViewOfFile
//
// # Thread Safety
//
// A mapped File is safe for concurrent ReadAt calls. Callers must ensure no
// goroutine touches Data after Close returns.
package mmap
