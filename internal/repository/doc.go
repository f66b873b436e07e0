// Package repository assembles the caches of one node and hands out
// sessions.
//
// A Repository owns a CachingMapper shared by all its sessions, a lock
// manager, and the propagator connecting them. Each Session owns a
// persistence context; saving a session invalidates the other sessions'
// copies of the written rows before Save returns. With a cluster
// transport, the same invalidations reach the repositories of other nodes
// asynchronously.
package repository
