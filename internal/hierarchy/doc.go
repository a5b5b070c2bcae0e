// Package hierarchy implements the activity forest rules: snapshot-based
// traversal (ancestors, descendants, depth, roots, tree) and the parent
// assignment validator that keeps the forest acyclic.
//
// Every query re-derives structure from a flat Snapshot built for the
// current request. Nothing here caches a tree between calls, and nothing
// here performs I/O.
package hierarchy
