// Package row provides the unit exchanged with the backing store: an ordered
// list of typed column values identified by table name and primary key.
//
// This package contains value types only. All other internal packages
// import row; row imports nothing internal.
//
// Key design constraints:
//   - Value is sealed: Null, String, Int, Bool, Time and Delta only
//   - No floats anywhere, integers are always int64
//   - A Delta is a pending relative adjustment and is never a row's baseline
//   - Cached rows are shared read-only; mutate a Clone
package row
