//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// Auto-loads sqlite-vec into every connection the store opens, making the
// vec_atoms ANN index available. Without this build tag SearchAtoms falls
// back to the full-scan cosine ranking.
func init() {
	vec.Auto()
}
