// Package job defines the unit of schedulable work and everything a single
// execution sees: the per-run Context with its output sink, the classified
// Result, and the registry that maps configured job-type tags to constructors.
package job
