// Package domain holds the records a pipeline run leaves behind: the run
// itself and the outcome of each step and wiring action.
package domain
