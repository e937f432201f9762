// Package batch groups work items into bounded batches and keeps the
// fixed-capacity pool of batches that are still collecting.
package batch
