package queue

import (
	"errors"
	"time"
)

// Item is one unit of compilation work. The dispatcher groups and counts
// items but never looks inside Payload; Succeeded and Output are filled in
// by the transfer codec when results are read back.
type Item struct {
	ID          string
	Group       string
	Payload     []byte
	SubmittedAt time.Time

	Succeeded bool
	Output    []byte
}

// GroupResult collects the finished items for one caller-defined group.
type GroupResult struct {
	Group         string
	FinishedItems []*Item
	AllSucceeded  bool
}

var (
	ErrGroupEmpty  = errors.New("group is empty")
	ErrDuplicateID = errors.New("item id already queued")
)
