// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"container/heap"

	"github.com/kraklabs/sysrev/pkg/paper"
)

// taskHeap orders PENDING tasks by Priority (lower first), breaking ties
// by CreatedAt (earlier first).
type taskHeap []*paper.Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*paper.Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// remove deletes taskID from the heap, if present, restoring heap order.
func (h *taskHeap) remove(taskID string) {
	for i, t := range *h {
		if t.TaskID == taskID {
			heap.Remove(h, i)
			return
		}
	}
}
