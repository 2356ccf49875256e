// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package title generates conversation titles in the background and
// pushes progress to subscribers.
package title

import "sync"

// Priority orders title jobs. Immediate jobs come from a just-finished
// first deliberation; background jobs come from the startup rescan.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityImmediate
)

// Job is one pending title generation.
type Job struct {
	ConversationID string
	UserMessage    string
	Priority       Priority
	Attempt        int
}

// queue is a two-class priority queue. Immediate jobs preempt the queue
// head but never an in-progress job. Enqueueing a conversation that is
// already queued or currently generating is a no-op; an immediate
// enqueue upgrades a queued background job. Multi-writer, multi-reader.
type queue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	immediate  []Job
	background []Job
	queued     map[string]Priority
	generating map[string]bool
	closed     bool
}

func newQueue() *queue {
	q := &queue{
		queued:     make(map[string]Priority),
		generating: make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a job, deduplicating by conversation id. Returns whether
// the job was actually added (or upgraded in place).
func (q *queue) push(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(job)
}

func (q *queue) pushLocked(job Job) bool {
	if q.closed || q.generating[job.ConversationID] {
		return false
	}

	if prev, ok := q.queued[job.ConversationID]; ok {
		if prev >= job.Priority {
			return false
		}
		// Upgrade: pull the background entry and re-add as immediate.
		q.background = remove(q.background, job.ConversationID)
	}

	q.queued[job.ConversationID] = job.Priority
	if job.Priority == PriorityImmediate {
		q.immediate = append(q.immediate, job)
	} else {
		q.background = append(q.background, job)
	}
	q.cond.Signal()
	return true
}

// pop blocks until a job is available or the queue closes. The popped
// conversation is marked generating until finish or requeue, so
// duplicate pushes stay no-ops while a worker holds the job. The second
// return is false after close.
func (q *queue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.immediate) == 0 && len(q.background) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return Job{}, false
	}

	var job Job
	if len(q.immediate) > 0 {
		job, q.immediate = q.immediate[0], q.immediate[1:]
	} else {
		job, q.background = q.background[0], q.background[1:]
	}
	delete(q.queued, job.ConversationID)
	q.generating[job.ConversationID] = true
	return job, true
}

// finish clears the generating mark after a popped job reaches a
// terminal outcome.
func (q *queue) finish(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.generating, conversationID)
}

// requeue atomically clears the generating mark and re-enqueues the job,
// so a retry cannot be deduplicated against its own in-flight attempt.
func (q *queue) requeue(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.generating, job.ConversationID)
	q.pushLocked(job)
}

// close wakes all waiting workers. Pending jobs are discarded.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func remove(jobs []Job, conversationID string) []Job {
	for i, j := range jobs {
		if j.ConversationID == conversationID {
			return append(jobs[:i], jobs[i+1:]...)
		}
	}
	return jobs
}
