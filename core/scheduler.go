package core

// Scheduler is the height-indexed task queue: deferred work
// (mailbox/waitlist expiry, delayed sends, program reaping) is attached to
// the block height it should fire at, and BlockProcessor drains every task
// due at or before the height currently being processed. Ties within a
// height are broken by the task's deterministic id bytes, never by insertion
// order, so that two nodes processing the same height produce the same queue
// regardless of task arrival order.

import (
	"sort"
	"sync"
)

// TaskKind tags the scheduled task kinds.
type TaskKind uint8

const (
	TaskWakeMessage TaskKind = iota
	TaskRemoveFromMailbox
	TaskRemoveFromWaitlist
	TaskReapProgram
	TaskSendDispatch
)

// Task is a single scheduled unit of work.
type Task struct {
	Kind     TaskKind
	Program  ActorId
	Message  MessageId // meaningful for WakeMessage/RemoveFromMailbox/RemoveFromWaitlist
	User     Address    // meaningful for RemoveFromMailbox
	Owner    ActorId    // meaningful for SendDispatch: whose stash holds the delayed dispatch
	Dispatch Dispatch   // meaningful for SendDispatch
}

// id derives the deterministic ordering key for t: hash(kind || program ||
// message). The key is a pure function of task content, independent of
// insertion order.
func (t Task) id() Hash {
	buf := make([]byte, 0, 1+32+32)
	buf = append(buf, byte(t.Kind))
	buf = append(buf, t.Program[:]...)
	msg := t.Message
	if t.Kind == TaskSendDispatch {
		msg = t.Dispatch.Message.ID
	}
	buf = append(buf, msg[:]...)
	return HashBytes(buf)
}

// Scheduler holds, per future block height, the tasks due to fire there.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[uint32][]Task
}

// NewScheduler constructs an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{tasks: make(map[uint32][]Task)}
}

// Schedule attaches task to fire at height. A height of WaitForever is
// never drained and represents "no timeout".
func (s *Scheduler) Schedule(height uint32, task Task) {
	if height == WaitForever {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[height] = append(s.tasks[height], task)
}

// Cancel removes a previously scheduled task matching kind/program/message
// at height, if present (used when a wait or mailbox hold resolves before
// its timeout).
func (s *Scheduler) Cancel(height uint32, kind TaskKind, program ActorId, message MessageId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.tasks[height]
	for i, t := range bucket {
		if t.Kind == kind && t.Program == program && t.Message == message {
			s.tasks[height] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Drain removes and returns every task whose trigger height is <= height,
// ordered ascending by (height, task id). This lets a caller that skips
// heights (e.g. replaying a gap) still pick up
// everything that fell due in between, rather than losing tasks scheduled
// at heights nobody explicitly drained.
func (s *Scheduler) Drain(height uint32) []Task {
	type dueTask struct {
		height uint32
		task   Task
	}
	s.mu.Lock()
	var due []dueTask
	for h, bucket := range s.tasks {
		if h > height {
			continue
		}
		for _, t := range bucket {
			due = append(due, dueTask{height: h, task: t})
		}
		delete(s.tasks, h)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].height != due[j].height {
			return due[i].height < due[j].height
		}
		a, b := due[i].task.id(), due[j].task.id()
		return bytesCompare(a[:], b[:]) < 0
	})
	tasks := make([]Task, len(due))
	for i, d := range due {
		tasks[i] = d.task
	}
	return tasks
}

// Pending reports whether any task is scheduled at height, without
// consuming it.
func (s *Scheduler) Pending(height uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks[height]) > 0
}
