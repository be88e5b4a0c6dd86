package identity

import "sync"

// Callbacks receive the result of a Task. Exactly one of them runs. Callbacks
// registered before the Task finishes run on the goroutine that finishes it,
// so they must not block; later ones run on a new goroutine.
type Callbacks struct {
	OnSuccess func(*Credential)
	OnFailure func(error)
}

// Task is the handle for an asynchronous sign-in.
type Task struct {
	mu        sync.Mutex
	done      bool
	cred      *Credential
	err       error
	listeners map[int]Callbacks
	next      int
}

func newTask() *Task {
	return &Task{listeners: map[int]Callbacks{}}
}

func completedTask(cred *Credential, err error) *Task {
	return &Task{done: true, cred: cred, err: err}
}

// Then registers callbacks. If the task already finished they fire right
// away. The returned func detaches the callbacks if they have not fired yet.
func (t *Task) Then(cb Callbacks) (detach func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		go deliver(cb, t.cred, t.err)
		return func() {}
	}

	id := t.next
	t.next++
	t.listeners[id] = cb
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// complete finishes the task and reports whether anyone was listening.
// Only the first call has an effect.
func (t *Task) complete(cred *Credential, err error) bool {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return true
	}
	t.done = true
	t.cred, t.err = cred, err
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()

	for _, cb := range listeners {
		deliver(cb, cred, err)
	}
	return len(listeners) > 0
}

func (cb Callbacks) set() bool {
	return cb.OnSuccess != nil || cb.OnFailure != nil
}

func deliver(cb Callbacks, cred *Credential, err error) {
	if err != nil {
		if cb.OnFailure != nil {
			cb.OnFailure(err)
		}
		return
	}
	if cb.OnSuccess != nil {
		cb.OnSuccess(cred)
	}
}

// NewTask returns an unfinished Task and the func that finishes it. Together
// with Completed it lets code outside this package stand in for Client, for
// example in tests of sign-in handlers. The finish func reports whether a
// listener was attached.
func NewTask() (*Task, func(*Credential, error) bool) {
	t := newTask()
	return t, t.complete
}

// Completed returns a Task that has already finished.
func Completed(cred *Credential, err error) *Task {
	return completedTask(cred, err)
}
