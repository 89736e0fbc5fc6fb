package kernel

import "runtime"

// resume makes t runnable and appends it to the run queue.
func (k *Kernel) resume(t *Thread) {
	if t.state == ThreadRunnable || t.state == ThreadExited {
		return
	}
	t.state = ThreadRunnable
	t.rqNode = k.runq.PushBack(t)
	k.wake.Broadcast()
}

// block takes t off the CPU's candidates. The caller switches away.
func (k *Kernel) block(t *Thread, state ThreadState) {
	t.state = state
	k.runqRemove(t)
}

func (k *Kernel) runqRemove(t *Thread) {
	if t.rqNode != 0 {
		k.runq.Remove(t.rqNode)
		t.rqNode = 0
	}
}

// pick chooses the thread to run after cur: round robin over the run queue,
// with cur going to the tail if it can still run.
func (k *Kernel) pick(cur *Thread) *Thread {
	if cur != k.idle && cur.state == ThreadRunnable && cur.rqNode == 0 {
		cur.rqNode = k.runq.PushBack(cur)
	}
	next, ok := k.runq.PopFront()
	if !ok {
		return k.idle
	}
	next.rqNode = 0
	return next
}

// threadSwitch gives up the CPU. It returns once the current thread is
// dispatched again.
func (k *Kernel) threadSwitch() {
	cur := k.current
	next := k.pick(cur)
	if next == cur {
		cur.quantum = k.cfg.QuantumTicks
		return
	}
	k.switchTo(cur, next)
}

// switchTo is the context switch: the baton and Kernel.mu pass from cur to
// next, and cur parks until it gets them back.
func (k *Kernel) switchTo(cur, next *Thread) {
	k.checkCanary(cur)
	k.stats.ThreadSwitches.Inc()
	next.quantum = k.cfg.QuantumTicks
	k.current = next
	next.run <- struct{}{}

	select {
	case <-cur.run:
	case <-k.done:
		runtime.Goexit()
	}
	k.checkCanary(cur)
}
