/*
Package task implements the job, process and thread objects.

Jobs form a tree rooted at RootJob. A process belongs to one job and owns a
handle table and a root address region. Threads run as goroutines on an
Executor; a blocking syscall wraps its wait in Thread.BlockingRun so the
thread state is visible and the wait ends when the thread is killed.

# Usage

	exec := task.NewExecutor(ctx, 0)
	proc, err := task.NewProcess(task.RootJob(), "init")
	thread, err := task.NewThread(proc, "main")
	err = thread.Start(exec, func(ctx context.Context, t *task.Thread) error {
		return nil
	})
	code, err := proc.Wait(ctx)

Killing a job kills everything below it. A process exits when Exit is
called or when its last thread returns.
*/
package task
