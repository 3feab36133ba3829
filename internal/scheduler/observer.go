package scheduler

import (
	log "github.com/sirupsen/logrus"

	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// LifecycleObserver is notified of dag run lifecycle points: a run entering
// the running state and a run reaching a terminal state. RunStarted is also
// invoked when a restarted scheduler takes over runs that were active under a
// dead scheduler, so observers can re-establish per-run state such as trace
// spans.
type LifecycleObserver interface {
	RunStarted(run *schedulerobjects.DagRun) error
	RunFinished(run *schedulerobjects.DagRun) error
}

// observerNotifier invokes observers in registration order. Observer errors
// and panics are logged and swallowed: observability must never affect
// scheduling.
type observerNotifier struct {
	observers []LifecycleObserver
}

func newObserverNotifier(observers []LifecycleObserver) *observerNotifier {
	return &observerNotifier{observers: observers}
}

func (n *observerNotifier) runStarted(run *schedulerobjects.DagRun) {
	n.notify(run, "RunStarted", LifecycleObserver.RunStarted)
}

func (n *observerNotifier) runFinished(run *schedulerobjects.DagRun) {
	n.notify(run, "RunFinished", LifecycleObserver.RunFinished)
}

func (n *observerNotifier) notify(
	run *schedulerobjects.DagRun,
	name string,
	f func(LifecycleObserver, *schedulerobjects.DagRun) error,
) {
	for _, observer := range n.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("observer panicked in %s for run %s of dag %s: %v", name, run.RunID, run.DagID, r)
				}
			}()
			if err := f(observer, run); err != nil {
				log.WithError(err).Errorf("observer error in %s for run %s of dag %s", name, run.RunID, run.DagID)
			}
		}()
	}
}
