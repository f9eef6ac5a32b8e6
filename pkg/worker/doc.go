/*
Package worker implements the Worker Supervisor (C4): a Spec -> Worker
map, spawning a worker on first dispatch to a spec and routing every
subsequent request for that spec to the same one.

Two Worker implementations share one interface:

  - processWorker (procworker.go) — a real child process, communicating
    over stdin (inbound commands) and a dedicated ExtraFiles pipe
    (outbound responses), selected whenever the local-domain-socket
    transport this daemon otherwise relies on is usable.
  - fakeWorker (fakeworker.go) — an in-process goroutine holding a
    private resolver, selected as a fallback when it isn't.

Supervisor.Dispatch cannot tell which variant it is holding; both
implement identical FIFO-per-worker request handling and report
identical Response shapes.
*/
package worker
