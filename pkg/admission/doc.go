// Package admission sheds load before it reaches workers. Each tenant
// has a fixed in-flight budget backed by a weighted semaphore; work that
// would exceed it is rejected with ErrResourceExhausted rather than
// queued. Identities throttled by the resource monitor are suspended
// here for the penalty duration.
package admission
