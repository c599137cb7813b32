// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo runs a single fire-and-forget task with panic recovery, a timeout and
// error logging. WorkerPool bounds the number of in-flight background tasks; the
// usage recorder uses TrySubmit so that a slow counter store sheds advisory work
// instead of piling up goroutines.
package async
