// Package retrieval is the facade request handlers talk to. It binds a
// vectorstore.Backend to an embedding provider and bounds concurrent
// embedding and backend I/O with a weighted semaphore.
package retrieval
