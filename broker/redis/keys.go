package redis

// Redis key naming for queue data. All keys are prefixed with "floq:"
// to avoid collisions.

const keyPrefix = "floq:"

// readyKey is the List of tokens awaiting delivery: floq:queue:{name}:ready
func (b *Broker) readyKey() string { return keyPrefix + "queue:" + b.queue + ":ready" }

// processingKey is the List of in-flight unacked tokens: floq:queue:{name}:processing
func (b *Broker) processingKey() string { return keyPrefix + "queue:" + b.queue + ":processing" }

// delayedKey is the Sorted Set of deferred tokens scored by due time in
// unix milliseconds: floq:queue:{name}:delayed
func (b *Broker) delayedKey() string { return keyPrefix + "queue:" + b.queue + ":delayed" }
