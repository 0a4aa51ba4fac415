package redis

// Redis key naming conventions for conveyor queues.
// All keys are prefixed with "conveyor:" to avoid collisions.

const keyPrefix = "conveyor:"

// readyKey returns the List key holding immediately consumable messages:
// conveyor:queue:{name}:ready
func readyKey(queue string) string { return keyPrefix + "queue:" + queue + ":ready" }

// delayedKey returns the Sorted Set key holding messages scheduled for
// the future, scored by availability time: conveyor:queue:{name}:delayed
func delayedKey(queue string) string { return keyPrefix + "queue:" + queue + ":delayed" }

// processingKey returns the List key holding messages taken by one
// consumer but not yet settled: conveyor:queue:{name}:processing:{consumer}
func processingKey(queue, consumer string) string {
	return keyPrefix + "queue:" + queue + ":processing:" + consumer
}
