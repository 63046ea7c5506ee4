package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when tearing down a stage whose
// producer is still running.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
