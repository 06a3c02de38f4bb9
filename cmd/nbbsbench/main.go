//go:build go1.22

// nbbsbench measures allocation and release latency of the nbbs allocator under single and
// multi-threaded load.
package main

func main() {
	execute()
}
