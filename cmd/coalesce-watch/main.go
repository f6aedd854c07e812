// Command coalesce-watch runs a program whenever watched files change,
// coalescing bursts of changes with a debounce or throttle.
package main

import "github.com/tylergannon/coalesce/internal"

func main() {
	internal.Run()
}
