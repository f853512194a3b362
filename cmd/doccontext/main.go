// Command doccontext inspects the document stores and file buckets used by
// doccontext applications.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
