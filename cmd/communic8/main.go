// Command communic8 runs the chat server or a client of it.
//
//	communic8 serve --listen :8125 --discovery :8125 --metrics :9090
//	communic8 client --server chat.example.org --name alice
//	communic8 peer 9000 [host]
//	communic8 users --discovery chat.example.org:8125
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
