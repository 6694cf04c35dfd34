// Command analysisd serves chess position analysis over WebSocket, backed
// by a long-lived UCI engine process.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
