// plansync is the offline-first sync companion for Teacherly planning
// data. It queues local changes while the API is unreachable, replays
// them on reconnect, and surfaces conflicts for review.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
