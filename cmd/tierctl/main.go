// Command tierctl drives the tiercache coordinators against real tiers and
// stores. It is a soak and smoke tool, not a server.
//
//	tierctl soak --front ristretto --back redis --redis-addr localhost:6379 --duration 30s
//	tierctl writebehind --store redis --mode write-behind --keys 5000
//
// Every flag can also be set as TIERCACHE_<FLAG> in the environment or in a
// .env file in the working directory.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
