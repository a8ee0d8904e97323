// Package main is placectl, a command-line client for the placement engine API.
package main

func main() {
	execute()
}
