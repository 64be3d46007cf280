// Package main is the banquet service entry point.
package main

func main() {
	Execute()
}
