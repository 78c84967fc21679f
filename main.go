package main

import "github.com/edgeflare/kroute/cmd/kroute"

func main() {
	kroute.Main()
}
