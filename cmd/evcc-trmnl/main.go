package main

import evcctrmnl "github.com/kradalby/evcc-trmnl"

func main() {
	evcctrmnl.Main()
}
