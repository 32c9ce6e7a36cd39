// main.go
package main

import (
	"log"

	"slot-waitlist/cmd"
)

func main() {
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}
