// Command relay runs the real-time messaging server.
package main

import (
	"log"

	"relay/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
