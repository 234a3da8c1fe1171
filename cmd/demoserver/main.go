// Command demoserver serves pages whose content can be switched between
// versions, as a target for trying out kansoku jobs.
// Usage: go run ./cmd/demoserver [port]
// Default port: 9999
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/raysh454/kansoku/internal/demoserver"
)

func main() {
	cfg := demoserver.DefaultConfig()

	// Optional: custom port from command line
	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port < 1 || port > 65535 {
			log.Fatalf("Invalid port: %s", os.Args[1])
		}
		cfg.Port = port
	}

	base := fmt.Sprintf("http://localhost:%d", cfg.Port)
	fmt.Println("kansoku demo server")
	fmt.Println()
	fmt.Println("Pages:")
	for _, p := range demoserver.GetAllPages() {
		fmt.Printf("  %s%s - %s\n", base, p.Path, p.Description)
	}
	fmt.Println()
	fmt.Println("Switch versions:")
	fmt.Printf("  curl -d path=/ -d version=2 %s/demo/set-version\n", base)
	fmt.Printf("  curl -X POST %s/demo/bump-all\n", base)
	fmt.Printf("  curl -X POST %s/demo/reset\n", base)
	fmt.Println()

	server := demoserver.NewDemoServer(cfg)
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
