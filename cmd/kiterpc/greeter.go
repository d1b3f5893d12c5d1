package main

import (
	"context"
	"fmt"
	"os"
)

// Greeter is the example service run by "kiterpc serve".
type Greeter struct {
	host string
}

func newGreeter() *Greeter {
	host, _ := os.Hostname()
	return &Greeter{host: host}
}

func (g *Greeter) Hello(name string) string {
	return "Hello " + name
}

func (g *Greeter) Where(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (pid %d)", g.host, os.Getpid()), nil
}
