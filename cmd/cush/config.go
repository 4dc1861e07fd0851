package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// config holds the cosmetics of the prompt. The shell has no other
// settings.
type config struct {
	user string
	host string
	cwd  func() (string, error)
}

func loadConfig() *config {
	cfg := &config{
		user: os.Getenv("LOGNAME"),
		cwd:  os.Getwd,
	}

	if cfg.user == "" {
		cfg.user = os.Getenv("USER")
	}

	if host, err := os.Hostname(); err == nil {
		cfg.host = host
	}

	return cfg
}

// prompt returns the prompt in the form `<user@host in dir>$ `.
func (c *config) prompt() string {
	dir := "?"
	if wd, err := c.cwd(); err == nil {
		dir = filepath.Base(wd)
	}

	return fmt.Sprintf("<%s@%s in %s>$ ", c.user, c.host, dir)
}
