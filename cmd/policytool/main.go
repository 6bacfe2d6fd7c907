// Command policytool inspects and edits the casbin rules stored in MongoDB.
//
// Usage:
//
//	policytool -config policytool.yaml <list|check|add|remove|reindex> [args]
//
// The config file names the mongo target and the casbin model:
//
//	uri: mongodb://localhost:27017
//	database: casbin
//	collection: casbin_rule
//	model: rbac_model.conf
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"gopkg.in/yaml.v3"

	"github.com/NathanBhanji/mongodb-casbin-adapter/pkg/adapter"
)

type toolConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	Model      string `yaml:"model"`
	DropOnSave bool   `yaml:"dropOnSave"`
}

func main() {
	fs := flag.NewFlagSet("policytool", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var configPath string
	fs.StringVar(&configPath, "config", "policytool.yaml", "path to the tool config file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal(err)
	}
	args := fs.Args()
	if len(args) < 1 {
		fatalf("usage: policytool -config <file> <list|check|add|remove|reindex> [args]")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fatal(err)
	}

	a, err := adapter.New(adapter.Config{
		URI:        cfg.URI,
		Database:   cfg.Database,
		Collection: cfg.Collection,
		DropOnSave: cfg.DropOnSave,
	})
	if err != nil {
		fatal(err)
	}
	defer func() { _ = a.Close() }()

	switch args[0] {
	case "list":
		list(cfg, a)
	case "check":
		check(cfg, a, args[1:])
	case "add":
		add(cfg, a, args[1:])
	case "remove":
		remove(cfg, a, args[1:])
	case "reindex":
		reindex(a)
	default:
		fatalf("unknown subcommand: %s", args[0])
	}
}

func loadConfig(path string) (toolConfig, error) {
	var cfg toolConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Model == "" {
		return cfg, fmt.Errorf("%s: model is required", path)
	}
	return cfg, nil
}

func newEnforcer(cfg toolConfig, a *adapter.Adapter) *casbin.Enforcer {
	e, err := casbin.NewEnforcer(cfg.Model, a)
	if err != nil {
		fatal(err)
	}
	return e
}

func list(cfg toolConfig, a *adapter.Adapter) {
	e := newEnforcer(cfg, a)
	policies, err := e.GetPolicy()
	if err != nil {
		fatal(err)
	}
	for _, p := range policies {
		fmt.Printf("p, %s\n", strings.Join(p, ", "))
	}
	groups, err := e.GetGroupingPolicy()
	if err != nil {
		fatal(err)
	}
	for _, g := range groups {
		fmt.Printf("g, %s\n", strings.Join(g, ", "))
	}
}

func check(cfg toolConfig, a *adapter.Adapter, args []string) {
	if len(args) < 2 {
		fatalf("usage: policytool check <sub> <obj> [act ...]")
	}
	e := newEnforcer(cfg, a)
	rvals := make([]any, len(args))
	for i, v := range args {
		rvals[i] = v
	}
	allowed, err := e.Enforce(rvals...)
	if err != nil {
		fatal(err)
	}
	if allowed {
		fmt.Println("allow")
		return
	}
	fmt.Println("deny")
	os.Exit(1)
}

func add(cfg toolConfig, a *adapter.Adapter, args []string) {
	if len(args) < 1 {
		fatalf("usage: policytool add <v0> [v1 ...]")
	}
	e := newEnforcer(cfg, a)
	added, err := e.AddPolicy(args)
	if err != nil {
		fatal(err)
	}
	if !added {
		fatalf("rule already present: %s", strings.Join(args, ", "))
	}
}

func remove(cfg toolConfig, a *adapter.Adapter, args []string) {
	if len(args) < 1 {
		fatalf("usage: policytool remove <v0> [v1 ...]")
	}
	e := newEnforcer(cfg, a)
	removed, err := e.RemovePolicy(args)
	if err != nil {
		fatal(err)
	}
	if !removed {
		fatalf("no such rule: %s", strings.Join(args, ", "))
	}
}

func reindex(a *adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.CreateIndexes(ctx); err != nil {
		fatal(err)
	}
	fmt.Println("indexes ok")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "policytool:", err)
	os.Exit(2)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "policytool: "+format+"\n", args...)
	os.Exit(2)
}
