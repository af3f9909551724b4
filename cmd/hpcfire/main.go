package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/RezaEskandarii/hpcfire/app"
	"github.com/RezaEskandarii/hpcfire/types/config"
	"golang.org/x/crypto/bcrypt"
)

const usage = `usage: hpcfire <command> [flags]

commands:
  serve    run launcher, supervisor, gateway and status server
  launch   run a launcher and supervisor against a shared store
  submit   submit the jobs of a YAML file
  query    print the state of a job
  cancel   cancel a job
  list     list job ids, optionally by state or tag
  find     list job ids containing a substring
  hash     print the bcrypt hash of a client token for the config file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "serve", "launch":
		err = runNode(ctx, cmd, args)
	case "submit":
		err = runSubmit(ctx, args)
	case "query":
		err = runQuery(ctx, args)
	case "cancel":
		err = runCancel(ctx, args)
	case "list":
		err = runList(ctx, args)
	case "find":
		err = runFind(ctx, args)
	case "hash":
		err = runHash(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Printf("%s: %v", cmd, err)
		os.Exit(1)
	}
}

func runNode(ctx context.Context, mode string, args []string) error {
	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML configuration")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	container, err := app.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer container.Close()

	log.Printf("hpcfire %s: instance %s, storage %s, %d nodes x %d cores",
		mode, cfg.Instance, cfg.StorageDriver, cfg.Allocation.Nodes, cfg.Allocation.CoresPerNode)
	if mode == "launch" {
		return container.Launch(ctx)
	}
	return container.Serve(ctx)
}

func loadConfig(path string) (*config.HPCFireConfig, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return config.NewHPCFireConfig(hostname)
}

func runHash(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: hpcfire hash <token>")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(hashed))
	return nil
}
