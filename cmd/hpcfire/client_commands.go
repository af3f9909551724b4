package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/RezaEskandarii/hpcfire/client"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/types"
	"github.com/RezaEskandarii/hpcfire/types/config"
)

type clientFlags struct {
	addr    *string
	name    *string
	token   *string
	timeout *time.Duration
}

func newClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		addr:    fs.String("addr", envOr("HPCFIRE_ADDR", "127.0.0.1"+config.DefaultGatewayAddr), "gateway address"),
		name:    fs.String("client", os.Getenv("HPCFIRE_CLIENT"), "client name"),
		token:   fs.String("token", os.Getenv("HPCFIRE_TOKEN"), "client token"),
		timeout: fs.Duration("timeout", 30*time.Second, "request timeout"),
	}
}

func (f clientFlags) dial(ctx context.Context) (*client.Client, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, *f.timeout)
	var opts []client.Option
	if *f.name != "" {
		opts = append(opts, client.WithCredentials(*f.name, *f.token))
	}
	c, err := client.Dial(ctx, *f.addr, opts...)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return c, ctx, cancel, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	cf := newClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: hpcfire submit [flags] <jobs.yaml>")
	}

	specs, err := loadJobFile(fs.Arg(0))
	if err != nil {
		return err
	}
	c, ctx, cancel, err := cf.dial(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	ids, err := c.Submit(ctx, specs...)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if specs[i].Name != "" {
			fmt.Printf("%s\t%s\n", id, specs[i].Name)
			continue
		}
		fmt.Println(id)
	}
	return nil
}

func runQuery(ctx context.Context, args []string) error {
	return runJobCommand(ctx, "query", args, (*client.Client).Query)
}

func runCancel(ctx context.Context, args []string) error {
	return runJobCommand(ctx, "cancel", args, (*client.Client).Cancel)
}

func runJobCommand(ctx context.Context, name string, args []string, call func(*client.Client, context.Context, string) (*client.Status, error)) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cf := newClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: hpcfire %s [flags] <job-id>", name)
	}

	c, ctx, cancel, err := cf.dial(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	st, err := call(c, ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func printStatus(st *client.Status) {
	fmt.Printf("job:     %s\nstate:   %s\nretries: %d\n", st.JobID, st.State, st.RetryCount)
	if st.ExitStatus != nil {
		fmt.Printf("exit:    %d\n", *st.ExitStatus)
	}
	if st.Reason != "" {
		fmt.Printf("reason:  %s\n", st.Reason)
	}
	if st.WillRetry {
		fmt.Println("retry:   pending")
	}
	if st.ErrorDetail != "" && st.ErrorDetail != st.Reason {
		fmt.Printf("detail:\n%s\n", st.ErrorDetail)
	}
}

func runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cf := newClientFlags(fs)
	states := fs.String("state", "", "comma separated states")
	tags := fs.String("tag", "", "comma separated key=value tags")
	limit := fs.Int("limit", 0, "maximum number of jobs")
	fs.Parse(args)

	filter, err := parseFilter(*states, *tags)
	if err != nil {
		return err
	}
	filter.Limit = *limit
	return listIDs(ctx, cf, filter)
}

func runFind(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("find", flag.ExitOnError)
	cf := newClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		return errors.New("usage: hpcfire find [flags] <id-substring>")
	}
	return listIDs(ctx, cf, types.JobFilter{IDContains: fs.Arg(0)})
}

func listIDs(ctx context.Context, cf clientFlags, filter types.JobFilter) error {
	c, ctx, cancel, err := cf.dial(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	ids, err := c.List(ctx, filter)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func parseFilter(states, tags string) (types.JobFilter, error) {
	var filter types.JobFilter
	for _, s := range splitList(states) {
		st := state.JobState(strings.ToUpper(s))
		if !st.IsValid() {
			return filter, fmt.Errorf("unknown state %q", s)
		}
		filter.States = append(filter.States, st)
	}
	for _, kv := range splitList(tags) {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return filter, fmt.Errorf("tag %q is not key=value", kv)
		}
		if filter.Tags == nil {
			filter.Tags = make(map[string]string)
		}
		filter.Tags[key] = value
	}
	return filter, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
