// Command pseudomalloc drives one allocate/release cycle against the
// dispatcher for manual inspection. It has no bearing on the allocator's
// correctness; it exists to make the package easy to poke at from a shell.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"

	"github.com/google/subcommands"
	"github.com/pseudomalloc/pseudomalloc/unsafex/malloc"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&allocCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

type allocCmd struct {
	poolSize int
	minBlock int
	size     int
}

func (*allocCmd) Name() string { return "alloc" }

func (*allocCmd) Synopsis() string {
	return "allocate and free one block, reporting the routing decision"
}

func (*allocCmd) Usage() string {
	return "alloc [-pool-size N] [-min-block N] -alloc N\n\nAllocates N bytes through the dispatcher, prints where the request was\nrouted, then frees it.\n"
}

func (c *allocCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.poolSize, "pool-size", malloc.DefaultPoolSize, "buddy pool size in bytes, must be a power of two")
	f.IntVar(&c.minBlock, "min-block", malloc.DefaultMinBlock, "buddy minimum block size in bytes, must be a power of two")
	f.IntVar(&c.size, "alloc", 0, "number of bytes to allocate")
}

func (c *allocCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	logger := log.New(os.Stderr, "pseudomalloc: ", log.LstdFlags)

	cfg := malloc.DefaultConfig()
	cfg.PoolSize = c.poolSize
	cfg.MinBlock = c.minBlock
	cfg.Logger = logger

	d, err := malloc.NewDispatcher(cfg)
	if err != nil {
		logger.Printf("new dispatcher: %v", err)
		return subcommands.ExitFailure
	}

	p, err := d.Alloc(c.size)
	if err != nil && !errors.Is(err, malloc.ErrZeroSize) {
		logger.Printf("alloc(%d): %v", c.size, err)
		return subcommands.ExitFailure
	}
	if p == nil {
		logger.Printf("alloc(%d): nil address", c.size)
		return subcommands.ExitSuccess
	}

	stats := d.Stats()
	logger.Printf("alloc(%d) = %p; buddy live=%d bytes=%d large=%d",
		c.size, p, stats.LiveBuddyBlocks, stats.BuddyBytesInUse, stats.LargeMappings)

	if err := d.Free(p); err != nil {
		logger.Printf("free(%p): %v", p, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
