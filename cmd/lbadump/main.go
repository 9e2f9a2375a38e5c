// lbadump is a simple CLI tool for inspecting lbatree store files.
//
// Usage:
//
//	lbadump -mkfs <filename>             # initialize an empty store
//	lbadump -insert 100 <filename>       # insert sequential test mappings
//	lbadump <filename>                   # dump the tree structure
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dacapoday/lbatree"
	"github.com/dacapoday/lbatree/cache"
	"github.com/dacapoday/lbatree/lba"
)

func main() {
	mkfsFlag := flag.Bool("mkfs", false, "initialize an empty store")
	insertFlag := flag.Int("insert", 0, "insert N sequential test mappings")
	verboseFlag := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: lbadump [-mkfs] [-insert n] [-v] <filename>")
		os.Exit(1)
	}

	if err := run(flag.Arg(0), *mkfsFlag, *insertFlag, *verboseFlag); err != nil {
		fmt.Fprintln(os.Stderr, "lbadump:", err)
		os.Exit(1)
	}
}

func run(path string, mkfs bool, insert int, verbose bool) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	log := zap.NewNop()
	if verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	ca, err := cache.New(file, cache.Options{Log: log})
	if err != nil {
		return err
	}
	defer ca.Close()

	var tree *lba.LBATree
	if mkfs {
		c := lba.OpContext{Trans: ca.Begin(), Cache: ca, Pins: ca.Pins()}
		root, err := lba.MkFS(c, lba.Config{})
		if err != nil {
			return err
		}
		tree = lba.New(root, lba.Config{}, log)
		if err := tree.Commit(c); err != nil {
			return err
		}
		fmt.Println("initialized", root)
	} else {
		root, err := ca.LoadRoot()
		if err != nil {
			return err
		}
		tree = lba.New(root, lba.Config{}, log)
	}

	for i := 1; i <= insert; i++ {
		c := lba.OpContext{Trans: ca.Begin(), Cache: ca, Pins: ca.Pins()}
		key := lbatree.Laddr(i) * lbatree.BlockSize
		it, err := tree.LowerBound(c, key, nil)
		if err != nil {
			return err
		}
		if _, _, err := tree.Insert(c, it, key, lbatree.MapVal{
			Paddr: lbatree.AbsPaddr(int64(i) * lbatree.BlockSize),
			Len:   lbatree.BlockSize,
		}); err != nil {
			return err
		}
		if err := tree.Commit(c); err != nil {
			return err
		}
	}

	return dump(ca, tree)
}

func dump(ca *cache.Cache, tree *lba.LBATree) error {
	root := tree.Root()
	fmt.Printf("%s\n", root)

	c := lba.OpContext{Trans: ca.Begin(), Cache: ca, Pins: ca.Pins()}
	it, err := tree.LowerBound(c, 0, func(meta lbatree.NodeMeta, paddr lbatree.Paddr, length uint32) {
		for range root.Depth - meta.Depth {
			fmt.Print("  ")
		}
		fmt.Printf("node %s %s\n", meta, paddr)
	})
	if err != nil {
		return err
	}

	count := 0
	for !it.IsEnd() {
		val := it.GetVal()
		fmt.Printf("  %12d -> %s len=%d refcount=%d\n",
			uint64(it.GetKey()), val.Paddr, val.Len, val.Refcount)
		count++
		if err := it.Next(c, nil); err != nil {
			return err
		}
	}
	fmt.Println(count, "mappings")
	return nil
}
