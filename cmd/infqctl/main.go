// Command infqctl is a debug harness for an infq data directory: push lines
// from stdin or from files matched by a glob, pop/peek elements, and
// dump/load snapshot buffers. Not part of the queue's public API surface.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/therootcompany/xz"

	"github.com/elliotnunn/infq"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "push":
		err = runPush(args)
	case "pop":
		err = runPop(args)
	case "stats":
		err = runStats(args)
	case "dump":
		err = runDump(args)
	case "load":
		err = runLoad(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "infqctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: infqctl <push|pop|stats|dump|load> -data DIR [flags]`)
}

func openQueue(fs *flag.FlagSet, args []string) (*infq.InfQ, error) {
	data := fs.String("data", "", "data directory")
	name := fs.String("name", "infqctl", "queue name")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *data == "" {
		return nil, fmt.Errorf("-data is required")
	}
	return infq.New(*name, infq.DefaultConfig(*data))
}

// runPush enqueues one element per line of stdin, or one element per file
// matched by -watch (a doublestar glob against the current directory), each
// file's whole content becoming one element.
func runPush(args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	watch := fs.String("watch", "", "glob pattern: push each matching file's content as one element")
	q, err := openQueue(fs, args)
	if err != nil {
		return err
	}
	defer q.Destroy()

	if *watch != "" {
		matches, err := doublestar.FilepathGlob(*watch)
		if err != nil {
			return fmt.Errorf("glob %q: %w", *watch, err)
		}
		for _, m := range matches {
			data, err := os.ReadFile(m)
			if err != nil {
				return fmt.Errorf("read %s: %w", m, err)
			}
			if err := q.Push(data); err != nil {
				return fmt.Errorf("push %s: %w", m, err)
			}
		}
		fmt.Fprintf(os.Stderr, "pushed %d files matching %q\n", len(matches), *watch)
		return nil
	}

	scan := bufio.NewScanner(os.Stdin)
	scan.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for scan.Scan() {
		if err := q.Push(scan.Bytes()); err != nil {
			return fmt.Errorf("push line %d: %w", n+1, err)
		}
		n++
	}
	fmt.Fprintf(os.Stderr, "pushed %d lines\n", n)
	return scan.Err()
}

func runPop(args []string) error {
	fs := flag.NewFlagSet("pop", flag.ExitOnError)
	count := fs.Int("n", 1, "number of elements to pop")
	peek := fs.Bool("peek", false, "use Top instead of Pop (do not remove)")
	q, err := openQueue(fs, args)
	if err != nil {
		return err
	}
	defer q.Destroy()

	for i := 0; i < *count; i++ {
		var data []byte
		var err error
		if *peek {
			data, err = q.Top()
		} else {
			data, err = q.Pop()
		}
		if err != nil {
			if infq.Is(err, infq.NotReady) {
				fmt.Fprintln(os.Stderr, "not ready: background loader still catching up, retry")
				break
			}
			return err
		}
		if data == nil {
			fmt.Fprintln(os.Stderr, "queue empty")
			break
		}
		os.Stdout.Write(data)
		os.Stdout.Write([]byte("\n"))
	}
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	q, err := openQueue(fs, args)
	if err != nil {
		return err
	}
	defer q.Destroy()

	s := q.Stats()
	fmt.Printf("size=%d mem_size=%d file_size=%d\n", s.Size, s.MemSize, s.FileSize)
	fmt.Printf("push_blocks=%d/%d pop_blocks=%d/%d\n", s.PushBlocksUsed, s.PushBlocksTotal, s.PopBlocksUsed, s.PopBlocksTotal)
	fmt.Printf("dump: suspended=%v pending=%d\n", s.DumpSuspended, s.DumpPending)
	fmt.Printf("load: suspended=%v pending=%d\n", s.LoadSuspended, s.LoadPending)
	fmt.Printf("unlink: suspended=%v pending=%d\n", s.UnlinkSuspended, s.UnlinkPending)
	return nil
}

// runDump writes an uncompressed snapshot buffer to -out. An -out ending in
// ".xz" is rejected: compressed output is not supported.
func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	out := fs.String("out", "", "output file (uncompressed; a .xz suffix is rejected)")
	confirm := fs.Bool("done", false, "call DoneDump immediately after a successful write")
	q, err := openQueue(fs, args)
	if err != nil {
		return err
	}
	defer q.Destroy()
	if *out == "" {
		return fmt.Errorf("-out is required")
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	if strings.HasSuffix(*out, ".xz") {
		return fmt.Errorf("writing compressed snapshots is not supported; xz is a decompression-only import here")
	}
	if err := q.Dump(w); err != nil {
		return err
	}
	if *confirm {
		return q.DoneDump()
	}
	return nil
}

// runLoad restores a fresh queue from a snapshot buffer previously written
// by dump, transparently decompressing when -in ends in ".xz".
func runLoad(args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	in := fs.String("in", "", "input snapshot file")
	q, err := openQueue(fs, args)
	if err != nil {
		return err
	}
	defer q.Destroy()
	if *in == "" {
		return fmt.Errorf("-in is required")
	}

	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(*in, ".xz") {
		xr, err := xz.NewReader(f, xz.DefaultDictMax)
		if err != nil {
			return fmt.Errorf("xz: %w", err)
		}
		r = xr
	}
	return q.Load(r)
}
