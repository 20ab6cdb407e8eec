// keeldb_cli is an interactive shell over a local keeldb engine: open a
// database file, run transactional and auto-commit reads/writes, trigger
// compaction, and inspect file status.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/keeldb/keeldb/config"
	"github.com/keeldb/keeldb/core/engine"
	"github.com/keeldb/keeldb/core/transaction"
)

const usage = `commands:
  open <path>        open (or create) a database file
  begin              begin a transaction on the open handle
  commit             end the transaction, committing its writes
  abort              abort the transaction, discarding its writes
  set <key> <value>  write a key (staged if a transaction is live)
  get <key>          read a key
  del <key>          delete a key
  compact <path>     compact the open file onto a new file
  status             show handle and file state
  help               show this help
  exit               quit
`

func main() {
	cfg := config.Default()
	if len(os.Args) > 1 {
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.Logger.OutputFile = "stderr"
	cfg.Logger.Format = "console"

	eng, err := engine.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	rl, err := readline.New("keeldb> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	var handle *engine.KvsHandle

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF on ctrl-d, readline.ErrInterrupt on ctrl-c
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return
			}
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "open":
			if len(fields) != 2 {
				fmt.Println("usage: open <path>")
				continue
			}
			fh, err := eng.OpenFile(fields[1])
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			handle = fh.RootHandle()
			fmt.Printf("opened %s (handle %s)\n", fields[1], handle.ID())

		case "begin":
			if !requireHandle(handle) {
				continue
			}
			if err := engine.BeginTransaction(handle, transaction.IsolationReadCommitted); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("transaction %d begun\n", handle.Transaction().ID())

		case "commit":
			if !requireHandle(handle) {
				continue
			}
			if err := engine.EndTransaction(handle, engine.CommitNormal); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println("committed")

		case "abort":
			if !requireHandle(handle) {
				continue
			}
			if err := engine.AbortTransaction(handle); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println("aborted")

		case "set":
			if !requireHandle(handle) {
				continue
			}
			if len(fields) != 3 {
				fmt.Println("usage: set <key> <value>")
				continue
			}
			if err := eng.Put(handle, []byte(fields[1]), []byte(fields[2])); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "get":
			if !requireHandle(handle) {
				continue
			}
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			value, err := eng.Get(handle, []byte(fields[1]))
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println(string(value))

		case "del":
			if !requireHandle(handle) {
				continue
			}
			if len(fields) != 2 {
				fmt.Println("usage: del <key>")
				continue
			}
			if err := eng.Delete(handle, []byte(fields[1])); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "compact":
			if !requireHandle(handle) {
				continue
			}
			if len(fields) != 2 {
				fmt.Println("usage: compact <path>")
				continue
			}
			if err := eng.Compact(context.Background(), handle, fields[1]); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println("compacted")

		case "status":
			if !requireHandle(handle) {
				continue
			}
			file := handle.File()
			file.Lock()
			status := file.Status()
			block, revnum := file.Header()
			file.Unlock()
			txnID := uint64(0)
			if txn := handle.Transaction(); txn != nil {
				txnID = txn.ID()
			}
			fmt.Printf("file=%s status=%s header_block=%d revnum=%d txn=%d\n",
				file.Path(), status, block, revnum, txnID)

		case "help":
			fmt.Print(usage)

		case "exit", "quit":
			return

		default:
			fmt.Printf("unknown command %q (try 'help')\n", fields[0])
		}
	}
}

func requireHandle(h *engine.KvsHandle) bool {
	if h == nil {
		fmt.Println("no database open (use 'open <path>')")
		return false
	}
	return true
}
