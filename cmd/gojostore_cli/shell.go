package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/core/transaction"
)

const defaultScanLimit = 100

var errQuit = errors.New("quit")

// shell runs commands against one open store.
type shell struct {
	ctx   context.Context
	store *storageengine.Store
	out   io.Writer
}

type command struct {
	usage string
	run   func(sh *shell, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"put":        {"put <container> <key> <value>", (*shell).put},
		"get":        {"get <container> <key>", (*shell).get},
		"del":        {"del <container> <key>", (*shell).del},
		"scan":       {"scan <container> [from|-] [to|-] [limit]", (*shell).scan},
		"size":       {"size <container>", (*shell).size},
		"containers": {"containers", (*shell).containers},
		"checkpoint": {"checkpoint", (*shell).checkpoint},
		"backup":     {"backup <dir>", (*shell).backup},
		"recover":    {"recover <wal dir|segment file> [container]", (*shell).recover},
		"stats":      {"stats", (*shell).stats},
		"help":       {"help", (*shell).help},
		"quit":       {"quit", func(*shell, []string) error { return errQuit }},
	}
}

func completer() *readline.PrefixCompleter {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, n := range names {
		items = append(items, readline.PcItem(n))
	}
	return readline.NewPrefixCompleter(items...)
}

// exec runs one input line. It returns errQuit when the shell should exit.
func (sh *shell) exec(line string) error {
	args, err := tokenize(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	name := strings.ToLower(args[0])
	if name == "exit" {
		name = "quit"
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", args[0])
	}
	return cmd.run(sh, args[1:])
}

func (sh *shell) container(args []string, n int, usage string) (*storageengine.Container, error) {
	if len(args) < n {
		return nil, fmt.Errorf("usage: %s", usage)
	}
	return sh.store.Container(args[0])
}

func (sh *shell) put(args []string) error {
	c, err := sh.container(args, 3, commands["put"].usage)
	if err != nil {
		return err
	}
	prev, existed, err := c.Put(parseValue(args[1]), parseValue(args[2]))
	if err != nil {
		return err
	}
	if existed {
		fmt.Fprintf(sh.out, "UPDATED (was %s) lsn=%d\n", formatValue(prev), sh.store.LSN())
		return nil
	}
	fmt.Fprintf(sh.out, "SAVED lsn=%d\n", sh.store.LSN())
	return nil
}

func (sh *shell) get(args []string) error {
	c, err := sh.container(args, 2, commands["get"].usage)
	if err != nil {
		return err
	}
	v, ok, err := c.Get(parseValue(args[1]))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(sh.out, "NOT FOUND")
		return nil
	}
	fmt.Fprintln(sh.out, formatValue(v))
	return nil
}

func (sh *shell) del(args []string) error {
	c, err := sh.container(args, 2, commands["del"].usage)
	if err != nil {
		return err
	}
	old, removed, err := c.Remove(parseValue(args[1]))
	if err != nil {
		return err
	}
	if !removed {
		fmt.Fprintln(sh.out, "NOT FOUND")
		return nil
	}
	fmt.Fprintf(sh.out, "DELETED %s lsn=%d\n", formatValue(old), sh.store.LSN())
	return nil
}

func (sh *shell) scan(args []string) error {
	usage := commands["scan"].usage
	c, err := sh.container(args, 1, usage)
	if err != nil {
		return err
	}
	var from, to any
	if len(args) > 1 && args[1] != "-" {
		from = parseValue(args[1])
	}
	if len(args) > 2 && args[2] != "-" {
		to = parseValue(args[2])
	}
	limit := defaultScanLimit
	if len(args) > 3 {
		if limit, err = strconv.Atoi(args[3]); err != nil || limit <= 0 {
			return fmt.Errorf("usage: %s", usage)
		}
	}

	it := c.Range(from, to)
	defer it.Close()
	n := 0
	for n < limit && it.Next() {
		fmt.Fprintf(sh.out, "%s => %s\n", formatValue(it.Key()), formatValue(it.Value()))
		n++
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "(%d entries)\n", n)
	return nil
}

func (sh *shell) size(args []string) error {
	c, err := sh.container(args, 1, commands["size"].usage)
	if err != nil {
		return err
	}
	fmt.Fprintln(sh.out, c.Size())
	return nil
}

func (sh *shell) containers([]string) error {
	for _, name := range sh.store.Containers() {
		fmt.Fprintln(sh.out, name)
	}
	return nil
}

func (sh *shell) checkpoint([]string) error {
	lsn, err := sh.store.Checkpoint(sh.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "checkpoint at lsn=%d\n", lsn)
	return nil
}

func (sh *shell) backup(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["backup"].usage)
	}
	info, err := sh.store.Backup(sh.ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "backup at lsn=%d: %d containers, %d bytes\n", info.LSN, len(info.Containers), info.Bytes)
	return nil
}

func (sh *shell) recover(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: %s", commands["recover"].usage)
	}
	pred := transaction.All
	if len(args) == 2 {
		pred = transaction.ForContainer(args[1])
	}
	fi, err := os.Stat(args[0])
	if err != nil {
		return err
	}
	var n int
	if fi.IsDir() {
		n, err = sh.store.RecoverDatabase(sh.ctx, args[0], pred)
	} else {
		n, err = sh.store.ApplyTransactionLog(sh.ctx, args[0], pred)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "applied %d transactions\n", n)
	return nil
}

func (sh *shell) stats([]string) error {
	st := sh.store.Stats()
	fmt.Fprintf(sh.out, "lsn=%d checkpoint_lsn=%d\n", st.LSN, st.CheckpointLSN)
	fmt.Fprintf(sh.out, "cache: %+v\n", st.Cache)
	names := make([]string, 0, len(st.Containers))
	for n := range st.Containers {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(sh.out, "  %s: %d keys\n", n, st.Containers[n])
	}
	return nil
}

func (sh *shell) help([]string) error {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(sh.out, "  %s\n", commands[n].usage)
	}
	return nil
}

// tokenize splits line on spaces, keeping double-quoted strings (with Go
// escapes) together.
func tokenize(line string) ([]string, error) {
	var (
		out []string
		cur strings.Builder
		in  bool
	)
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case in && ch == '\\' && i+1 < len(line):
			cur.WriteByte(ch)
			i++
			cur.WriteByte(line[i])
		case ch == '"':
			cur.WriteByte(ch)
			in = !in
		case !in && (ch == ' ' || ch == '\t'):
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(ch)
		}
	}
	if in {
		return nil, errors.New("unterminated quote")
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out, nil
}

// parseValue reads a literal: quoted strings stay strings, then integers,
// floats, booleans and null are recognized; anything else is a string.
func parseValue(s string) any {
	if len(s) >= 2 && s[0] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return s
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(x)
	case []byte:
		return fmt.Sprintf("0x%x", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
