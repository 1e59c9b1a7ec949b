package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caffeineduck/modhost/gateway"
	"github.com/caffeineduck/modhost/message"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl <gateway.yaml>",
	Short: "Interactive session publishing to a gateway",
	Long: `Load a gateway and publish messages to it interactively.

Commands:
  send <text>    Publish text with the current properties
  prop k=v       Set a property for subsequent messages
  prop k         Remove a property
  props          List the current properties
  modules        List the loaded modules
  exit           Destroy the gateway and quit (also quit, Ctrl+D)

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Tab completion of commands`,
	Args: cobra.ExactArgs(1),
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.modhost_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".modhost_history")
	}

	g, err := loadGateway(args[0], cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer g.Destroy()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "modhost> ",
		HistoryFile:     historyFile,
		HistoryLimit:    1000,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("send"),
			readline.PcItem("prop"),
			readline.PcItem("props"),
			readline.PcItem("modules"),
			readline.PcItem("exit"),
		),
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stderr(), "modhost REPL, %d modules loaded (type 'exit' to quit)\n", len(g.Modules()))

	s := newReplSession(g, rl.Stdout())
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if !s.exec(line) {
			return nil
		}
	}
}

// replSession holds the state of one REPL session.
type replSession struct {
	g     *gateway.Gateway
	props map[string]string
	out   io.Writer
}

func newReplSession(g *gateway.Gateway, out io.Writer) *replSession {
	return &replSession{g: g, props: make(map[string]string), out: out}
}

// exec runs one command line. It returns false when the session should end.
func (s *replSession) exec(line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "":
	case "exit", "quit":
		return false
	case "send":
		res := s.g.Publish(message.New([]byte(rest), s.props))
		fmt.Fprintln(s.out, res)
	case "prop":
		if rest == "" {
			fmt.Fprintln(s.out, "usage: prop key=value | prop key")
			break
		}
		if !strings.Contains(rest, "=") {
			delete(s.props, rest)
			break
		}
		k, v, err := parseProp(rest)
		if err != nil {
			fmt.Fprintln(s.out, err)
			break
		}
		s.props[k] = v
	case "props":
		keys := make([]string, 0, len(s.props))
		for k := range s.props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(s.out, "%s=%s\n", k, s.props[k])
		}
	case "modules":
		for _, name := range s.g.Modules() {
			fmt.Fprintln(s.out, name)
		}
	default:
		fmt.Fprintf(s.out, "unknown command %q\n", cmd)
	}
	return true
}
