// Package interactive implements the optional interactive controller: a
// small REPL over plan control (status, pause, resume, stop), backed by
// github.com/joeycumines/go-prompt. It is strictly opt-in via plan
// configuration; nothing here runs unless the plan asks for it.
package interactive

import (
	"fmt"
	"io"
	"strings"

	prompt "github.com/joeycumines/go-prompt"
	pstrings "github.com/joeycumines/go-prompt/strings"
)

// Control is the surface the REPL drives. Any nil func renders that command
// unavailable.
type Control struct {
	Status func() string
	Pause  func()
	Resume func()
	Stop   func()
}

// Execute runs one command line against c, writing responses to out. It
// returns false once the session should end (quit/exit, or stop).
func Execute(c Control, line string, out io.Writer) bool {
	switch strings.TrimSpace(line) {
	case "":
		return true
	case "status":
		if c.Status != nil {
			fmt.Fprintln(out, c.Status())
		}
		return true
	case "pause":
		if c.Pause != nil {
			c.Pause()
			fmt.Fprintln(out, "paused")
		}
		return true
	case "resume":
		if c.Resume != nil {
			c.Resume()
			fmt.Fprintln(out, "resumed")
		}
		return true
	case "stop":
		if c.Stop != nil {
			c.Stop()
			fmt.Fprintln(out, "stopping")
		}
		return false
	case "quit", "exit":
		return false
	case "help":
		fmt.Fprintln(out, "commands: status pause resume stop quit")
		return true
	default:
		fmt.Fprintf(out, "unknown command %q (try help)\n", strings.TrimSpace(line))
		return true
	}
}

var suggestions = []prompt.Suggest{
	{Text: "status", Description: "Show per-target progress"},
	{Text: "pause", Description: "Pause issuing new operations"},
	{Text: "resume", Description: "Resume issuing operations"},
	{Text: "stop", Description: "Drain and end the run"},
	{Text: "quit", Description: "Leave the controller (run continues)"},
}

func completer(in prompt.Document) ([]prompt.Suggest, pstrings.RuneNumber, pstrings.RuneNumber) {
	endIndex := in.CurrentRuneIndex()
	w := in.GetWordBeforeCursor()
	startIndex := endIndex - pstrings.RuneCountInString(w)
	return prompt.FilterHasPrefix(suggestions, w, true), startIndex, endIndex
}

// Run blocks in the REPL on the process's terminal until the user quits or
// stops the run.
func Run(c Control, out io.Writer) {
	done := false
	p := prompt.New(
		func(line string) {
			if !done && !Execute(c, line, out) {
				done = true
			}
		},
		prompt.WithPrefix("xddgo> "),
		prompt.WithTitle("xddgo"),
		prompt.WithCompleter(completer),
		prompt.WithExitChecker(func(string, bool) bool { return done }),
	)
	p.Run()
}
