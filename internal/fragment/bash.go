package fragment

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ShellCommand is one simple command found in a shell line.
type ShellCommand struct {
	Name       string
	Args       []string
	Subcommand string // first non-flag argument, e.g. "commit" in "git commit"
}

// ShellLine is a parsed shell line.
type ShellLine struct {
	Commands []ShellCommand
	// WritesFiles is set when an output redirection targets anything other
	// than /dev/null or another descriptor.
	WritesFiles bool
}

// ParseShell parses a bash command line.
func ParseShell(command string) (*ShellLine, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("parse shell: %w", err)
	}

	line := &ShellLine{}
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			if cmd := callCommand(n); cmd != nil {
				line.Commands = append(line.Commands, *cmd)
			}
		case *syntax.Redirect:
			if writesFile(n) {
				line.WritesFiles = true
			}
		}
		return true
	})
	return line, nil
}

func callCommand(call *syntax.CallExpr) *ShellCommand {
	if len(call.Args) == 0 {
		return nil
	}
	cmd := &ShellCommand{Name: literal(call.Args[0])}
	if cmd.Name == "" {
		return nil
	}
	for _, arg := range call.Args[1:] {
		s := literal(arg)
		cmd.Args = append(cmd.Args, s)
		if cmd.Subcommand == "" && !strings.HasPrefix(s, "-") {
			cmd.Subcommand = s
		}
	}
	return cmd
}

func writesFile(r *syntax.Redirect) bool {
	switch r.Op {
	case syntax.RdrOut, syntax.AppOut, syntax.RdrAll, syntax.AppAll, syntax.ClbOut:
	default:
		return false
	}
	if r.Word == nil {
		return false
	}
	return literal(r.Word) != "/dev/null"
}

// literal flattens a word; expansions become placeholders.
func literal(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// readOnlyCommands never change anything on their own.
var readOnlyCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "less": true,
	"grep": true, "rg": true, "ag": true, "pwd": true, "echo": true,
	"printf": true, "wc": true, "which": true, "type": true, "file": true,
	"stat": true, "tree": true, "du": true, "df": true, "diff": true,
	"env": true, "whoami": true, "date": true, "uname": true, "true": true,
	"test": true, "[": true, "sort": true, "uniq": true, "cut": true,
	"jq": true, "realpath": true, "dirname": true, "basename": true,
}

// readOnlySubcommands lists inspection subcommands of otherwise mutating tools.
var readOnlySubcommands = map[string]map[string]bool{
	"git": {
		"status": true, "log": true, "diff": true, "show": true, "blame": true,
		"rev-parse": true, "ls-files": true, "grep": true, "shortlog": true,
		"describe": true,
	},
	"go":    {"list": true, "doc": true, "version": true, "env": true, "vet": true},
	"npm":   {"ls": true, "list": true, "view": true, "outdated": true},
	"cargo": {"tree": true, "metadata": true},
}

// HasSideEffects reports whether a shell line may change state. Lines that
// cannot be parsed are assumed to.
func HasSideEffects(command string) bool {
	line, err := ParseShell(command)
	if err != nil {
		return true
	}
	if line.WritesFiles {
		return true
	}
	for _, cmd := range line.Commands {
		if !readOnly(cmd) {
			return true
		}
	}
	return false
}

func readOnly(cmd ShellCommand) bool {
	if readOnlyCommands[cmd.Name] {
		return true
	}
	if cmd.Name == "find" {
		for _, a := range cmd.Args {
			switch a {
			case "-delete", "-exec", "-execdir", "-ok", "-fprint":
				return false
			}
		}
		return true
	}
	if cmd.Name == "sed" {
		for _, a := range cmd.Args {
			if strings.HasPrefix(a, "-i") || a == "--in-place" {
				return false
			}
		}
		return true
	}
	if subs, ok := readOnlySubcommands[cmd.Name]; ok {
		return subs[cmd.Subcommand]
	}
	return false
}
