package cmd

import (
	"context"
	"os"
	"strings"

	"github.com/cchexcode/qop/pkg/consts"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

// Completion scripts per shell. Each script drives the CLI's own
// --generate-shell-completion protocol, so completions stay in sync with the
// command tree. {{prog}} is replaced with the binary name.
var completionScripts = map[string]string{
	"bash": `#!/bin/bash
_{{prog}}() {
  local cur opts
  cur="${COMP_WORDS[COMP_CWORD]}"
  if [[ "$cur" == "-"* ]]; then
    opts=$("${COMP_WORDS[@]:0:$COMP_CWORD}" "${cur}" --generate-shell-completion)
  else
    opts=$("${COMP_WORDS[@]:0:$COMP_CWORD}" --generate-shell-completion)
  fi
  COMPREPLY=($(compgen -W "${opts}" -- "${cur}"))
  return 0
}
complete -o bashdefault -o default -o nospace -F _{{prog}} {{prog}}
`,
	"zsh": `#compdef {{prog}}
_{{prog}}() {
  local -a opts
  local cur
  cur=${words[-1]}
  if [[ "$cur" == "-"* ]]; then
    opts=("${(@f)$(${words[@]:0:#words[@]-1} ${cur} --generate-shell-completion)}")
  else
    opts=("${(@f)$(${words[@]:0:#words[@]-1} --generate-shell-completion)}")
  fi
  if [[ "${opts[1]}" != "" ]]; then
    _describe 'values' opts
  else
    _files
  fi
}
compdef _{{prog}} {{prog}}
`,
	"fish": `function __{{prog}}_complete
    set -l tokens (commandline -opc)
    $tokens --generate-shell-completion
end
complete -c {{prog}} -f -a '(__{{prog}}_complete)'
`,
	"elvish": `set edit:completion:arg-completer[{{prog}}] = {|@words|
  var tokens = $words[..-1]
  all ((external $tokens[0]) (all $tokens[1..]) --generate-shell-completion | from-lines)
}
`,
	"powershell": `Register-ArgumentCompleter -Native -CommandName {{prog}} -ScriptBlock {
    param($wordToComplete, $commandAst, $cursorPosition)
    $tokens = $commandAst.CommandElements | ForEach-Object { $_.ToString() }
    & $tokens[0] $tokens[1..($tokens.Count - 1)] --generate-shell-completion | ForEach-Object {
        [System.Management.Automation.CompletionResult]::new($_, $_, 'ParameterValue', $_)
    }
}
`,
}

// autocomplete writes a shell completion script for the requested shell.
func autocomplete() *cli.Command {
	return &cli.Command{
		Name:  "autocomplete",
		Usage: "Write a shell completion script to a file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "out",
				Usage:    "file to write the completion script to",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "shell",
				Usage:    "target shell: bash, zsh, fish, elvish or powershell",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			shell := cmd.String("shell")
			script, ok := completionScripts[shell]
			if !ok {
				return errors.Errorf("unsupported shell %q; expected bash, zsh, fish, elvish or powershell", shell)
			}

			script = strings.ReplaceAll(script, "{{prog}}", cmd.Root().Name)
			out := cmd.String("out")
			return errors.Wrapf(os.WriteFile(out, []byte(script), consts.ModeFile), "failed to write %s", out)
		},
	}
}
