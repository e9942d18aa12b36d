package execd

import (
	"fmt"
	"strings"
)

// The generated rc files pin the shell inside the session's build cell:
// cd is wrapped to refuse paths outside it and the prompt hook snaps the
// working directory back on every prompt.

func renderBashRC(buildCell string) string {
	return fmt.Sprintf(`
export PLANTER_BUILD_CELL='%s'
builtin cd "$PLANTER_BUILD_CELL" 2>/dev/null || true
stty sane 2>/dev/null || true
stty erase '^?' 2>/dev/null || true
bind '"\C-h": backward-delete-char'
bind '"\C-?": backward-delete-char'
bind '"\e[3~": backward-delete-char'
cd() {
  if [ "$#" -eq 0 ]; then
    builtin cd "$PLANTER_BUILD_CELL"
    return $?
  fi
  case "$1" in
    "$PLANTER_BUILD_CELL"|"$PLANTER_BUILD_CELL/"*)
      builtin cd "$1"
      ;;
    *)
      printf 'planter: blocked cd outside build cell: %%s\n' "$1" >&2
      return 1
      ;;
  esac
}
readonly -f cd
PROMPT_COMMAND='builtin cd "$PLANTER_BUILD_CELL" 2>/dev/null || true'
readonly PROMPT_COMMAND
PS1='planter:\w\$ '
`, shellSingleQuote(buildCell))
}

func renderZshRC(buildCell string) string {
	return fmt.Sprintf(`
export PLANTER_BUILD_CELL='%s'
builtin cd "$PLANTER_BUILD_CELL" 2>/dev/null || true
stty sane 2>/dev/null || true
stty erase '^?' 2>/dev/null || true
bindkey '^?' backward-delete-char
bindkey '^H' backward-delete-char
bindkey '\e[3~' backward-delete-char
bindkey -M emacs '^?' backward-delete-char
bindkey -M emacs '^H' backward-delete-char
bindkey -M emacs '\e[3~' backward-delete-char
bindkey -M viins '^?' backward-delete-char
bindkey -M viins '^H' backward-delete-char
bindkey -M viins '\e[3~' backward-delete-char
function cd() {
  if [[ "$#" -eq 0 ]]; then
    builtin cd "$PLANTER_BUILD_CELL"
    return $?
  fi
  case "$1" in
    "$PLANTER_BUILD_CELL"|"$PLANTER_BUILD_CELL/"*)
      builtin cd "$1"
      ;;
    *)
      print -u2 -- "planter: blocked cd outside build cell: $1"
      return 1
      ;;
  esac
}
function precmd() {
  builtin cd "$PLANTER_BUILD_CELL" 2>/dev/null || true
}
PROMPT='planter:%%~ %%# '
`, shellSingleQuote(buildCell))
}

// shellSingleQuote escapes a value for inclusion inside single quotes.
func shellSingleQuote(value string) string {
	return strings.ReplaceAll(value, `'`, `'\''`)
}
