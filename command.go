package ssolink

// Command enumerates the closed set of protocol operations. Dispatch is an
// exhaustive switch over these values; anything else is rejected before it
// reaches the session or the cache.
type Command string

const (
	CommandAttach   Command = "attach"
	CommandLogin    Command = "login"
	CommandLogout   Command = "logout"
	CommandUserInfo Command = "userInfo"
)

// ParseCommand maps a wire value onto the command set. ok is false for
// anything outside the enumerated commands.
func ParseCommand(s string) (Command, bool) {
	switch Command(s) {
	case CommandAttach, CommandLogin, CommandLogout, CommandUserInfo:
		return Command(s), true
	}
	return "", false
}
