package coordinator

// Command is the closed set of verbs a participant may send on its command
// connection. The wire carries the lowercase name; field layout per verb is
// fixed and positional, so parsing the name is the whole dispatch decision.
type Command int

const (
	CmdUnknown Command = iota
	CmdRegister
	CmdDeregister
	CmdDisconnect
	CmdReconnect
	CmdMsend
	CmdQuit
)

// ParseCommand maps a wire verb to its Command. "exit" is an alias for
// "quit". Unrecognized verbs map to CmdUnknown and are skipped by the
// session loop.
func ParseCommand(s string) Command {
	switch s {
	case "register":
		return CmdRegister
	case "deregister":
		return CmdDeregister
	case "disconnect":
		return CmdDisconnect
	case "reconnect":
		return CmdReconnect
	case "msend":
		return CmdMsend
	case "quit", "exit":
		return CmdQuit
	default:
		return CmdUnknown
	}
}

func (c Command) String() string {
	switch c {
	case CmdRegister:
		return "register"
	case CmdDeregister:
		return "deregister"
	case CmdDisconnect:
		return "disconnect"
	case CmdReconnect:
		return "reconnect"
	case CmdMsend:
		return "msend"
	case CmdQuit:
		return "quit"
	default:
		return "unknown"
	}
}
