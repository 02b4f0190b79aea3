package idea

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/nasa-jpl/ideactl/util"
)

const (
	// Terminator ends every command and report line
	Terminator = byte('\r')

	// ReportDelimiter is the first byte of every report from the controller
	ReportDelimiter = byte('`')

	// MaxLineLength is the longest line, terminator included, the controller
	// will accept
	MaxLineLength = 64

	cmdMove  = "M"
	cmdQuery = "l"
)

var (
	// the first eleven commands are the reset sequence, in the order they
	// are sent; see Profile.settings
	commands = []Command{
		{Cmd: "RS", Alias: "run-speed", Description: "set run speed, steps/sec"},
		{Cmd: "SS", Alias: "start-speed", Description: "set start speed, steps/sec"},
		{Cmd: "ES", Alias: "end-speed", Description: "set end speed, steps/sec"},
		{Cmd: "AR", Alias: "accel-rate", Description: "set acceleration, steps/sec^2"},
		{Cmd: "DR", Alias: "decel-rate", Description: "set deceleration, steps/sec^2"},
		{Cmd: "RC", Alias: "run-current", Description: "set run current"},
		{Cmd: "HC", Alias: "hold-current", Description: "set hold current"},
		{Cmd: "AC", Alias: "accel-current", Description: "set acceleration current"},
		{Cmd: "DC", Alias: "decel-current", Description: "set deceleration current"},
		{Cmd: "CD", Alias: "command-delay", Description: "set inter-command delay, ms"},
		{Cmd: "MS", Alias: "microstep", Description: "set microstep divisor"},

		{Cmd: cmdMove, Alias: "move-abs", Description: "move absolute, steps"},
		{Cmd: cmdQuery, Alias: "get-position", Description: "get position, steps"},
	}
)

// Command describes a command
type Command struct {
	Cmd         string `json:"cmd"`
	Alias       string `json:"alias"`
	Description string `json:"description"`
}

// Commands returns a copy of the command table
func Commands() []Command {
	out := make([]Command, len(commands))
	copy(out, commands)
	return out
}

// CommandFromCmdOrAlias looks up a command by its mnemonic or alias
func CommandFromCmdOrAlias(cmdAlias string) (Command, error) {
	for _, c := range commands {
		if c.Cmd == cmdAlias || c.Alias == cmdAlias {
			return c, nil
		}
	}
	return Command{}, ErrCommandNotFound{cmdAlias}
}

// EncodeCommand builds a command line from a mnemonic and its integer
// parameters, comma separated, with the terminator appended.
// Lines longer than MaxLineLength are an error, never truncated.
func EncodeCommand(cmd string, params ...int) ([]byte, error) {
	if cmd == "" {
		return nil, &EncodingError{Input: strconv.Quote(cmd), Reason: "empty command"}
	}
	buf := make([]byte, 0, MaxLineLength)
	buf = append(buf, cmd...)
	buf = append(buf, util.IntSliceToCSV(params)...)
	buf = append(buf, Terminator)
	if len(buf) > MaxLineLength {
		return nil, &EncodingError{
			Input:  cmd,
			Reason: fmt.Sprintf("line is %d bytes, maximum is %d", len(buf), MaxLineLength)}
	}
	return buf, nil
}

// EncodeMove converts a position in real units to steps and builds the
// absolute move command for it
func EncodeMove(position float64, p Profile) ([]byte, error) {
	in := strconv.FormatFloat(position, 'g', -1, 64)
	if math.IsNaN(position) || math.IsInf(position, 0) {
		return nil, &EncodingError{Input: in, Reason: "position is not finite"}
	}
	if p.Step <= 0 {
		return nil, &EncodingError{Input: in, Reason: "microstep divisor must be positive"}
	}
	steps := math.Round(position * float64(p.Step))
	if steps > math.MaxInt32 || steps < math.MinInt32 {
		return nil, &EncodingError{Input: in, Reason: "position exceeds controller travel"}
	}
	return EncodeCommand(cmdMove, int(steps))
}

// EncodeQuery builds the position query command
func EncodeQuery() []byte {
	return []byte{cmdQuery[0], Terminator}
}

// ResetCommands returns the configuration sequence for a profile, one line
// per setting in the order the controller expects them
func ResetCommands(p Profile) ([][]byte, error) {
	settings := p.settings()
	out := make([][]byte, 0, len(settings))
	for i, v := range settings {
		line, err := EncodeCommand(commands[i].Cmd, v)
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, nil
}

// DecodeReport parses one complete report line, terminator included, and
// returns the position it carries in real units.
// A report looks like "`l-1234\r".
func DecodeReport(line []byte, p Profile) (float64, error) {
	if len(line) == 0 {
		return 0, &ParseError{Line: line, Reason: "empty report"}
	}
	if line[len(line)-1] != Terminator {
		return 0, &ParseError{Line: line, Reason: "missing terminator"}
	}
	body := line[:len(line)-1]
	if len(body) < 2 || body[0] != ReportDelimiter || body[1] != cmdQuery[0] {
		return 0, &ParseError{Line: line, Reason: "not a position report"}
	}
	payload := bytes.TrimSpace(body[2:])
	steps, err := strconv.ParseInt(string(payload), 10, 32)
	if err != nil {
		return 0, &ParseError{Line: line, Reason: "non-numeric position"}
	}
	if p.Step <= 0 {
		return 0, &ParseError{Line: line, Reason: "microstep divisor must be positive"}
	}
	return float64(steps) / float64(p.Step), nil
}
