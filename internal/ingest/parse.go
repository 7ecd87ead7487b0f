package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/bankserver/internal/ir"
)

var (
	// ErrUnknownCommand is returned for an empty line or an unknown command word.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMalformed is returned when a known command has bad arguments.
	ErrMalformed = errors.New("malformed request")
)

// Command words.
const (
	CmdCheck = "CHECK"
	CmdTrans = "TRANS"
	CmdEnd   = "END"
)

// Command is one parsed input line: either END or a request.
type Command struct {
	End     bool
	Request ir.Request
}

// Parse reads one command line. The request is not validated against a
// ledger; account range and leg count are checked by Server.Submit.
func Parse(line string) (Command, error) {
	fields := strings.Fields(norm.NFKC.String(line))
	if len(fields) == 0 {
		return Command{}, ErrUnknownCommand
	}

	args := fields[1:]
	switch fields[0] {
	case CmdEnd:
		if len(args) != 0 {
			return Command{}, fmt.Errorf("%w: END takes no arguments", ErrMalformed)
		}
		return Command{End: true}, nil

	case CmdCheck:
		if len(args) != 1 {
			return Command{}, fmt.Errorf("%w: CHECK takes one account, got %d arguments", ErrMalformed, len(args))
		}
		id, err := parseAccount(args[0])
		if err != nil {
			return Command{}, err
		}
		return Command{Request: ir.NewCheck(id)}, nil

	case CmdTrans:
		if len(args) == 0 || len(args)%2 != 0 {
			return Command{}, fmt.Errorf("%w: TRANS takes account/amount pairs, got %d arguments", ErrMalformed, len(args))
		}
		legs := make([]ir.Leg, 0, len(args)/2)
		for i := 0; i < len(args); i += 2 {
			id, err := parseAccount(args[i])
			if err != nil {
				return Command{}, err
			}
			delta, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return Command{}, fmt.Errorf("%w: amount %q", ErrMalformed, args[i+1])
			}
			legs = append(legs, ir.Leg{Account: id, Delta: ir.Amount(delta)})
		}
		return Command{Request: ir.NewTransfer(legs...)}, nil

	default:
		return Command{}, fmt.Errorf("%w %q", ErrUnknownCommand, fields[0])
	}
}

func parseAccount(s string) (ir.AccountID, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: account %q", ErrMalformed, s)
	}
	return ir.AccountID(id), nil
}
