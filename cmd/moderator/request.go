package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/whisper/pairing/internal/protocol"
)

var errUsage = errors.New("usage")

const usage = `usage: moderator [flags] <command> [args]

commands:
  block <participant>                 block a participant
  unblock <participant>               lift a block
  reports [limit]                     list recent reports (default 10)
  resolve <report> <action>           action: block | ignore | force-end-session
  stats                               store and engine counters
  maintenance                         run the retention sweep now
  force-end <participant>             end a participant's session
  warn <participant>                  warn a participant
  history <participant> [limit]       participant record and reports
`

// buildRequest turns command-line arguments into an admin request.
func buildRequest(args []string, actor string) (protocol.AdminRequest, error) {
	if len(args) == 0 {
		return protocol.AdminRequest{}, errUsage
	}
	req := protocol.AdminRequest{Actor: actor}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "block", "unblock", "force-end", "warn", "history":
		if len(rest) < 1 {
			return req, fmt.Errorf("%w: %s needs a participant id", errUsage, cmd)
		}
		req.ParticipantID = rest[0]
		req.Type = map[string]string{
			"block":     protocol.TypeBlock,
			"unblock":   protocol.TypeUnblock,
			"force-end": protocol.TypeForceEnd,
			"warn":      protocol.TypeWarn,
			"history":   protocol.TypeHistory,
		}[cmd]
		if cmd == "history" && len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil {
				return req, fmt.Errorf("%w: bad limit %q", errUsage, rest[1])
			}
			req.Limit = n
		}
	case "reports":
		req.Type = protocol.TypeListReports
		if len(rest) > 0 {
			n, err := strconv.Atoi(rest[0])
			if err != nil {
				return req, fmt.Errorf("%w: bad limit %q", errUsage, rest[0])
			}
			req.Limit = n
		}
	case "resolve":
		if len(rest) < 2 {
			return req, fmt.Errorf("%w: resolve needs a report id and an action", errUsage)
		}
		id, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return req, fmt.Errorf("%w: bad report id %q", errUsage, rest[0])
		}
		req.Type = protocol.TypeResolveReport
		req.ReportID = id
		req.Action = rest[1]
	case "stats":
		req.Type = protocol.TypeStats
	case "maintenance":
		req.Type = protocol.TypeRunMaintenance
	default:
		return req, fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return req, req.Validate()
}
