// Package wire implements the Gearman binary packet framing and the
// line-based admin protocol that share the same TCP port.
package wire

import "fmt"

// Magic distinguishes a request packet (client/worker -> server) from a
// response packet (server -> client/worker). Both are 4 bytes on the wire,
// ASCII "\0REQ" and "\0RES" respectively.
type Magic uint8

const (
	MagicNone Magic = iota
	MagicReq
	MagicRes
)

var magicBytes = map[Magic][4]byte{
	MagicReq: {0, 'R', 'E', 'Q'},
	MagicRes: {0, 'R', 'E', 'S'},
}

// Command is the 4-byte big-endian opcode carried in every binary packet.
// Numeric values follow the historical Gearman protocol.
type Command uint32

const (
	CmdCanDo            Command = 1
	CmdCantDo           Command = 2
	CmdResetAbilities   Command = 3
	CmdPreSleep         Command = 4
	CmdNoop             Command = 6
	CmdSubmitJob        Command = 7
	CmdJobCreated       Command = 8
	CmdGrabJob          Command = 9
	CmdNoJob            Command = 10
	CmdJobAssign        Command = 11
	CmdWorkStatus       Command = 12
	CmdWorkComplete     Command = 13
	CmdWorkFail         Command = 14
	CmdGetStatus        Command = 15
	CmdEchoReq          Command = 16
	CmdEchoRes          Command = 17
	CmdSubmitJobBG      Command = 18
	CmdError            Command = 19
	CmdStatusRes        Command = 20
	CmdSubmitJobHigh    Command = 21
	CmdSetClientID      Command = 22
	CmdCanDoTimeout     Command = 23
	CmdAllYours         Command = 24
	CmdWorkException    Command = 25
	CmdOptionReq        Command = 26
	CmdOptionRes        Command = 27
	CmdWorkData         Command = 28
	CmdWorkWarning      Command = 29
	CmdGrabJobUniq      Command = 30
	CmdJobAssignUniq    Command = 31
	CmdSubmitJobHighBG  Command = 32
	CmdSubmitJobLow     Command = 33
	CmdSubmitJobLowBG   Command = 34
	CmdSubmitJobSched   Command = 35
	CmdSubmitJobEpoch   Command = 36
	CmdSubmitReduceJob  Command = 37
	CmdSubmitReduceJobBackground Command = 38
	CmdGrabJobAll       Command = 39
	CmdJobAssignAll     Command = 40
	CmdGetStatusUnique  Command = 41
	CmdStatusResUnique  Command = 42
)

var commandNames = map[Command]string{
	CmdCanDo:                     "CAN_DO",
	CmdCantDo:                    "CANT_DO",
	CmdResetAbilities:            "RESET_ABILITIES",
	CmdPreSleep:                  "PRE_SLEEP",
	CmdNoop:                      "NOOP",
	CmdSubmitJob:                 "SUBMIT_JOB",
	CmdJobCreated:                "JOB_CREATED",
	CmdGrabJob:                   "GRAB_JOB",
	CmdNoJob:                     "NO_JOB",
	CmdJobAssign:                 "JOB_ASSIGN",
	CmdWorkStatus:                "WORK_STATUS",
	CmdWorkComplete:              "WORK_COMPLETE",
	CmdWorkFail:                  "WORK_FAIL",
	CmdGetStatus:                 "GET_STATUS",
	CmdEchoReq:                   "ECHO_REQ",
	CmdEchoRes:                   "ECHO_RES",
	CmdSubmitJobBG:               "SUBMIT_JOB_BG",
	CmdError:                     "ERROR",
	CmdStatusRes:                 "STATUS_RES",
	CmdSubmitJobHigh:             "SUBMIT_JOB_HIGH",
	CmdSetClientID:               "SET_CLIENT_ID",
	CmdCanDoTimeout:              "CAN_DO_TIMEOUT",
	CmdAllYours:                  "ALL_YOURS",
	CmdWorkException:             "WORK_EXCEPTION",
	CmdOptionReq:                 "OPTION_REQ",
	CmdOptionRes:                 "OPTION_RES",
	CmdWorkData:                  "WORK_DATA",
	CmdWorkWarning:               "WORK_WARNING",
	CmdGrabJobUniq:               "GRAB_JOB_UNIQ",
	CmdJobAssignUniq:             "JOB_ASSIGN_UNIQ",
	CmdSubmitJobHighBG:           "SUBMIT_JOB_HIGH_BG",
	CmdSubmitJobLow:              "SUBMIT_JOB_LOW",
	CmdSubmitJobLowBG:            "SUBMIT_JOB_LOW_BG",
	CmdSubmitJobSched:            "SUBMIT_JOB_SCHED",
	CmdSubmitJobEpoch:            "SUBMIT_JOB_EPOCH",
	CmdSubmitReduceJob:           "SUBMIT_REDUCE_JOB",
	CmdSubmitReduceJobBackground: "SUBMIT_REDUCE_JOB_BACKGROUND",
	CmdGrabJobAll:                "GRAB_JOB_ALL",
	CmdJobAssignAll:              "JOB_ASSIGN_ALL",
	CmdGetStatusUnique:           "GET_STATUS_UNIQUE",
	CmdStatusResUnique:           "STATUS_RES_UNIQUE",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(%d)", uint32(c))
}

// SubmitKind is the (priority, background, scheduled) behavior of a
// SUBMIT_JOB* variant; submitKinds maps every variant to one so the
// dispatcher can treat them uniformly.
type SubmitKind struct {
	Priority   Priority
	Background bool
	Scheduled  bool
}

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
	PriorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

var submitKinds = map[Command]SubmitKind{
	CmdSubmitJob:       {PriorityNormal, false, false},
	CmdSubmitJobBG:     {PriorityNormal, true, false},
	CmdSubmitJobHigh:   {PriorityHigh, false, false},
	CmdSubmitJobHighBG: {PriorityHigh, true, false},
	CmdSubmitJobLow:    {PriorityLow, false, false},
	CmdSubmitJobLowBG:  {PriorityLow, true, false},
	CmdSubmitJobSched:  {PriorityNormal, true, true},
	CmdSubmitJobEpoch:  {PriorityNormal, false, true},
}

// SubmitKindOf reports the priority/background/scheduled classification of
// a SUBMIT_JOB* command, and whether cmd is one at all.
func SubmitKindOf(cmd Command) (SubmitKind, bool) {
	k, ok := submitKinds[cmd]
	return k, ok
}

// IsClientCommand reports whether cmd is one a connection sends before its
// role has been determined that reveals the connection as a Client.
func IsClientCommand(cmd Command) bool {
	switch cmd {
	case CmdSubmitJob, CmdSubmitJobBG, CmdSubmitJobHigh, CmdSubmitJobHighBG,
		CmdSubmitJobLow, CmdSubmitJobLowBG, CmdSubmitJobSched, CmdSubmitJobEpoch,
		CmdGetStatus, CmdGetStatusUnique, CmdOptionReq, CmdEchoReq,
		CmdSubmitReduceJob, CmdSubmitReduceJobBackground:
		return true
	}
	return false
}

// IsWorkerCommand reports whether cmd is one a connection sends before its
// role has been determined that reveals the connection as a Worker.
func IsWorkerCommand(cmd Command) bool {
	switch cmd {
	case CmdCanDo, CmdCanDoTimeout, CmdCantDo, CmdResetAbilities, CmdPreSleep,
		CmdGrabJob, CmdGrabJobUniq, CmdGrabJobAll, CmdSetClientID,
		CmdWorkData, CmdWorkWarning, CmdWorkStatus, CmdWorkComplete,
		CmdWorkFail, CmdWorkException:
		return true
	}
	return false
}
