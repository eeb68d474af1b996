package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
)

// DebugFlags switch on driver debugging behavior
type DebugFlags uint32

var debugFlagsMapping = common.NewFlagStringMapping[DebugFlags]()

func (f DebugFlags) Register(str string) {
	debugFlagsMapping.Register(f, str)
}

func (f DebugFlags) String() string {
	return debugFlagsMapping.FlagsToString(f)
}

const (
	// DebugStartup logs device and queue creation
	DebugStartup DebugFlags = 1 << iota
	// DebugRD writes every submission to the capture file
	DebugRD
	// DebugRDFull includes the contents of every buffer object in captures, not only dumpable ones
	DebugRDFull
	// DebugNoBatch flushes the paravirtualized request buffer after every request
	DebugNoBatch
	// DebugLogSubmits logs every submission
	DebugLogSubmits
	// DebugTrace adds profiling entries to every submission
	DebugTrace
	// DebugNoZombieWait never blocks waiting for released device addresses
	DebugNoZombieWait
)

var debugNames = map[string]DebugFlags{
	"startup":      DebugStartup,
	"rd":           DebugRD,
	"rdfull":       DebugRDFull,
	"nobatch":      DebugNoBatch,
	"log_submits":  DebugLogSubmits,
	"trace":        DebugTrace,
	"nozombiewait": DebugNoZombieWait,
}

func init() {
	DebugStartup.Register("DebugStartup")
	DebugRD.Register("DebugRD")
	DebugRDFull.Register("DebugRDFull")
	DebugNoBatch.Register("DebugNoBatch")
	DebugLogSubmits.Register("DebugLogSubmits")
	DebugTrace.Register("DebugTrace")
	DebugNoZombieWait.Register("DebugNoZombieWait")
}

// ParseDebugFlags parses a comma or space separated list of debug option names such as "rd,nobatch"
func ParseDebugFlags(value string) (DebugFlags, error) {
	var flags DebugFlags

	names := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == ':'
	})
	for _, name := range names {
		flag, ok := debugNames[strings.ToLower(name)]
		if !ok {
			return flags, errors.Newf("unknown debug option %q", name)
		}
		flags |= flag
	}

	// a full capture is still a capture
	if flags&DebugRDFull != 0 {
		flags |= DebugRD
	}
	return flags, nil
}
