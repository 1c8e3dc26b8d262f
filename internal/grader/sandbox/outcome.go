package sandbox

import (
	"bufio"
	"encoding/json"
	"strings"
	"time"
)

// Status classifies how a shell process ended.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusScriptError     Status = "script-error"
	StatusTimeout         Status = "timeout"
	StatusProcessError    Status = "process-error"
	StatusMalformedOutput Status = "malformed-output"
)

// sentinelKey tags the error object printed by the wrapper scripts.
const sentinelKey = "__mongo_error"

// Script is a wrapper program plus the environment it reads its input from.
type Script struct {
	Source string
	Env    map[string]string
}

// Outcome is the result of one shell process.
type Outcome struct {
	Status   Status
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	// Oversize is set when stdout exceeded the output ceiling.
	Oversize bool
}

// ErrorMessage returns the learner-facing text of a failed run: the sentinel
// message, else raw stdout, else raw stderr.
func (o Outcome) ErrorMessage() string {
	if msg, ok := sentinelMessage(o.Stdout); ok {
		return msg
	}
	if s := strings.TrimSpace(o.Stdout); s != "" {
		return s
	}
	if s := strings.TrimSpace(o.Stderr); s != "" {
		return s
	}
	return "Unknown mongosh error"
}

// ExecMs is the wall-clock duration in milliseconds.
func (o Outcome) ExecMs() int64 {
	return o.Duration.Milliseconds()
}

func sentinelMessage(stdout string) (string, bool) {
	var last string
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64<<10), defaultMaxOutputBytes+outputSlack)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var payload map[string]json.RawMessage
		if json.Unmarshal([]byte(line), &payload) != nil {
			continue
		}
		raw, ok := payload[sentinelKey]
		if !ok {
			continue
		}
		var msg string
		if json.Unmarshal(raw, &msg) != nil {
			msg = string(raw)
		}
		last = msg
	}
	return last, last != ""
}
