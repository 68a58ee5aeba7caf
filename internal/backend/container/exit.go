package container

// POSIX exit codes for a process ended by a signal: 128 + signal number.
const (
	ExitSIGTERM = 143
	ExitSIGKILL = 137
)

// ExitInfo classifies how a container stopped. GracefulShutdown and Killed
// are never both true.
type ExitInfo struct {
	ExitCode         int  `json:"exit_code"`
	GracefulShutdown bool `json:"graceful_shutdown"`
	Killed           bool `json:"killed"`
	OOMKilled        bool `json:"oom_killed"`
}

// ClassifyExit maps an exit code to graceful or forced termination. A clean
// exit or a SIGTERM-compliant exit is graceful; SIGKILL or the OOM killer is
// forced. Any other code is neither.
func ClassifyExit(code int, oomKilled bool) ExitInfo {
	info := ExitInfo{ExitCode: code, OOMKilled: oomKilled}
	switch {
	case oomKilled || code == ExitSIGKILL:
		info.Killed = true
	case code == 0 || code == ExitSIGTERM:
		info.GracefulShutdown = true
	}
	return info
}

func (e ExitInfo) fields(out map[string]any) {
	out["exit_code"] = e.ExitCode
	out["graceful_shutdown"] = e.GracefulShutdown
	out["killed"] = e.Killed
	out["oom_killed"] = e.OOMKilled
}
