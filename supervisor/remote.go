package supervisor

import (
	"time"

	"github.com/UofSSpaceTeam/robocluster"
)

// defaultStopTimeout bounds how long a remote "stop" request waits for
// SIGTERM before escalating to SIGKILL.
const defaultStopTimeout = 5 * time.Second

// Wire installs createProcess/start/stop request handlers on member so
// another Member on the mesh can drive this Manager remotely.
func (m *Manager) Wire(member *devmesh.Member) {
	member.OnRequest("createProcess", func(args []any, kwargs map[string]any) any {
		name, _ := kwargs["name"].(string)
		command, _ := kwargs["command"].(string)
		policyTag, _ := kwargs["policy"].(string)
		policy, err := ParsePolicy(policyTag)
		if err != nil {
			policy = RunOnce
		}
		if err := m.Create(name, command, policy); err != nil {
			return err.Error()
		}
		return "ok"
	})

	member.OnRequest("start", func(args []any, kwargs map[string]any) any {
		if err := m.Start(toStrings(args)...); err != nil {
			return err.Error()
		}
		return "ok"
	})

	member.OnRequest("stop", func(args []any, kwargs map[string]any) any {
		if err := m.Stop(defaultStopTimeout, toStrings(args)...); err != nil {
			return err.Error()
		}
		return "ok"
	})
}

func toStrings(args []any) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if s, ok := a.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
