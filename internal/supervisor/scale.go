package supervisor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// clusterMember is one ProcessInfo belonging to a named cluster, with its
// parsed instance id (-1 for a lone fork-mode process with no ":k" suffix).
type clusterMember struct {
	pi         *ProcessInfo
	instanceID int
}

// clusterMembers finds every ProcessInfo whose name equals base or matches
// "<base>:<digits>".
func (s *Supervisor) clusterMembers(base string) []clusterMember {
	var members []clusterMember
	for _, pi := range s.List() {
		if pi.Name == base {
			members = append(members, clusterMember{pi: pi, instanceID: -1})
			continue
		}
		prefix := base + ":"
		if strings.HasPrefix(pi.Name, prefix) {
			if n, err := strconv.Atoi(pi.Name[len(prefix):]); err == nil {
				members = append(members, clusterMember{pi: pi, instanceID: n})
			}
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].instanceID < members[j].instanceID })
	return members
}

// ScaleCluster adjusts the number of running instances of the cluster
// named base to target.
func (s *Supervisor) ScaleCluster(base string, target int) (started, stopped uint32, err error) {
	members := s.clusterMembers(base)
	current := len(members)

	if target == current {
		return 0, 0, nil
	}

	if target < current {
		toStop := current - target
		for i := 0; i < toStop; i++ {
			victim := members[len(members)-1-i]
			if err := s.StopProcess(victim.pi.ID, 15, 5000); err != nil {
				return started, stopped, fmt.Errorf("scale down %s: %w", base, err)
			}
			stopped++
		}
		for i := 0; i < current-toStop; i++ {
			s.mu.Lock()
			members[i].pi.Config.Instances = uint32(target)
			s.mu.Unlock()
		}
		return started, stopped, nil
	}

	template := members[0].pi.Config
	maxInstanceID := -1
	for _, m := range members {
		if m.instanceID > maxInstanceID {
			maxInstanceID = m.instanceID
		}
	}

	if len(members) == 1 && members[0].instanceID == -1 {
		s.mu.Lock()
		members[0].pi.Name = fmt.Sprintf("%s:0", base)
		members[0].pi.Config.Name = members[0].pi.Name
		members[0].pi.Config.InstanceID = 0
		s.mu.Unlock()
		maxInstanceID = 0
	}

	nextInstanceID := maxInstanceID + 1
	for current+int(started) < target {
		cfg := template
		cfg.Name = fmt.Sprintf("%s:%d", base, nextInstanceID)
		cfg.InstanceID = uint32(nextInstanceID)
		cfg.Instances = uint32(target)

		if _, err := s.StartProcess(cfg); err != nil {
			return started, stopped, fmt.Errorf("scale up %s: %w", base, err)
		}
		started++
		nextInstanceID++
	}

	for _, m := range s.clusterMembers(base) {
		s.mu.Lock()
		m.pi.Config.Instances = uint32(target)
		s.mu.Unlock()
	}

	return started, stopped, nil
}
