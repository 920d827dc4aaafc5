package node

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is a snapshot of the node state for operators.
type Status struct {
	FullSpaceName          string
	Mode                   string
	Admission              string
	QuiesceSupported       bool
	InconsistentStorage    bool
	PerInstancePersistency bool
	PendingBackupRecovery  bool
	LastPrimary            string // empty when no record exists
	IsMeLastPrimary        bool
	PendingOperations      int
	Backlog                int64
	ThrottledChannels      int
}

// Status collects the current state. Attribute store failures are returned
// together with the parts that could be read.
func (n *Node) Status() (Status, error) {
	s := Status{
		FullSpaceName:          n.cfg.FullSpaceName(),
		Mode:                   n.driver.Mode().String(),
		Admission:              n.stack.State(),
		QuiesceSupported:       n.stack.IsSupported(),
		InconsistentStorage:    n.coord.IsInconsistentStorage(),
		PerInstancePersistency: n.coord.PerInstancePersistency(),
		PendingBackupRecovery:  n.coord.PendingBackupRecovery(),
		PendingOperations:      n.pending.Pending(),
		Backlog:                n.backlog.Size(),
		ThrottledChannels:      n.throttle.Channels(),
	}

	last, ok, err := n.coord.LastPrimary()
	if err != nil {
		return s, err
	}
	if ok {
		s.LastPrimary = last
		s.IsMeLastPrimary = last == n.coord.RecordValue()
	}
	return s, nil
}

// String renders the status in the sectioned format of the node config.
func (s Status) String() string {
	var sb strings.Builder
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	sb.WriteString("\nNODE STATUS\n")
	addField("Full Space Name", s.FullSpaceName)
	addField("Mode", s.Mode)
	addField("Admission", s.Admission)
	addField("Quiesce Supported", strconv.FormatBool(s.QuiesceSupported))
	addField("Inconsistent Storage", strconv.FormatBool(s.InconsistentStorage))
	addField("Per Instance", strconv.FormatBool(s.PerInstancePersistency))
	addField("Pending Recovery", strconv.FormatBool(s.PendingBackupRecovery))
	last := s.LastPrimary
	if last == "" {
		last = "<none>"
	}
	addField("Last Primary", last)
	addField("Is Me Last Primary", strconv.FormatBool(s.IsMeLastPrimary))
	addField("Pending Operations", strconv.Itoa(s.PendingOperations))
	addField("Replication Backlog", strconv.FormatInt(s.Backlog, 10))
	addField("Channels", strconv.Itoa(s.ThrottledChannels))
	return sb.String()
}
